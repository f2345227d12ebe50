package chat

import (
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestClassify(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{Name: "f"}}
	tests := []struct {
		name    string
		parts   []*genai.Part
		finish  genai.FinishReason
		kind    VerdictKind
		invalid InvalidStreamKind
	}{
		{"text with stop", []*genai.Part{{Text: "hi"}}, genai.FinishReasonStop, VerdictValid, ""},
		{"tool call without finish", []*genai.Part{call}, "", VerdictValid, ""},
		{"tool call with safety", []*genai.Part{call}, genai.FinishReasonSafety, VerdictValid, ""},
		{"text without finish", []*genai.Part{{Text: "hi"}}, "", VerdictRetryable, NoFinishReason},
		{"unspecified finish", []*genai.Part{{Text: "hi"}}, genai.FinishReasonUnspecified, VerdictRetryable, NoFinishReason},
		{"empty with stop", nil, genai.FinishReasonStop, VerdictRetryable, NoResponseText},
		{"whitespace with stop", []*genai.Part{{Text: "  \n"}}, genai.FinishReasonStop, VerdictRetryable, NoResponseText},
		{"only thoughts", []*genai.Part{{Text: "thinking", Thought: true}}, genai.FinishReasonStop, VerdictRetryable, NoResponseText},
		{"empty with safety", nil, genai.FinishReasonSafety, VerdictFatal, SafetyBlock},
		{"empty with prohibited", nil, genai.FinishReasonProhibitedContent, VerdictFatal, SafetyBlock},
		{"empty with recitation", nil, genai.FinishReasonRecitation, VerdictFatal, RecitationBlock},
		{"text with max tokens", []*genai.Part{{Text: "partial"}}, genai.FinishReasonMaxTokens, VerdictValid, ""},
		{"text with safety", []*genai.Part{{Text: "partial"}}, genai.FinishReasonSafety, VerdictValid, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(Summarize(tt.parts, tt.finish))
			if v.Kind != tt.kind || v.Invalid != tt.invalid {
				t.Errorf("Classify() = {%v %q}, want {%v %q}", v.Kind, v.Invalid, tt.kind, tt.invalid)
			}
		})
	}
}

func TestVerdictErr(t *testing.T) {
	if err := (Verdict{Kind: VerdictValid}).Err(); err != nil {
		t.Errorf("valid verdict err = %v", err)
	}
	err := Verdict{Kind: VerdictFatal, Invalid: SafetyBlock, FinishReason: genai.FinishReasonSafety}.Err()
	var invalid *InvalidStreamError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidStreamError, got %T", err)
	}
	if invalid.Retryable() {
		t.Error("fatal verdict reported as retryable")
	}
}

func TestConsolidateParts(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{Name: "f"}}
	parts := []*genai.Part{
		{Text: "Hel", ThoughtSignature: []byte("sig")},
		{Text: "lo"},
		{Text: ""},
		{Text: " world"},
		{Text: "plan", Thought: true},
		call,
		{Text: "after"},
	}
	got := ConsolidateParts(parts)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(got), got)
	}
	if got[0].Text != "Hello world" || string(got[0].ThoughtSignature) != "sig" {
		t.Errorf("merged part = %+v", got[0])
	}
	if !got[1].Thought || got[2].FunctionCall == nil || got[3].Text != "after" {
		t.Errorf("unexpected parts: %+v", got)
	}
	if parts[0].Text != "Hel" {
		t.Error("input was modified")
	}
}

func TestConsolidatePartsKeepsSignedTextSeparate(t *testing.T) {
	got := ConsolidateParts([]*genai.Part{{Text: "a"}, {Text: "b", ThoughtSignature: []byte("s")}})
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestConsolidatePartsMovesSignatureOfEmptyPart(t *testing.T) {
	call := &genai.FunctionCall{Name: "f"}
	tests := []struct {
		name     string
		parts    []*genai.Part
		wantLen  int
		wantText string
		signed   int
	}{
		{
			name:     "trailing signature joins previous text",
			parts:    []*genai.Part{{Text: "Hi"}, {ThoughtSignature: []byte("sig")}},
			wantLen:  1,
			wantText: "Hi",
			signed:   0,
		},
		{
			name:     "leading signature joins next text",
			parts:    []*genai.Part{{ThoughtSignature: []byte("sig")}, {Text: "Hi"}},
			wantLen:  1,
			wantText: "Hi",
			signed:   0,
		},
		{
			name:     "signed previous part passes it on",
			parts:    []*genai.Part{{Text: "Hi", ThoughtSignature: []byte("a")}, {ThoughtSignature: []byte("sig")}, {FunctionCall: call}},
			wantLen:  2,
			wantText: "Hi",
			signed:   1,
		},
		{
			name:    "nothing to carry it",
			parts:   []*genai.Part{{ThoughtSignature: []byte("sig")}},
			wantLen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConsolidateParts(tt.parts)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d: %+v", len(got), tt.wantLen, got)
			}
			if tt.wantLen == 0 {
				return
			}
			if got[0].Text != tt.wantText {
				t.Errorf("text = %q, want %q", got[0].Text, tt.wantText)
			}
			if string(got[tt.signed].ThoughtSignature) != "sig" {
				t.Errorf("part %d signature = %q, want sig", tt.signed, got[tt.signed].ThoughtSignature)
			}
			if !IsValidContent(&genai.Content{Role: genai.RoleModel, Parts: got}) {
				t.Error("consolidated parts are not valid content")
			}
		})
	}
}

func TestFinishKindOf(t *testing.T) {
	tests := map[genai.FinishReason]FinishKind{
		"":                                      FinishNone,
		genai.FinishReasonUnspecified:           FinishNone,
		genai.FinishReasonStop:                  FinishStop,
		genai.FinishReasonMaxTokens:             FinishMaxTokens,
		genai.FinishReasonSafety:                FinishSafety,
		genai.FinishReasonSPII:                  FinishSafety,
		genai.FinishReasonRecitation:            FinishRecitation,
		genai.FinishReasonMalformedFunctionCall: FinishMalformedCall,
		genai.FinishReasonOther:                 FinishOther,
	}
	for in, want := range tests {
		if got := FinishKindOf(in); got != want {
			t.Errorf("FinishKindOf(%q) = %v, want %v", in, got, want)
		}
	}
}
