package chat

import (
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// FinishKind is the closed set of finish reasons the session acts on.
type FinishKind int

const (
	FinishNone FinishKind = iota
	FinishStop
	FinishMaxTokens
	FinishSafety
	FinishRecitation
	FinishMalformedCall
	FinishOther
)

func (k FinishKind) String() string {
	switch k {
	case FinishNone:
		return "none"
	case FinishStop:
		return "stop"
	case FinishMaxTokens:
		return "max_tokens"
	case FinishSafety:
		return "safety"
	case FinishRecitation:
		return "recitation"
	case FinishMalformedCall:
		return "malformed_call"
	default:
		return "other"
	}
}

// FinishKindOf maps a wire finish reason to a FinishKind. Every
// content-policy block folds into FinishSafety.
func FinishKindOf(r genai.FinishReason) FinishKind {
	switch r {
	case "", genai.FinishReasonUnspecified:
		return FinishNone
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishMaxTokens
	case genai.FinishReasonSafety,
		genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist,
		genai.FinishReasonSPII,
		genai.FinishReasonImageSafety:
		return FinishSafety
	case genai.FinishReasonRecitation:
		return FinishRecitation
	case genai.FinishReasonMalformedFunctionCall:
		return FinishMalformedCall
	default:
		return FinishOther
	}
}

// InvalidStreamKind names why a drained stream was rejected.
type InvalidStreamKind string

const (
	NoFinishReason  InvalidStreamKind = "NO_FINISH_REASON"
	NoResponseText  InvalidStreamKind = "NO_RESPONSE_TEXT"
	SafetyBlock     InvalidStreamKind = "SAFETY"
	RecitationBlock InvalidStreamKind = "RECITATION"
)

// VerdictKind is the classification of a drained stream.
type VerdictKind int

const (
	VerdictValid VerdictKind = iota
	VerdictRetryable
	VerdictFatal
)

// Verdict is the result of Classify.
type Verdict struct {
	Kind         VerdictKind
	Invalid      InvalidStreamKind
	FinishReason genai.FinishReason
}

// Valid reports whether the stream may be committed.
func (v Verdict) Valid() bool { return v.Kind == VerdictValid }

// Err returns the verdict as an *InvalidStreamError, or nil when valid.
func (v Verdict) Err() error {
	if v.Valid() {
		return nil
	}
	return &InvalidStreamError{Kind: v.Invalid, FinishReason: v.FinishReason, Fatal: v.Kind == VerdictFatal}
}

// StreamSummary is what the session accumulates while draining one attempt.
type StreamSummary struct {
	HasToolCall     bool
	HasFinishReason bool
	FinishReason    genai.FinishReason
	ResponseText    string
}

// Summarize builds a StreamSummary from consolidated parts and the last
// finish reason seen.
func Summarize(parts []*genai.Part, finishReason genai.FinishReason) StreamSummary {
	s := StreamSummary{
		FinishReason:    finishReason,
		HasFinishReason: FinishKindOf(finishReason) != FinishNone,
	}
	var text strings.Builder
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.FunctionCall != nil {
			s.HasToolCall = true
		}
		if !p.Thought {
			text.WriteString(p.Text)
		}
	}
	s.ResponseText = strings.TrimSpace(text.String())
	return s
}

// Classify applies the validity rules in order:
//  1. any function call makes the stream valid;
//  2. a missing finish reason is retryable;
//  3. empty text is fatal after a safety or recitation block and
//     retryable otherwise;
//  4. everything else is valid.
func Classify(s StreamSummary) Verdict {
	v := Verdict{FinishReason: s.FinishReason}
	switch {
	case s.HasToolCall:
		v.Kind = VerdictValid
	case !s.HasFinishReason:
		v.Kind, v.Invalid = VerdictRetryable, NoFinishReason
	case s.ResponseText == "":
		switch FinishKindOf(s.FinishReason) {
		case FinishSafety:
			v.Kind, v.Invalid = VerdictFatal, SafetyBlock
		case FinishRecitation:
			v.Kind, v.Invalid = VerdictFatal, RecitationBlock
		default:
			v.Kind, v.Invalid = VerdictRetryable, NoResponseText
		}
	default:
		v.Kind = VerdictValid
	}
	return v
}

// InvalidStreamError reports a rejected stream.
type InvalidStreamError struct {
	Kind         InvalidStreamKind
	FinishReason genai.FinishReason
	Fatal        bool
}

func (e *InvalidStreamError) Error() string {
	switch e.Kind {
	case NoFinishReason:
		return "model stream ended without a finish reason"
	case NoResponseText:
		return fmt.Sprintf("model stream ended with finish reason %s and no response text", e.FinishReason)
	case SafetyBlock:
		return fmt.Sprintf("model response was blocked by safety filters (%s)", e.FinishReason)
	case RecitationBlock:
		return "model response was blocked for reciting protected content"
	default:
		return fmt.Sprintf("invalid model stream: %s", e.Kind)
	}
}

// Retryable reports whether another attempt may succeed.
func (e *InvalidStreamError) Retryable() bool { return !e.Fatal }

// ConsolidateParts merges adjacent non-thought text parts and drops empty
// ones. The thought signature of a dropped part moves to the part before it,
// or to the next part when the one before is already signed. Parts carrying
// anything besides text are kept as they are. The input is not modified.
func ConsolidateParts(parts []*genai.Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	var pending []byte
	for _, p := range parts {
		if p == nil {
			continue
		}
		if isEmptyPart(p) {
			if len(p.ThoughtSignature) == 0 {
				continue
			}
			if n := len(out); n > 0 && len(out[n-1].ThoughtSignature) == 0 {
				out[n-1].ThoughtSignature = append([]byte(nil), p.ThoughtSignature...)
			} else if pending == nil {
				pending = p.ThoughtSignature
			}
			continue
		}
		if n := len(out); n > 0 && pending == nil && isPlainText(p) && isTextAccumulator(out[n-1]) {
			merged := *out[n-1]
			merged.Text += p.Text
			out[n-1] = &merged
			continue
		}
		c := clonePart(p)
		if pending != nil && len(c.ThoughtSignature) == 0 {
			c.ThoughtSignature = append([]byte(nil), pending...)
			pending = nil
		}
		out = append(out, c)
	}
	return out
}

// isPlainText reports whether p is a non-thought text part with no other
// payload.
func isPlainText(p *genai.Part) bool {
	return len(p.ThoughtSignature) == 0 && isTextAccumulator(p)
}

// isTextAccumulator reports whether later text may be appended to p. A
// leading signature stays on the merged part.
func isTextAccumulator(p *genai.Part) bool {
	return !p.Thought && p.Text != "" && isTextOnly(p)
}
