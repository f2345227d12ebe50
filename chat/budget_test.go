package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"google.golang.org/genai"
)

func toolResultTurn(name string, size int) *genai.Content {
	return &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{
		genai.NewPartFromFunctionResponse(name, map[string]any{"output": strings.Repeat("x", size)}),
	}}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("nil = %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("string = %d, want 2", got)
	}
	c := userText("hello")
	raw, _ := json.Marshal(c)
	if got, want := EstimateTokens(c), (len(raw)+3)/4; got != want {
		t.Errorf("content = %d, want %d", got, want)
	}
}

func TestTrimUnderBudgetIsUnchanged(t *testing.T) {
	history := []*genai.Content{userText("a"), modelText("b")}
	res := TrimHistory(history, nil, nil, 1_000_000)
	if res.Trimmed() || res.Warning != "" {
		t.Fatalf("unexpected trim: %+v", res)
	}
	if len(res.History) != 2 {
		t.Errorf("len = %d", len(res.History))
	}
}

func TestTrimNoLimitIsUnchanged(t *testing.T) {
	history := []*genai.Content{userText(strings.Repeat("a", 10_000))}
	res := TrimHistory(history, nil, nil, 0)
	if res.Trimmed() {
		t.Error("trimmed without a limit")
	}
}

func TestTrimRemovesOldestAndPreservesRecent(t *testing.T) {
	var history []*genai.Content
	for i := 0; i < 10; i++ {
		text := strings.Repeat(string(rune('a'+i)), 1000)
		if i%2 == 0 {
			history = append(history, userText(text))
		} else {
			history = append(history, modelText(text))
		}
	}
	// Aim the safe limit halfway between the cost of the last seven entries
	// and the last eight, so exactly three have to go.
	tail := func(from int) int {
		n := 0
		for _, c := range history[from:] {
			n += EstimateTokens(c)
		}
		return n
	}
	target := (tail(3) + tail(2)) / 2
	limit := int(float64(target) / DefaultSafeLimitRatio)

	res := TrimHistory(history, nil, nil, limit)
	if res.Removed != 3 {
		t.Fatalf("removed = %d, want 3 (safe limit %d)", res.Removed, res.SafeLimit)
	}
	if len(res.History) != 7 || len(res.History) < DefaultPreservedEntries {
		t.Fatalf("kept %d entries, want 7", len(res.History))
	}
	if res.EstimatedTokens >= res.SafeLimit {
		t.Errorf("estimated %d still at or above safe limit %d", res.EstimatedTokens, res.SafeLimit)
	}
	if res.History[0].Parts[0].Text != history[3].Parts[0].Text {
		t.Error("oldest kept entry is not the fourth one")
	}
	last := res.History[len(res.History)-1]
	if last.Parts[0].Text != history[9].Parts[0].Text {
		t.Error("most recent entry was not kept")
	}
	if !strings.Contains(res.Warning, "Removed 3 oldest") {
		t.Errorf("warning = %q", res.Warning)
	}
	if len(history) != 10 {
		t.Error("input was modified")
	}
}

func TestTrimNeverRemovesPreservedEntries(t *testing.T) {
	var history []*genai.Content
	for i := 0; i < 6; i++ {
		history = append(history, userText(strings.Repeat("q", 2000)))
	}
	res := TrimHistory(history, nil, nil, EstimateTokens(history[0]))
	if res.Removed != 2 || len(res.History) != DefaultPreservedEntries {
		t.Fatalf("removed=%d kept=%d", res.Removed, len(res.History))
	}
	if !strings.Contains(res.Warning, "still estimated") {
		t.Errorf("warning = %q", res.Warning)
	}
}

func TestTrimIsIdempotent(t *testing.T) {
	var history []*genai.Content
	for i := 0; i < 10; i++ {
		history = append(history, userText(strings.Repeat("z", 800)))
	}
	limit := EstimateTokens(history[0]) * 5

	first := TrimHistory(history, nil, nil, limit)
	second := TrimHistory(first.History, nil, nil, limit)
	if second.Removed != 0 || second.Summarized != 0 {
		t.Errorf("second pass changed history: %+v", second)
	}
	if len(second.History) != len(first.History) {
		t.Errorf("len %d != %d", len(second.History), len(first.History))
	}
}

func TestTrimSummarizesLargeOlderToolResults(t *testing.T) {
	history := []*genai.Content{
		userText("start"),
		toolResultTurn("read_file", 20_000),
		modelText("ok"),
		userText("next"),
		modelText("fine"),
		toolResultTurn("read_file", 20_000),
	}
	res := TrimHistory(history, nil, nil, 10_000)
	if res.Summarized != 1 {
		t.Fatalf("summarized = %d, want 1", res.Summarized)
	}
	if res.Removed != 0 {
		t.Errorf("removed = %d, want 0", res.Removed)
	}

	summary, ok := res.History[1].Parts[0].FunctionResponse.Response["summary"].(string)
	if !ok {
		t.Fatalf("older response not summarized: %v", res.History[1].Parts[0].FunctionResponse.Response)
	}
	if !strings.HasPrefix(summary, "read_file: output truncated (") {
		t.Errorf("summary = %q", summary)
	}
	if _, ok := res.History[5].Parts[0].FunctionResponse.Response["output"]; !ok {
		t.Error("recent response was summarized")
	}
	if _, ok := history[1].Parts[0].FunctionResponse.Response["output"]; !ok {
		t.Error("input was modified")
	}
}

func TestTrimSummarizesWithoutBudgetPressure(t *testing.T) {
	history := []*genai.Content{
		toolResultTurn("read_file", 20_000),
		modelText("ok"),
		userText("next"),
		modelText("fine"),
		userText("again"),
	}
	for _, limit := range []int{0, 10_000_000} {
		res := TrimHistory(history, nil, nil, limit)
		if res.Summarized != 1 || res.Removed != 0 || res.Warning != "" {
			t.Errorf("limit %d: %+v", limit, res)
		}
		if _, ok := res.History[0].Parts[0].FunctionResponse.Response["summary"]; !ok {
			t.Errorf("limit %d: older response not summarized", limit)
		}
	}
}

func TestTrimSummaryPreviewIsValidUTF8(t *testing.T) {
	history := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{
			genai.NewPartFromFunctionResponse("read_file", map[string]any{"output": strings.Repeat("é", 5000)}),
		}},
		modelText("ok"),
		userText("next"),
		modelText("fine"),
		userText("again"),
	}
	res := TrimHistory(history, nil, nil, 0)
	summary, _ := res.History[0].Parts[0].FunctionResponse.Response["summary"].(string)
	if summary == "" || !utf8.ValidString(summary) {
		t.Errorf("summary = %q", summary)
	}
}

func TestJSONPrefix(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		n    int
		want string
	}{
		{"shorter than limit", `"abc"`, 10, `"abc"`},
		{"plain cut", `"abcdef"`, 4, `"abc`},
		{"inside multibyte rune", `"aé"`, 3, `"a`},
		{"inside unicode escape", `"ab\u003c"`, 5, `"ab`},
		{"inside short escape", `"a\nb"`, 3, `"a`},
		{"after escaped backslash", `"\\x"`, 3, `"\\`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jsonPrefix([]byte(tt.raw), tt.n); got != tt.want {
				t.Errorf("jsonPrefix(%s, %d) = %s, want %s", tt.raw, tt.n, got, tt.want)
			}
		})
	}
}

func TestTrimWarnsWhenStillOversized(t *testing.T) {
	history := []*genai.Content{
		userText(strings.Repeat("a", 4000)),
		modelText("b"),
		userText("c"),
		modelText("d"),
	}
	res := TrimHistory(history, userText(strings.Repeat("s", 8000)), nil, 1000)
	if res.Removed != 0 {
		t.Errorf("removed = %d, want 0", res.Removed)
	}
	if !strings.Contains(res.Warning, "still estimated") {
		t.Errorf("warning = %q", res.Warning)
	}
}

func TestTrimCountsToolDeclarations(t *testing.T) {
	history := []*genai.Content{userText("a")}
	tools := []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
		Name:        "big",
		Description: strings.Repeat("d", 4000),
	}}}}
	without := TrimHistory(history, nil, nil, 1_000_000)
	with := TrimHistory(history, nil, tools, 1_000_000)
	if with.EstimatedTokens <= without.EstimatedTokens+900 {
		t.Errorf("tools not counted: %d vs %d", with.EstimatedTokens, without.EstimatedTokens)
	}
}
