package chat

import "google.golang.org/genai"

// mutatorGuard lets the first mutating function call of a stream through
// and cuts the stream before the second one, so the model sees the result
// of one state change before requesting another.
type mutatorGuard struct {
	isMutator func(name string) bool
	first     *genai.FunctionCall
}

func newMutatorGuard(isMutator func(string) bool) *mutatorGuard {
	return &mutatorGuard{isMutator: isMutator}
}

// inspect returns resp unchanged and false while at most one mutating call
// has been seen. On the second distinct mutating call it returns a
// synthetic chunk holding the parts of resp that precede that call, with a
// STOP finish reason, and true; the caller must stop reading upstream.
func (g *mutatorGuard) inspect(resp *genai.GenerateContentResponse) (*genai.GenerateContentResponse, bool) {
	if g == nil || g.isMutator == nil {
		return resp, false
	}
	parts := responseParts(resp)
	for i, p := range parts {
		if p == nil || p.FunctionCall == nil || !g.isMutator(p.FunctionCall.Name) {
			continue
		}
		if g.first == nil {
			g.first = p.FunctionCall
			continue
		}
		if sameCall(g.first, p.FunctionCall) {
			continue
		}
		return truncatedChunk(resp, parts[:i]), true
	}
	return resp, false
}

func sameCall(a, b *genai.FunctionCall) bool {
	if a == b {
		return true
	}
	return a.ID != "" && a.ID == b.ID
}

func truncatedChunk(resp *genai.GenerateContentResponse, parts []*genai.Part) *genai.GenerateContentResponse {
	kept := make([]*genai.Part, len(parts))
	for i, p := range parts {
		kept[i] = clonePart(p)
	}
	cand := &genai.Candidate{FinishReason: genai.FinishReasonStop}
	role := string(genai.RoleModel)
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		orig := *resp.Candidates[0]
		cand = &orig
		cand.FinishReason = genai.FinishReasonStop
		if orig.Content != nil && orig.Content.Role != "" {
			role = orig.Content.Role
		}
	}
	cand.Content = &genai.Content{Role: role, Parts: kept}
	return &genai.GenerateContentResponse{
		Candidates:    []*genai.Candidate{cand},
		UsageMetadata: resp.UsageMetadata,
		ModelVersion:  resp.ModelVersion,
	}
}
