package contentgen

import "strings"

// Default model identifiers.
const (
	DefaultModel          = "gemini-2.5-pro"
	DefaultFallbackModel  = "gemini-2.5-flash"
	DefaultFlashLiteModel = "gemini-2.5-flash-lite"
	DefaultEmbeddingModel = "gemini-embedding-001"

	// DefaultTokenLimit applies to models missing from the catalog.
	DefaultTokenLimit = 1_048_576
)

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	DisplayName       string   `json:"display_name"`
	ContextWindow     int      `json:"context_window"`
	MaxOutput         int      `json:"max_output,omitempty"`
	SupportsThinking  bool     `json:"supports_thinking"`
	SupportsEmbedding bool     `json:"supports_embedding"`
	Aliases           []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Gemini
	{
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsThinking: true,
		Aliases: []string{"pro", "gemini-pro"},
	},
	{
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsThinking: true,
		Aliases: []string{"flash", "gemini-flash"},
	},
	{
		ID: "gemini-2.5-flash-lite", Provider: "gemini", DisplayName: "Gemini 2.5 Flash Lite",
		ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsThinking: true,
		Aliases: []string{"flash-lite"},
	},
	{
		ID: "gemini-2.0-flash", Provider: "gemini", DisplayName: "Gemini 2.0 Flash",
		ContextWindow: 1_048_576, MaxOutput: 8_192,
	},
	{
		ID: "gemini-embedding-001", Provider: "gemini", DisplayName: "Gemini Embedding",
		ContextWindow: 2_048, SupportsEmbedding: true,
	},

	// Served through gollm.
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200_000, MaxOutput: 16_384, SupportsThinking: true,
		Aliases: []string{"sonnet"},
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128_000, MaxOutput: 16_384,
	},
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1 (Ollama)",
		ContextWindow: 131_072, MaxOutput: 4_096,
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
// The optional "models/" resource prefix is ignored.
func GetModelInfo(modelID string) *ModelInfo {
	modelID = strings.TrimPrefix(modelID, "models/")
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ResolveModel expands an alias to its canonical model ID. Unknown names are
// returned unchanged.
func ResolveModel(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ID
	}
	return modelID
}

// TokenLimit returns the context window of model in tokens.
func TokenLimit(model string) int {
	if info := GetModelInfo(model); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultTokenLimit
}

// ProviderFor returns the provider that serves model. Unknown models whose
// name starts with "gemini" are assumed to be served by the Gemini API.
func ProviderFor(model string) string {
	if info := GetModelInfo(model); info != nil {
		return info.Provider
	}
	if strings.HasPrefix(strings.TrimPrefix(model, "models/"), "gemini") {
		return "gemini"
	}
	return ""
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first (newest/best) generation model for a
// provider.
func GetLatestModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider && !Models[i].SupportsEmbedding {
			return &Models[i]
		}
	}
	return nil
}
