// Package perplexity adapts the Perplexity Sonar API, a chat-only
// OpenAI-compatible endpoint.
package perplexity

import (
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openaicompat"
)

const defaultBaseURL = "https://api.perplexity.ai"

func New(cfg adapters.Config) (adapters.Adapter, error) {
	return openaicompat.New(cfg, openaicompat.Options{
		Name:           "perplexity",
		DefaultBaseURL: defaultBaseURL,
		Ops:            []adapters.Op{adapters.OpChat},
		// Sonar models reject OpenAI tool parameters outright.
		ChatHook: func(body map[string]any) {
			delete(body, "tools")
			delete(body, "tool_choice")
			delete(body, "parallel_tool_calls")
		},
	})
}
