// Package openrouter adapts the OpenRouter aggregator. OpenRouter namespaces
// models by vendor ("openai/gpt-4o"), so bare model ids from the unified
// surface are prefixed before forwarding.
package openrouter

import (
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openaicompat"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// vendorPrefixes maps a model-id prefix to its OpenRouter namespace.
var vendorPrefixes = []struct{ model, vendor string }{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"chatgpt-", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "google"},
	{"mistral-", "mistralai"},
	{"ministral-", "mistralai"},
	{"pixtral-", "mistralai"},
	{"llama-", "meta-llama"},
	{"grok-", "x-ai"},
	{"deepseek-", "deepseek"},
	{"sonar", "perplexity"},
}

func New(cfg adapters.Config) (adapters.Adapter, error) {
	return openaicompat.New(cfg, openaicompat.Options{
		Name:           "openrouter",
		DefaultBaseURL: defaultBaseURL,
		Ops:            []adapters.Op{adapters.OpChat},
		ChatHook: func(body map[string]any) {
			if model, ok := body["model"].(string); ok {
				body["model"] = Namespace(model)
			}
		},
		Headers: map[string]string{
			"HTTP-Referer": "https://github.com/nulpointcorp/llm-relay",
			"X-Title":      "llm-relay",
		},
	})
}

// Namespace returns the OpenRouter model id for a bare model id. Ids already
// carrying a vendor namespace pass through unchanged.
func Namespace(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	for _, p := range vendorPrefixes {
		if strings.HasPrefix(model, p.model) {
			return p.vendor + "/" + model
		}
	}
	return model
}
