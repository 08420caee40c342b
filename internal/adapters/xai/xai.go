// Package xai adapts the xAI Grok API. Grok follows the OpenAI chat shape but
// returns 400 for sampling penalties on reasoning models, so both penalty
// fields are stripped unconditionally.
package xai

import (
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openaicompat"
)

const defaultBaseURL = "https://api.x.ai/v1"

func New(cfg adapters.Config) (adapters.Adapter, error) {
	return openaicompat.New(cfg, openaicompat.Options{
		Name:           "xai",
		DefaultBaseURL: defaultBaseURL,
		Ops:            []adapters.Op{adapters.OpChat, adapters.OpImageGen},
		ChatHook: func(body map[string]any) {
			delete(body, "presence_penalty")
			delete(body, "frequency_penalty")
		},
	})
}
