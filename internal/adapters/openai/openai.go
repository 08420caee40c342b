// Package openai is the OpenAI adapter. The unified surface mirrors the
// OpenAI wire protocol, so requests ride the openaicompat client without a
// body hook.
package openai

import (
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openaicompat"
)

const defaultBaseURL = "https://api.openai.com/v1"

// New builds the OpenAI adapter. OpenAI serves every capability the gateway
// exposes.
func New(cfg adapters.Config) (adapters.Adapter, error) {
	return openaicompat.New(cfg, openaicompat.Options{
		Name:           "openai",
		DefaultBaseURL: defaultBaseURL,
		Ops: []adapters.Op{
			adapters.OpChat,
			adapters.OpEmbeddings,
			adapters.OpImageGen,
			adapters.OpImageEdit,
			adapters.OpSpeech,
			adapters.OpTranscription,
			adapters.OpModeration,
		},
	})
}
