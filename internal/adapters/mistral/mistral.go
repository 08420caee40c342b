// Package mistral adapts the Mistral La Plateforme API. The API speaks the
// OpenAI chat shape except that image_url content parts carry the URL as a
// plain string instead of an object.
package mistral

import (
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openaicompat"
)

const defaultBaseURL = "https://api.mistral.ai/v1"

func New(cfg adapters.Config) (adapters.Adapter, error) {
	return openaicompat.New(cfg, openaicompat.Options{
		Name:           "mistral",
		DefaultBaseURL: defaultBaseURL,
		Ops:            []adapters.Op{adapters.OpChat, adapters.OpEmbeddings},
		ChatHook:       flattenImageURLs,
	})
}

// flattenImageURLs rewrites {"type":"image_url","image_url":{"url":…}} parts
// to {"type":"image_url","image_url":"…"}.
func flattenImageURLs(body map[string]any) {
	msgs, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok || part["type"] != "image_url" {
				continue
			}
			if obj, ok := part["image_url"].(map[string]any); ok {
				if url, ok := obj["url"].(string); ok {
					part["image_url"] = url
				}
			}
		}
	}
}
