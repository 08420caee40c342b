package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// wireVendor parameterizes the OpenAI-compatible mock. The relay's openai,
// mistral, xai, openrouter, and perplexity adapters all speak this wire
// format, so one handler keeps the five mocks in lockstep; only the model
// catalog differs.
type wireVendor struct {
	name         string
	ownedBy      string
	defaultModel string
	models       []string
	embeddings   bool
}

var wireVendors = []wireVendor{
	{
		name: "openai", ownedBy: "openai", defaultModel: "gpt-4o",
		models:     []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "text-embedding-3-small", "text-embedding-3-large"},
		embeddings: true,
	},
	{
		name: "mistral", ownedBy: "mistralai", defaultModel: "mistral-large-latest",
		models:     []string{"mistral-large-latest", "mistral-small-latest", "mistral-embed"},
		embeddings: true,
	},
	{
		name: "xai", ownedBy: "xai", defaultModel: "grok-3",
		models: []string{"grok-3", "grok-3-mini"},
	},
	{
		// OpenRouter exposes other vendors' models under namespaced ids.
		name: "openrouter", ownedBy: "openrouter", defaultModel: "openai/gpt-4o",
		models: []string{"openai/gpt-4o", "anthropic/claude-3.5-sonnet", "meta-llama/llama-3.1-70b-instruct"},
	},
	{
		name: "perplexity", ownedBy: "perplexity", defaultModel: "sonar-pro",
		models: []string{"sonar", "sonar-pro"},
	},
}

// newWireHandler builds the mock for one OpenAI-compatible vendor:
// chat completions (buffered and SSE), optionally embeddings, and the models
// list the relay's health prober polls.
func newWireHandler(cfg Config, v wireVendor) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, v.name+" mock: simulated failure", "server_error")
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Stream   bool              `json:"stream"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = v.defaultModel
		}
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := replyText(cfg.StreamWords)
		in := promptTokens(bodySize(req.Messages))
		out := len(strings.Fields(content))

		if req.Stream {
			serveWireStream(w, id, model, content, in, out)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     in,
				"completion_tokens": out,
				"total_tokens":      in + out,
			},
		})
	})

	if v.embeddings {
		mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeError(w, http.StatusInternalServerError, v.name+" mock: simulated failure", "server_error")
				return
			}

			var req struct {
				Model string `json:"model"`
				Input any    `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
				return
			}

			inputs := 1
			if arr, ok := req.Input.([]any); ok && len(arr) > 0 {
				inputs = len(arr)
			}
			data := make([]map[string]any, inputs)
			for i := range data {
				data[i] = map[string]any{
					"object":    "embedding",
					"index":     i,
					"embedding": mockVector(1536),
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"object": "list",
				"data":   data,
				"model":  req.Model,
				"usage": map[string]int{
					"prompt_tokens": inputs * 5,
					"total_tokens":  inputs * 5,
				},
			})
		})
	}

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, len(v.models))
		for i, m := range v.models {
			data[i] = map[string]any{
				"id": m, "object": "model", "created": 1710000000, "owned_by": v.ownedBy,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s mock: unknown path %s", v.name, r.URL.Path), "not_found")
	})

	return mux
}

func bodySize(msgs []json.RawMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m)
	}
	return n
}

// serveWireStream writes the SSE chunk sequence, finishing with a usage-only
// chunk (as upstreams do with stream_options.include_usage) and [DONE].
func serveWireStream(w http.ResponseWriter, id, model, content string, in, out int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index": 0, "delta": delta, "finish_reason": finish,
			}},
		}
	}

	for _, word := range strings.Fields(content) {
		emit(chunk(map[string]string{"content": word + " "}, nil))
	}
	final := chunk(map[string]string{}, "stop")
	final["usage"] = map[string]int{
		"prompt_tokens":     in,
		"completion_tokens": out,
		"total_tokens":      in + out,
	}
	emit(final)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
