package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newAnthropicHandler simulates the Anthropic Messages API consumed by the
// relay's anthropic adapter: POST /v1/messages (buffered and SSE) and the
// model list its health probe polls.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeAnthropicError(w, http.StatusInternalServerError, "anthropic mock: simulated overload", "overloaded_error")
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Stream   bool              `json:"stream"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		id := fmt.Sprintf("msg_mock%x", rand.Int64())
		content := replyText(cfg.StreamWords)
		in := promptTokens(bodySize(req.Messages))
		out := len(strings.Fields(content))

		if req.Stream {
			serveMessagesStream(w, id, model, content, in, out)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []map[string]string{{"type": "text", "text": content}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": in, "output_tokens": out},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-3-5-sonnet-20241022", "display_name": "Claude 3.5 Sonnet", "type": "model"},
				{"id": "claude-3-haiku-20240307", "display_name": "Claude 3 Haiku", "type": "model"},
			},
			"has_more": false,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("anthropic mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// serveMessagesStream writes the Anthropic SSE event sequence the adapter's
// event machine consumes: message_start, one text content block streamed word
// by word, then message_delta with the final usage and message_stop.
func serveMessagesStream(w http.ResponseWriter, id, model, content string, in, out int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": in, "output_tokens": 0},
		},
	})
	emit("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	emit("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(content) {
		emit("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": out},
	})
	emit("message_stop", map[string]string{"type": "message_stop"})
}
