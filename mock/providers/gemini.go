package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler simulates the Generative Language API surface the relay's
// google adapter drives through google.golang.org/genai:
//
//	POST /v1beta/models/{m}:generateContent        — buffered chat
//	POST /v1beta/models/{m}:streamGenerateContent  — SSE chat (alt=sse)
//	POST /v1beta/models/{m}:embedContent           — single embedding
//	POST /v1beta/models/{m}:batchEmbedContents     — batch embeddings
//	POST /v1beta/models/{m}:predict                — Imagen generation
//	GET  /v1beta/models                            — health probe
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		model, action := splitGeminiPath(r.URL.Path)
		applyLatency(cfg)

		switch action {
		case "generateContent", "streamGenerateContent":
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "gemini mock: simulated failure")
				return
			}
			serveGenerate(w, cfg, model, action == "streamGenerateContent")
		case "embedContent":
			writeJSON(w, http.StatusOK, map[string]any{
				"embedding": map[string]any{"values": mockVector(768)},
			})
		case "batchEmbedContents":
			serveBatchEmbed(w, r)
		case "predict":
			serveImagen(w, r)
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("gemini mock: unknown action %q", action))
		}
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
				{"name": "models/text-embedding-004", "displayName": "Text Embedding 004"},
				{"name": "models/imagen-3.0-generate-002", "displayName": "Imagen 3"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("gemini mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func serveGenerate(w http.ResponseWriter, cfg Config, model string, streaming bool) {
	content := replyText(cfg.StreamWords)
	out := len(strings.Fields(content))

	response := func(text string, final bool) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		if final {
			candidate["finishReason"] = "STOP"
		}
		resp := map[string]any{
			"candidates":   []any{candidate},
			"responseId":   fmt.Sprintf("resp-%x", rand.Int64()),
			"modelVersion": model,
		}
		if final {
			resp["usageMetadata"] = map[string]int{
				"promptTokenCount":     10,
				"candidatesTokenCount": out,
				"totalTokenCount":      10 + out,
			}
		}
		return resp
	}

	if !streaming {
		writeJSON(w, http.StatusOK, response(content, true))
		return
	}

	// genai requests alt=sse; each SSE data line carries one
	// GenerateContentResponse.
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	words := strings.Fields(content)
	for i, word := range words {
		data, _ := json.Marshal(response(word+" ", i == len(words)-1))
		fmt.Fprintf(w, "data: %s\r\n\r\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func serveBatchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []any `json:"requests"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	n := len(req.Requests)
	if n == 0 {
		n = 1
	}
	embeddings := make([]map[string]any, n)
	for i := range embeddings {
		embeddings[i] = map[string]any{"values": mockVector(768)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": embeddings})
}

// serveImagen returns one tiny PNG per requested sample.
func serveImagen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parameters struct {
			SampleCount int `json:"sampleCount"`
		} `json:"parameters"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	n := req.Parameters.SampleCount
	if n <= 0 {
		n = 1
	}

	// 1x1 transparent PNG.
	pixel := []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
		0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
	predictions := make([]map[string]string, n)
	for i := range predictions {
		predictions[i] = map[string]string{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(pixel),
			"mimeType":           "image/png",
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": predictions})
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": "INTERNAL"},
	})
}

// splitGeminiPath separates /v1beta/models/gemini-2.0-flash:generateContent
// into the model name and the action verb.
func splitGeminiPath(path string) (model, action string) {
	rest, ok := strings.CutPrefix(path, "/v1beta/models/")
	if !ok {
		return "", ""
	}
	model, action, ok = strings.Cut(rest, ":")
	if !ok {
		return rest, ""
	}
	return model, action
}
