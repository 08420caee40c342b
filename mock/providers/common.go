package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// replyWords is the pool the mocks draw completion text from.
var replyWords = []string{
	"The", "relay", "forwarded", "this", "request", "to", "a", "mock",
	"upstream", "which", "streams", "back", "plausible", "tokens", "for",
	"local", "development", "and", "load", "testing", "without", "real",
	"vendor", "credentials", "or", "billing",
}

// replyText returns roughly n words of mock completion text.
func replyText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = replyWords[rand.IntN(len(replyWords))]
	}
	return strings.Join(words, " ") + "."
}

// mockVector returns a unit-range float vector of the given dimension.
func mockVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

// promptTokens approximates the relay's own 4-chars-per-token heuristic so
// mock usage numbers scale with request size.
func promptTokens(bodyLen int) int {
	n := (bodyLen + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// applyLatency sleeps for the configured artificial latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError reports whether this request should simulate an upstream 500.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the OpenAI-style error envelope the relay's classifier and
// error mapper parse.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}
