package main

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newBedrockHandler simulates the Bedrock runtime invoke API for
// Anthropic-family models, the shape the relay's bedrock adapter speaks:
//
//	POST /model/{modelId}/invoke                        — buffered Messages response
//	POST /model/{modelId}/invoke-with-response-stream   — binary EventStream frames
//	GET  /foundation-models                             — health probe
//
// Streaming responses use the real AWS EventStream binary framing (prelude,
// string headers, CRC32 checksums) with each chunk payload carrying a
// base64-wrapped Anthropic stream event, so the relay's frame decoder is
// exercised end to end.
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "ValidationException")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "bedrock mock: simulated failure", "ServiceUnavailableException")
			return
		}

		modelID, streaming := parseInvokePath(r.URL.Path)
		if modelID == "" {
			writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("bedrock mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
			return
		}

		body, _ := bodyBytes(r)
		in := promptTokens(len(body))
		content := replyText(cfg.StreamWords)
		out := len(strings.Fields(content))

		if streaming {
			serveInvokeStream(w, modelID, content, in, out)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"model":         modelID,
			"content":       []map[string]string{{"type": "text", "text": content}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": in, "output_tokens": out},
		})
	})

	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]any{
				{"modelId": "anthropic.claude-3-5-sonnet-20241022-v2:0", "modelName": "Claude 3.5 Sonnet", "providerName": "Anthropic"},
				{"modelId": "anthropic.claude-3-haiku-20240307-v1:0", "modelName": "Claude 3 Haiku", "providerName": "Anthropic"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("bedrock mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

// serveInvokeStream emits the Anthropic event sequence wrapped in EventStream
// chunk frames.
func serveInvokeStream(w http.ResponseWriter, modelID, content string, in, out int) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(event any) {
		raw, _ := json.Marshal(event)
		payload, _ := json.Marshal(map[string]string{
			"bytes": base64.StdEncoding.EncodeToString(raw),
		})
		frame := encodeEventStreamFrame(map[string]string{
			":message-type": "event",
			":event-type":   "chunk",
			":content-type": "application/json",
		}, payload)
		_, _ = w.Write(frame)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
			"type":    "message",
			"role":    "assistant",
			"model":   modelID,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": in, "output_tokens": 0},
		},
	})
	emit(map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	for _, word := range strings.Fields(content) {
		emit(map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}
	emit(map[string]any{"type": "content_block_stop", "index": 0})
	emit(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": out},
	})
	emit(map[string]any{"type": "message_stop"})
}

// encodeEventStreamFrame renders one AWS EventStream message:
//
//	total length (4, BE) | headers length (4, BE) | prelude CRC (4, BE)
//	headers | payload | message CRC (4, BE)
//
// All headers are encoded as type-7 strings.
func encodeEventStreamFrame(headers map[string]string, payload []byte) []byte {
	var hdr bytes.Buffer
	for name, value := range headers {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(7) // string value type
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(value)))
		hdr.Write(vlen[:])
		hdr.WriteString(value)
	}

	total := 12 + hdr.Len() + len(payload) + 4
	frame := make([]byte, 0, total)

	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(total))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	binary.BigEndian.PutUint32(prelude[8:12], crc32.ChecksumIEEE(prelude[:8]))
	frame = append(frame, prelude[:]...)
	frame = append(frame, hdr.Bytes()...)
	frame = append(frame, payload...)

	var msgCRC [4]byte
	binary.BigEndian.PutUint32(msgCRC[:], crc32.ChecksumIEEE(frame))
	return append(frame, msgCRC[:]...)
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, map[string]any{"message": msg, "__type": errType})
}

// parseInvokePath splits /model/{id}/invoke[-with-response-stream] into the
// model id and the streaming flag.
func parseInvokePath(path string) (modelID string, streaming bool) {
	rest, ok := strings.CutPrefix(path, "/model/")
	if !ok {
		return "", false
	}
	if m, found := strings.CutSuffix(rest, "/invoke-with-response-stream"); found {
		return m, true
	}
	if m, found := strings.CutSuffix(rest, "/invoke"); found {
		return m, false
	}
	return "", false
}

func bodyBytes(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
