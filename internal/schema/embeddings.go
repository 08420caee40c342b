package schema

// EmbeddingRequest is the unified embeddings request.
type EmbeddingRequest struct {
	Model          string       `json:"model"`
	Input          StringOrList `json:"input"`
	EncodingFormat string       `json:"encoding_format,omitempty"`
	Dimensions     int          `json:"dimensions,omitempty"`
	User           string       `json:"user,omitempty"`
}

// EmbeddingResponse is the unified embeddings response (OpenAI list shape).
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingData `json:"data"`
	Usage  Usage           `json:"usage"`
}

// EmbeddingData is one embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}
