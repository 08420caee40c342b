package schema

// SpeechRequest is the unified text-to-speech request.
type SpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// TranscriptionRequest is the unified transcription request. File carries the
// raw multipart audio bytes. Translate selects the /audio/translations
// behavior (transcribe into English).
type TranscriptionRequest struct {
	Model          string  `json:"model"`
	File           []byte  `json:"-"`
	Filename       string  `json:"-"`
	Language       string  `json:"language,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Translate      bool    `json:"-"`
}

// TranscriptionResponse is the unified transcription response.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}
