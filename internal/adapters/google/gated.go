package google

import (
	"context"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Gemini has no image edit, audio, or moderation surface here.

func (c *Client) EditImages(ctx context.Context, req *schema.ImageEditRequest) (*schema.ImageResponse, error) {
	return nil, c.Gate(adapters.OpImageEdit)
}

func (c *Client) TextToSpeech(ctx context.Context, req *schema.SpeechRequest) ([]byte, error) {
	return nil, c.Gate(adapters.OpSpeech)
}

func (c *Client) AudioTranscription(ctx context.Context, req *schema.TranscriptionRequest) (*schema.TranscriptionResponse, error) {
	return nil, c.Gate(adapters.OpTranscription)
}

func (c *Client) ModerateContent(ctx context.Context, req *schema.ModerationRequest) (*schema.ModerationResponse, error) {
	return nil, c.Gate(adapters.OpModeration)
}
