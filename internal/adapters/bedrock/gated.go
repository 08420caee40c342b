package bedrock

import (
	"context"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Bedrock serves chat only here.

func (c *Client) CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	return nil, c.Gate(adapters.OpEmbeddings)
}

func (c *Client) GenerateImages(ctx context.Context, req *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, c.Gate(adapters.OpImageGen)
}

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
