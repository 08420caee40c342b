// Package adapters defines the provider adapter interface and the factory
// that builds and caches adapter instances per sub-provider key slot.
//
// Each vendor lives in its own sub-package and implements Adapter. A static
// capability table per adapter gates the seven capability methods; anything
// the vendor cannot serve returns ErrNotSupported wrapped with the provider
// and operation name. Adapters never log or embed API keys in errors.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// ErrNotSupported is returned for capability methods a vendor does not serve.
var ErrNotSupported = errors.New("operation not supported")

// DefaultTimeout bounds one upstream call. Streaming responses use it as the
// inter-chunk idle timeout instead.
const DefaultTimeout = 30 * time.Second

// Op identifies one adapter capability.
type Op string

const (
	OpChat          Op = "chat.completions"
	OpEmbeddings    Op = "embeddings"
	OpImageGen      Op = "images.generations"
	OpImageEdit     Op = "images.edits"
	OpSpeech        Op = "audio.speech"
	OpTranscription Op = "audio.transcriptions"
	OpModeration    Op = "moderations"
)

// Adapter is one provider integration. Streaming chat is requested via
// ChatRequest.Stream; the response then carries the chunk channel instead of
// choices.
type Adapter interface {
	Name() string
	Supports(op Op) bool

	ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error)
	CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error)
	GenerateImages(ctx context.Context, req *schema.ImageRequest) (*schema.ImageResponse, error)
	EditImages(ctx context.Context, req *schema.ImageEditRequest) (*schema.ImageResponse, error)
	TextToSpeech(ctx context.Context, req *schema.SpeechRequest) ([]byte, error)
	AudioTranscription(ctx context.Context, req *schema.TranscriptionRequest) (*schema.TranscriptionResponse, error)
	ModerateContent(ctx context.Context, req *schema.ModerationRequest) (*schema.ModerationResponse, error)

	HealthCheck(ctx context.Context) error
}

// Config is what the factory hands a vendor constructor. APIKey is the
// decrypted plaintext; it must never leave the adapter.
type Config struct {
	SubProviderID string
	Provider      string
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	Log           *slog.Logger
}

// Base carries the shared identity, capability table, and logging for a
// vendor adapter. Embed it by value and pass the supported ops at
// construction.
type Base struct {
	name    string
	subID   string
	baseURL string
	timeout time.Duration
	ops     map[Op]bool
	log     *slog.Logger
}

// NewBase validates the common configuration. The base URL default is the
// vendor's to fill in before calling.
func NewBase(name string, cfg Config, ops ...Op) (Base, error) {
	if name == "" {
		return Base{}, errors.New("adapters: provider name required")
	}
	if cfg.APIKey == "" {
		return Base{}, fmt.Errorf("adapters: %s: api key required", name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	supported := make(map[Op]bool, len(ops))
	for _, op := range ops {
		supported[op] = true
	}
	return Base{
		name:    name,
		subID:   cfg.SubProviderID,
		baseURL: cfg.BaseURL,
		timeout: timeout,
		ops:     supported,
		log: log.With(
			slog.String("adapter", name),
			slog.String("sub_provider", cfg.SubProviderID),
		),
	}, nil
}

func (b *Base) Name() string           { return b.name }
func (b *Base) SubProviderID() string  { return b.subID }
func (b *Base) BaseURL() string        { return b.baseURL }
func (b *Base) Timeout() time.Duration { return b.timeout }
func (b *Base) Log() *slog.Logger      { return b.log }

// Supports reports whether the capability table lists the operation.
func (b *Base) Supports(op Op) bool { return b.ops[op] }

// Gate returns the wrapped not-supported error for ungated calls.
func (b *Base) Gate(op Op) error {
	if b.ops[op] {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", b.name, op, ErrNotSupported)
}

// Track logs the start of an upstream call and returns the completion hook.
func (b *Base) Track(op Op, model string) func(error) {
	start := time.Now()
	b.log.Debug("provider request",
		slog.String("op", string(op)),
		slog.String("model", model))
	return func(err error) {
		dur := time.Since(start)
		if err != nil {
			b.log.Warn("provider request failed",
				slog.String("op", string(op)),
				slog.String("model", model),
				slog.Duration("duration", dur),
				slog.String("error", err.Error()))
			return
		}
		b.log.Debug("provider request done",
			slog.String("op", string(op)),
			slog.String("model", model),
			slog.Duration("duration", dur))
	}
}

// ProviderError is a structured upstream failure. The status digits stay in
// the message so the error classifier can match them; the HTTP layer maps
// the class, not the upstream status, onto the client response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}
