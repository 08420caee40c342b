// Package openaicompat implements the adapter operations against any
// OpenAI-compatible REST API. The unified schema already matches the OpenAI
// wire shape, so chat requests are forwarded verbatim; vendor deviations are
// applied through a body hook on the decoded JSON.
//
// OpenAI itself, Mistral, Perplexity, xAI, and OpenRouter all ride on this
// client with their own defaults and hooks.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/sse"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Options carry the vendor-specific pieces of an OpenAI-compatible client.
type Options struct {
	// Name is the provider family name used in logs and errors.
	Name string

	// DefaultBaseURL is used when the configuration has none.
	DefaultBaseURL string

	// Ops is the vendor capability table.
	Ops []adapters.Op

	// ChatHook mutates the decoded chat payload before sending. Nil keeps
	// the request byte-for-byte verbatim.
	ChatHook func(body map[string]any)

	// Headers are added to every request (e.g. OpenRouter attribution).
	Headers map[string]string
}

// Client is a full OpenAI-compatible adapter.
type Client struct {
	adapters.Base
	apiKey  string
	baseURL string
	hook    func(map[string]any)
	headers map[string]string

	// unary is bounded by the adapter timeout; stream must outlive it, so
	// only its response headers are.
	unary  *http.Client
	stream *http.Client
}

// New builds the client. The vendor wrapper supplies Options; cfg comes from
// the factory.
func New(cfg adapters.Config, opts Options) (*Client, error) {
	base, err := adapters.NewBase(opts.Name, cfg, opts.Ops...)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = opts.DefaultBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base url required", opts.Name)
	}

	tr, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		tr = &http.Transport{}
	}
	streamTransport := tr.Clone()
	streamTransport.ResponseHeaderTimeout = base.Timeout()

	return &Client{
		Base:    base,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		hook:    opts.ChatHook,
		headers: opts.Headers,
		unary:   &http.Client{Timeout: base.Timeout()},
		stream:  &http.Client{Transport: streamTransport},
	}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", c.Name(), err)
	}
	c.setHeaders(req)

	resp, err := c.unary.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: health check: status %d", c.Name(), resp.StatusCode)
	}
	return nil
}

func (c *Client) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (resp *schema.ChatResponse, err error) {
	if err := c.Gate(adapters.OpChat); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpChat, req.Model)
	defer func() {
		if req == nil || !req.Stream {
			done(err)
		}
	}()

	body, err := c.buildChatBody(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}

	httpResp, err := c.post(ctx, "/chat/completions", body, req.Stream)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		out := c.streamChat(httpResp)
		done(nil)
		return &schema.ChatResponse{Stream: out}, nil
	}
	defer httpResp.Body.Close()

	var cr schema.ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &cr, nil
}

// buildChatBody marshals the request verbatim and applies the vendor hook.
func (c *Client) buildChatBody(req *schema.ChatRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if c.hook == nil {
		return data, nil
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode request for hook: %w", err)
	}
	c.hook(body)
	data, err = json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal hooked request: %w", err)
	}
	return data, nil
}

// streamChat pumps SSE payloads into unified chunks. The channel closes at
// stream end; upstream failures surface as a terminal chunk with Err set.
func (c *Client) streamChat(resp *http.Response) <-chan schema.StreamChunk {
	ch := make(chan schema.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		dec := sse.NewDecoder(resp.Body)
		for {
			data, err := dec.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				ch <- schema.ErrChunk(fmt.Errorf("%s: stream: %w", c.Name(), err))
				return
			}

			var chunk schema.StreamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				continue
			}
			ch <- chunk
		}
	}()

	return ch
}

func (c *Client) CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (out *schema.EmbeddingResponse, err error) {
	if err := c.Gate(adapters.OpEmbeddings); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpEmbeddings, req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.Name(), err)
	}
	httpResp, err := c.post(ctx, "/embeddings", body, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var er schema.EmbeddingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &er, nil
}

func (c *Client) GenerateImages(ctx context.Context, req *schema.ImageRequest) (out *schema.ImageResponse, err error) {
	if err := c.Gate(adapters.OpImageGen); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpImageGen, req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.Name(), err)
	}
	httpResp, err := c.post(ctx, "/images/generations", body, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var ir schema.ImageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &ir, nil
}

func (c *Client) EditImages(ctx context.Context, req *schema.ImageEditRequest) (out *schema.ImageResponse, err error) {
	if err := c.Gate(adapters.OpImageEdit); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpImageEdit, req.Model)
	defer func() { done(err) }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":  req.Model,
		"prompt": req.Prompt,
	}
	if req.N > 0 {
		fields["n"] = strconv.Itoa(req.N)
	}
	if req.Size != "" {
		fields["size"] = req.Size
	}
	if req.ResponseFormat != "" {
		fields["response_format"] = req.ResponseFormat
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: write field %s: %w", c.Name(), k, err)
		}
	}

	if err := writeFilePart(w, "image", req.ImageName, req.Image); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	if len(req.Mask) > 0 {
		if err := writeFilePart(w, "mask", req.MaskName, req.Mask); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name(), err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: close multipart: %w", c.Name(), err)
	}

	httpResp, err := c.postRaw(ctx, "/images/edits", &buf, w.FormDataContentType(), false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var ir schema.ImageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &ir, nil
}

func (c *Client) TextToSpeech(ctx context.Context, req *schema.SpeechRequest) (audio []byte, err error) {
	if err := c.Gate(adapters.OpSpeech); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpSpeech, req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.Name(), err)
	}
	httpResp, err := c.post(ctx, "/audio/speech", body, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	audio, err = io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read audio: %w", c.Name(), err)
	}
	return audio, nil
}

func (c *Client) AudioTranscription(ctx context.Context, req *schema.TranscriptionRequest) (out *schema.TranscriptionResponse, err error) {
	if err := c.Gate(adapters.OpTranscription); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpTranscription, req.Model)
	defer func() { done(err) }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", req.Model); err != nil {
		return nil, fmt.Errorf("%s: write field model: %w", c.Name(), err)
	}
	if req.Language != "" && !req.Translate {
		if err := w.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("%s: write field language: %w", c.Name(), err)
		}
	}
	if req.Prompt != "" {
		if err := w.WriteField("prompt", req.Prompt); err != nil {
			return nil, fmt.Errorf("%s: write field prompt: %w", c.Name(), err)
		}
	}
	if req.ResponseFormat != "" {
		if err := w.WriteField("response_format", req.ResponseFormat); err != nil {
			return nil, fmt.Errorf("%s: write field response_format: %w", c.Name(), err)
		}
	}
	if req.Temperature != 0 {
		if err := w.WriteField("temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("%s: write field temperature: %w", c.Name(), err)
		}
	}
	if err := writeFilePart(w, "file", req.Filename, req.File); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: close multipart: %w", c.Name(), err)
	}

	path := "/audio/transcriptions"
	if req.Translate {
		path = "/audio/translations"
	}
	httpResp, err := c.postRaw(ctx, path, &buf, w.FormDataContentType(), false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var tr schema.TranscriptionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &tr, nil
}

func (c *Client) ModerateContent(ctx context.Context, req *schema.ModerationRequest) (out *schema.ModerationResponse, err error) {
	if err := c.Gate(adapters.OpModeration); err != nil {
		return nil, err
	}
	done := c.Track(adapters.OpModeration, req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.Name(), err)
	}
	httpResp, err := c.post(ctx, "/moderations", body, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var mr schema.ModerationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.Name(), err)
	}
	return &mr, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, streaming bool) (*http.Response, error) {
	return c.postRaw(ctx, path, bytes.NewReader(body), "application/json", streaming)
}

// postRaw issues the request and returns the response only on HTTP 200;
// anything else is parsed into a ProviderError and the body is drained.
func (c *Client) postRaw(ctx context.Context, path string, body io.Reader, contentType string, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setHeaders(req)

	client := c.unary
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		client = c.stream
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type errEnvelope struct {
	Error *apiErr `json:"error"`
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var env errEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return &adapters.ProviderError{
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Message:    env.Error.Message,
			Type:       env.Error.Type,
		}
	}

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if len(body) > 0 && len(body) < 512 {
		msg = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return &adapters.ProviderError{
		Provider:   c.Name(),
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       "provider_error",
	}
}

func writeFilePart(w *multipart.Writer, field, filename string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%s file required", field)
	}
	if filename == "" {
		filename = field + ".bin"
	}
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}
