// Package bedrock adapts Anthropic models served through AWS Bedrock. The
// invoke API takes the Messages request body with the model moved into the
// URL, so request building is shared with the anthropic package; responses
// stream back as framed binary EventStream messages whose chunk payloads are
// the familiar Messages events.
//
// Credentials ride in the sub-provider key slot as
// "ACCESS_KEY:SECRET_KEY[:SESSION_TOKEN]@region".
package bedrock

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

const anthropicVersion = "bedrock-2023-05-31"

// Client is the Bedrock chat adapter.
type Client struct {
	adapters.Base
	signer   signer
	region   string
	endpoint string // base URL override, empty for the regional AWS endpoint

	unary  *http.Client
	stream *http.Client
}

func New(cfg adapters.Config) (adapters.Adapter, error) {
	base, err := adapters.NewBase("bedrock", cfg, adapters.OpChat)
	if err != nil {
		return nil, err
	}
	creds, err := parseCredentials(cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	tr, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		tr = &http.Transport{}
	}
	tr = tr.Clone()
	tr.ResponseHeaderTimeout = base.Timeout()

	return &Client{
		Base:     base,
		signer:   creds.signer,
		region:   creds.region,
		endpoint: strings.TrimRight(cfg.BaseURL, "/"),
		unary:    &http.Client{Timeout: base.Timeout()},
		stream:   &http.Client{Transport: tr},
	}, nil
}

type credentials struct {
	signer signer
	region string
}

// parseCredentials splits "ACCESS:SECRET[:TOKEN]@region".
func parseCredentials(key string) (credentials, error) {
	keys, region, ok := strings.Cut(key, "@")
	if !ok || region == "" {
		return credentials{}, fmt.Errorf("key must end with @region")
	}
	parts := strings.SplitN(keys, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return credentials{}, fmt.Errorf("key must carry ACCESS_KEY:SECRET_KEY")
	}
	c := credentials{
		signer: signer{accessKey: parts[0], secretKey: parts[1], region: region},
		region: region,
	}
	if len(parts) == 3 {
		c.signer.sessionToken = parts[2]
	}
	return c, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://bedrock.%s.amazonaws.com", c.region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/foundation-models", nil)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	c.signer.sign(req, nil)

	resp, err := c.unary.Do(req)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bedrock: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (resp *schema.ChatResponse, err error) {
	done := c.Track(adapters.OpChat, req.Model)
	defer func() {
		if !req.Stream {
			done(err)
		}
	}()

	payload, err := buildInvokeBody(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	httpResp, err := c.invoke(ctx, req.Model, payload, req.Stream)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		out := c.streamChat(httpResp, req.Model)
		done(nil)
		return &schema.ChatResponse{Stream: out}, nil
	}
	defer httpResp.Body.Close()

	var msg sdk.Message
	if err := json.NewDecoder(httpResp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}
	return anthropic.ToResponse(&msg), nil
}

// buildInvokeBody renders the Messages body for the invoke API: the shared
// translation minus the model field, plus the anthropic_version marker.
func buildInvokeBody(req *schema.ChatRequest) ([]byte, error) {
	params, err := anthropic.BuildParams(req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("rewrite request: %w", err)
	}
	delete(body, "model")
	delete(body, "stream")
	body["anthropic_version"] = anthropicVersion
	return json.Marshal(body)
}

func (c *Client) invoke(ctx context.Context, model string, payload []byte, streaming bool) (*http.Response, error) {
	action := "invoke"
	client := c.unary
	if streaming {
		action = "invoke-with-response-stream"
		client = c.stream
	}

	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", c.region)
	}
	target := fmt.Sprintf("%s/model/%s/%s", endpoint, url.PathEscape(model), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.signer.sign(req, payload)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}
	return resp, nil
}

// streamChat decodes EventStream frames and routes chunk payloads through the
// Messages event FSM.
func (c *Client) streamChat(resp *http.Response, model string) <-chan schema.StreamChunk {
	ch := make(chan schema.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		fsm := anthropic.NewEventFSM(model)
		for {
			frame, err := readFrame(resp.Body)
			if err == io.EOF {
				return
			}
			if err != nil {
				ch <- schema.ErrChunk(fmt.Errorf("bedrock: stream: %w", err))
				return
			}

			switch frame.headers[":message-type"] {
			case "event":
				if frame.headers[":event-type"] != "chunk" {
					continue
				}
				var chunk struct {
					Bytes string `json:"bytes"`
				}
				if err := json.Unmarshal(frame.payload, &chunk); err != nil {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(chunk.Bytes)
				if err != nil {
					continue
				}
				for _, out := range fsm.Feed(data) {
					ch <- out
				}

			case "exception":
				ch <- schema.ErrChunk(&adapters.ProviderError{
					Provider:   "bedrock",
					StatusCode: http.StatusBadGateway,
					Type:       frame.headers[":exception-type"],
					Message:    exceptionMessage(frame.payload),
				})
				return
			}
		}
	}()

	return ch
}

func exceptionMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Message != "" {
		return body.Message
	}
	return "upstream exception"
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var be struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	}
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &adapters.ProviderError{
			Provider:   "bedrock",
			StatusCode: resp.StatusCode,
			Type:       be.Type,
			Message:    be.Message,
		}
	}
	return &adapters.ProviderError{
		Provider:   "bedrock",
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
