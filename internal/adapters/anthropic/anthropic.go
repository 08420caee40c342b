// Package anthropic adapts the Anthropic Messages API (official SDK) to the
// unified chat surface. The translation moves system prompts to the top-level
// system field, folds tool results into user turns, and replays the Messages
// streaming events as OpenAI-shaped chunks.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// thinkingBudgets maps reasoning_effort to an extended-thinking token budget.
var thinkingBudgets = map[string]int64{
	schema.ReasoningLow:    1024,
	schema.ReasoningMedium: 2048,
	schema.ReasoningHigh:   4096,
}

// Client is the Anthropic chat adapter.
type Client struct {
	adapters.Base
	client sdk.Client
}

func New(cfg adapters.Config) (adapters.Adapter, error) {
	base, err := adapters.NewBase("anthropic", cfg, adapters.OpChat)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	// Streams outlive the adapter timeout; bound only the response headers.
	tr, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		tr = &http.Transport{}
	}
	tr = tr.Clone()
	tr.ResponseHeaderTimeout = base.Timeout()

	return &Client{
		Base: base,
		client: sdk.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(&http.Client{Transport: tr}),
		),
	}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, sdk.ModelListParams{Limit: sdk.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
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

	params, err := BuildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	if req.Stream {
		out := c.streamChat(ctx, params, req.Model)
		done(nil)
		return &schema.ChatResponse{Stream: out}, nil
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}
	return ToResponse(msg), nil
}

// BuildParams translates the unified request into Messages API parameters.
// The Bedrock adapter reuses it; the invoke API takes the same body with the
// model moved into the URL.
func BuildParams(req *schema.ChatRequest) (sdk.MessageNewParams, error) {
	var system []string
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case schema.RoleSystem, schema.RoleDeveloper:
			system = append(system, m.Content.PlainText())
		case schema.RoleTool, schema.RoleFunction:
			appendBlocks(&msgs, sdk.MessageParamRoleUser, []sdk.ContentBlockParamUnion{{
				OfToolResult: &sdk.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content: []sdk.ToolResultBlockParamContentUnion{
						{OfText: &sdk.TextBlockParam{Text: m.Content.PlainText()}},
					},
				},
			}})
		case schema.RoleAssistant:
			blocks, err := assistantBlocks(m)
			if err != nil {
				return sdk.MessageNewParams{}, err
			}
			appendBlocks(&msgs, sdk.MessageParamRoleAssistant, blocks)
		default:
			blocks, err := userBlocks(m.Content)
			if err != nil {
				return sdk.MessageNewParams{}, err
			}
			appendBlocks(&msgs, sdk.MessageParamRoleUser, blocks)
		}
	}

	maxTokens := req.EffectiveMaxTokens()
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = sdk.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	if err := applyTools(&params, req); err != nil {
		return sdk.MessageNewParams{}, err
	}

	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		// Extended thinking requires temperature 1 and max_tokens above the
		// thinking budget.
		params.Thinking = sdk.ThinkingConfigParamUnion{
			OfEnabled: &sdk.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
		params.Temperature = sdk.Float(1.0)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + defaultMaxTokens
		}
	}

	return params, nil
}

// appendBlocks adds content to the last message when roles match; Messages
// rejects non-alternating turns.
func appendBlocks(msgs *[]sdk.MessageParam, role sdk.MessageParamRole, blocks []sdk.ContentBlockParamUnion) {
	if n := len(*msgs); n > 0 && (*msgs)[n-1].Role == role {
		(*msgs)[n-1].Content = append((*msgs)[n-1].Content, blocks...)
		return
	}
	*msgs = append(*msgs, sdk.MessageParam{Role: role, Content: blocks})
}

func userBlocks(content schema.Content) ([]sdk.ContentBlockParamUnion, error) {
	if !content.IsParts() {
		return []sdk.ContentBlockParamUnion{
			{OfText: &sdk.TextBlockParam{Text: content.Text}},
		}, nil
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case schema.ContentTypeText:
			blocks = append(blocks, sdk.ContentBlockParamUnion{
				OfText: &sdk.TextBlockParam{Text: p.Text},
			})
		case schema.ContentTypeImageURL:
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part without url")
			}
			img, err := imageBlock(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, img)
		default:
			return nil, fmt.Errorf("unsupported content part %q", p.Type)
		}
	}
	return blocks, nil
}

// imageBlock maps a data URL to a base64 source and anything else to a URL
// source.
func imageBlock(url string) (sdk.ContentBlockParamUnion, error) {
	if !strings.HasPrefix(url, "data:") {
		return sdk.ContentBlockParamUnion{
			OfImage: &sdk.ImageBlockParam{
				Source: sdk.ImageBlockParamSourceUnion{
					OfURL: &sdk.URLImageSourceParam{URL: url},
				},
			},
		}, nil
	}

	meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	mediaType, _, _ := strings.Cut(meta, ";")
	if !ok || mediaType == "" {
		return sdk.ContentBlockParamUnion{}, fmt.Errorf("malformed image data url")
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return sdk.ContentBlockParamUnion{}, fmt.Errorf("malformed image data url: %w", err)
	}
	return sdk.ContentBlockParamUnion{
		OfImage: &sdk.ImageBlockParam{
			Source: sdk.ImageBlockParamSourceUnion{
				OfBase64: &sdk.Base64ImageSourceParam{
					MediaType: sdk.Base64ImageSourceMediaType(mediaType),
					Data:      data,
				},
			},
		},
	}, nil
}

func assistantBlocks(m schema.Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	if text := m.Content.PlainText(); text != "" {
		blocks = append(blocks, sdk.ContentBlockParamUnion{
			OfText: &sdk.TextBlockParam{Text: text},
		})
	}
	for _, tc := range m.ToolCalls {
		var input any = map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s: bad arguments: %w", tc.ID, err)
			}
		}
		blocks = append(blocks, sdk.ContentBlockParamUnion{
			OfToolUse: &sdk.ToolUseBlockParam{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			},
		})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, sdk.ContentBlockParamUnion{
			OfText: &sdk.TextBlockParam{Text: ""},
		})
	}
	return blocks, nil
}

func applyTools(params *sdk.MessageNewParams, req *schema.ChatRequest) error {
	for _, t := range req.Tools {
		var js struct {
			Properties json.RawMessage `json:"properties"`
			Required   []string        `json:"required"`
		}
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &js); err != nil {
				return fmt.Errorf("tool %s: bad parameters schema: %w", t.Function.Name, err)
			}
		}
		tool := sdk.ToolParam{
			Name: t.Function.Name,
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: js.Properties,
				Required:   js.Required,
			},
		}
		if t.Function.Description != "" {
			tool.Description = sdk.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: &tool})
	}

	if name, ok := req.ToolChoiceName(); ok {
		params.ToolChoice = sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: name},
		}
		return nil
	}
	switch req.ToolChoiceMode() {
	case "none":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
	case "required":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case "auto":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
	}
	return nil
}

// ToResponse converts a buffered Messages response to the chat.completion
// shape. Bedrock decodes the same wire shape and converts through it.
func ToResponse(msg *sdk.Message) *schema.ChatResponse {
	var text strings.Builder
	var toolCalls []schema.ToolCall

	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(v.Text)
		case sdk.ToolUseBlock:
			toolCalls = append(toolCalls, schema.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}

	message := schema.Message{
		Role:      schema.RoleAssistant,
		Content:   schema.TextContent(text.String()),
		ToolCalls: toolCalls,
	}
	return &schema.ChatResponse{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  string(msg.Model),
		Choices: []schema.Choice{{
			Message:      message,
			FinishReason: mapStopReason(string(msg.StopReason)),
		}},
		Usage: schema.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func mapStopReason(r string) string {
	switch r {
	case "max_tokens":
		return schema.FinishLength
	case "tool_use":
		return schema.FinishToolCalls
	case "refusal":
		return schema.FinishContentFilter
	default:
		return schema.FinishStop
	}
}

// streamChat replays the Messages event stream as unified chunks. The SDK
// hands back typed events; the FSM works on the raw event JSON so Bedrock can
// share it.
func (c *Client) streamChat(ctx context.Context, params sdk.MessageNewParams, model string) <-chan schema.StreamChunk {
	ch := make(chan schema.StreamChunk, 64)
	stream := c.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		fsm := NewEventFSM(model)
		for stream.Next() {
			for _, chunk := range fsm.Feed([]byte(stream.Current().RawJSON())) {
				ch <- chunk
			}
		}
		if err := stream.Err(); err != nil {
			ch <- schema.ErrChunk(toProviderError(err))
		}
	}()

	return ch
}

func toProviderError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &adapters.ProviderError{
			Provider:   "anthropic",
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
