// Package google adapts the Gemini API (official GenAI SDK). Chat maps onto
// generateContent with the user/model role scheme, embeddings onto
// embedContent, and image generation onto Imagen. Safety filtering is
// disabled; the gateway runs its own moderation pass.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// thinkingBudgets maps reasoning_effort to a thinking token budget.
var thinkingBudgets = map[string]int32{
	schema.ReasoningLow:    1024,
	schema.ReasoningMedium: 2048,
	schema.ReasoningHigh:   4096,
}

// harmCategories are all disabled; moderation happens before dispatch.
var harmCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

// aspectRatios maps OpenAI size strings to Imagen aspect ratios.
var aspectRatios = map[string]string{
	"1024x1024": "1:1",
	"1792x1024": "16:9",
	"1536x1024": "16:9",
	"1024x1792": "9:16",
	"1024x1536": "9:16",
	"512x512":   "1:1",
	"256x256":   "1:1",
}

// Client is the Gemini adapter.
type Client struct {
	adapters.Base
	client *genai.Client
}

func New(cfg adapters.Config) (adapters.Adapter, error) {
	base, err := adapters.NewBase("google", cfg,
		adapters.OpChat, adapters.OpEmbeddings, adapters.OpImageGen)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiBase, apiVersion := splitBaseURLAndVersion(baseURL)

	// The SDK client is request-scoped internally; construction does no I/O.
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    apiBase,
			APIVersion: apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}
	return &Client{Base: base, client: client}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("google: health check: %w", toProviderError(err))
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

	contents, cfg, err := buildContents(req)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	if req.Stream {
		out := c.streamChat(ctx, req.Model, contents, cfg)
		done(nil)
		return &schema.ChatResponse{Stream: out}, nil
	}

	gr, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	return toUnified(gr, req.Model), nil
}

// buildContents translates messages and sampling parameters.
func buildContents(req *schema.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case schema.RoleSystem, schema.RoleDeveloper:
			system = append(system, m.Content.PlainText())
		case schema.RoleAssistant:
			parts, err := assistantParts(m)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case schema.RoleTool, schema.RoleFunction:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content.PlainText()), &response); err != nil {
				response = map[string]any{"result": m.Content.PlainText()}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.Name,
						Response: response,
					},
				}},
			})
		default:
			parts, err := userParts(m.Content)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if max := req.EffectiveMaxTokens(); max > 0 {
		cfg.MaxOutputTokens = int32(max)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "" && req.ResponseFormat.Type != "text" {
		cfg.ResponseMIMEType = "application/json"
	}
	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)}
	}
	for _, cat := range harmCategories {
		cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
			Category:  cat,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	if err := applyTools(cfg, req); err != nil {
		return nil, nil, err
	}
	return contents, cfg, nil
}

func userParts(content schema.Content) ([]*genai.Part, error) {
	if !content.IsParts() {
		return []*genai.Part{{Text: content.Text}}, nil
	}
	parts := make([]*genai.Part, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case schema.ContentTypeText:
			parts = append(parts, &genai.Part{Text: p.Text})
		case schema.ContentTypeImageURL:
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part without url")
			}
			part, err := imagePart(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			return nil, fmt.Errorf("unsupported content part %q", p.Type)
		}
	}
	return parts, nil
}

// imagePart maps data URLs to inlineData and everything else to fileData.
func imagePart(raw string) (*genai.Part, error) {
	if !strings.HasPrefix(raw, "data:") {
		return &genai.Part{FileData: &genai.FileData{FileURI: raw}}, nil
	}
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	mimeType, _, _ := strings.Cut(meta, ";")
	if !ok || mimeType == "" {
		return nil, fmt.Errorf("malformed image data url")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed image data url: %w", err)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
}

func assistantParts(m schema.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	if text := m.Content.PlainText(); text != "" {
		parts = append(parts, &genai.Part{Text: text})
	}
	for _, tc := range m.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("tool call %s: bad arguments: %w", tc.ID, err)
			}
		}
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
		})
	}
	if len(parts) == 0 {
		parts = append(parts, &genai.Part{Text: ""})
	}
	return parts, nil
}

func applyTools(cfg *genai.GenerateContentConfig, req *schema.ChatRequest) error {
	if len(req.Tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if len(t.Function.Parameters) > 0 {
			var params any
			if err := json.Unmarshal(t.Function.Parameters, &params); err != nil {
				return fmt.Errorf("tool %s: bad parameters schema: %w", t.Function.Name, err)
			}
			decl.ParametersJsonSchema = params
		}
		decls = append(decls, decl)
	}
	cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

	fcc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	if name, ok := req.ToolChoiceName(); ok {
		fcc.Mode = genai.FunctionCallingConfigModeAny
		fcc.AllowedFunctionNames = []string{name}
	} else {
		switch req.ToolChoiceMode() {
		case "none":
			fcc.Mode = genai.FunctionCallingConfigModeNone
		case "required":
			fcc.Mode = genai.FunctionCallingConfigModeAny
		}
	}
	cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
	return nil
}

// toUnified converts a buffered generateContent response.
func toUnified(gr *genai.GenerateContentResponse, model string) *schema.ChatResponse {
	var text strings.Builder
	var toolCalls []schema.ToolCall
	finish := schema.FinishStop

	if len(gr.Candidates) > 0 && gr.Candidates[0] != nil {
		cand := gr.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				if p.Text != "" {
					text.WriteString(p.Text)
				}
				if p.FunctionCall != nil {
					toolCalls = append(toolCalls, toToolCall(p.FunctionCall, len(toolCalls)))
				}
			}
		}
		finish = mapFinishReason(cand.FinishReason, len(toolCalls) > 0)
	}

	resp := &schema.ChatResponse{
		ID:     responseID(gr.ResponseID),
		Object: "chat.completion",
		Model:  model,
		Choices: []schema.Choice{{
			Message: schema.Message{
				Role:      schema.RoleAssistant,
				Content:   schema.TextContent(text.String()),
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
	}
	if gr.UsageMetadata != nil {
		resp.Usage = schema.Usage{
			PromptTokens:     int(gr.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(gr.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(gr.UsageMetadata.TotalTokenCount),
		}
	}
	return resp
}

func toToolCall(fc *genai.FunctionCall, index int) schema.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil {
		args = []byte("{}")
	}
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("call_%s_%d", fc.Name, index)
	}
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: fc.Name, Arguments: string(args)},
	}
}

func mapFinishReason(r genai.FinishReason, hasTools bool) string {
	if hasTools {
		return schema.FinishToolCalls
	}
	switch r {
	case genai.FinishReasonMaxTokens:
		return schema.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return schema.FinishContentFilter
	default:
		return schema.FinishStop
	}
}

// streamChat replays the generateContent stream as unified chunks.
func (c *Client) streamChat(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) <-chan schema.StreamChunk {
	ch := make(chan schema.StreamChunk, 64)

	go func() {
		defer close(ch)

		id := responseID("")
		toolIndex := 0
		var usage *schema.Usage
		finish := ""

		for gr, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- schema.ErrChunk(toProviderError(err))
				return
			}
			if gr == nil || len(gr.Candidates) == 0 || gr.Candidates[0] == nil {
				continue
			}
			if gr.UsageMetadata != nil {
				usage = &schema.Usage{
					PromptTokens:     int(gr.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(gr.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(gr.UsageMetadata.TotalTokenCount),
				}
			}

			cand := gr.Candidates[0]
			if cand.Content != nil {
				for _, p := range cand.Content.Parts {
					if p == nil {
						continue
					}
					if p.Text != "" {
						ch <- schema.TextChunk(id, model, p.Text)
					}
					if p.FunctionCall != nil {
						idx := toolIndex
						toolIndex++
						tc := toToolCall(p.FunctionCall, idx)
						tc.Index = &idx
						ch <- schema.StreamChunk{
							ID:      id,
							Object:  "chat.completion.chunk",
							Model:   model,
							Choices: []schema.ChunkChoice{{Delta: schema.Delta{ToolCalls: []schema.ToolCall{tc}}}},
						}
					}
				}
			}
			if cand.FinishReason != "" {
				finish = mapFinishReason(cand.FinishReason, toolIndex > 0)
			}
		}

		if finish == "" {
			finish = schema.FinishStop
		}
		final := schema.FinishChunk(id, model, finish)
		final.Usage = usage
		ch <- final
	}()

	return ch
}

// CreateEmbeddings batches all inputs into one embedContent call.
func (c *Client) CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (out *schema.EmbeddingResponse, err error) {
	done := c.Track(adapters.OpEmbeddings, req.Model)
	defer func() { done(err) }()

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	var cfg *genai.EmbedContentConfig
	if req.Dimensions > 0 {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(req.Dimensions))}
	}

	resp, err := c.client.Models.EmbedContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("google: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("google: embed: empty response")
	}

	data := make([]schema.EmbeddingData, 0, len(resp.Embeddings))
	tokens := 0
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data = append(data, schema.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: emb.Values,
		})
	}
	for _, text := range req.Input {
		tokens += schema.EstimateText(text)
	}
	return &schema.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data:   data,
		Usage:  schema.Usage{PromptTokens: tokens, TotalTokens: tokens},
	}, nil
}

// GenerateImages runs Imagen and returns base64 payloads.
func (c *Client) GenerateImages(ctx context.Context, req *schema.ImageRequest) (out *schema.ImageResponse, err error) {
	done := c.Track(adapters.OpImageGen, req.Model)
	defer func() { done(err) }()

	n := req.N
	if n == 0 {
		n = 1
	}
	cfg := &genai.GenerateImagesConfig{NumberOfImages: int32(n)}
	if ratio, ok := aspectRatios[req.Size]; ok {
		cfg.AspectRatio = ratio
	}

	resp, err := c.client.Models.GenerateImages(ctx, req.Model, req.Prompt, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]schema.ImageData, 0, len(resp.GeneratedImages))
	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil {
			continue
		}
		data = append(data, schema.ImageData{
			B64JSON: base64.StdEncoding.EncodeToString(img.Image.ImageBytes),
		})
	}
	return &schema.ImageResponse{
		Created: time.Now().Unix(),
		Data:    data,
	}, nil
}

func responseID(id string) string {
	if id != "" {
		return "chatcmpl-" + id
	}
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}

func splitBaseURLAndVersion(raw string) (baseURL, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}
	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}
	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &adapters.ProviderError{
			Provider:   "google",
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
