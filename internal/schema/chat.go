// Package schema defines the unified OpenAI-shaped wire types the gateway
// accepts from clients and that every provider adapter translates to and from.
// Buffered responses use the chat.completion shape; streaming responses are a
// finite sequence of chat.completion.chunk values delivered over a channel
// closed by the producer.
package schema

import (
	"encoding/json"
	"fmt"
)

// Message roles accepted on the unified surface.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

// Reasoning effort levels accepted on the unified surface.
const (
	ReasoningLow    = "low"
	ReasoningMedium = "medium"
	ReasoningHigh   = "high"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Content is either a plain string or a list of typed parts
// (text, image_url, …). The zero value marshals as an empty string.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent builds a plain-string Content.
func TextContent(s string) Content { return Content{Text: s} }

// IsParts reports whether the content uses the multi-part form.
func (c Content) IsParts() bool { return c.Parts != nil }

// PlainText flattens the content to text: the string itself, or the
// concatenation of all text parts.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		c.Text = ""
		return nil
	}
	// null content (assistant tool-call messages) decodes to the zero value.
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	return fmt.Errorf("schema: content must be a string or an array of parts")
}

// Content part types.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one element of a multi-part message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points at an image, either an http(s) URL or a data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall is an assistant-requested function invocation. Streaming deltas
// carry Index so arguments can be accumulated across chunks.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ResponseFormat selects plain text, JSON object, or JSON schema output.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// StringOrList decodes a JSON string or array of strings.
type StringOrList []string

func (s StringOrList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringOrList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema: expected string or array of strings")
	}
	*s = StringOrList(many)
	return nil
}

// ChatRequest is the unified chat completion request.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Temperature         float64         `json:"temperature,omitempty"`
	TopP                float64         `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Stop                StringOrList    `json:"stop,omitempty"`
	N                   int             `json:"n,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool           `json:"parallel_tool_calls,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	PresencePenalty     float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty    float64         `json:"frequency_penalty,omitempty"`
	User                string          `json:"user,omitempty"`
}

// EffectiveMaxTokens returns max_completion_tokens when set, else max_tokens.
func (r *ChatRequest) EffectiveMaxTokens() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// ToolChoiceName extracts the function name from a
// {"type":"function","function":{"name":…}} tool_choice, if present.
func (r *ChatRequest) ToolChoiceName() (string, bool) {
	if len(r.ToolChoice) == 0 {
		return "", false
	}
	var tc struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(r.ToolChoice, &tc); err != nil || tc.Function.Name == "" {
		return "", false
	}
	return tc.Function.Name, true
}

// ToolChoiceMode returns "auto", "none", or "required" when tool_choice is one
// of the plain string forms.
func (r *ChatRequest) ToolChoiceMode() string {
	var mode string
	if json.Unmarshal(r.ToolChoice, &mode) == nil {
		return mode
	}
	return ""
}

// ChatResponse is the unified chat completion response
// (OpenAI chat.completion shape).
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Stream carries the chunk sequence when the request asked for streaming;
	// nil for buffered responses. The producer closes the channel.
	Stream <-chan StreamChunk `json:"-"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Finish reasons on the unified surface.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one streaming delta (OpenAI chat.completion.chunk shape).
// A terminal chunk with Err set reports an upstream failure; it is never
// serialized to the client.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`

	Err error `json:"-"`
}

// ChunkChoice is one streamed choice delta.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental fields of a streamed choice.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ContentDelta returns the text carried by the chunk's first choice.
func (c *StreamChunk) ContentDelta() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the finish reason of the chunk's first choice.
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// ErrChunk builds a terminal error chunk.
func ErrChunk(err error) StreamChunk { return StreamChunk{Err: err} }

// TextChunk builds a plain content delta chunk.
func TextChunk(id, model, text string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{Content: text}}},
	}
}

// FinishChunk builds a terminal chunk carrying only a finish reason.
func FinishChunk(id, model, reason string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []ChunkChoice{{FinishReason: reason}},
	}
}
