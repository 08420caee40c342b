package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// EventFSM converts raw Messages API stream events into unified chunks. The
// direct adapter feeds it the SDK events' raw JSON; Bedrock delivers the same
// events inside its EventStream framing and feeds the decoded payloads here.
//
// Tool-call arguments arrive as input_json_delta fragments; they accumulate
// per content block and surface as one synthetic tool_calls chunk when the
// block stops.
type EventFSM struct {
	model string

	id         string
	inTokens   int
	outTokens  int
	stopReason string
	tools      map[int]*toolAcc
	toolIndex  int
}

type toolAcc struct {
	id   string
	name string
	args strings.Builder
}

// wireEvent is the superset of fields across all Messages stream event types.
type wireEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewEventFSM(model string) *EventFSM {
	return &EventFSM{model: model, tools: make(map[int]*toolAcc)}
}

// Feed processes one event payload and returns the unified chunks it yields,
// usually zero or one. Unknown event types are skipped.
func (f *EventFSM) Feed(data []byte) []schema.StreamChunk {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			f.id = ev.Message.ID
			f.inTokens = ev.Message.Usage.InputTokens
		}
		return []schema.StreamChunk{{
			ID:      f.id,
			Object:  "chat.completion.chunk",
			Model:   f.model,
			Choices: []schema.ChunkChoice{{Delta: schema.Delta{Role: schema.RoleAssistant}}},
		}}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			f.tools[ev.Index] = &toolAcc{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return []schema.StreamChunk{schema.TextChunk(f.id, f.model, ev.Delta.Text)}
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				return []schema.StreamChunk{{
					ID:      f.id,
					Object:  "chat.completion.chunk",
					Model:   f.model,
					Choices: []schema.ChunkChoice{{Delta: schema.Delta{Reasoning: ev.Delta.Thinking}}},
				}}
			}
		case "input_json_delta":
			if acc, ok := f.tools[ev.Index]; ok {
				acc.args.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		acc, ok := f.tools[ev.Index]
		if !ok {
			return nil
		}
		delete(f.tools, ev.Index)
		idx := f.toolIndex
		f.toolIndex++
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		return []schema.StreamChunk{{
			ID:     f.id,
			Object: "chat.completion.chunk",
			Model:  f.model,
			Choices: []schema.ChunkChoice{{
				Delta: schema.Delta{ToolCalls: []schema.ToolCall{{
					Index:    &idx,
					ID:       acc.id,
					Type:     "function",
					Function: schema.FunctionCall{Name: acc.name, Arguments: args},
				}}},
			}},
		}}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			f.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			f.outTokens = ev.Usage.OutputTokens
		}

	case "message_stop":
		final := schema.FinishChunk(f.id, f.model, mapStopReason(f.stopReason))
		final.Usage = &schema.Usage{
			PromptTokens:     f.inTokens,
			CompletionTokens: f.outTokens,
			TotalTokens:      f.inTokens + f.outTokens,
		}
		return []schema.StreamChunk{final}

	case "error":
		msg := "stream error"
		errType := ""
		if ev.Error != nil {
			msg = ev.Error.Message
			errType = ev.Error.Type
		}
		return []schema.StreamChunk{schema.ErrChunk(&adapters.ProviderError{
			Provider:   "anthropic",
			StatusCode: 500,
			Type:       errType,
			Message:    msg,
		})}
	}

	return nil
}
