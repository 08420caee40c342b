package google

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/schema"
)

func TestBuildContents_RolesAndSystem(t *testing.T) {
	req := &schema.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []schema.Message{
			{Role: schema.RoleSystem, Content: schema.TextContent("Be brief.")},
			{Role: schema.RoleUser, Content: schema.TextContent("Hi")},
			{Role: schema.RoleAssistant, Content: schema.TextContent("Hello!")},
			{Role: schema.RoleUser, Content: schema.TextContent("Bye")},
		},
		Temperature: 0.4,
		MaxTokens:   256,
	}

	contents, cfg, err := buildContents(req)
	if err != nil {
		t.Fatalf("buildContents: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3 (system extracted)", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel {
		t.Fatalf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Fatalf("system instruction = %#v", cfg.SystemInstruction)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.4 {
		t.Fatalf("temperature = %#v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 256 {
		t.Fatalf("max output tokens = %d", cfg.MaxOutputTokens)
	}
	if len(cfg.SafetySettings) != len(harmCategories) {
		t.Fatalf("safety settings = %d, want %d", len(cfg.SafetySettings), len(harmCategories))
	}
	for _, s := range cfg.SafetySettings {
		if s.Threshold != genai.HarmBlockThresholdBlockNone {
			t.Fatalf("safety threshold = %v, want BLOCK_NONE", s.Threshold)
		}
	}
}

func TestBuildContents_ToolCallHistory(t *testing.T) {
	req := &schema.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []schema.Message{
			{Role: schema.RoleUser, Content: schema.TextContent("weather?")},
			{Role: schema.RoleAssistant, ToolCalls: []schema.ToolCall{{
				ID:       "call_1",
				Function: schema.FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}}},
			{Role: schema.RoleTool, Name: "get_weather", ToolCallID: "call_1",
				Content: schema.TextContent(`{"temp_c":4}`)},
		},
		Tools: []schema.Tool{{
			Type: "function",
			Function: schema.FunctionDefinition{
				Name:       "get_weather",
				Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
		ToolChoice: json.RawMessage(`"required"`),
	}

	contents, cfg, err := buildContents(req)
	if err != nil {
		t.Fatalf("buildContents: %v", err)
	}
	fc := contents[1].Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" || fc.Args["city"] != "Oslo" {
		t.Fatalf("function call part = %#v", contents[1].Parts[0])
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" || fr.Response["temp_c"] != float64(4) {
		t.Fatalf("function response part = %#v", contents[2].Parts[0])
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Fatalf("tools = %#v", cfg.Tools)
	}
	if cfg.ToolConfig.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Fatalf("tool mode = %v, want ANY", cfg.ToolConfig.FunctionCallingConfig.Mode)
	}
}

func TestBuildContents_ThinkingBudget(t *testing.T) {
	req := &schema.ChatRequest{
		Model:           "gemini-2.5-pro",
		Messages:        []schema.Message{{Role: schema.RoleUser, Content: schema.TextContent("hard problem")}},
		ReasoningEffort: schema.ReasoningHigh,
	}
	_, cfg, err := buildContents(req)
	if err != nil {
		t.Fatalf("buildContents: %v", err)
	}
	if cfg.ThinkingConfig == nil || cfg.ThinkingConfig.ThinkingBudget == nil {
		t.Fatalf("thinking config = %#v", cfg.ThinkingConfig)
	}
	if *cfg.ThinkingConfig.ThinkingBudget != 4096 {
		t.Fatalf("budget = %d, want 4096", *cfg.ThinkingConfig.ThinkingBudget)
	}
}

func TestBuildContents_InlineImage(t *testing.T) {
	req := &schema.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []schema.Message{{
			Role: schema.RoleUser,
			Content: schema.Content{Parts: []schema.ContentPart{
				{Type: schema.ContentTypeText, Text: "describe"},
				{Type: schema.ContentTypeImageURL, ImageURL: &schema.ImageURL{URL: "data:image/jpeg;base64,aGVsbG8="}},
				{Type: schema.ContentTypeImageURL, ImageURL: &schema.ImageURL{URL: "https://example.com/x.png"}},
			}},
		}},
	}
	contents, _, err := buildContents(req)
	if err != nil {
		t.Fatalf("buildContents: %v", err)
	}
	parts := contents[0].Parts
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("inline data = %#v", parts[1])
	}
	if string(parts[1].InlineData.Data) != "hello" {
		t.Fatalf("decoded bytes = %q", parts[1].InlineData.Data)
	}
	if parts[2].FileData == nil || parts[2].FileData.FileURI != "https://example.com/x.png" {
		t.Fatalf("file data = %#v", parts[2])
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		in       genai.FinishReason
		hasTools bool
		want     string
	}{
		{genai.FinishReasonStop, false, schema.FinishStop},
		{genai.FinishReasonMaxTokens, false, schema.FinishLength},
		{genai.FinishReasonSafety, false, schema.FinishContentFilter},
		{genai.FinishReasonStop, true, schema.FinishToolCalls},
	}
	for _, c := range cases {
		if got := mapFinishReason(c.in, c.hasTools); got != c.want {
			t.Fatalf("mapFinishReason(%v, %v) = %q, want %q", c.in, c.hasTools, got, c.want)
		}
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	base, ver := splitBaseURLAndVersion("https://generativelanguage.googleapis.com/v1beta")
	if base != "https://generativelanguage.googleapis.com/" || ver != "v1beta" {
		t.Fatalf("split = %q, %q", base, ver)
	}
	base, ver = splitBaseURLAndVersion("http://127.0.0.1:8080")
	if base != "http://127.0.0.1:8080/" || ver != "" {
		t.Fatalf("split = %q, %q", base, ver)
	}
}
