package schema

// Token estimates use the ceil(len/4) byte heuristic throughout; exact
// tokenizer counts are out of scope.

// EstimateText approximates the token count of a text.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateMessages approximates the prompt token count of a conversation:
// content text plus tool-call arguments, with a small per-message overhead.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateText(m.Content.PlainText())
		for _, tc := range m.ToolCalls {
			total += EstimateText(tc.Function.Name) + EstimateText(tc.Function.Arguments)
		}
		total += 4
	}
	return total
}

// PromptTokenEstimate approximates the prompt token count of the request.
func (r *ChatRequest) PromptTokenEstimate() int {
	return EstimateMessages(r.Messages)
}

// PromptTokenEstimate approximates the input token count of the request.
func (r *EmbeddingRequest) PromptTokenEstimate() int {
	total := 0
	for _, in := range r.Input {
		total += EstimateText(in)
	}
	return total
}
