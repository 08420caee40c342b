package schema

// ModerationRequest is the unified moderation request.
type ModerationRequest struct {
	Model string       `json:"model,omitempty"`
	Input StringOrList `json:"input"`
}

// ModerationResponse is the unified moderation response.
type ModerationResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Results []ModerationResult `json:"results"`
}

// ModerationResult is the verdict for one input item.
type ModerationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// MaxScore returns the highest category score of the result.
func (r ModerationResult) MaxScore() float64 {
	max := 0.0
	for _, s := range r.CategoryScores {
		if s > max {
			max = s
		}
	}
	return max
}

// FlaggedCategories lists the categories marked true, in no particular order.
func (r ModerationResult) FlaggedCategories() []string {
	var out []string
	for c, on := range r.Categories {
		if on {
			out = append(out, c)
		}
	}
	return out
}
