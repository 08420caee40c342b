package accounting

import "strings"

// Pricing is the credit schedule: chat and embeddings cost tokens times a
// per-model multiplier (credits per thousand tokens, longest matching prefix
// wins); images, audio, and moderation cost a flat per-call amount.
type Pricing struct {
	PerThousandTokens map[string]float64 // keyed by model prefix
	DefaultPerThousand float64
	PerCall            map[string]int64 // keyed by endpoint
	DefaultPerCall     int64
}

// DefaultPricing returns the built-in schedule.
func DefaultPricing() *Pricing {
	return &Pricing{
		PerThousandTokens: map[string]float64{
			"gpt-4o-mini":   1,
			"gpt-4o":        10,
			"o1":            40,
			"o3":            30,
			"claude-opus":   40,
			"claude-sonnet": 15,
			"claude-haiku":  2,
			"gemini-2":      5,
			"gemini-1.5":    5,
			"mistral":       3,
			"grok":          10,
			"sonar":         5,
			"text-embedding": 1,
		},
		DefaultPerThousand: 5,
		PerCall: map[string]int64{
			"/v1/images/generations":    50,
			"/v1/images/edits":          50,
			"/v1/audio/speech":          20,
			"/v1/audio/transcriptions":  20,
			"/v1/audio/translations":    20,
			"/v1/moderations":           1,
		},
		DefaultPerCall: 10,
	}
}

// ForTokens prices a token-metered request. Any nonzero usage costs at least
// one credit.
func (p *Pricing) ForTokens(model string, tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	mult := p.DefaultPerThousand
	best := -1
	for prefix, m := range p.PerThousandTokens {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			mult = m
		}
	}
	credits := int64(float64(tokens) * mult / 1000)
	if credits < 1 {
		credits = 1
	}
	return credits
}

// ForCall prices a per-call endpoint.
func (p *Pricing) ForCall(endpoint string) int64 {
	if c, ok := p.PerCall[endpoint]; ok {
		return c
	}
	return p.DefaultPerCall
}
