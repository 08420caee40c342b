// Package moderation runs the pre-flight content check against OpenAI's
// moderation endpoint. The check is fail-open: when the service is down or
// errors, requests are allowed and the failure is logged. A flagged verdict
// is acted on by the caller (user disable + request rejection).
package moderation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// BlockedMessage is the client-facing rejection text for flagged content.
const BlockedMessage = "Content violates our terms of service and has been blocked"

// checkTimeout bounds one moderation call. The pre-check sits on the request
// path, so it stays short and never retries.
const checkTimeout = 10 * time.Second

// Verdict is the aggregated moderation outcome over all checked inputs.
type Verdict struct {
	Flagged    bool
	Categories []string
	Score      float64
}

// Config configures the checker. BaseURL overrides the API endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Log     *slog.Logger
}

// Checker is the moderation pre-check client.
type Checker struct {
	client openai.Client
	log    *slog.Logger
}

// New creates a Checker.
func New(cfg Config) *Checker {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Checker{
		client: openai.NewClient(opts...),
		log:    log.With(slog.String("component", "moderation")),
	}
}

// CheckMessages moderates the text and image content of a chat conversation.
func (c *Checker) CheckMessages(ctx context.Context, msgs []schema.Message) Verdict {
	var inputs []openai.ModerationMultiModalInputUnionParam
	for _, m := range msgs {
		if m.Content.IsParts() {
			for _, p := range m.Content.Parts {
				switch p.Type {
				case schema.ContentTypeText:
					if strings.TrimSpace(p.Text) != "" {
						inputs = append(inputs, textInput(p.Text))
					}
				case schema.ContentTypeImageURL:
					if p.ImageURL != nil && p.ImageURL.URL != "" {
						inputs = append(inputs, imageInput(p.ImageURL.URL))
					}
				}
			}
			continue
		}
		if strings.TrimSpace(m.Content.Text) != "" {
			inputs = append(inputs, textInput(m.Content.Text))
		}
	}
	return c.check(ctx, inputs)
}

// CheckPrompt moderates a single text prompt.
func (c *Checker) CheckPrompt(ctx context.Context, text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}
	return c.check(ctx, []openai.ModerationMultiModalInputUnionParam{textInput(text)})
}

// CheckImage moderates one image by URL or data URL.
func (c *Checker) CheckImage(ctx context.Context, url string) Verdict {
	if url == "" {
		return Verdict{}
	}
	return c.check(ctx, []openai.ModerationMultiModalInputUnionParam{imageInput(url)})
}

func textInput(text string) openai.ModerationMultiModalInputUnionParam {
	return openai.ModerationMultiModalInputUnionParam{
		OfText: &openai.ModerationTextInputParam{Text: text},
	}
}

func imageInput(url string) openai.ModerationMultiModalInputUnionParam {
	return openai.ModerationMultiModalInputUnionParam{
		OfImageURL: &openai.ModerationImageURLInputParam{
			ImageURL: openai.ModerationImageURLInputImageURLParam{URL: url},
		},
	}
}

func (c *Checker) check(ctx context.Context, inputs []openai.ModerationMultiModalInputUnionParam) Verdict {
	if len(inputs) == 0 {
		return Verdict{}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Model: openai.ModerationModelOmniModerationLatest,
		Input: openai.ModerationNewParamsInputUnion{
			OfModerationMultiModalArray: inputs,
		},
	})
	if err != nil {
		c.log.Warn("moderation check failed, allowing request",
			slog.String("error", err.Error()))
		return Verdict{}
	}

	var v Verdict
	seen := make(map[string]bool)
	for _, res := range resp.Results {
		if res.Flagged {
			v.Flagged = true
		}
		for _, cat := range flaggedCategories(res) {
			if !seen[cat] {
				seen[cat] = true
				v.Categories = append(v.Categories, cat)
			}
		}
		if s := maxScore(res); s > v.Score {
			v.Score = s
		}
	}
	sort.Strings(v.Categories)
	return v
}

// flaggedCategories lists the category names the result marked true. The
// typed struct is flattened through its JSON form so the slash-separated
// category names come out as the API spells them.
func flaggedCategories(m openai.Moderation) []string {
	data, err := json.Marshal(m.Categories)
	if err != nil {
		return nil
	}
	var cats map[string]bool
	if err := json.Unmarshal(data, &cats); err != nil {
		return nil
	}
	var out []string
	for name, hit := range cats {
		if hit {
			out = append(out, name)
		}
	}
	return out
}

func maxScore(m openai.Moderation) float64 {
	data, err := json.Marshal(m.CategoryScores)
	if err != nil {
		return 0
	}
	var scores map[string]float64
	if err := json.Unmarshal(data, &scores); err != nil {
		return 0
	}
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	return max
}
