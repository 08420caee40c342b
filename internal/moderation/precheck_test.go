package moderation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/schema"
)

type moderationCall struct {
	Model string `json:"model"`
	Input []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"input"`
}

// moderationServer records the last request body and serves a canned result.
func moderationServer(t *testing.T, status int, body string) (*httptest.Server, *moderationCall, *int64) {
	t.Helper()
	last := &moderationCall{}
	calls := new(int64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, last); err != nil {
			t.Errorf("request body: %v (%s)", err, raw)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, last, calls
}

func newChecker(url string) *Checker {
	return New(Config{
		APIKey:  "sk-test",
		BaseURL: url,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

const flaggedBody = `{
	"id": "modr-1",
	"model": "omni-moderation-latest",
	"results": [{
		"flagged": true,
		"categories": {"violence": true, "harassment/threatening": true, "sexual": false},
		"category_scores": {"violence": 0.91, "harassment/threatening": 0.88, "sexual": 0.02}
	}]
}`

const cleanBody = `{
	"id": "modr-2",
	"model": "omni-moderation-latest",
	"results": [{"flagged": false, "categories": {}, "category_scores": {}}]
}`

func TestCheckMessages_FlaggedWithCategories(t *testing.T) {
	srv, last, _ := moderationServer(t, 200, flaggedBody)
	c := newChecker(srv.URL)

	msgs := []schema.Message{
		{Role: "system", Content: schema.TextContent("be helpful")},
		{Role: "user", Content: schema.Content{Parts: []schema.ContentPart{
			{Type: schema.ContentTypeText, Text: "describe this"},
			{Type: schema.ContentTypeImageURL, ImageURL: &schema.ImageURL{URL: "https://img.example/x.png"}},
		}}},
	}
	v := c.CheckMessages(context.Background(), msgs)

	if !v.Flagged {
		t.Fatalf("verdict = %+v, want flagged", v)
	}
	if len(v.Categories) != 2 || v.Categories[0] != "harassment/threatening" || v.Categories[1] != "violence" {
		t.Fatalf("categories = %v", v.Categories)
	}
	if v.Score != 0.91 {
		t.Fatalf("score = %v, want 0.91", v.Score)
	}

	// Both text parts and the image must have been sent for review.
	var texts, images int
	for _, in := range last.Input {
		switch in.Type {
		case "text":
			texts++
		case "image_url":
			if in.ImageURL.URL != "https://img.example/x.png" {
				t.Fatalf("image url = %q", in.ImageURL.URL)
			}
			images++
		}
	}
	if texts != 2 || images != 1 {
		t.Fatalf("sent %d text / %d image inputs, want 2/1", texts, images)
	}
}

func TestCheckPrompt_Clean(t *testing.T) {
	srv, last, _ := moderationServer(t, 200, cleanBody)
	c := newChecker(srv.URL)

	v := c.CheckPrompt(context.Background(), "a watercolor of a lighthouse")
	if v.Flagged || len(v.Categories) != 0 || v.Score != 0 {
		t.Fatalf("verdict = %+v, want clean", v)
	}
	if len(last.Input) != 1 || last.Input[0].Text != "a watercolor of a lighthouse" {
		t.Fatalf("request input = %+v", last.Input)
	}
}

func TestCheckImage_SendsURL(t *testing.T) {
	srv, last, _ := moderationServer(t, 200, cleanBody)
	c := newChecker(srv.URL)

	c.CheckImage(context.Background(), "data:image/png;base64,AAAA")
	if len(last.Input) != 1 || last.Input[0].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("request input = %+v", last.Input)
	}
}

func TestCheck_FailsOpenOnServiceError(t *testing.T) {
	srv, _, _ := moderationServer(t, 500, `{"error":{"message":"overloaded"}}`)
	c := newChecker(srv.URL)

	v := c.CheckPrompt(context.Background(), "anything")
	if v.Flagged {
		t.Fatalf("verdict = %+v, service errors must allow", v)
	}
}

func TestCheck_SkipsEmptyInput(t *testing.T) {
	srv, _, calls := moderationServer(t, 200, cleanBody)
	c := newChecker(srv.URL)

	if v := c.CheckPrompt(context.Background(), "   "); v.Flagged {
		t.Fatalf("verdict = %+v", v)
	}
	if v := c.CheckMessages(context.Background(), nil); v.Flagged {
		t.Fatalf("verdict = %+v", v)
	}
	if got := atomic.LoadInt64(calls); got != 0 {
		t.Fatalf("moderation calls = %d, want 0", got)
	}
}
