package classify

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyMessage_Classes(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"openai: invalid api key (status=401)", Critical},
		{"anthropic: your balance is too low", Critical},
		{"request failed with status 402", Critical},
		{"unsupported_country_region_territory", Excluded},
		{"rejected by content policy", Excluded},
		{"openai: model not found (status=404)", NonRetryable},
		{"context_length_exceeded: maximum context length is 8192", NonRetryable},
		{"you exceeded your current quota, please check your plan", NonRetryable},
		{"rate limit reached, retry after 2s", Retryable},
		{"upstream returned 503 service unavailable", Retryable},
		{"dial tcp: connection refused", Retryable},
		{"context deadline exceeded", Retryable},
		{"read: connection reset by peer", Retryable},
	}

	for _, tc := range cases {
		got := ClassifyMessage(tc.msg)
		if got.Class != tc.want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s (pattern %q)",
				tc.msg, got.Class, tc.want, got.Pattern)
		}
		if got.Pattern == "" {
			t.Errorf("ClassifyMessage(%q): expected a matched pattern", tc.msg)
		}
	}
}

func TestClassifyMessage_Precedence(t *testing.T) {
	// A message matching several lists resolves to the highest class:
	// critical > excluded > non-retryable > retryable.
	cases := []struct {
		msg  string
		want Class
	}{
		{"401 rate limit", Critical},
		{"invalid api key and content policy violation", Critical},
		{"content policy rejection after 503", Excluded},
		{"400 bad request caused a timeout downstream", NonRetryable},
	}

	for _, tc := range cases {
		if got := ClassifyMessage(tc.msg); got.Class != tc.want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s", tc.msg, got.Class, tc.want)
		}
	}
}

func TestClassifyMessage_DefaultNonRetryable(t *testing.T) {
	got := ClassifyMessage("something completely unexpected happened")
	if got.Class != NonRetryable {
		t.Fatalf("default class = %s, want %s", got.Class, NonRetryable)
	}
	if got.Pattern != "" {
		t.Fatalf("default pattern = %q, want empty", got.Pattern)
	}
}

func TestClassifyMessage_CaseInsensitive(t *testing.T) {
	if got := ClassifyMessage("Invalid API Key provided"); got.Class != Critical {
		t.Fatalf("mixed-case message classified as %s, want %s", got.Class, Critical)
	}
}

func TestClassify_Helpers(t *testing.T) {
	retryable := errors.New("upstream 502 bad gateway")
	if !IsRetryable(retryable) {
		t.Error("502 should be retryable")
	}
	if !ShouldRecordFailure(retryable) {
		t.Error("502 should count against health")
	}
	if IsRetryable(retryable) != Classify(retryable).Retryable() {
		t.Error("helper must agree with the result method")
	}

	excluded := fmt.Errorf("wrap: %w", errors.New("unsupported_country"))
	if IsRetryable(excluded) {
		t.Error("excluded errors are not retryable")
	}
	if ShouldRecordFailure(excluded) {
		t.Error("excluded errors must not count against health")
	}

	if IsRetryable(nil) {
		t.Error("nil errors fall through to the non-retryable default")
	}
}
