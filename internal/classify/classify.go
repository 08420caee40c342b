// Package classify sorts upstream errors into retry classes by scanning the
// lowercased error text against ordered substring lists. Precedence is
// critical > excluded > non-retryable > retryable; an unmatched error is
// non-retryable.
package classify

import (
	"strings"
	"time"
)

// Class is the retry class of an upstream error.
type Class string

const (
	// Critical marks authentication and billing failures. The sub-provider
	// deserves a permanent penalty; the caller decides which.
	Critical Class = "critical"
	// Excluded marks upstream refusals that must not count against provider
	// health (regional blocks, content policy).
	Excluded Class = "excluded"
	// NonRetryable marks client errors that another provider would reject too.
	NonRetryable Class = "non_retryable"
	// Retryable marks transient failures worth another attempt elsewhere.
	Retryable Class = "retryable"
)

// Circuit-breaker configuration owned by the classifier.
const (
	MaxConsecutiveErrors = 10
	ErrorWindow          = 300 * time.Second
)

// Ordered pattern lists. Within the precedence order the first matching
// substring wins.
var (
	criticalPatterns = []string{
		"401",
		"402",
		"unauthorized",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"api key not valid",
		"authentication",
		"balance is too low",
		"insufficient balance",
		"payment required",
		"account deactivated",
		"account suspended",
	}

	excludedPatterns = []string{
		"unsupported_country",
		"unsupported country",
		"country, region, or territory",
		"content policy",
		"content_policy",
		"content management policy",
		"flagged as potentially violating",
		"safety system",
	}

	nonRetryablePatterns = []string{
		"400",
		"404",
		"405",
		"413",
		"422",
		"invalid request",
		"invalid_request_error",
		"context length",
		"context_length_exceeded",
		"maximum context",
		"string too long",
		"model not found",
		"does not exist",
		"insufficient_quota",
		"quota exceeded",
		"exceeded your current quota",
	}

	retryablePatterns = []string{
		"429",
		"500",
		"502",
		"503",
		"504",
		"too many requests",
		"rate limit",
		"rate_limit",
		"timeout",
		"timed out",
		"deadline exceeded",
		"etimedout",
		"econnreset",
		"econnrefused",
		"connection reset",
		"connection refused",
		"socket hang up",
		"broken pipe",
		"unexpected eof",
		"network",
		"overloaded",
		"server_error",
		"service unavailable",
		"bad gateway",
		"temporarily unavailable",
	}
)

// Result is the outcome of classification: the class and, when a list
// matched, the winning pattern.
type Result struct {
	Class   Class
	Pattern string
}

// Retryable reports whether another attempt elsewhere may succeed.
func (r Result) Retryable() bool { return r.Class == Retryable }

// RecordsFailure reports whether the failure counts against provider health.
func (r Result) RecordsFailure() bool { return r.Class != Excluded }

// Classify classifies an error. A nil error falls through to the default
// class like any unmatched message.
func Classify(err error) Result {
	if err == nil {
		return Result{Class: NonRetryable}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error message.
func ClassifyMessage(msg string) Result {
	lower := strings.ToLower(msg)

	for _, lst := range []struct {
		class    Class
		patterns []string
	}{
		{Critical, criticalPatterns},
		{Excluded, excludedPatterns},
		{NonRetryable, nonRetryablePatterns},
		{Retryable, retryablePatterns},
	} {
		for _, p := range lst.patterns {
			if strings.Contains(lower, p) {
				return Result{Class: lst.class, Pattern: p}
			}
		}
	}

	return Result{Class: NonRetryable}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool { return Classify(err).Retryable() }

// ShouldRecordFailure reports whether err counts against provider health.
func ShouldRecordFailure(err error) bool { return Classify(err).RecordsFailure() }
