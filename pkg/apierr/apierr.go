// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeNotImplemented     = "not_implemented"
	CodeInvalidRequest     = "invalid_request"
	CodeServiceUnavailable = "service_unavailable"
	CodeContentPolicy      = "content_policy_violation"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
)

// StatusCoder is implemented by errors that know their HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Coder is implemented by errors that carry a stable error code.
type Coder interface {
	ErrorCode() string
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// FromError maps an error onto (status, type, code). Errors implementing
// StatusCoder pick their own status; a context deadline surfaces as 504;
// everything else is a 500.
func FromError(err error) (status int, errType, code string) {
	status = fasthttp.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = fasthttp.StatusGatewayTimeout
	}
	errType, code = classifyStatus(status)
	var c Coder
	if errors.As(err, &c) {
		code = c.ErrorCode()
	}
	return status, errType, code
}

func classifyStatus(status int) (errType, code string) {
	switch status {
	case fasthttp.StatusBadRequest:
		return TypeInvalidRequest, CodeInvalidRequest
	case fasthttp.StatusUnauthorized:
		// OpenAI surfaces auth failures as invalid_request_error.
		return TypeInvalidRequest, CodeInvalidAPIKey
	case fasthttp.StatusPaymentRequired, fasthttp.StatusForbidden:
		return TypeInvalidRequest, CodeForbidden
	case fasthttp.StatusNotFound:
		return TypeInvalidRequest, CodeNotFound
	case fasthttp.StatusTooManyRequests:
		return TypeRateLimitError, CodeRateLimitExceeded
	case fasthttp.StatusBadGateway:
		return TypeProviderError, CodeProviderError
	case fasthttp.StatusServiceUnavailable:
		return TypeServerError, CodeServiceUnavailable
	case fasthttp.StatusGatewayTimeout:
		return TypeProviderError, CodeRequestTimeout
	default:
		return TypeServerError, CodeInternalError
	}
}

// WriteError maps err through FromError and writes it. The error's own
// message is used verbatim; callers wrap upstream errors before this point.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status, errType, code := FromError(err)
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, status, err.Error(), errType, code)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
