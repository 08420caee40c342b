package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/accounting"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/moderation"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// requestScope carries one request through the shared pipeline: identity,
// accounting record, and the exactly-once terminal transition.
type requestScope struct {
	s        *Server
	ctx      *fasthttp.RequestCtx
	reqID    string
	endpoint string
	model    string
	user     *store.User
	started  time.Time
	tracked  bool
	closed   bool
}

func (s *Server) begin(ctx *fasthttp.RequestCtx) *requestScope {
	reqID, _ := ctx.UserValue("request_id").(string)
	return &requestScope{
		s:        s,
		ctx:      ctx,
		reqID:    reqID,
		endpoint: string(ctx.Path()),
		started:  time.Now(),
	}
}

// authenticate resolves the bearer token and enforces the per-user rate
// limit. Returns false after writing the error response.
func (r *requestScope) authenticate() bool {
	header := string(r.ctx.Request.Header.Peek("Authorization"))
	u, err := r.s.authn.Authenticate(r.ctx, header)
	if err != nil {
		apierr.WriteError(r.ctx, err)
		return false
	}
	r.user = u

	if r.s.limiter != nil {
		allowed, err := r.s.limiter.Allow(r.ctx, u.ID, u.RequestsPerMinute)
		if r.s.met != nil {
			switch {
			case err != nil:
				r.s.met.RecordRateLimit("error")
			case allowed:
				r.s.met.RecordRateLimit("allowed")
			default:
				r.s.met.RecordRateLimit("blocked")
			}
		}
		if err == nil && !allowed {
			r.s.log.Warn("rate limit exceeded",
				slog.String("request_id", r.reqID),
				slog.String("user_id", u.ID))
			apierr.WriteRateLimit(r.ctx)
			return false
		}
	}
	return true
}

// authorize enforces the plan's model allowlist and credit balance for the
// estimated cost. Returns false after writing the refusal.
func (r *requestScope) authorize(model string, estCredits int64) bool {
	r.model = model
	if res := r.s.authz.AuthorizeModel(r.user, model, r.endpoint); !res.Authorized {
		apierr.Write(r.ctx, res.HTTPStatus, res.Reason, apierr.TypeInvalidRequest, res.ErrorCode)
		return false
	}
	if res := r.s.authz.AuthorizeCredits(r.user, estCredits, model); !res.Authorized {
		apierr.Write(r.ctx, res.HTTPStatus, res.Reason, apierr.TypeInvalidRequest, res.ErrorCode)
		return false
	}
	return true
}

// blockContent handles a flagged moderation verdict: the account is disabled,
// the request is rejected, and the record fails. Returns false always, for
// use as `return` guard in handlers.
func (r *requestScope) blockContent(v moderation.Verdict) bool {
	if err := r.s.users.SetEnabled(r.ctx, r.user.ID, false); err != nil {
		r.s.log.Error("failed to disable user after flagged content",
			slog.String("user_id", r.user.ID),
			slog.String("error", err.Error()))
	}
	r.s.log.Error("content blocked, account disabled",
		slog.String("request_id", r.reqID),
		slog.String("user_id", r.user.ID),
		slog.String("categories", strings.Join(v.Categories, ",")),
		slog.Float64("score", v.Score))
	if r.s.met != nil {
		r.s.met.IncError("content_blocked")
	}
	apierr.Write(r.ctx, fasthttp.StatusBadRequest,
		moderation.BlockedMessage, apierr.TypeInvalidRequest, apierr.CodeContentPolicy)
	r.failAccounting(context.Background(), fasthttp.StatusBadRequest, moderation.BlockedMessage)
	return false
}

// track opens the accounting record. Accounting failures never fail the
// request; they are logged and the record is skipped.
func (r *requestScope) track() {
	rec := &accounting.Record{
		ID:           r.reqID,
		UserID:       r.user.ID,
		Model:        r.model,
		Endpoint:     r.endpoint,
		Method:       string(r.ctx.Method()),
		RequestBytes: len(r.ctx.PostBody()),
		IPAddress:    r.ctx.RemoteIP().String(),
		UserAgent:    string(r.ctx.UserAgent()),
	}
	if err := r.s.acct.Begin(r.ctx, rec); err != nil {
		r.s.log.Warn("accounting begin failed",
			slog.String("request_id", r.reqID),
			slog.String("error", err.Error()))
		return
	}
	r.tracked = true
	if err := r.s.acct.StartProcessing(r.ctx, r.reqID); err != nil {
		r.s.log.Warn("accounting transition failed",
			slog.String("request_id", r.reqID),
			slog.String("error", err.Error()))
	}
}

// fail writes the error response and fails the accounting record.
func (r *requestScope) fail(err error) {
	apierr.WriteError(r.ctx, err)
	status, _, _ := apierr.FromError(err)
	r.s.log.Error("request failed",
		slog.String("request_id", r.reqID),
		slog.String("endpoint", r.endpoint),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(r.started)))
	if r.s.met != nil {
		r.s.met.IncError(errorKind(err))
	}
	r.failAccounting(r.ctx, status, err.Error())
}

func (r *requestScope) failAccounting(ctx context.Context, status int, msg string) {
	if !r.tracked || r.closed {
		return
	}
	r.closed = true
	out := accounting.Outcome{
		StatusCode:   status,
		ErrorMessage: msg,
		LatencyMs:    time.Since(r.started).Milliseconds(),
	}
	var err error
	if status == fasthttp.StatusGatewayTimeout {
		err = r.s.acct.Timeout(ctx, r.reqID, out)
	} else {
		err = r.s.acct.Fail(ctx, r.reqID, out)
	}
	if err != nil {
		r.s.log.Warn("accounting fail transition failed",
			slog.String("request_id", r.reqID),
			slog.String("error", err.Error()))
	}
}

// complete debits the user and completes the accounting record. credits is
// the computed charge; the actually debited amount is recorded. ctx must
// outlive the request for streamed responses, so callers pass it explicitly.
func (r *requestScope) complete(ctx context.Context, tokens int, credits int64, respBytes, status int) {
	charged := r.debit(ctx, credits)
	if r.tracked && !r.closed {
		r.closed = true
		err := r.s.acct.Complete(ctx, r.reqID, accounting.Outcome{
			TokensUsed:    tokens,
			CreditsUsed:   charged,
			LatencyMs:     time.Since(r.started).Milliseconds(),
			ResponseBytes: respBytes,
			StatusCode:    status,
		})
		if err != nil {
			r.s.log.Warn("accounting complete transition failed",
				slog.String("request_id", r.reqID),
				slog.String("error", err.Error()))
		}
	}
	r.s.log.Info("request completed",
		slog.String("request_id", r.reqID),
		slog.String("endpoint", r.endpoint),
		slog.String("model", r.model),
		slog.String("user_id", r.user.ID),
		slog.Int("tokens", tokens),
		slog.Int64("credits", charged),
		slog.Duration("elapsed", time.Since(r.started)))
}

// debit charges the user's balance. A refused or failed debit is logged and
// recorded as zero so the accounting row reflects what was actually taken.
func (r *requestScope) debit(ctx context.Context, credits int64) int64 {
	if credits <= 0 {
		return 0
	}
	ok, err := r.s.users.DecrementCredits(ctx, r.user.ID, credits)
	if err != nil {
		r.s.log.Warn("credit debit failed",
			slog.String("user_id", r.user.ID),
			slog.Int64("credits", credits),
			slog.String("error", err.Error()))
		return 0
	}
	if !ok {
		r.s.log.Warn("credit balance went insufficient mid-request",
			slog.String("user_id", r.user.ID),
			slog.Int64("credits", credits))
		return 0
	}
	return credits
}

// errorKind maps an error onto the errors_total label.
func errorKind(err error) string {
	var ex *dispatch.ExhaustedError
	switch {
	case errors.As(err, &ex):
		return "retries_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream"
	}
}
