// Package accounting tracks the lifecycle of one API request from accept to
// terminal state and prices it in tenant credits. Terminal transitions are
// idempotent by request id: the first of complete/fail/timeout wins and later
// ones are ignored. Terminal records are also forwarded to an asynchronous
// analytics sink that never blocks the request path.
package accounting

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Request statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// ErrNotFound reports an unknown request id.
var ErrNotFound = errors.New("accounting: request not found")

// Record is one ApiRequest row.
type Record struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Model         string    `json:"model"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TokensUsed    int       `json:"tokens_used"`
	CreditsUsed   int64     `json:"credits_used"`
	LatencyMs     int64     `json:"latency_ms"`
	RequestBytes  int       `json:"request_bytes"`
	ResponseBytes int       `json:"response_bytes"`
	StatusCode    int       `json:"status_code"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	RetryCount    int       `json:"retry_count"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the status is final.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Outcome carries the fields a terminal transition writes.
type Outcome struct {
	TokensUsed    int
	CreditsUsed   int64
	LatencyMs     int64
	ResponseBytes int
	StatusCode    int
	ErrorMessage  string
	RetryCount    int
}

// Store persists ApiRequest records. Complete, Fail, and Timeout must be
// idempotent: once a record is terminal, further transitions are no-ops.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	StartProcessing(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, out Outcome) error
	Fail(ctx context.Context, id string, out Outcome) error
	Timeout(ctx context.Context, id string, out Outcome) error
	Get(ctx context.Context, id string) (*Record, error)
}

// Service pairs the store with the analytics sink.
type Service struct {
	store   Store
	sink    *Sink // optional
	pricing *Pricing
	log     *slog.Logger
}

// NewService creates the accounting service. sink may be nil; a nil pricing
// uses the defaults.
func NewService(store Store, sink *Sink, pricing *Pricing, log *slog.Logger) *Service {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		sink:    sink,
		pricing: pricing,
		log:     log.With(slog.String("component", "accounting")),
	}
}

// Pricing exposes the credit schedule in use.
func (s *Service) Pricing() *Pricing { return s.pricing }

// Begin records the accepted request as pending.
func (s *Service) Begin(ctx context.Context, rec *Record) error {
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	return s.store.Create(ctx, rec)
}

// StartProcessing marks the request in flight.
func (s *Service) StartProcessing(ctx context.Context, id string) error {
	return s.store.StartProcessing(ctx, id)
}

// Complete records success and forwards the terminal row to the sink.
func (s *Service) Complete(ctx context.Context, id string, out Outcome) error {
	return s.terminal(ctx, id, out, s.store.Complete)
}

// Fail records failure and forwards the terminal row to the sink.
func (s *Service) Fail(ctx context.Context, id string, out Outcome) error {
	return s.terminal(ctx, id, out, s.store.Fail)
}

// Timeout records a deadline breach and forwards the terminal row to the sink.
func (s *Service) Timeout(ctx context.Context, id string, out Outcome) error {
	return s.terminal(ctx, id, out, s.store.Timeout)
}

func (s *Service) terminal(ctx context.Context, id string, out Outcome, apply func(context.Context, string, Outcome) error) error {
	// Late transitions after a terminal state are no-ops and must not produce
	// another analytics row.
	if rec, err := s.store.Get(ctx, id); err == nil && Terminal(rec.Status) {
		return nil
	}
	if err := apply(ctx, id, out); err != nil {
		return err
	}
	if s.sink == nil {
		return nil
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Warn("terminal record not readable for analytics",
			slog.String("request_id", id),
			slog.String("error", err.Error()))
		return nil
	}
	s.sink.Enqueue(*rec)
	return nil
}
