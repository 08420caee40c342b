// Package dispatch runs requests against selected upstreams with retry and
// fail-over. The buffered path is a bounded attempt loop; streaming goes
// through a machine that can re-select an upstream mid-stream and guarantees
// exactly-once finalization for accounting.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/classify"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Attempt budgets per endpoint capability.
const (
	DefaultMaxAttempts = 10
	AudioMaxAttempts   = 5
)

// MaxAttemptsFor returns the attempt budget for a capability.
func MaxAttemptsFor(capability string) int {
	if capability == balancer.CapAudio {
		return AudioMaxAttempts
	}
	return DefaultMaxAttempts
}

// ExhaustedError reports that every attempt failed or was skipped.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("All %d provider attempts failed", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// HTTPStatus surfaces exhaustion as an internal upstream failure.
func (e *ExhaustedError) HTTPStatus() int { return 500 }

// Dispatcher owns the attempt lifecycle: selection, capacity reservation,
// adapter borrow, outcome recording, release.
type Dispatcher struct {
	bal     *balancer.Balancer
	factory *adapters.Factory
	log     *slog.Logger
	met     *metrics.Registry // optional

	// idleTimeout bounds the gap between streamed chunks.
	idleTimeout time.Duration
}

// New creates a Dispatcher. met may be nil.
func New(bal *balancer.Balancer, factory *adapters.Factory, log *slog.Logger, met *metrics.Registry) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		bal:         bal,
		factory:     factory,
		log:         log.With(slog.String("component", "dispatcher")),
		met:         met,
		idleTimeout: adapters.DefaultTimeout,
	}
}

// Request names one dispatchable operation.
type Request struct {
	Model      string
	Capability string
	EstTokens  int
}

// Invoke runs one attempt against a borrowed adapter. The selection is passed
// through so callers can apply per-slot model mapping.
type Invoke[T any] func(ctx context.Context, ad adapters.Adapter, sel balancer.Selection) (T, schema.Usage, error)

// Do runs the bounded retry loop for a buffered operation. Exclusion is by
// provider id: once a provider fails an attempt it is skipped for the rest of
// the request. A reservation refusal consumes the attempt without a health
// penalty or an exclusion; selection failures surface immediately.
func Do[T any](ctx context.Context, d *Dispatcher, r Request, invoke Invoke[T]) (T, error) {
	var zero T
	maxAttempts := MaxAttemptsFor(r.Capability)
	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		sel, err := d.bal.Select(r.Model, r.Capability, r.EstTokens)
		if err != nil {
			return zero, err
		}
		if excluded[sel.Provider.ID] {
			continue
		}
		if sel.Sub != nil && !sel.Sub.Reserve(r.EstTokens) {
			// Lost the race between selection and reservation.
			d.countError("capacity_refused")
			d.log.Debug("capacity reservation refused",
				slog.String("provider", sel.Provider.Name),
				slog.String("sub_provider", sel.SubID()))
			continue
		}

		ad, err := d.factory.GetOrCreate(sel.Provider, sel.Sub)
		if err != nil {
			if sel.Sub != nil {
				sel.Sub.Release()
			}
			d.countError("adapter_build")
			d.log.Error("adapter construction failed",
				slog.String("provider", sel.Provider.Name),
				slog.String("error", err.Error()))
			excluded[sel.Provider.ID] = true
			lastErr = err
			continue
		}

		out, usage, latency, err := runAttempt(ctx, d, sel, ad, invoke)
		if err == nil {
			d.bal.RecordSuccess(sel, latency, usage)
			return out, nil
		}

		d.bal.RecordError(sel, latency, err)
		lastErr = err
		if classify.IsRetryable(err) && attempt < maxAttempts {
			excluded[sel.Provider.ID] = true
			d.log.Warn("attempt failed, excluding provider",
				slog.Int("attempt", attempt),
				slog.String("provider", sel.Provider.Name),
				slog.String("sub_provider", sel.SubID()),
				slog.String("error", err.Error()))
			continue
		}
		return zero, err
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// runAttempt borrows the adapter instance and invokes it. Capacity and the
// borrow are released on every path, panics included.
func runAttempt[T any](ctx context.Context, d *Dispatcher, sel balancer.Selection, ad adapters.Adapter, invoke Invoke[T]) (out T, usage schema.Usage, latency time.Duration, err error) {
	if sel.Sub != nil {
		defer sel.Sub.Release()
	}
	key := adapters.InstanceKey(sel.Provider.ID, sel.SubID())
	d.factory.TrackRequest(key)
	defer d.factory.ReleaseRequest(key)

	start := time.Now()
	out, usage, err = invoke(ctx, ad, sel)
	return out, usage, time.Since(start), err
}

func (d *Dispatcher) countError(kind string) {
	if d.met != nil {
		d.met.IncError(kind)
	}
}
