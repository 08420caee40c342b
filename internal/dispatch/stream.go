package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/classify"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// StreamResult is the finalized outcome of a streamed completion. Usage is
// the provider-reported accounting when the upstream sent it, otherwise the
// length-based estimate over the forwarded text.
type StreamResult struct {
	Usage schema.Usage
	Err   error
}

// Stream is a running streamed completion. Chunks delivers the unified chunk
// sequence and is closed by the machine; Done resolves once finalization has
// run, which happens on every path including cancellation.
type Stream struct {
	out  chan schema.StreamChunk
	done chan struct{}

	finalize sync.Once
	res      StreamResult
}

// Chunks returns the chunk sequence. A chunk with Err set is terminal.
func (s *Stream) Chunks() <-chan schema.StreamChunk { return s.out }

// Done resolves when finalization is complete.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Result blocks until finalization and returns the outcome.
func (s *Stream) Result() StreamResult {
	<-s.done
	return s.res
}

// Stream starts a streamed chat completion with mid-stream fail-over. Chunk
// ids are rewritten to requestID; estTokens is the prompt estimate used for
// reservation and for the fallback usage computation.
func (d *Dispatcher) Stream(ctx context.Context, requestID string, req *schema.ChatRequest, estTokens int) *Stream {
	s := &Stream{
		out:  make(chan schema.StreamChunk, 16),
		done: make(chan struct{}),
	}
	m := &streamMachine{
		d:           d,
		ctx:         ctx,
		requestID:   requestID,
		req:         req,
		est:         estTokens,
		excluded:    make(map[string]bool),
		maxAttempts: MaxAttemptsFor(balancer.CapChat),
		s:           s,
	}
	go m.run()
	return s
}

// streamMachine drives one streamed request: it obtains an upstream iterator,
// forwards chunks, and on upstream failure releases the slot and re-selects.
type streamMachine struct {
	d           *Dispatcher
	ctx         context.Context
	requestID   string
	req         *schema.ChatRequest
	est         int
	excluded    map[string]bool
	attempt     int
	maxAttempts int

	sel      balancer.Selection
	upstream <-chan schema.StreamChunk
	release  func()
	started  time.Time

	textLen   int
	priorText int // text forwarded by upstreams abandoned mid-stream
	usage     *schema.Usage

	s *Stream
}

func (m *streamMachine) run() {
	defer close(m.s.out)

	idle := time.NewTimer(m.d.idleTimeout)
	defer idle.Stop()

	for {
		if m.upstream == nil {
			if err := m.selectUpstream(); err != nil {
				m.finish(err)
				m.emit(schema.ErrChunk(err))
				return
			}
			resetTimer(idle, m.d.idleTimeout)
		}

		select {
		case <-m.ctx.Done():
			// Client went away: stop pulling, release, finalize.
			m.abandonUpstream()
			m.finish(m.ctx.Err())
			return

		case chunk, ok := <-m.upstream:
			if !ok {
				m.release()
				m.d.bal.RecordSuccess(m.sel, time.Since(m.started), m.finalUsage())
				m.finish(nil)
				return
			}
			if chunk.Err != nil {
				m.release()
				m.d.bal.RecordError(m.sel, time.Since(m.started), chunk.Err)
				if classify.IsRetryable(chunk.Err) && m.attempt < m.maxAttempts {
					m.d.log.Warn("stream failed mid-flight, re-selecting",
						slog.String("provider", m.sel.Provider.Name),
						slog.String("sub_provider", m.sel.SubID()),
						slog.String("error", chunk.Err.Error()))
					m.excluded[m.sel.Provider.ID] = true
					m.priorText = m.textLen
					m.upstream = nil
					continue
				}
				m.finish(chunk.Err)
				m.emit(schema.ErrChunk(chunk.Err))
				return
			}

			chunk.ID = m.requestID
			m.textLen += len(chunk.ContentDelta())
			if chunk.Usage != nil {
				u := *chunk.Usage
				m.usage = &u
			}
			if !m.emit(chunk) {
				m.abandonUpstream()
				m.finish(m.ctx.Err())
				return
			}
			resetTimer(idle, m.d.idleTimeout)

		case <-idle.C:
			err := fmt.Errorf("dispatch: stream idle timeout after %s", m.d.idleTimeout)
			m.abandonUpstream()
			m.d.bal.RecordError(m.sel, time.Since(m.started), err)
			if m.attempt < m.maxAttempts {
				m.excluded[m.sel.Provider.ID] = true
				m.priorText = m.textLen
				continue
			}
			m.finish(err)
			m.emit(schema.ErrChunk(err))
			return
		}
	}
}

// selectUpstream loops through selection, reservation, and invocation until a
// streaming iterator is obtained or the attempt budget is spent.
func (m *streamMachine) selectUpstream() error {
	var lastErr error
	for m.attempt < m.maxAttempts {
		m.attempt++
		if err := m.ctx.Err(); err != nil {
			return err
		}

		sel, err := m.d.bal.Select(m.req.Model, balancer.CapChat, m.est)
		if err != nil {
			return err
		}
		if m.excluded[sel.Provider.ID] {
			continue
		}
		if sel.Sub != nil && !sel.Sub.Reserve(m.est) {
			m.d.countError("capacity_refused")
			continue
		}

		ad, err := m.d.factory.GetOrCreate(sel.Provider, sel.Sub)
		if err != nil {
			if sel.Sub != nil {
				sel.Sub.Release()
			}
			m.d.countError("adapter_build")
			m.excluded[sel.Provider.ID] = true
			lastErr = err
			continue
		}
		key := adapters.InstanceKey(sel.Provider.ID, sel.SubID())
		m.d.factory.TrackRequest(key)

		upReq := *m.req
		upReq.Stream = true
		if sel.Sub != nil {
			upReq.Model = sel.Sub.UpstreamModel(m.req.Model)
		}

		release := func() {
			if sel.Sub != nil {
				sel.Sub.Release()
			}
			m.d.factory.ReleaseRequest(key)
		}

		start := time.Now()
		resp, err := ad.ChatCompletion(m.ctx, &upReq)
		if err != nil {
			release()
			m.d.bal.RecordError(sel, time.Since(start), err)
			lastErr = err
			if !classify.IsRetryable(err) {
				return err
			}
			m.excluded[sel.Provider.ID] = true
			continue
		}

		var once sync.Once
		m.sel = sel
		m.started = start
		m.upstream = resp.Stream
		m.release = func() { once.Do(release) }
		return nil
	}

	if lastErr != nil {
		return &ExhaustedError{Attempts: m.maxAttempts, Last: lastErr}
	}
	return &ExhaustedError{Attempts: m.maxAttempts}
}

// abandonUpstream releases the current slot and drains the producer so it can
// observe the aborted request and exit.
func (m *streamMachine) abandonUpstream() {
	if m.upstream == nil {
		return
	}
	m.release()
	go func(ch <-chan schema.StreamChunk) {
		for range ch {
		}
	}(m.upstream)
	m.upstream = nil
}

// emit forwards one chunk, bailing out if the caller is gone.
func (m *streamMachine) emit(c schema.StreamChunk) bool {
	select {
	case m.s.out <- c:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// finalUsage prefers provider-reported accounting and falls back to the
// 4-chars-per-token estimate over the forwarded text. After a mid-stream
// fail-over the last upstream's usage covers only its own portion, so any
// text from an abandoned upstream forces the estimate over the full
// concatenation.
func (m *streamMachine) finalUsage() schema.Usage {
	if m.usage != nil && m.usage.CompletionTokens > 0 && m.priorText == 0 {
		u := *m.usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	completion := (m.textLen + 3) / 4
	return schema.Usage{
		PromptTokens:     m.est,
		CompletionTokens: completion,
		TotalTokens:      m.est + completion,
	}
}

// finish runs finalization exactly once.
func (m *streamMachine) finish(err error) {
	m.s.finalize.Do(func() {
		m.s.res = StreamResult{Usage: m.finalUsage(), Err: err}
		close(m.s.done)
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
