package accounting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Inserter writes one batch of terminal records to the analytics backend.
type Inserter interface {
	Insert(ctx context.Context, rows []Record) error
}

// Sink batches terminal records off the request path. Enqueue never blocks:
// when the buffer is full, records are dropped and counted.
type Sink struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	ins     Inserter
	met     *metrics.Registry // optional
	baseCtx context.Context
	log     *slog.Logger
}

// NewSink starts the flush loop. met may be nil.
func NewSink(ctx context.Context, ins Inserter, met *metrics.Registry, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		ins:     ins,
		met:     met,
		baseCtx: ctx,
		log:     log.With(slog.String("component", "accounting_sink")),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue hands a terminal record to the flush loop.
func (s *Sink) Enqueue(rec Record) {
	select {
	case s.ch <- rec:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
	if s.met != nil {
		s.met.SetQueueSize("accounting", len(s.ch))
	}
}

// Dropped returns the number of records lost to a full buffer.
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the buffer and stops the flush loop.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.ins.Insert(s.baseCtx, batch); err != nil {
			s.log.Warn("analytics insert failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()))
		}
		batch = batch[:0]
		if s.met != nil {
			s.met.SetQueueSize("accounting", len(s.ch))
		}
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
