package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

type chatFunc func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error)

type fakeAdapter struct {
	adapters.Base
	chat chatFunc
}

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
	return f.chat(ctx, req)
}

func (f *fakeAdapter) CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	return nil, f.Gate(adapters.OpEmbeddings)
}

func (f *fakeAdapter) GenerateImages(ctx context.Context, req *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, f.Gate(adapters.OpImageGen)
}

func (f *fakeAdapter) EditImages(ctx context.Context, req *schema.ImageEditRequest) (*schema.ImageResponse, error) {
	return nil, f.Gate(adapters.OpImageEdit)
}

func (f *fakeAdapter) TextToSpeech(ctx context.Context, req *schema.SpeechRequest) ([]byte, error) {
	return nil, f.Gate(adapters.OpSpeech)
}

func (f *fakeAdapter) AudioTranscription(ctx context.Context, req *schema.TranscriptionRequest) (*schema.TranscriptionResponse, error) {
	return nil, f.Gate(adapters.OpTranscription)
}

func (f *fakeAdapter) ModerateContent(ctx context.Context, req *schema.ModerationRequest) (*schema.ModerationResponse, error) {
	return nil, f.Gate(adapters.OpModeration)
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

type harness struct {
	reg   *registry.Registry
	bal   *balancer.Balancer
	fac   *adapters.Factory
	d     *Dispatcher
	chats map[string]chatFunc // by sub-provider id
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		reg:   registry.New(),
		chats: make(map[string]chatFunc),
	}
	h.fac = adapters.NewFactory(nil, log)
	t.Cleanup(h.fac.Close)
	h.bal = balancer.New(h.reg, log, nil)
	h.d = New(h.bal, h.fac, log, nil)
	return h
}

// addUpstream wires one provider family with a single key slot whose chat
// behavior is fn.
func (h *harness) addUpstream(name, providerID, subID string, fn chatFunc) (*registry.Provider, *registry.SubProvider) {
	p := &registry.Provider{
		ID:                providerID,
		Name:              name,
		Enabled:           true,
		NeedsSubProviders: true,
		Models:            []string{"test-model"},
		Capabilities:      registry.Capabilities{Chat: true},
	}
	sub := &registry.SubProvider{ID: subID, ProviderID: providerID, Enabled: true}
	h.reg.UpsertProvider(p)
	h.reg.UpsertSubProvider(sub)
	h.chats[subID] = fn

	h.fac.SetStaticKey(name, "sk-test")
	h.fac.Register(name, func(cfg adapters.Config) (adapters.Adapter, error) {
		base, err := adapters.NewBase(name, cfg, adapters.OpChat)
		if err != nil {
			return nil, err
		}
		return &fakeAdapter{Base: base, chat: h.chats[cfg.SubProviderID]}, nil
	})
	return p, sub
}

// seedWorse marks a provider as the lower-scored choice so selection order is
// deterministic: a fresh provider always outranks it, and a provider with a
// recorded failure always ranks below it.
func seedWorse(p *registry.Provider) {
	p.RecordSuccess(10)
	p.RecordError(10)
}

func chatInvoke(req *schema.ChatRequest) Invoke[*schema.ChatResponse] {
	return func(ctx context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.ChatResponse, schema.Usage, error) {
		resp, err := ad.ChatCompletion(ctx, req)
		if err != nil {
			return nil, schema.Usage{}, err
		}
		return resp, resp.Usage, nil
	}
}

func chatRequest() *schema.ChatRequest {
	return &schema.ChatRequest{
		Model:    "test-model",
		Messages: []schema.Message{{Role: schema.RoleUser, Content: schema.TextContent("hi")}},
	}
}

func TestMaxAttemptsFor(t *testing.T) {
	if n := MaxAttemptsFor(balancer.CapAudio); n != 5 {
		t.Fatalf("audio attempts = %d, want 5", n)
	}
	if n := MaxAttemptsFor(balancer.CapChat); n != 10 {
		t.Fatalf("chat attempts = %d, want 10", n)
	}
}

func TestDo_SuccessReleasesCapacity(t *testing.T) {
	h := newHarness(t)
	var sub *registry.SubProvider
	var inFlight int64
	p, s := h.addUpstream("fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.StoreInt64(&inFlight, sub.Concurrent())
		return &schema.ChatResponse{ID: "ok", Usage: schema.Usage{PromptTokens: 4, CompletionTokens: 2}}, nil
	})
	sub = s

	resp, err := Do(context.Background(), h.d, Request{Model: "test-model", Capability: balancer.CapChat, EstTokens: 8}, chatInvoke(chatRequest()))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.ID != "ok" {
		t.Fatalf("resp.ID = %q", resp.ID)
	}
	if atomic.LoadInt64(&inFlight) != 1 {
		t.Fatalf("in-flight during invoke = %d, want 1", inFlight)
	}
	if sub.Concurrent() != 0 {
		t.Fatalf("concurrent after success = %d, want 0", sub.Concurrent())
	}
	if succ, fail := p.Counts(); succ != 1 || fail != 0 {
		t.Fatalf("provider counts = %d/%d, want 1/0", succ, fail)
	}
	if n := h.fac.ActiveRequests(adapters.InstanceKey("p1", "s1")); n != 0 {
		t.Fatalf("active requests = %d, want 0", n)
	}
}

func TestDo_FailsOverAfterRetryableError(t *testing.T) {
	h := newHarness(t)
	var calls1, calls2 int64
	p1, s1 := h.addUpstream("fake-a", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.AddInt64(&calls1, 1)
		return nil, fmt.Errorf("upstream returned 503")
	})
	p2, _ := h.addUpstream("fake-b", "p2", "s2", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.AddInt64(&calls2, 1)
		return &schema.ChatResponse{ID: "ok"}, nil
	})
	seedWorse(p2)

	resp, err := Do(context.Background(), h.d, Request{Model: "test-model", Capability: balancer.CapChat, EstTokens: 4}, chatInvoke(chatRequest()))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.ID != "ok" {
		t.Fatalf("resp.ID = %q", resp.ID)
	}
	if calls1 != 1 || calls2 != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", calls1, calls2)
	}
	if _, fail := p1.Counts(); fail != 1 {
		t.Fatalf("p1 failures = %d, want 1", fail)
	}
	if succ, _ := p2.Counts(); succ != 1 {
		t.Fatalf("p2 successes = %d, want 1", succ)
	}
	if s1.Concurrent() != 0 {
		t.Fatalf("s1 concurrent = %d, want 0 after release", s1.Concurrent())
	}
}

func TestDo_NonRetryableSurfaces(t *testing.T) {
	h := newHarness(t)
	var calls int64
	p, _ := h.addUpstream("fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.AddInt64(&calls, 1)
		return nil, fmt.Errorf("400 invalid request body")
	})

	_, err := Do(context.Background(), h.d, Request{Model: "test-model", Capability: balancer.CapChat, EstTokens: 4}, chatInvoke(chatRequest()))
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("err = %v, want the upstream error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on client errors)", calls)
	}
	if _, fail := p.Counts(); fail != 1 {
		t.Fatalf("failures = %d, want 1", fail)
	}
}

func TestDo_ExhaustionAfterExclusion(t *testing.T) {
	h := newHarness(t)
	var calls int64
	h.addUpstream("fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.AddInt64(&calls, 1)
		return nil, fmt.Errorf("502 bad gateway")
	})

	_, err := Do(context.Background(), h.d, Request{Model: "test-model", Capability: balancer.CapChat, EstTokens: 4}, chatInvoke(chatRequest()))
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if got := err.Error(); got != "All 10 provider attempts failed" {
		t.Fatalf("message = %q", got)
	}
	// The sole provider is excluded after the first failure; the remaining
	// attempts are consumed by the skip, not by new calls.
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !strings.Contains(errors.Unwrap(err).Error(), "bad gateway") {
		t.Fatalf("unwrapped = %v", errors.Unwrap(err))
	}
}

func TestDo_NoCapacityIsSelectionFailure(t *testing.T) {
	h := newHarness(t)
	var calls int64
	_, sub := h.addUpstream("fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		atomic.AddInt64(&calls, 1)
		return &schema.ChatResponse{ID: "ok"}, nil
	})
	sub.Limits.MaxConcurrent = 1
	if !sub.Reserve(4) {
		t.Fatalf("priming reservation should succeed")
	}

	_, err := Do(context.Background(), h.d, Request{Model: "test-model", Capability: balancer.CapChat, EstTokens: 4}, chatInvoke(chatRequest()))
	if !errors.Is(err, balancer.ErrNoSubProviders) {
		t.Fatalf("err = %v, want ErrNoSubProviders", err)
	}
	var be *balancer.Error
	if !errors.As(err, &be) || be.HTTPStatus() != 503 {
		t.Fatalf("err = %v, want a 503 selection failure", err)
	}
	if calls != 0 {
		t.Fatalf("adapter invoked %d times with no capacity", calls)
	}
}

func streamingUpstream(chunks []schema.StreamChunk) chatFunc {
	return func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		if !req.Stream {
			return nil, fmt.Errorf("expected a streaming request")
		}
		ch := make(chan schema.StreamChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return &schema.ChatResponse{Stream: ch}, nil
	}
}

func TestStream_ForwardsRewritesAndFinalizes(t *testing.T) {
	h := newHarness(t)
	fin := schema.FinishChunk("upstream-id", "test-model", schema.FinishStop)
	fin.Usage = &schema.Usage{PromptTokens: 5, CompletionTokens: 2}
	p, sub := h.addUpstream("fake", "p1", "s1", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("upstream-id", "test-model", "Hel"),
		schema.TextChunk("upstream-id", "test-model", "lo"),
		fin,
	}))

	st := h.d.Stream(context.Background(), "chatcmpl-outer", chatRequest(), 5)

	var text strings.Builder
	for chunk := range st.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.ID != "chatcmpl-outer" {
			t.Fatalf("chunk id = %q, want the outer request id", chunk.ID)
		}
		text.WriteString(chunk.ContentDelta())
	}
	if text.String() != "Hello" {
		t.Fatalf("text = %q", text.String())
	}

	res := st.Result()
	if res.Err != nil {
		t.Fatalf("result err = %v", res.Err)
	}
	if res.Usage.PromptTokens != 5 || res.Usage.CompletionTokens != 2 || res.Usage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if sub.Concurrent() != 0 {
		t.Fatalf("concurrent = %d, want 0 after stream end", sub.Concurrent())
	}
	if succ, _ := p.Counts(); succ != 1 {
		t.Fatalf("successes = %d, want 1", succ)
	}
}

func TestStream_MidStreamFailover(t *testing.T) {
	h := newHarness(t)
	p1, s1 := h.addUpstream("fake-a", "p1", "s1", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u1", "test-model", "partial "),
		schema.ErrChunk(errors.New("connection reset by peer")),
	}))
	p2, s2 := h.addUpstream("fake-b", "p2", "s2", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u2", "test-model", "recovered"),
		schema.FinishChunk("u2", "test-model", schema.FinishStop),
	}))
	seedWorse(p2)

	st := h.d.Stream(context.Background(), "chatcmpl-fo", chatRequest(), 4)

	var text strings.Builder
	for chunk := range st.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.ContentDelta())
	}
	if got := text.String(); got != "partial recovered" {
		t.Fatalf("text = %q", got)
	}

	res := st.Result()
	if res.Err != nil {
		t.Fatalf("result err = %v", res.Err)
	}
	if _, fail := p1.Counts(); fail != 1 {
		t.Fatalf("p1 failures = %d, want 1", fail)
	}
	if succ, _ := p2.Counts(); succ != 1 {
		t.Fatalf("p2 successes = %d, want 1", succ)
	}
	if s1.Concurrent() != 0 || s2.Concurrent() != 0 {
		t.Fatalf("concurrent = %d/%d, want 0/0", s1.Concurrent(), s2.Concurrent())
	}
}

func TestStream_FailoverUsageCoversFullText(t *testing.T) {
	h := newHarness(t)
	fin := schema.FinishChunk("u2", "test-model", schema.FinishStop)
	// The relief upstream reports usage for its own four characters only.
	fin.Usage = &schema.Usage{PromptTokens: 4, CompletionTokens: 1}
	p1, _ := h.addUpstream("fake-a", "p1", "s1", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u1", "test-model", strings.Repeat("a", 16)),
		schema.ErrChunk(errors.New("connection reset by peer")),
	}))
	p2, _ := h.addUpstream("fake-b", "p2", "s2", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u2", "test-model", "bbbb"),
		fin,
	}))
	seedWorse(p2)

	st := h.d.Stream(context.Background(), "chatcmpl-fo2", chatRequest(), 4)

	var text strings.Builder
	for chunk := range st.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.ContentDelta())
	}
	if got := text.String(); len(got) != 20 {
		t.Fatalf("forwarded %d chars, want 20", len(got))
	}

	// 20 forwarded characters across both upstreams estimate to 5 completion
	// tokens; the relief upstream's partial usage must not win.
	res := st.Result()
	if res.Err != nil {
		t.Fatalf("result err = %v", res.Err)
	}
	if res.Usage.CompletionTokens != 5 {
		t.Fatalf("completion tokens = %d, want 5", res.Usage.CompletionTokens)
	}
	if res.Usage.PromptTokens != 4 || res.Usage.TotalTokens != 9 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if _, fail := p1.Counts(); fail != 1 {
		t.Fatalf("p1 failures = %d, want 1", fail)
	}
}

func TestStream_ExhaustionSurfacesError(t *testing.T) {
	h := newHarness(t)
	h.addUpstream("fake", "p1", "s1", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u1", "test-model", "abcdefgh"),
		schema.ErrChunk(errors.New("500 server_error")),
	}))

	st := h.d.Stream(context.Background(), "chatcmpl-ex", chatRequest(), 7)

	var text strings.Builder
	var streamErr error
	for chunk := range st.Chunks() {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		text.WriteString(chunk.ContentDelta())
	}
	if text.String() != "abcdefgh" {
		t.Fatalf("text = %q", text.String())
	}
	if streamErr == nil {
		t.Fatalf("expected a terminal error chunk")
	}

	res := st.Result()
	if res.Err == nil {
		t.Fatalf("result err = nil, want failure")
	}
	// 8 forwarded characters estimate to 2 completion tokens.
	if res.Usage.PromptTokens != 7 || res.Usage.CompletionTokens != 2 || res.Usage.TotalTokens != 9 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestStream_ClientCancelFinalizes(t *testing.T) {
	h := newHarness(t)
	_, sub := h.addUpstream("fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		ch := make(chan schema.StreamChunk, 1)
		ch <- schema.TextChunk("u1", req.Model, "partial")
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return &schema.ChatResponse{Stream: ch}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := h.d.Stream(ctx, "chatcmpl-cancel", chatRequest(), 3)

	first, ok := <-st.Chunks()
	if !ok || first.ContentDelta() != "partial" {
		t.Fatalf("first chunk = %+v, ok=%v", first, ok)
	}
	cancel()

	for range st.Chunks() {
	}
	res := st.Result()
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result err = %v, want context.Canceled", res.Err)
	}
	if sub.Concurrent() != 0 {
		t.Fatalf("concurrent = %d, want 0 after cancel", sub.Concurrent())
	}
}

func TestStream_IdleTimeoutFailsOver(t *testing.T) {
	h := newHarness(t)
	p1, _ := h.addUpstream("fake-a", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		ch := make(chan schema.StreamChunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return &schema.ChatResponse{Stream: ch}, nil
	})
	p2, _ := h.addUpstream("fake-b", "p2", "s2", streamingUpstream([]schema.StreamChunk{
		schema.TextChunk("u2", "test-model", "recovered"),
		schema.FinishChunk("u2", "test-model", schema.FinishStop),
	}))
	seedWorse(p2)
	h.d.idleTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := h.d.Stream(ctx, "chatcmpl-idle", chatRequest(), 4)

	var text strings.Builder
	for chunk := range st.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.ContentDelta())
	}
	if text.String() != "recovered" {
		t.Fatalf("text = %q", text.String())
	}
	if res := st.Result(); res.Err != nil {
		t.Fatalf("result err = %v", res.Err)
	}
	if _, fail := p1.Counts(); fail != 1 {
		t.Fatalf("p1 failures = %d, want 1 after idle timeout", fail)
	}
}
