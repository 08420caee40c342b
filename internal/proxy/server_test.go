package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/accounting"
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/moderation"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const testAPIKey = "sk-relay-test-1"

type testChatFunc func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error)

// testAdapter fakes one upstream key slot: chat behavior is injectable, every
// other operation reports unsupported, and health probes are controllable.
type testAdapter struct {
	adapters.Base
	chat   testChatFunc
	health func(ctx context.Context) error
}

func (a *testAdapter) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
	if a.chat == nil {
		return nil, a.Gate(adapters.OpChat)
	}
	return a.chat(ctx, req)
}

func (a *testAdapter) CreateEmbeddings(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	return nil, a.Gate(adapters.OpEmbeddings)
}

func (a *testAdapter) GenerateImages(ctx context.Context, req *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, a.Gate(adapters.OpImageGen)
}

func (a *testAdapter) EditImages(ctx context.Context, req *schema.ImageEditRequest) (*schema.ImageResponse, error) {
	return nil, a.Gate(adapters.OpImageEdit)
}

func (a *testAdapter) TextToSpeech(ctx context.Context, req *schema.SpeechRequest) ([]byte, error) {
	return nil, a.Gate(adapters.OpSpeech)
}

func (a *testAdapter) AudioTranscription(ctx context.Context, req *schema.TranscriptionRequest) (*schema.TranscriptionResponse, error) {
	return nil, a.Gate(adapters.OpTranscription)
}

func (a *testAdapter) ModerateContent(ctx context.Context, req *schema.ModerationRequest) (*schema.ModerationResponse, error) {
	return nil, a.Gate(adapters.OpModeration)
}

func (a *testAdapter) HealthCheck(ctx context.Context) error {
	if a.health == nil {
		return nil
	}
	return a.health(ctx)
}

// testRelay assembles a full Server over in-memory collaborators.
type testRelay struct {
	users     *store.Memory
	reg       *registry.Registry
	fac       *adapters.Factory
	acctStore *accounting.MemoryStore
	srv       *Server
	chats     map[string]testChatFunc // by sub-provider id
}

func newTestRelay(t *testing.T, mutate func(*Options)) *testRelay {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr := &testRelay{
		users:     store.NewMemory(),
		reg:       registry.New(),
		acctStore: accounting.NewMemoryStore(),
		chats:     make(map[string]testChatFunc),
	}
	tr.fac = adapters.NewFactory(nil, log)
	t.Cleanup(tr.fac.Close)
	bal := balancer.New(tr.reg, log, nil)
	d := dispatch.New(bal, tr.fac, log, nil)

	opts := Options{
		Log:        log,
		Registry:   tr.reg,
		Dispatcher: d,
		Users:      tr.users,
		Accounting: accounting.NewService(tr.acctStore, nil, nil, log),
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr.srv = NewServer(context.Background(), opts)
	return tr
}

func (tr *testRelay) seedUser(t *testing.T, credits int64, mutate func(*store.User)) *store.User {
	t.Helper()
	u := &store.User{
		ID:         "u1",
		Name:       "tenant one",
		APIKeyHash: store.HashAPIKey(testAPIKey),
		Enabled:    true,
		Credits:    credits,
	}
	if mutate != nil {
		mutate(u)
	}
	if err := tr.users.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func (tr *testRelay) addUpstream(t *testing.T, name, providerID, subID string, fn testChatFunc) (*registry.Provider, *registry.SubProvider) {
	t.Helper()
	p := &registry.Provider{
		ID:                providerID,
		Name:              name,
		Enabled:           true,
		NeedsSubProviders: true,
		Models:            []string{"test-model"},
		Capabilities:      registry.Capabilities{Chat: true},
	}
	sub := &registry.SubProvider{ID: subID, ProviderID: providerID, Enabled: true}
	tr.reg.UpsertProvider(p)
	tr.reg.UpsertSubProvider(sub)
	tr.chats[subID] = fn

	tr.fac.SetStaticKey(name, "sk-upstream")
	tr.fac.Register(name, func(cfg adapters.Config) (adapters.Adapter, error) {
		base, err := adapters.NewBase(name, cfg, adapters.OpChat)
		if err != nil {
			return nil, err
		}
		return &testAdapter{Base: base, chat: tr.chats[cfg.SubProviderID]}, nil
	})
	return p, sub
}

// serve runs the full handler chain on an in-memory listener and returns an
// HTTP client wired to it.
func (tr *testRelay) serve(t *testing.T) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, tr.srv.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doRequest(t *testing.T, client *http.Client, method, path, apiKey string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://relay"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func chatBody(t *testing.T, model string, stream bool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "say hello"}},
		"stream":   stream,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

type errEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, resp *http.Response) errEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env errEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func okChat(usage schema.Usage) testChatFunc {
	return func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		return &schema.ChatResponse{
			ID:    "upstream-id",
			Model: "upstream-model",
			Choices: []schema.Choice{{
				Message:      schema.Message{Role: schema.RoleAssistant, Content: schema.TextContent("hello there")},
				FinishReason: schema.FinishStop,
			}},
			Usage: usage,
		}, nil
	}
}

func TestChatCompletions_BufferedSuccess(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.seedUser(t, 1000, nil)
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	client := tr.serve(t)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("X-Request-ID missing")
	}

	var out schema.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "chatcmpl-"+reqID {
		t.Fatalf("id = %q, want chatcmpl-%s", out.ID, reqID)
	}
	if out.Model != "test-model" {
		t.Fatalf("model = %q, want the requested name, not the upstream one", out.Model)
	}
	if out.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	// 15 tokens at the default schedule costs the 1-credit minimum.
	u, err := tr.users.GetByID(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Credits != 999 {
		t.Fatalf("credits = %d, want 999", u.Credits)
	}

	rec, err := tr.acctStore.Get(context.Background(), reqID)
	if err != nil {
		t.Fatalf("accounting record: %v", err)
	}
	if rec.Status != accounting.StatusCompleted {
		t.Fatalf("record status = %q", rec.Status)
	}
	if rec.TokensUsed != 15 || rec.CreditsUsed != 1 {
		t.Fatalf("record usage = %d tokens / %d credits", rec.TokensUsed, rec.CreditsUsed)
	}
	if rec.UserID != "u1" || rec.Endpoint != "/v1/chat/completions" {
		t.Fatalf("record identity = %q %q", rec.UserID, rec.Endpoint)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.seedUser(t, 1000, nil)
	fin := schema.FinishChunk("u-id", "upstream-model", schema.FinishStop)
	fin.Usage = &schema.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12}
	tr.addUpstream(t, "fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		if !req.Stream {
			t.Errorf("upstream saw a non-streaming request")
		}
		ch := make(chan schema.StreamChunk, 3)
		ch <- schema.TextChunk("u-id", "upstream-model", "Hel")
		ch <- schema.TextChunk("u-id", "upstream-model", "lo")
		ch <- fin
		close(ch)
		return &schema.ChatResponse{Stream: ch}, nil
	})
	client := tr.serve(t)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", true))
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	reqID := resp.Header.Get("X-Request-ID")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	frames := sseFrames(t, string(raw))
	if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %v, want a [DONE] terminator", frames)
	}

	var text strings.Builder
	for _, f := range frames[:len(frames)-1] {
		var chunk schema.StreamChunk
		if err := json.Unmarshal([]byte(f), &chunk); err != nil {
			t.Fatalf("decode frame %q: %v", f, err)
		}
		if chunk.ID != "chatcmpl-"+reqID {
			t.Fatalf("chunk id = %q, want chatcmpl-%s", chunk.ID, reqID)
		}
		if chunk.Model != "test-model" {
			t.Fatalf("chunk model = %q", chunk.Model)
		}
		text.WriteString(chunk.ContentDelta())
	}
	if text.String() != "Hello" {
		t.Fatalf("streamed text = %q", text.String())
	}

	u, _ := tr.users.GetByID(context.Background(), "u1")
	if u.Credits != 999 {
		t.Fatalf("credits = %d, want 999 after the stream closed", u.Credits)
	}
	rec, err := tr.acctStore.Get(context.Background(), reqID)
	if err != nil {
		t.Fatalf("accounting record: %v", err)
	}
	if rec.Status != accounting.StatusCompleted || rec.TokensUsed != 12 {
		t.Fatalf("record = %q / %d tokens", rec.Status, rec.TokensUsed)
	}
}

// sseFrames splits an SSE body into its data payloads.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed SSE block: %q", block)
		}
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

func TestChatCompletions_AuthFailures(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.seedUser(t, 1000, nil)
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{TotalTokens: 1}))
	client := tr.serve(t)

	cases := []struct {
		name     string
		key      string
		mutate   func(*store.User)
		status   int
		code     string
	}{
		{name: "missing key", key: "", status: 401, code: "missing_api_key"},
		{name: "unknown key", key: "sk-wrong", status: 401, code: "invalid_api_key"},
		{name: "disabled account", key: testAPIKey, status: 403, code: "account_disabled",
			mutate: func(u *store.User) { u.Enabled = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.mutate != nil {
				tr.seedUser(t, 1000, tc.mutate)
				t.Cleanup(func() { tr.seedUser(t, 1000, nil) })
			}
			resp := doRequest(t, client, "POST", "/v1/chat/completions", tc.key, chatBody(t, "test-model", false))
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			env := decodeError(t, resp)
			if env.Error.Type != "invalid_request_error" || env.Error.Code != tc.code {
				t.Fatalf("envelope = %+v", env.Error)
			}
		})
	}
}

func TestChatCompletions_PlanRefusals(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{TotalTokens: 1}))
	client := tr.serve(t)

	t.Run("insufficient credits", func(t *testing.T) {
		tr.seedUser(t, 0, nil)
		resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
		if resp.StatusCode != 402 {
			t.Fatalf("status = %d, want 402", resp.StatusCode)
		}
		env := decodeError(t, resp)
		if env.Error.Code != "insufficient_credits" {
			t.Fatalf("code = %q", env.Error.Code)
		}
	})

	t.Run("model not on plan", func(t *testing.T) {
		tr.seedUser(t, 1000, func(u *store.User) { u.AllowedModels = []string{"some-other-model"} })
		resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
		if resp.StatusCode != 403 {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
		env := decodeError(t, resp)
		if env.Error.Code != "model_not_allowed" {
			t.Fatalf("code = %q", env.Error.Code)
		}
	})
}

func TestChatCompletions_NoProviders(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.seedUser(t, 1000, nil)
	client := tr.serve(t)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	reqID := resp.Header.Get("X-Request-ID")
	env := decodeError(t, resp)
	if env.Error.Type != "server_error" || env.Error.Code != "service_unavailable" {
		t.Fatalf("envelope = %+v", env.Error)
	}

	rec, err := tr.acctStore.Get(context.Background(), reqID)
	if err != nil {
		t.Fatalf("accounting record: %v", err)
	}
	if rec.Status != accounting.StatusFailed || rec.StatusCode != 503 {
		t.Fatalf("record = %q / %d", rec.Status, rec.StatusCode)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := tr.serve(t)

	for name, body := range map[string][]byte{
		"malformed json":  []byte(`{"model": `),
		"missing model":   []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		"no messages":     []byte(`{"model":"test-model","messages":[]}`),
	} {
		t.Run(name, func(t *testing.T) {
			resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, body)
			if resp.StatusCode != 400 {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			env := decodeError(t, resp)
			if env.Error.Type != "invalid_request_error" {
				t.Fatalf("type = %q", env.Error.Type)
			}
		})
	}
}

const flaggedModerationBody = `{
	"id": "modr-1",
	"model": "omni-moderation-latest",
	"results": [{
		"flagged": true,
		"categories": {"violence": true},
		"category_scores": {"violence": 0.95}
	}]
}`

func TestChatCompletions_ModerationBlocksAndDisables(t *testing.T) {
	mod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(flaggedModerationBody))
	}))
	t.Cleanup(mod.Close)

	tr := newTestRelay(t, func(o *Options) {
		o.Moderation = moderation.New(moderation.Config{APIKey: "sk-mod", BaseURL: mod.URL})
	})
	tr.seedUser(t, 1000, nil)
	tr.addUpstream(t, "fake", "p1", "s1", func(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
		t.Errorf("flagged request reached the upstream")
		return nil, nil
	})
	client := tr.serve(t)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	env := decodeError(t, resp)
	if env.Error.Code != "content_policy_violation" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if env.Error.Message != moderation.BlockedMessage {
		t.Fatalf("message = %q", env.Error.Message)
	}

	u, err := tr.users.GetByID(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Enabled {
		t.Fatalf("account should be disabled after flagged content")
	}
}

func TestChatCompletions_CacheHitIsFree(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background())
	t.Cleanup(mc.Close)
	tr := newTestRelay(t, func(o *Options) { o.Cache = mc })
	tr.seedUser(t, 1000, nil)
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	client := tr.serve(t)

	body := chatBody(t, "test-model", false)

	first := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, body)
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != 200 || first.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first = %d / X-Cache %q", first.StatusCode, first.Header.Get("X-Cache"))
	}

	second := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, body)
	defer second.Body.Close()
	if second.StatusCode != 200 || second.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second = %d / X-Cache %q", second.StatusCode, second.Header.Get("X-Cache"))
	}
	var out schema.ChatResponse
	if err := json.NewDecoder(second.Body).Decode(&out); err != nil {
		t.Fatalf("decode cached: %v", err)
	}
	if out.Usage.TotalTokens != 15 {
		t.Fatalf("cached usage = %+v", out.Usage)
	}

	// Only the first request paid.
	u, _ := tr.users.GetByID(context.Background(), "u1")
	if u.Credits != 999 {
		t.Fatalf("credits = %d, want 999 after one charge", u.Credits)
	}

	rec, err := tr.acctStore.Get(context.Background(), second.Header.Get("X-Request-ID"))
	if err != nil {
		t.Fatalf("cached request record: %v", err)
	}
	if rec.Status != accounting.StatusCompleted || rec.CreditsUsed != 0 {
		t.Fatalf("cached record = %q / %d credits", rec.Status, rec.CreditsUsed)
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tr := newTestRelay(t, func(o *Options) {
		o.Limiter = ratelimit.NewUserLimiter(rdb, 0)
	})
	tr.seedUser(t, 1000, func(u *store.User) { u.RequestsPerMinute = 1 })
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{TotalTokens: 3}))
	client := tr.serve(t)

	first := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != 200 {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := doRequest(t, client, "POST", "/v1/chat/completions", testAPIKey, chatBody(t, "test-model", false))
	if second.StatusCode != 429 {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", second.Header.Get("Retry-After"))
	}
	env := decodeError(t, second)
	if env.Error.Type != "rate_limit_error" {
		t.Fatalf("type = %q", env.Error.Type)
	}
}

func TestModels_ListAndLookup(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.seedUser(t, 1000, nil)
	tr.addUpstream(t, "fake", "p1", "s1", okChat(schema.Usage{}))
	client := tr.serve(t)

	resp := doRequest(t, client, "GET", "/v1/models", testAPIKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list schema.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	found := false
	for _, m := range list.Data {
		if m.ID == "test-model" {
			found = true
		}
	}
	if !found {
		t.Fatalf("test-model missing from %+v", list.Data)
	}

	one := doRequest(t, client, "GET", "/v1/models/test-model", testAPIKey, nil)
	defer one.Body.Close()
	if one.StatusCode != 200 {
		t.Fatalf("lookup status = %d", one.StatusCode)
	}
	var m schema.Model
	if err := json.NewDecoder(one.Body).Decode(&m); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if m.ID != "test-model" {
		t.Fatalf("model id = %q", m.ID)
	}

	missing := doRequest(t, client, "GET", "/v1/models/unknown-model", testAPIKey, nil)
	if missing.StatusCode != 404 {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
	env := decodeError(t, missing)
	if env.Error.Code != "not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestModels_RequireAuth(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := tr.serve(t)

	resp := doRequest(t, client, "GET", "/v1/models", "", nil)
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthAndReadiness_NoChecker(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := tr.serve(t)

	for _, path := range []string{"/health", "/readiness"} {
		resp := doRequest(t, client, "GET", path, "", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		var out map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		resp.Body.Close()
		if out["status"] != "ok" {
			t.Fatalf("%s status field = %q", path, out["status"])
		}
	}
}
