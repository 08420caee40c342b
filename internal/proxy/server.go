// Package proxy is the HTTP surface of the relay: the OpenAI-compatible
// endpoint handlers, the middleware chain, and the SSE stream writer.
//
// Every request runs the same pipeline: authenticate, rate limit, authorize
// model and credits, moderation pre-check, open an accounting record, dispatch
// through the balancer with retry/fail-over, then debit credits and close the
// record exactly once. Handlers never talk to vendor SDKs directly; all
// upstream traffic goes through the dispatcher.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/accounting"
	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/moderation"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// Options wires the server's collaborators. Cache, Limiter, Moderation,
// Accounting, Metrics, and Health are optional and nil-safe.
type Options struct {
	Log        *slog.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Users      store.UserStore
	Accounting *accounting.Service
	Moderation *moderation.Checker
	Limiter    *ratelimit.UserLimiter
	Cache      cache.Cache
	CacheTTL   time.Duration
	CacheExcl  *cache.ExclusionList
	Metrics    *metrics.Registry
	Health     *HealthChecker

	// CORSOrigins is the allowlist; nil or ["*"] allows every origin.
	// CORSCredentials adds Allow-Credentials when the allowlist is explicit.
	CORSOrigins     []string
	CORSCredentials bool
}

// Server holds the handler state. Construct with NewServer.
type Server struct {
	log        *slog.Logger
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	users      store.UserStore
	authn      *auth.Authenticator
	authz      *auth.Authorizer
	acct       *accounting.Service
	mod        *moderation.Checker
	limiter    *ratelimit.UserLimiter
	cache      cache.Cache
	cacheTTL   time.Duration
	cacheExcl  *cache.ExclusionList
	met        *metrics.Registry
	health     *HealthChecker

	baseCtx     context.Context
	corsOrigins []string
	corsCreds   bool
}

// NewServer creates the Server. baseCtx outlives individual requests and is
// used for post-response accounting on streamed responses.
func NewServer(baseCtx context.Context, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Server{
		log:         log.With(slog.String("component", "proxy")),
		reg:         opts.Registry,
		dispatcher:  opts.Dispatcher,
		users:       opts.Users,
		authn:       auth.NewAuthenticator(opts.Users, log),
		authz:       auth.NewAuthorizer(),
		acct:        opts.Accounting,
		mod:         opts.Moderation,
		limiter:     opts.Limiter,
		cache:       opts.Cache,
		cacheTTL:    cacheTTL,
		cacheExcl:   opts.CacheExcl,
		met:         opts.Metrics,
		health:      opts.Health,
		baseCtx:     baseCtx,
		corsOrigins: opts.CORSOrigins,
		corsCreds:   opts.CORSCredentials,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.POST("/v1/images/generations", s.handleImageGenerations)
	r.POST("/v1/images/edits", s.handleImageEdits)
	r.POST("/v1/audio/speech", s.handleSpeech)
	r.POST("/v1/audio/transcriptions", s.handleTranscriptions)
	r.POST("/v1/audio/translations", s.handleTranslations)
	r.POST("/v1/moderations", s.handleModerations)
	r.GET("/v1/models", s.handleModels)
	r.GET("/v1/models/{id}", s.handleModelByID)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.met != nil {
		r.GET("/metrics", s.met.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins, s.corsCreds),
		securityHeaders,
		s.httpMetrics,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") until ListenAndServe
// returns.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // streams can run long
	}
	return srv.ListenAndServe(addr)
}

// httpMetrics records the end-to-end request counters and histogram.
func (s *Server) httpMetrics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.met == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.met.IncActiveConnections()
		next(ctx)
		s.met.DecActiveConnections()
		s.met.ObserveHTTP(string(ctx.Method()), string(ctx.Path()),
			ctx.Response.StatusCode(), time.Since(start))
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
