// Command providers runs lightweight HTTP mocks for every upstream the relay
// can route to, for local end-to-end runs and load testing without vendor
// credentials.
//
// Default ports (override with PORT_<VENDOR>):
//
//	openai      :19001    mistral     :19004    openrouter  :19007
//	anthropic   :19002    bedrock     :19005    perplexity  :19008
//	gemini      :19003    xai         :19006
//
// Point the relay at them with the base URL overrides, e.g.
// OPENAI_BASE_URL=http://localhost:19001/v1 and
// GOOGLE_BASE_URL=http://localhost:19003/v1beta.
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in each completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime behaviour shared across all mock upstreams.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFor(vendor string, defaultPort int) string {
	if v := os.Getenv("PORT_" + strings.ToUpper(vendor)); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("vendor", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("vendor", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	wirePorts := map[string]int{
		"openai": 19001, "mistral": 19004, "xai": 19006, "openrouter": 19007, "perplexity": 19008,
	}
	var servers []*http.Server
	for _, v := range wireVendors {
		servers = append(servers,
			startServer(v.name, ":"+portFor(v.name, wirePorts[v.name]), newWireHandler(cfg, v), log))
	}
	servers = append(servers,
		startServer("anthropic", ":"+portFor("anthropic", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFor("gemini", 19003), newGeminiHandler(cfg), log),
		startServer("bedrock", ":"+portFor("bedrock", 19005), newBedrockHandler(cfg), log),
	)

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
