// Package balancer selects the provider and sub-provider for each request.
// Selection is stateless: every call scores fresh metric snapshots, keeps the
// top slice of providers, and draws weighted-random by score. Snapshots are
// deliberately not serialized with metric updates; a stale snapshot yields a
// suboptimal pick, never an unsafe one.
package balancer

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/classify"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Error is a selection failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus makes selection failures surface as 503.
func (e *Error) HTTPStatus() int { return 503 }

// Selection failure sentinels.
var (
	ErrNoProviders = &Error{
		Code:    "NO_PROVIDERS_AVAILABLE",
		Message: "no providers available for the requested model",
	}
	ErrNoSubProviders = &Error{
		Code:    "NO_SUB_PROVIDERS_AVAILABLE",
		Message: "no sub-providers with capacity for the requested model",
	}
)

// topShare is the fraction of scored providers kept before the weighted draw.
const topShare = 0.3

// Capability names used to filter providers per endpoint.
const (
	CapChat       = "chat"
	CapAudio      = "audio"
	CapEmbeddings = "embeddings"
	CapImages     = "images"
	CapModeration = "moderation"
)

func hasCapability(c registry.Capabilities, cap string) bool {
	switch cap {
	case CapChat:
		return c.Chat
	case CapAudio:
		return c.Audio
	case CapEmbeddings:
		return c.Embeddings
	case CapImages:
		return c.Images
	case CapModeration:
		return c.Moderation
	default:
		return false
	}
}

// Selection is the outcome of one pick. Sub is nil when the provider serves
// requests directly.
type Selection struct {
	Provider *registry.Provider
	Sub      *registry.SubProvider
}

// SubID returns the sub-provider id or "" for direct providers.
func (s Selection) SubID() string {
	if s.Sub == nil {
		return ""
	}
	return s.Sub.ID
}

// Balancer picks upstreams and records attempt outcomes.
type Balancer struct {
	reg *registry.Registry
	log *slog.Logger
	met *metrics.Registry // optional

	// randFn returns a uniform draw in [0,1); replaced in tests.
	randFn func() float64
}

// New creates a Balancer. met may be nil.
func New(reg *registry.Registry, log *slog.Logger, met *metrics.Registry) *Balancer {
	if log == nil {
		log = slog.Default()
	}
	return &Balancer{
		reg:    reg,
		log:    log.With(slog.String("component", "balancer")),
		met:    met,
		randFn: rand.Float64,
	}
}

type scored struct {
	provider *registry.Provider
	sub      *registry.SubProvider
	score    float64
}

// Select picks a provider (and sub-provider when the family requires one) for
// the model, operation capability, and estimated token load.
func (b *Balancer) Select(model, capability string, estTokens int) (Selection, error) {
	cands := b.providerCandidates(model, capability)
	if len(cands) == 0 {
		return Selection{}, ErrNoProviders
	}

	pick := b.pickProvider(cands)
	if !pick.NeedsSubProviders {
		return Selection{Provider: pick}, nil
	}

	sub, err := b.pickSubProvider(pick, model, estTokens)
	if err != nil {
		return Selection{}, err
	}

	b.log.Debug("selected upstream",
		slog.String("provider", pick.Name),
		slog.String("sub_provider", sub.ID),
		slog.String("model", model))
	return Selection{Provider: pick, Sub: sub}, nil
}

func (b *Balancer) providerCandidates(model, capability string) []*registry.Provider {
	var out []*registry.Provider
	for _, p := range b.reg.ActiveProviders() {
		if !p.SupportsModel(model) {
			continue
		}
		if capability != "" && !hasCapability(p.Capabilities, capability) {
			continue
		}
		if p.HealthStatus() == registry.HealthUnhealthy {
			continue
		}
		out = append(out, p)
	}
	return out
}

// pickProvider scores all candidates, keeps the top share (at least one),
// and draws weighted-random by score.
func (b *Balancer) pickProvider(cands []*registry.Provider) *registry.Provider {
	items := make([]scored, len(cands))
	for i, p := range cands {
		items[i] = scored{provider: p, score: scoreProvider(p.Stats())}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	keep := int(math.Ceil(topShare * float64(len(items))))
	if keep < 1 {
		keep = 1
	}
	return b.pickWeighted(items[:keep]).provider
}

func (b *Balancer) pickSubProvider(p *registry.Provider, model string, estTokens int) (*registry.SubProvider, error) {
	var items []scored
	for _, s := range b.reg.SubProvidersOf(p.ID) {
		if !s.Available() || !s.CanHandle(estTokens) || !s.SupportsModel(model) {
			continue
		}
		items = append(items, scored{sub: s, score: scoreSub(s.Stats(), s.Utilization(estTokens))})
	}
	if len(items) == 0 {
		return nil, ErrNoSubProviders
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	return b.pickWeighted(items).sub, nil
}

// pickWeighted draws one candidate with probability proportional to score.
// A zero score total deterministically yields the first candidate.
func (b *Balancer) pickWeighted(items []scored) scored {
	total := 0.0
	for _, it := range items {
		if it.score > 0 {
			total += it.score
		}
	}
	if total == 0 {
		return items[0]
	}

	r := b.randFn() * total
	for _, it := range items {
		if it.score > 0 {
			r -= it.score
		}
		if r < 0 {
			return it
		}
	}
	return items[len(items)-1]
}

// RecordSuccess folds a successful attempt into the chosen upstream's metrics
// and exports the refreshed gauges.
func (b *Balancer) RecordSuccess(sel Selection, latency time.Duration, usage schema.Usage) {
	ms := durationMs(latency)
	sel.Provider.RecordSuccess(ms)
	if sel.Sub != nil {
		sel.Sub.RecordSuccess(ms)
	}

	if b.met != nil {
		b.met.IncProviderRequests(sel.Provider.Name, "success")
		b.met.AddProviderTokens(sel.Provider.Name, "input", usage.PromptTokens)
		b.met.AddProviderTokens(sel.Provider.Name, "output", usage.CompletionTokens)
	}
	b.exportGauges(sel)
}

// RecordError classifies the failure and folds it into the upstream's
// metrics. Excluded-class failures carry no health penalty; critical-class
// failures disable the sub-provider permanently.
func (b *Balancer) RecordError(sel Selection, latency time.Duration, err error) {
	res := classify.Classify(err)
	ms := durationMs(latency)

	status := "error"
	if !res.RecordsFailure() {
		status = "excluded"
		b.log.Warn("upstream error excluded from health accounting",
			slog.String("provider", sel.Provider.Name),
			slog.String("sub_provider", sel.SubID()),
			slog.String("pattern", res.Pattern),
			slog.String("error", err.Error()))
	} else {
		sel.Provider.RecordError(ms)
		if sel.Sub != nil {
			sel.Sub.RecordFailure(ms)
		}
	}

	if res.Class == classify.Critical && sel.Sub != nil {
		sel.Sub.SetEnabled(false)
		b.log.Error("sub-provider disabled after critical error",
			slog.String("provider", sel.Provider.Name),
			slog.String("sub_provider", sel.Sub.ID),
			slog.String("pattern", res.Pattern),
			slog.String("error", err.Error()))
	}

	if b.met != nil {
		b.met.IncProviderRequests(sel.Provider.Name, status)
	}
	b.exportGauges(sel)
}

func (b *Balancer) exportGauges(sel Selection) {
	if b.met == nil {
		return
	}
	st := sel.Provider.Stats()
	b.met.SetProviderLatency(sel.Provider.Name, st.P50, st.P95, st.P99)
	b.met.SetProviderHealth(sel.Provider.Name, st.HealthStatus)
	if sel.Sub != nil {
		b.met.SetConsecutiveErrors(sel.Provider.Name, sel.Sub.ID, sel.Sub.ConsecutiveErrors())
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
