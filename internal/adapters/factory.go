package adapters

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
)

const (
	sweepInterval = 5 * time.Minute
	idleEviction  = 10 * time.Minute
)

// Constructor builds a vendor adapter from its resolved configuration.
type Constructor func(cfg Config) (Adapter, error)

// InstanceKey names the cached adapter for a selection. Sub-provider slots
// are keyed by their id; direct providers get a stable synthetic key.
func InstanceKey(providerID, subProviderID string) string {
	if subProviderID != "" {
		return subProviderID
	}
	return "provider:" + providerID
}

type entry struct {
	adapter   Adapter
	createdAt time.Time
	lastUsed  time.Time
	requests  int64
}

// Factory builds and caches adapters per sub-provider. It is the only place
// API keys exist in plaintext; keys live inside the constructed adapter and
// are never logged.
type Factory struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	entries      map[string]*entry
	active       map[string]int
	staticKeys   map[string]string

	box     *secrets.Keybox
	log     *slog.Logger
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewFactory creates the factory and starts the idle sweeper. box may be nil
// when every provider uses static keys.
func NewFactory(box *secrets.Keybox, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	f := &Factory{
		constructors: make(map[string]Constructor),
		entries:      make(map[string]*entry),
		active:       make(map[string]int),
		staticKeys:   make(map[string]string),
		box:          box,
		log:          log.With(slog.String("component", "adapter_factory")),
		timeout:      DefaultTimeout,
		stop:         make(chan struct{}),
	}
	go f.sweepLoop()
	return f
}

// Register binds a provider family name to its constructor. Called once per
// vendor at boot.
func (f *Factory) Register(provider string, ctor Constructor) {
	f.mu.Lock()
	f.constructors[provider] = ctor
	f.mu.Unlock()
}

// SetStaticKey installs a key for providers served without sub-provider
// slots, or for slots whose record carries no encrypted key.
func (f *Factory) SetStaticKey(provider, key string) {
	f.mu.Lock()
	f.staticKeys[provider] = key
	f.mu.Unlock()
}

// GetOrCreate returns the cached adapter for the selection, building it on
// first use. sub is nil for direct providers.
func (f *Factory) GetOrCreate(p *registry.Provider, sub *registry.SubProvider) (Adapter, error) {
	subID := ""
	if sub != nil {
		subID = sub.ID
	}
	key := InstanceKey(p.ID, subID)
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[key]; ok {
		e.lastUsed = now
		return e.adapter, nil
	}

	ctor, ok := f.constructors[p.Name]
	if !ok {
		return nil, fmt.Errorf("adapters: no adapter registered for provider %q", p.Name)
	}

	apiKey, err := f.resolveKeyLocked(p, sub)
	if err != nil {
		return nil, err
	}

	baseURL := p.BaseURL
	if sub != nil && sub.BaseURL != "" {
		baseURL = sub.BaseURL
	}

	adapter, err := ctor(Config{
		SubProviderID: subID,
		Provider:      p.Name,
		APIKey:        apiKey,
		BaseURL:       baseURL,
		Timeout:       f.timeout,
		Log:           f.log,
	})
	if err != nil {
		return nil, fmt.Errorf("adapters: build %s adapter: %w", p.Name, err)
	}

	f.entries[key] = &entry{adapter: adapter, createdAt: now, lastUsed: now}
	f.log.Debug("adapter created",
		slog.String("provider", p.Name),
		slog.String("instance", key))
	return adapter, nil
}

func (f *Factory) resolveKeyLocked(p *registry.Provider, sub *registry.SubProvider) (string, error) {
	if sub != nil && sub.EncryptedKey != "" {
		if f.box == nil {
			return "", fmt.Errorf("adapters: sub-provider %s has an encrypted key but no keybox is configured", sub.ID)
		}
		key, err := f.box.Decrypt(sub.EncryptedKey)
		if err != nil {
			return "", fmt.Errorf("adapters: decrypt key for sub-provider %s: %w", sub.ID, err)
		}
		return key, nil
	}
	if key := f.staticKeys[p.Name]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("adapters: no key material for provider %q", p.Name)
}

// TrackRequest marks one in-flight request on the instance. The sweeper never
// evicts instances with active requests.
func (f *Factory) TrackRequest(key string) {
	now := time.Now()
	f.mu.Lock()
	f.active[key]++
	if e, ok := f.entries[key]; ok {
		e.lastUsed = now
		e.requests++
	}
	f.mu.Unlock()
}

// ReleaseRequest drops one in-flight request, clamped at zero.
func (f *Factory) ReleaseRequest(key string) {
	now := time.Now()
	f.mu.Lock()
	if n := f.active[key]; n <= 1 {
		delete(f.active, key)
	} else {
		f.active[key] = n - 1
	}
	if e, ok := f.entries[key]; ok {
		e.lastUsed = now
	}
	f.mu.Unlock()
}

// ActiveRequests returns the in-flight count for an instance.
func (f *Factory) ActiveRequests(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[key]
}

// Size returns the number of cached instances.
func (f *Factory) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Close stops the sweeper. Cached adapters need no teardown.
func (f *Factory) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *Factory) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-f.stop:
			return
		case now := <-t.C:
			f.sweep(now)
		}
	}
}

// sweep evicts instances idle past the TTL with no active requests.
func (f *Factory) sweep(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, e := range f.entries {
		if f.active[key] > 0 {
			continue
		}
		if now.Sub(e.lastUsed) <= idleEviction {
			continue
		}
		delete(f.entries, key)
		f.log.Debug("adapter evicted",
			slog.String("instance", key),
			slog.Int64("requests", e.requests))
	}
}
