package provider

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
)

// Factory creates a provider instance from the process configuration.
type Factory func(cfg config.Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register binds a provider name to its factory. Backends call it from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Registered returns the names of all linked-in backends.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry maps provider names to ready-to-use instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Add registers p under its own name, replacing any previous instance.
func (r *Registry) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the provider called name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, errs.NotFoundf("provider not found: %s", name)
	}
	return p, nil
}

// Names returns the supported provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load instantiates every provider listed in cfg.Providers.
func Load(cfg config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.Providers {
		factoriesMu.RLock()
		f, ok := factories[name]
		factoriesMu.RUnlock()
		if !ok {
			return nil, errs.NotFoundf("provider not found: %s", name)
		}
		p, err := f(cfg)
		if err != nil {
			return nil, errs.Annotate(err, "", "init provider "+name)
		}
		r.Add(p)
		log.Debug().Str("action", "provider_load").Str("provider", name).Msg("provider ready")
	}
	return r, nil
}
