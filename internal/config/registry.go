package config

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps modality tags to configurations. Algorithms never branch on
// modality themselves; callers pick a Config from the registry once per request.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Config
}

// NewRegistry returns a registry pre-populated with the built-in defaults.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Config)}
	for _, m := range []string{ModalityGeneric, ModalityVisium, ModalityXenium, ModalityPhenoCycler, ModalityOMETIFF} {
		r.entries[m] = DefaultFor(m)
	}
	return r
}

// Register validates cfg and stores it under modality, replacing any entry.
func (r *Registry) Register(modality string, cfg Config) error {
	key := normalizeModality(modality)
	cfg.Modality = key
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[key] = cfg
	r.mu.Unlock()
	return nil
}

// Lookup returns the configuration for modality, falling back to the generic
// entry. The bool reports whether the modality had its own entry.
func (r *Registry) Lookup(modality string) (Config, bool) {
	key := normalizeModality(modality)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.entries[key]; ok {
		return cfg, true
	}
	return r.entries[ModalityGeneric], false
}

// Modalities lists registered tags in sorted order.
func (r *Registry) Modalities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeModality(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "" {
		return ModalityGeneric
	}
	return m
}
