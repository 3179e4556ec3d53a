package pipeline

import (
	"context"
	"sync"
)

// ConfigProvider is the narrow read surface the execution engine needs from
// the pipeline control plane (CRUD surface, out of scope per SPEC_FULL.md
// §1/§6): look a pipeline up by id, and list the ones due for a periodic
// dispatch tick.
type ConfigProvider interface {
	Get(ctx context.Context, pipelineID string) (Config, bool)
	ActivePeriodic(ctx context.Context) ([]Config, error)
}

// ConfigRegistry is an in-memory ConfigProvider. The real control plane
// (pipeline CRUD, persisted separately) is out of scope; this is the seam
// cmd/server populates at startup (from a static config file or, in a fuller
// deployment, a sync from the control plane's own database) so the
// dispatcher, approval gate, and monitor loop have something concrete to
// depend on.
type ConfigRegistry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewConfigRegistry returns an empty registry.
func NewConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{configs: make(map[string]Config)}
}

// Put registers or replaces cfg.
func (r *ConfigRegistry) Put(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
}

// Remove deletes a pipeline's config, e.g. once it's deactivated.
func (r *ConfigRegistry) Remove(pipelineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, pipelineID)
}

// Get returns pipelineID's config.
func (r *ConfigRegistry) Get(_ context.Context, pipelineID string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[pipelineID]
	return cfg, ok
}

// ActivePeriodic returns every registered pipeline in periodic trigger mode
// — the universe the dispatcher (C4) scans on each tick.
func (r *ConfigRegistry) ActivePeriodic(_ context.Context) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		if cfg.TriggerMode == TriggerPeriodic {
			out = append(out, cfg)
		}
	}
	return out, nil
}
