package agent

import (
	"fmt"
	"sync"

	"github.com/aristath/sentinel/internal/tool"
	"github.com/rs/zerolog"
)

// ToolSetter is implemented by agent types that accept configured tools.
// Registry.Build calls SetTools after construction when the agent's config
// declares a "tools" list — agents that take no tools simply don't implement
// this and the loaded tool map (if any) is discarded.
type ToolSetter interface {
	SetTools(map[string]tool.Tool)
}

// Registry maps agent type names to their factories. Built-in agent types
// register themselves via init() in this package; callers never construct
// an Agent directly, always through Registry.Build so config defaulting and
// required-field validation happen uniformly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	metadata  map[string]Metadata
	tools     *tool.Registry
	log       zerolog.Logger
}

// SetToolRegistry wires the tool.Registry this Registry uses to load an
// agent's configured tools at Build time. Must be called once during process
// startup, after cmd/server has registered every concrete tool factory.
func (r *Registry) SetToolRegistry(tools *tool.Registry, log zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = tools
	r.log = log.With().Str("component", "agent.Registry").Logger()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that built-in agents register
// themselves into at package init time.
func Default() *Registry { return defaultRegistry }

// NewRegistry returns an empty registry — used by tests that want isolation
// from the built-in agent set.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		metadata:  make(map[string]Metadata),
	}
}

// Register adds an agent type. Panics on duplicate registration since this
// only ever runs from init() — a collision is a programming error, not a
// runtime condition to recover from.
func (r *Registry) Register(meta Metadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[meta.AgentType]; exists {
		panic(fmt.Sprintf("agent: duplicate registration for type %q", meta.AgentType))
	}
	r.factories[meta.AgentType] = factory
	r.metadata[meta.AgentType] = meta
}

// Metadata returns the registered metadata for agentType.
func (r *Registry) Metadata(agentType string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[agentType]
	return m, ok
}

// Types lists every registered agent type name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// Build instantiates agentType as node id, merging schema defaults into
// config and rejecting the build if a required field is still missing.
func (r *Registry) Build(agentType, id string, config map[string]any) (Agent, error) {
	r.mu.RLock()
	factory, ok := r.factories[agentType]
	meta := r.metadata[agentType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent: unknown agent type %q", agentType)
	}

	resolved := applyDefaults(meta.ConfigSchema, config)
	if err := requireFields(meta.ConfigSchema, resolved); err != nil {
		return nil, fmt.Errorf("agent: %s (%s): %w", id, agentType, err)
	}

	built, err := factory(id, resolved)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	toolRegistry := r.tools
	log := r.log
	r.mu.RUnlock()

	if setter, ok := built.(ToolSetter); ok && toolRegistry != nil {
		configs := tool.ParseConfigs(resolved["tools"])
		tools := toolRegistry.Load(configs, func(toolType string, loadErr error) {
			log.Error().Err(loadErr).Str("agent_id", id).Str("tool_type", toolType).Msg("tool load failed")
		})
		setter.SetTools(tools)
	}

	return built, nil
}

func applyDefaults(schema ConfigSchema, config map[string]any) map[string]any {
	resolved := make(map[string]any, len(config))
	for k, v := range config {
		resolved[k] = v
	}
	for field, prop := range schema.Properties {
		if _, present := resolved[field]; !present && prop.Default != nil {
			resolved[field] = prop.Default
		}
	}
	return resolved
}

func requireFields(schema ConfigSchema, config map[string]any) error {
	for _, field := range schema.Required {
		if _, ok := config[field]; !ok {
			return fmt.Errorf("missing required configuration field: %s", field)
		}
	}
	return nil
}
