// Package tool is the Tool Registry (SPEC_FULL.md §12, "Tooling as
// composition"): tools are data/action adapters (broker, notifier, data
// fetch) configured as data inside an agent's config and instantiated by this
// registry, never by the agent itself. Grounded on
// original_source/backend/app/agents/base.py's BaseAgent._load_tools: read
// config["tools"], look each tool_type up in a registry, skip (log, don't
// fail) any that error, return a map keyed by tool_type.
package tool

import (
	"fmt"
	"sync"
)

// Tool is a configured adapter an agent can call into during Process. Tools
// never hold pipeline state and are never themselves agents.
type Tool interface {
	Type() string
}

// Factory builds one Tool instance from its resolved config.
type Factory func(config map[string]any) (Tool, error)

// Registry maps tool type names to factories. cmd/server registers the
// concrete broker/notify/marketdata-backed tool factories at startup, since
// those close over the process's live adapters; the registry itself has no
// knowledge of what a tool does.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide tool registry.
func Default() *Registry { return defaultRegistry }

// NewRegistry returns an empty registry, used by tests wanting isolation.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds toolType to factory. Safe to call repeatedly with the same
// type (last registration wins) since, unlike agent types, tool wiring
// happens at process startup from live adapters rather than init()-time
// package registration.
func (r *Registry) Register(toolType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[toolType] = factory
}

// Create instantiates toolType from config.
func (r *Registry) Create(toolType string, config map[string]any) (Tool, error) {
	r.mu.RLock()
	factory, ok := r.factories[toolType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool: unknown tool type %q", toolType)
	}
	return factory(config)
}

// Config is one entry of an agent's config["tools"] list.
type Config struct {
	ToolType string
	Enabled  bool
	Config   map[string]any
}

// ParseConfigs normalizes the loosely-typed config["tools"] value (as it
// arrives from JSON) into a slice of Config, defaulting Enabled to true when
// absent — mirrors the original's tool_config.get("enabled", True).
func ParseConfigs(raw any) []Config {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Config, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		toolType, _ := m["tool_type"].(string)
		if toolType == "" {
			continue
		}
		enabled := true
		if v, present := m["enabled"]; present {
			if b, ok := v.(bool); ok {
				enabled = b
			}
		}
		cfg, _ := m["config"].(map[string]any)
		out = append(out, Config{ToolType: toolType, Enabled: enabled, Config: cfg})
	}
	return out
}

// Load instantiates every enabled tool declared in configs using r, logging
// but never failing on an individual tool's construction error — exactly the
// original's "continue loading other tools even if one fails" behavior. The
// failure callback lets the caller log through its own zerolog.Logger without
// this package taking a logging dependency.
func (r *Registry) Load(configs []Config, onError func(toolType string, err error)) map[string]Tool {
	tools := make(map[string]Tool, len(configs))
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		t, err := r.Create(c.ToolType, c.Config)
		if err != nil {
			if onError != nil {
				onError(c.ToolType, err)
			}
			continue
		}
		tools[c.ToolType] = t
	}
	return tools
}
