package pipeline

import (
	"fmt"

	"github.com/aristath/sentinel/internal/agent"
)

// Validator checks a pipeline Config before it's allowed to go active —
// grounded on original_source/backend/app/orchestration/validator.py's
// PipelineValidator, as the pre-check the (out-of-scope) control plane CRUD
// surface would call before marking a pipeline active, so a malformed
// pipeline fails fast with a clear error instead of a confusing mid-run
// InsufficientData. The executor (C3) does not call it; it relies on
// Order's own duplicate-id, unknown-dependency and cycle checks.
type Validator struct {
	registry *agent.Registry
}

// NewValidator builds a Validator against registry, used to check that every
// node's declared agent_type actually exists.
func NewValidator(registry *agent.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns every reason cfg would be rejected; an empty slice means
// cfg may be activated.
func (v *Validator) Validate(cfg Config) []string {
	var reasons []string

	if len(cfg.Nodes) == 0 {
		reasons = append(reasons, "pipeline has no nodes")
	}

	seen := make(map[string]bool, len(cfg.Nodes))
	hasTimeTrigger := false
	for _, n := range cfg.Nodes {
		if seen[n.ID] {
			reasons = append(reasons, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		seen[n.ID] = true

		meta, ok := v.registry.Metadata(n.AgentType)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("node %q: unregistered agent type %q", n.ID, n.AgentType))
			continue
		}
		if n.AgentType == "time_trigger" {
			hasTimeTrigger = true
		}
		for _, field := range meta.ConfigSchema.Required {
			if _, present := n.Config[field]; !present {
				if _, hasDefault := meta.ConfigSchema.Properties[field]; !hasDefault || meta.ConfigSchema.Properties[field].Default == nil {
					reasons = append(reasons, fmt.Sprintf("node %q (%s): missing required config field %q", n.ID, n.AgentType, field))
				}
			}
		}
	}

	hasIncoming := make(map[string]bool, len(cfg.Nodes))
	hasOutgoing := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		for _, dep := range agent.DependsOn(n.Config) {
			if !seen[dep] {
				reasons = append(reasons, fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep))
				continue
			}
			hasOutgoing[n.ID] = true
			hasIncoming[dep] = true
		}
	}

	if len(cfg.Nodes) > 1 {
		for _, n := range cfg.Nodes {
			if !hasIncoming[n.ID] && !hasOutgoing[n.ID] {
				reasons = append(reasons, fmt.Sprintf("node %q is disconnected from the pipeline graph", n.ID))
			}
		}
	}

	if _, err := Order(cfg.Nodes, v.registry); err != nil {
		reasons = append(reasons, err.Error())
	}

	switch cfg.TriggerMode {
	case TriggerPeriodic:
		if !hasTimeTrigger && len(cfg.Nodes) > 0 {
			reasons = append(reasons, "periodic pipeline has no time_trigger node")
		}
		if cfg.Tickers == "" {
			reasons = append(reasons, "periodic pipeline has no static ticker universe configured")
		}
	case TriggerSignal:
		if cfg.ScannerID == "" {
			reasons = append(reasons, "signal pipeline has no scanner_id")
		}
	default:
		reasons = append(reasons, fmt.Sprintf("unknown trigger mode %q", cfg.TriggerMode))
	}

	// Open Question resolution (SPEC_FULL.md §12): a monitor interval too
	// close to the janitor's stale-monitoring tolerance risks a spurious
	// stale-kill of a healthy position — require a 4x safety margin.
	if cfg.MonitorIntervalSeconds > 0 && cfg.MaxAgeMonitoringMinutes > 0 {
		safeMargin := cfg.MaxAgeMonitoringMinutes * 60 / 4
		if cfg.MonitorIntervalSeconds >= safeMargin {
			reasons = append(reasons, fmt.Sprintf(
				"monitor_interval_seconds (%d) must be less than max_age_monitoring_minutes/4 in seconds (%d)",
				cfg.MonitorIntervalSeconds, safeMargin))
		}
	}

	return reasons
}
