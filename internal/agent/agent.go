// Package agent defines the pipeline-node abstraction (C2): every node in a
// pipeline's topology is an Agent, built from a factory registered by type
// name at init time. Grounded on original_source/backend/app/agents/base.py's
// BaseAgent contract, translated from an ABC into a narrow Go interface plus
// free helper functions a caller composes instead of inheriting.
package agent

import (
	"context"

	"github.com/aristath/sentinel/internal/store"
)

// Category buckets agents for the executor's topological tie-break
// (trigger -> data -> analysis -> risk -> execution -> monitoring).
type Category string

const (
	CategoryTrigger    Category = "trigger"
	CategoryData       Category = "data"
	CategoryAnalysis   Category = "analysis"
	CategoryRisk       Category = "risk"
	CategoryExecution  Category = "execution"
	CategoryMonitoring Category = "monitoring"
)

// categoryOrder gives each category a sort weight for the executor's
// tie-break among nodes with no remaining in-degree.
var categoryOrder = map[Category]int{
	CategoryTrigger:    0,
	CategoryData:       1,
	CategoryAnalysis:   2,
	CategoryRisk:       3,
	CategoryExecution:  4,
	CategoryMonitoring: 5,
}

// CategoryWeight returns c's position in the executor's tie-break ordering.
func CategoryWeight(c Category) int {
	if w, ok := categoryOrder[c]; ok {
		return w
	}
	return len(categoryOrder)
}

// ConfigProperty describes one field of an agent's config schema — enough
// to validate and default a config map without a full JSON Schema library.
type ConfigProperty struct {
	Type        string
	Title       string
	Description string
	Default     any
	Enum        []string
}

// ConfigSchema is an agent type's declared configuration shape.
type ConfigSchema struct {
	Title       string
	Description string
	Properties  map[string]ConfigProperty
	Required    []string
}

// Metadata describes an agent type: identity, scheduling category, pricing,
// and the data the executor must have ready before invoking it.
type Metadata struct {
	AgentType   string
	Name        string
	Description string
	Category    Category
	Version     string

	IsFree       bool
	PricingRate  float64
	ConfigSchema ConfigSchema

	RequiresMarketData bool
	RequiresPosition   bool
	RequiresTimeframes []string

	CanInitiateTrades bool
	CanClosePositions bool
}

// Agent is one node in a pipeline's topology. Process reads and returns a
// PipelineState; agents never talk to the state store directly — the
// executor (C3) owns all persistence.
type Agent interface {
	ID() string
	Metadata() Metadata
	Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error)
}

// Factory builds one Agent instance from its instance id and resolved
// config (schema defaults already merged in by the registry).
type Factory func(id string, config map[string]any) (Agent, error)

// ApprovalRequirer is implemented by agent types whose node needs human
// sign-off before Process runs (trade_manager_agent). The executor (C3)
// type-asserts against this before invoking a node: if true, it suspends the
// execution instead of calling Process, and only calls it later from the
// approval-gate resume path (C5).
type ApprovalRequirer interface {
	RequiresApproval(state *store.PipelineState) bool
}

// MonitoringRequirer is implemented by agent types whose successful
// completion may hand an execution off to the monitor loop rather than
// complete it (trade_manager_agent, once an order is actually filled).
type MonitoringRequirer interface {
	RequiresMonitoring(state *store.PipelineState) bool
}

// criticalAgentTypes names the three agent types whose failure must abort an
// execution outright (SPEC_FULL.md §4.3 step 4, §4.2): market data, risk
// management, and trade placement. Any other agent type is non-critical —
// its failure is recorded on the state and the executor continues.
var criticalAgentTypes = map[string]bool{
	"market_data_agent":   true,
	"risk_manager_agent":  true,
	"trade_manager_agent": true,
}

// IsCritical reports whether agentType is a critical agent per §4.2's
// glossary entry — used by the executor (C3) to classify a step failure.
func IsCritical(agentType string) bool {
	return criticalAgentTypes[agentType]
}

// DependsOn reports the node ids this agent's config declares as inputs —
// the executor builds its dependency graph purely from these declarations.
func DependsOn(config map[string]any) []string {
	raw, ok := config["depends_on"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
