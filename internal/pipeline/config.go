// Package pipeline is the Executor (C3): linearizes a pipeline's declared
// agent graph and walks it against a PipelineState, persisting through the
// state store at every step boundary. Grounded on
// internal/work/processor.go's dependency-resolution pass (topological
// ordering over a DependsOn edge set) and
// original_source/backend/app/orchestration/ (flow ordering, validator).
package pipeline

import "github.com/aristath/sentinel/internal/store"

// TriggerMode distinguishes how a pipeline is scheduled.
type TriggerMode string

const (
	TriggerPeriodic TriggerMode = "periodic"
	TriggerSignal   TriggerMode = "signal"
)

// NodeConfig is one agent node in a pipeline's declared graph. Edges are
// expressed as each node's own "depends_on" config entry, read via
// agent.DependsOn — the same declarative-edges-in-config shape
// SPEC_FULL.md §4.3 describes.
type NodeConfig struct {
	ID        string
	AgentType string
	Config    map[string]any
}

// Config is the full declarative pipeline definition the executor walks.
type Config struct {
	ID          string
	UserID      string
	Mode        store.Mode // trading mode stamped onto every execution this pipeline creates
	Nodes       []NodeConfig
	TriggerMode TriggerMode
	ScannerID   string // required when TriggerMode == TriggerSignal
	Tickers     string // comma-separated static ticker list for periodic pipelines

	ApprovalTTLSeconds      int
	MonitorIntervalSeconds  int
	MaxAgeRunningMinutes    int
	MaxAgeMonitoringMinutes int
}
