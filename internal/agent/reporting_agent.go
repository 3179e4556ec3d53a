package agent

import (
	"context"
	"fmt"

	"github.com/aristath/sentinel/internal/notify"
	"github.com/aristath/sentinel/internal/store"
)

var reportingAgentMetadata = Metadata{
	AgentType:   "reporting_agent",
	Name:        "Reporting Agent",
	Description: "Summarizes the pipeline run and notifies the user. Non-critical: a failure here is recorded but never aborts the execution.",
	Category:    CategoryMonitoring,
	Version:     "1.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Reporting Configuration",
		Properties: map[string]ConfigProperty{
			"notify_channel": {Type: "string", Description: "Notification channel to use (push, sms, chat, email)", Default: "chat"},
			"notify_user":    {Type: "string", Description: "User identifier to notify", Default: ""},
		},
	},
}

// reportingNotifier is wired by cmd/server the same way the market-data
// provider and broker are — SPEC_FULL.md §4.3 step 4 lists "reporting" by name as
// the example of a non-critical agent whose failure must not abort a run.
var reportingNotifier notify.Notifier

// SetNotifier wires the notifier every reporting_agent instance uses.
func SetNotifier(n notify.Notifier) {
	reportingNotifier = n
}

func init() {
	Default().Register(reportingAgentMetadata, newReportingAgent)
}

type reportingAgent struct {
	id      string
	channel notify.Channel
	user    string
}

func newReportingAgent(id string, config map[string]any) (Agent, error) {
	channel := notify.Channel("chat")
	if s, _ := config["notify_channel"].(string); s != "" {
		channel = notify.Channel(s)
	}
	user, _ := config["notify_user"].(string)
	return &reportingAgent{id: id, channel: channel, user: user}, nil
}

func (a *reportingAgent) ID() string         { return a.id }
func (a *reportingAgent) Metadata() Metadata { return reportingAgentMetadata }

func (a *reportingAgent) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	Log(state, a.id, "composing run summary")

	action := "HOLD"
	if state.Strategy != nil {
		if s, ok := state.Strategy["action"].(string); ok {
			action = s
		}
	}

	subject := fmt.Sprintf("%s: %s", state.Symbol, action)
	body := fmt.Sprintf("Pipeline run for %s resolved to %s", state.Symbol, action)
	if state.TradeExecution != nil {
		if orderID, ok := state.TradeExecution["order_id"]; ok {
			body = fmt.Sprintf("%s (order %v)", body, orderID)
		}
	}

	if reportingNotifier != nil && a.user != "" {
		if err := reportingNotifier.Notify(ctx, a.channel, a.user, notify.Payload{
			Subject: subject,
			Body:    body,
			Data:    map[string]any{"symbol": state.Symbol, "action": action},
		}); err != nil {
			AddWarning(state, a.id, "notification failed: "+err.Error())
		}
	}

	RecordReport(state, a.id, Report{
		Title:   "Run summary",
		Summary: body,
		Data:    map[string]any{"symbol": state.Symbol, "action": action},
	})
	TrackCost(state, a.id, 0.0)

	return state, nil
}
