package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/store"
)

var riskManagerAgentMetadata = Metadata{
	AgentType:   "risk_manager_agent",
	Name:        "Risk Manager Agent",
	Description: "Rule-based risk management and position sizing. Validates trades and calculates safe position sizes. Free to use.",
	Category:    CategoryRisk,
	Version:     "1.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Risk Manager Configuration",
		Properties: map[string]ConfigProperty{
			"account_size":              {Type: "number", Description: "Total account value in dollars", Default: 10000.0},
			"risk_per_trade_percent":    {Type: "number", Description: "Maximum percentage of account to risk on a single trade", Default: 1.0},
			"max_position_size_percent": {Type: "number", Description: "Maximum percentage of account in a single position", Default: 10.0},
			"min_risk_reward_ratio":     {Type: "number", Description: "Minimum acceptable risk/reward ratio", Default: 2.0},
		},
		Required: []string{"account_size"},
	},
	RequiresMarketData: true,
}

func init() {
	Default().Register(riskManagerAgentMetadata, newRiskManagerAgent)
}

// riskManagerAgent is grounded field-for-field on
// original_source/backend/app/agents/risk_manager_agent.py's RiskManagerAgent:
// same R/R calculation, same position-sizing formula, same risk-score
// weighting (0.4 R/R, 0.3 risk-amount, 0.3 confidence), translated from
// Python's RiskAssessment dataclass into store.RiskAssessment.
type riskManagerAgent struct {
	id                string
	accountSize       float64
	riskPerTradePct   float64
	maxPositionPct    float64
	minRiskRewardRatio float64
}

func newRiskManagerAgent(id string, config map[string]any) (Agent, error) {
	return &riskManagerAgent{
		id:                 id,
		accountSize:        toFloat(config["account_size"], 10000.0),
		riskPerTradePct:    toFloat(config["risk_per_trade_percent"], 1.0),
		maxPositionPct:     toFloat(config["max_position_size_percent"], 10.0),
		minRiskRewardRatio: toFloat(config["min_risk_reward_ratio"], 2.0),
	}, nil
}

func (a *riskManagerAgent) ID() string         { return a.id }
func (a *riskManagerAgent) Metadata() Metadata { return riskManagerAgentMetadata }

func (a *riskManagerAgent) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	Log(state, a.id, "performing risk assessment and position sizing")

	if state.Strategy == nil {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: errs.ErrInsufficientData}
	}

	action, _ := state.Strategy["action"].(string)
	if action == "HOLD" {
		state.RiskAssessment = &store.RiskAssessment{
			Approved:        true,
			RewardRiskRatio: 0,
			PositionSize:    0,
			Reasons:         nil,
		}
		Log(state, a.id, "risk assessment: HOLD signal approved")
		TrackCost(state, a.id, 0.0)
		return state, nil
	}

	entry := toFloat(state.Strategy["entry_price"], 0)
	stop := toFloat(state.Strategy["stop_loss"], 0)
	target := toFloat(state.Strategy["take_profit"], 0)
	confidence := toFloat(state.Strategy["confidence"], 0.5)

	if entry == 0 || stop == 0 || target == 0 {
		state.RiskAssessment = &store.RiskAssessment{
			Approved: false,
			Reasons:  []string{"incomplete trade plan: missing entry, stop, or target"},
		}
		AddWarning(state, a.id, "trade rejected: incomplete price levels")
		TrackCost(state, a.id, 0.0)
		return state, nil
	}

	var riskPerShare, rewardPerShare float64
	if action == "BUY" {
		riskPerShare = absf(entry - stop)
		rewardPerShare = absf(target - entry)
	} else {
		riskPerShare = absf(stop - entry)
		rewardPerShare = absf(entry - target)
	}

	var rrRatio float64
	if riskPerShare != 0 {
		rrRatio = rewardPerShare / riskPerShare
	}

	var reasons []string
	if rrRatio < a.minRiskRewardRatio {
		reasons = append(reasons, fmt.Sprintf("risk/reward ratio %.2f:1 is below minimum %.2f:1", rrRatio, a.minRiskRewardRatio))
	}

	maxRiskAmount := a.accountSize * (a.riskPerTradePct / 100)
	var positionSize float64
	if riskPerShare > 0 {
		positionSize = maxRiskAmount / riskPerShare
	}

	maxPositionValue := a.accountSize * (a.maxPositionPct / 100)
	maxSharesByValue := maxPositionValue / entry
	if positionSize > maxSharesByValue {
		reasons = append(reasons, fmt.Sprintf("position size limited by max position value: %.0f reduced to %.0f shares", positionSize, maxSharesByValue))
		positionSize = maxSharesByValue
	}

	riskScore := a.riskScore(rrRatio, maxRiskAmount, confidence)
	approved := len(reasons) == 0 && riskScore < 0.8 && positionSize > 0

	state.RiskAssessment = &store.RiskAssessment{
		Approved:        approved,
		RewardRiskRatio: rrRatio,
		PositionSize:    roundTo(positionSize, 2),
		Reasons:         reasons,
	}
	state.Strategy["position_size"] = state.RiskAssessment.PositionSize

	if approved {
		Log(state, a.id, fmt.Sprintf("trade approved: %.0f shares, risk $%.2f, R/R %.2f:1", positionSize, maxRiskAmount, rrRatio))
	} else {
		reason := "high risk score"
		if len(reasons) > 0 {
			reason = strings.Join(reasons, "; ")
		}
		Log(state, a.id, "trade rejected: "+reason)
	}

	RecordReport(state, a.id, Report{
		Title:   "Risk assessment",
		Summary: fmt.Sprintf("approved=%v, R/R=%.2f, size=%.2f", approved, rrRatio, positionSize),
		Data: map[string]any{
			"approved":       approved,
			"risk_score":     riskScore,
			"rr_ratio":       rrRatio,
			"position_size":  positionSize,
			"max_risk_usd":   maxRiskAmount,
			"reasons":        reasons,
		},
	})
	TrackCost(state, a.id, 0.0)

	return state, nil
}

// riskScore mirrors _calculate_risk_score's weighted average: R/R score
// (0.4), risk-amount score (0.3), confidence score (0.3).
func (a *riskManagerAgent) riskScore(rrRatio, riskAmount, confidence float64) float64 {
	var rrScore float64
	if a.minRiskRewardRatio > 0 {
		rrScore = 1 - (rrRatio / a.minRiskRewardRatio)
		if rrScore < 0 {
			rrScore = 0
		}
	}
	riskPct := (riskAmount / a.accountSize) * 100
	riskAmountScore := riskPct / 5.0
	if riskAmountScore > 1.0 {
		riskAmountScore = 1.0
	}
	confidenceScore := 1 - confidence

	score := rrScore*0.4 + riskAmountScore*0.3 + confidenceScore*0.3
	return roundTo(score, 2)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}
