package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/store"
)

func init() {
	Default().Register(timeTriggerMetadata, newTimeTrigger)
}

var timeTriggerMetadata = Metadata{
	AgentType:   "time_trigger",
	Name:        "Time Window Trigger",
	Description: "Fires only while the current time falls inside a configured daily window, in a configured timezone.",
	Category:    CategoryTrigger,
	Version:     "1.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Time Trigger Configuration",
		Properties: map[string]ConfigProperty{
			"start_time": {Type: "string", Description: "HH:MM, inclusive window start", Default: "09:30"},
			"end_time":   {Type: "string", Description: "HH:MM, inclusive window end", Default: "16:00"},
			"timezone":   {Type: "string", Description: "IANA timezone name", Default: "America/New_York"},
			"weekdays_only": {Type: "boolean", Description: "Skip Saturday/Sunday", Default: true},
		},
	},
}

// timeTrigger is grounded on the teacher's periodic/market-timing trigger
// check (formerly internal/work/triggers.go): a pure clock-window gate with
// no external dependency, evaluated fresh on every dispatch tick.
type timeTrigger struct {
	id            string
	startTime     string
	endTime       string
	location      *time.Location
	weekdaysOnly  bool
}

func newTimeTrigger(id string, config map[string]any) (Agent, error) {
	tzName, _ := config["timezone"].(string)
	if tzName == "" {
		tzName = "America/New_York"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("time_trigger %s: invalid timezone %q: %w", id, tzName, err)
	}

	start, _ := config["start_time"].(string)
	end, _ := config["end_time"].(string)
	weekdaysOnly, _ := config["weekdays_only"].(bool)

	return &timeTrigger{id: id, startTime: start, endTime: end, location: loc, weekdaysOnly: weekdaysOnly}, nil
}

func (t *timeTrigger) ID() string           { return t.id }
func (t *timeTrigger) Metadata() Metadata   { return timeTriggerMetadata }

func (t *timeTrigger) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	now := time.Now().In(t.location)

	if t.weekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		state.TriggerMet = false
		state.TriggerReason = "outside trading week"
		Log(state, t.id, state.TriggerReason)
		return state, errs.ErrTriggerNotMet
	}

	start, err := parseClockTime(t.startTime, now)
	if err != nil {
		return state, fmt.Errorf("time_trigger %s: %w", t.id, err)
	}
	end, err := parseClockTime(t.endTime, now)
	if err != nil {
		return state, fmt.Errorf("time_trigger %s: %w", t.id, err)
	}

	if now.Before(start) || now.After(end) {
		state.TriggerMet = false
		state.TriggerReason = fmt.Sprintf("outside window %s-%s %s", t.startTime, t.endTime, t.location)
		Log(state, t.id, state.TriggerReason)
		return state, errs.ErrTriggerNotMet
	}

	state.TriggerMet = true
	state.TriggerReason = "inside configured window"
	Log(state, t.id, "trigger met: "+state.TriggerReason)
	return state, nil
}

func parseClockTime(hhmm string, reference time.Time) (time.Time, error) {
	parsed, err := time.ParseInLocation("15:04", hhmm, reference.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM time %q: %w", hhmm, err)
	}
	return time.Date(reference.Year(), reference.Month(), reference.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, reference.Location()), nil
}
