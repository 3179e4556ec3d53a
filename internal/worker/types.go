// Package worker is the execution engine's task queue (SPEC_FULL.md §8): one
// parallel worker pool runs every task kind the core schedules —
// dispatch_trigger, run_execution, resume_approved, check_approval_timeout,
// monitor_poll, cleanup — instead of six bespoke goroutines. Grounded on the
// teacher's internal/work/processor.go: FIFO queue + retry queue + in-flight
// tracking + Trigger()/done-channel wakeups + a periodic-ticker fallback,
// generalized from work-type/subject pairs to task-type/execution-id pairs
// and from "one item at a time" to a bounded-concurrency pool (SPEC_FULL.md
// §8's "parallel worker pool" requirement).
package worker

import (
	"context"
	"time"
)

// TaskType names one of the six task kinds the core dispatches.
type TaskType string

const (
	TaskDispatchTrigger      TaskType = "dispatch_trigger"
	TaskRunExecution         TaskType = "run_execution"
	TaskResumeApproved       TaskType = "resume_approved"
	TaskCheckApprovalTimeout TaskType = "check_approval_timeout"
	TaskMonitorPoll          TaskType = "monitor_poll"
	TaskCleanup              TaskType = "cleanup"
)

// DefaultTimeout bounds how long a single task is allowed to run before its
// context is cancelled — mirrors the teacher's WorkTimeout.
const DefaultTimeout = 2 * time.Minute

// MaxRetries is the total number of attempts a failing task gets, the first
// run included, before being dropped (mirrors the teacher's MaxRetries in internal/work/types.go).
const MaxRetries = 3

// Task is one unit of work on the queue. Payload carries whatever the
// handler needs (usually just an execution id); the queue itself never
// interprets it.
type Task struct {
	Type    TaskType
	Key     string // dedupe key, defaults to Payload if empty
	Payload string
	RunAt   time.Time // zero means "eligible immediately"

	retries int
}

// dedupeKey is the key used to collapse duplicate enqueues of logically the
// same task (e.g. two monitor ticks for the same execution racing).
func (t Task) dedupeKey() string {
	if t.Key != "" {
		return string(t.Type) + ":" + t.Key
	}
	return string(t.Type) + ":" + t.Payload
}

// Handler executes one task. An error causes a bounded retry; handlers that
// want a task to simply not retry (e.g. the execution was already resolved)
// should return nil and log instead of erroring. ctx is cancelled once
// DefaultTimeout elapses, so any outbound call (store, broker, LLM) a
// handler makes must take ctx and respect it.
type Handler func(ctx context.Context, task Context) error

// Context is passed to a Handler; Payload is the Task's payload string.
type Context struct {
	Type    TaskType
	Payload string
}
