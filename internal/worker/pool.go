package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool is the process-wide task queue. One Pool is shared by the HTTP server
// (which only enqueues, per the Open Question resolution in SPEC_FULL.md
// §12) and every internal component that needs to schedule follow-up work
// (C5 scheduling a resume, C3 arming an approval timeout, C6 re-arming its own poll).
type Pool struct {
	mu          sync.Mutex
	handlers    map[TaskType]Handler
	ready       []Task       // FIFO queue of tasks eligible to run now
	delayed     []Task       // tasks with RunAt in the future
	inFlight    map[string]bool
	queued      map[string]bool
	concurrency int
	sem         chan struct{}

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	log zerolog.Logger
}

// New builds a Pool with the given bounded concurrency (how many tasks may
// run at once across all types).
func New(concurrency int, log zerolog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		handlers:    make(map[TaskType]Handler),
		inFlight:    make(map[string]bool),
		queued:      make(map[string]bool),
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		trigger:     make(chan struct{}, 1),
		done:        make(chan struct{}, concurrency),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		log:         log.With().Str("component", "worker.Pool").Logger(),
	}
}

// Register binds taskType to the handler that executes it. Must be called
// before Run(); not safe to call concurrently with Enqueue.
func (p *Pool) Register(taskType TaskType, handler Handler) {
	p.handlers[taskType] = handler
}

// Enqueue schedules task for immediate eligibility (or at task.RunAt if set).
// Duplicate enqueues (same dedupe key already queued or in flight) are
// silently dropped — mirrors the teacher's queuedItems dedup map.
func (p *Pool) Enqueue(task Task) {
	key := task.dedupeKey()

	p.mu.Lock()
	if p.queued[key] || p.inFlight[key] {
		p.mu.Unlock()
		return
	}
	p.queued[key] = true
	if task.RunAt.IsZero() || !task.RunAt.After(time.Now()) {
		p.ready = append(p.ready, task)
	} else {
		p.delayed = append(p.delayed, task)
	}
	p.mu.Unlock()

	p.Trigger()
}

// Trigger wakes the processing loop to check for newly-eligible work.
// Non-blocking; safe to call from any goroutine.
func (p *Pool) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, dispatching tasks until Stop is called.
func (p *Pool) Run() {
	defer close(p.stopped)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.promoteDelayed()
			p.dispatchReady()
		case <-p.done:
			p.dispatchReady()
		case <-ticker.C:
			p.promoteDelayed()
			p.dispatchReady()
		}
	}
}

// Stop drains in-flight work's scheduling loop (not the in-flight tasks
// themselves, which run to completion) and returns once the loop has exited.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.stopped
}

// promoteDelayed moves any delayed task whose RunAt has passed into ready.
func (p *Pool) promoteDelayed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stillDelayed []Task
	for _, t := range p.delayed {
		if !t.RunAt.After(now) {
			p.ready = append(p.ready, t)
		} else {
			stillDelayed = append(stillDelayed, t)
		}
	}
	p.delayed = stillDelayed
}

// dispatchReady starts as many ready tasks as available concurrency permits.
func (p *Pool) dispatchReady() {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return // pool at capacity
		}

		task, ok := p.popReady()
		if !ok {
			<-p.sem
			return
		}

		go p.execute(task)
	}
}

func (p *Pool) popReady() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.ready) > 0 {
		t := p.ready[0]
		p.ready = p.ready[1:]
		key := t.dedupeKey()
		delete(p.queued, key)

		if p.inFlight[key] {
			// Another instance of the same logical task is already
			// running; drop this one rather than run concurrently.
			continue
		}
		p.inFlight[key] = true
		return t, true
	}
	return Task{}, false
}

// execute runs one task to completion and decides what, if anything, to
// re-enqueue. The retry enqueue must happen only after this task's key has
// been cleared from inFlight — Enqueue's own dedup guard would otherwise see
// the about-to-be-retried key as still in flight and silently drop it, so
// execute calls finish first and only then enqueues the retry.
func (p *Pool) execute(task Task) {
	key := task.dedupeKey()

	handler, ok := p.handlers[task.Type]
	if !ok {
		p.log.Error().Str("type", string(task.Type)).Msg("no handler registered for task type")
		p.finish(key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	start := time.Now()
	err := handler(ctx, Context{Type: task.Type, Payload: task.Payload})
	elapsed := time.Since(start)

	var retry *Task
	if err != nil {
		task.retries++
		p.log.Warn().Err(err).Str("type", string(task.Type)).Str("payload", task.Payload).
			Int("retries", task.retries).Dur("elapsed", elapsed).Msg("task failed")
		if task.retries < MaxRetries {
			retry = &task
		} else {
			p.log.Error().Str("type", string(task.Type)).Str("payload", task.Payload).
				Msg("task exhausted retries, dropping")
		}
	} else {
		p.log.Debug().Str("type", string(task.Type)).Str("payload", task.Payload).
			Dur("elapsed", elapsed).Msg("task completed")
	}

	p.finish(key)
	if retry != nil {
		p.Enqueue(*retry)
	}
}

// finish releases the task's concurrency slot and in-flight marker and wakes
// the dispatch loop. Must run before any retry of the same key is enqueued.
func (p *Pool) finish(key string) {
	<-p.sem
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
	select {
	case p.done <- struct{}{}:
	default:
	}
}
