// Package scheduler runs extraction tasks on a fixed worker pool with
// priority ordering, retries, per-task timeouts and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("scheduler closed")

// Mode selects how a task's plugin call is executed.
type Mode int

const (
	// ModeThread runs the plugin on a goroutine guarded by a watchdog.
	ModeThread Mode = iota
	// ModeProcess runs the plugin in a child process that is killed on
	// timeout.
	ModeProcess
)

func (m Mode) String() string {
	if m == ModeProcess {
		return "process"
	}
	return "thread"
}

// ParseMode accepts "thread" and "process".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "thread":
		return ModeThread, nil
	case "process":
		return ModeProcess, nil
	}
	return ModeThread, fmt.Errorf("unknown execution mode %q", s)
}

// Strategy selects which queued task an idle worker takes.
type Strategy int

const (
	// LeastLoaded lets every idle worker pull the head of the queue.
	LeastLoaded Strategy = iota
	// SizeAware reserves a share of workers for small files so they are not
	// stuck behind large ones.
	SizeAware
)

func (s Strategy) String() string {
	if s == SizeAware {
		return "size_aware"
	}
	return "least_loaded"
}

// ParseStrategy accepts the names produced by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "least_loaded", "least-loaded":
		return LeastLoaded, nil
	case "size_aware", "size-aware":
		return SizeAware, nil
	}
	return LeastLoaded, fmt.Errorf("unknown strategy %q", s)
}

// Outcome is the terminal state of a task.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "cancelled"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Task is one unit of extraction work: one domain over one file.
type Task struct {
	ID       string
	Path     string
	Name     string
	MIME     string
	Size     int64
	Domain   string
	Options  map[string]string
	Priority int
	// MaxRetries of 0 uses the scheduler default; a negative value disables
	// retries.
	MaxRetries int
	// Timeout of 0 uses the scheduler default.
	Timeout time.Duration
	Mode    Mode
	// Retries counts attempts already made beyond the first.
	Retries   int
	Submitted time.Time
}

// Result is what a future resolves to.
type Result struct {
	TaskID   string
	Domain   string
	Fields   *plugin.Fields
	Duration time.Duration
	Attempts int
	Outcome  Outcome
	Err      error
	Worker   int
	// StartSeq is the global order in which the final attempt started.
	StartSeq uint64
}

// ErrorKind classifies Err for status maps.
func (r Result) ErrorKind() string { return failure.KindOf(r.Err) }

// Runner executes one attempt of a task.
type Runner interface {
	Run(ctx context.Context, t Task) (*plugin.Fields, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t Task) (*plugin.Fields, error)

func (f RunnerFunc) Run(ctx context.Context, t Task) (*plugin.Fields, error) { return f(ctx, t) }

// SizePolicy configures the SizeAware strategy. Classes follow the small /
// medium / large split; small-slot workers take the best small task unless
// the head of the queue has waited longer than AgingAfter.
type SizePolicy struct {
	SmallThreshold  int64
	MediumThreshold int64
	SmallSlotFrac   float64
	AgingAfter      time.Duration
}

// Class returns "small", "medium" or "large".
func (p SizePolicy) Class(size int64) string {
	switch {
	case size < p.SmallThreshold:
		return "small"
	case size < p.MediumThreshold:
		return "medium"
	default:
		return "large"
	}
}

// Config controls the pool. Zero values fall back to the defaults noted.
type Config struct {
	Workers  int      // runtime.NumCPU()
	Strategy Strategy // LeastLoaded
	Size     SizePolicy
	// A task is held back while any higher-priority task is queued or
	// running, so a priority level completes before the next one starts.
	// NoPriorityBarrier lets idle workers start lower-priority tasks early.
	NoPriorityBarrier bool
	MaxRetries        int           // 3
	BackoffBase       time.Duration // 100ms
	BackoffMax        time.Duration // 5s
	Timeout           time.Duration // 30s
	// Modes maps a domain to its execution mode; unlisted domains run in
	// ModeThread.
	Modes   map[string]Mode
	Runners map[Mode]Runner
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Size.SmallThreshold <= 0 {
		c.Size.SmallThreshold = 1 << 20
	}
	if c.Size.MediumThreshold <= c.Size.SmallThreshold {
		c.Size.MediumThreshold = 64 << 20
	}
	if c.Size.SmallSlotFrac <= 0 || c.Size.SmallSlotFrac >= 1 {
		c.Size.SmallSlotFrac = 0.25
	}
	if c.Size.AgingAfter <= 0 {
		c.Size.AgingAfter = 2 * time.Second
	}
	return c
}

type state int

const (
	stateQueued state = iota
	stateWaiting
	stateRunning
	stateDone
)

type tracked struct {
	task     Task
	fut      *Future
	seq      uint64
	index    int
	state    state
	cancel   context.CancelFunc
	timer    *time.Timer
	stopping bool // cancel requested while running
	runTime  time.Duration
}

type worker struct {
	id        int
	small     bool
	busy      bool
	current   string
	completed uint64
	busyTime  time.Duration
}

// Scheduler owns every task from submission until its future resolves.
type Scheduler struct {
	cfg Config

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	tasks    map[string]*tracked
	running  map[int]int // priority -> running count
	workers  []*worker
	seq      uint64
	startSeq uint64
	closed   bool
	quit     bool
	idle     chan struct{}

	wg    sync.WaitGroup
	stats counters
}

// New starts the worker pool.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*tracked),
		running:    make(map[int]int),
	}
	s.cond = sync.NewCond(&s.mu)
	small := 0
	if cfg.Strategy == SizeAware && cfg.Workers > 1 {
		small = int(float64(cfg.Workers) * cfg.Size.SmallSlotFrac)
		if small < 1 {
			small = 1
		}
	}
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{id: i, small: i < small}
		s.workers = append(s.workers, w)
		s.wg.Add(1)
		go s.loop(w)
	}
	log.Debug().Int("workers", cfg.Workers).Str("strategy", cfg.Strategy.String()).Int("small_slots", small).Msg("scheduler started")
	return s
}

// Submit queues a task and returns its future. Missing IDs are generated.
func (s *Scheduler) Submit(t Task) (*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.submitLocked(t)
	if err != nil {
		return nil, err
	}
	s.cond.Broadcast()
	return f, nil
}

// SubmitBatch queues all tasks atomically with respect to workers, so a batch
// is ordered purely by priority and submission order.
func (s *Scheduler) SubmitBatch(tasks []Task) ([]*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*Future, 0, len(tasks))
	for _, t := range tasks {
		f, err := s.submitLocked(t)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	s.cond.Broadcast()
	return out, nil
}

func (s *Scheduler) submitLocked(t Task) (*Future, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, dup := s.tasks[t.ID]; dup {
		return nil, fmt.Errorf("task %s already submitted", t.ID)
	}
	if t.Submitted.IsZero() {
		t.Submitted = time.Now()
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.Timeout
	}
	switch {
	case t.MaxRetries == 0:
		t.MaxRetries = s.cfg.MaxRetries
	case t.MaxRetries < 0:
		t.MaxRetries = 0
	}
	if m, ok := s.cfg.Modes[t.Domain]; ok {
		t.Mode = m
	}
	s.seq++
	tr := &tracked{task: t, fut: newFuture(t.ID, s), seq: s.seq, index: -1}
	s.tasks[t.ID] = tr
	s.queue.push(tr)
	s.stats.Submitted.Add(1)
	return tr.fut, nil
}

// Cancel removes a queued task or interrupts a running one. It reports
// whether the task was still pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tasks[id]
	if !ok {
		return false
	}
	return s.cancelLocked(tr, "cancelled")
}

func (s *Scheduler) cancelLocked(tr *tracked, why string) bool {
	err := fmt.Errorf("task %s: %w: %s", tr.task.ID, failure.ErrCancelled, why)
	switch tr.state {
	case stateQueued:
		s.queue.remove(tr)
		s.resolveLocked(tr, Result{Outcome: Cancelled, Err: err})
		s.cond.Broadcast()
	case stateWaiting:
		if tr.timer != nil {
			tr.timer.Stop()
		}
		s.resolveLocked(tr, Result{Outcome: Cancelled, Err: err})
	case stateRunning:
		tr.stopping = true
		if tr.cancel != nil {
			tr.cancel()
		}
	default:
		return false
	}
	return true
}

// Shutdown stops accepting work. With drain, queued and retrying tasks run to
// completion first; without it every pending task is cancelled. If ctx ends
// before the pool is idle, remaining tasks are cancelled and ctx's error is
// returned.
func (s *Scheduler) Shutdown(ctx context.Context, drain bool) error {
	s.mu.Lock()
	s.closed = true
	if !drain {
		s.cancelAllLocked("shutdown")
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
		if len(s.tasks) == 0 {
			close(s.idle)
		}
	}
	idle := s.idle
	s.mu.Unlock()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		s.mu.Lock()
		s.cancelAllLocked("shutdown deadline")
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.quit = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.baseCancel()
	s.wg.Wait()
	log.Debug().Uint64("completed", s.stats.Completed.Load()).Msg("scheduler stopped")
	return err
}

func (s *Scheduler) cancelAllLocked(why string) {
	for _, tr := range s.tasks {
		s.cancelLocked(tr, why)
	}
}

// resolveLocked finishes a task and notifies Shutdown when the pool drains.
func (s *Scheduler) resolveLocked(tr *tracked, r Result) {
	// Each finished run that was retried bumped Retries; a run only ends
	// here while the task is still marked running.
	r.Attempts = tr.task.Retries
	if tr.state == stateRunning {
		r.Attempts++
	}
	tr.state = stateDone
	r.TaskID = tr.task.ID
	r.Domain = tr.task.Domain
	delete(s.tasks, tr.task.ID)
	switch r.Outcome {
	case Succeeded:
		s.stats.Completed.Add(1)
	case Failed:
		s.stats.Failed.Add(1)
	case TimedOut:
		s.stats.TimedOut.Add(1)
	case Cancelled:
		s.stats.Cancelled.Add(1)
	}
	tr.fut.resolve(r)
	if s.closed && s.idle != nil && len(s.tasks) == 0 {
		select {
		case <-s.idle:
		default:
			close(s.idle)
		}
	}
}

func (s *Scheduler) backoff(retry int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < retry && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

func (s *Scheduler) requeue(tr *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr.state != stateWaiting {
		return
	}
	tr.state = stateQueued
	tr.timer = nil
	s.queue.push(tr)
	s.cond.Broadcast()
}
