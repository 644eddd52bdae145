package scheduler

import (
	"sync/atomic"
	"time"
)

type counters struct {
	Submitted atomic.Uint64
	Completed atomic.Uint64
	Failed    atomic.Uint64
	Retried   atomic.Uint64
	Cancelled atomic.Uint64
	TimedOut  atomic.Uint64
	RunNanos  atomic.Int64
}

// WorkerStats describes one pool worker.
type WorkerStats struct {
	ID        int           `json:"id"`
	SmallSlot bool          `json:"small_slot,omitempty"`
	Busy      bool          `json:"busy"`
	Current   string        `json:"current,omitempty"`
	Completed uint64        `json:"completed"`
	BusyTime  time.Duration `json:"busy_time_ns"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int    `json:"workers"`
	Strategy  string `json:"strategy"`
	Queued    int    `json:"queued"`
	Waiting   int    `json:"waiting_retry"`
	Running   int    `json:"running"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Cancelled uint64 `json:"cancelled"`
	TimedOut  uint64 `json:"timed_out"`
	// TotalRunTime sums every attempt's wall time.
	TotalRunTime time.Duration `json:"total_run_time_ns"`
	PerWorker    []WorkerStats `json:"per_worker"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Workers:      len(s.workers),
		Strategy:     s.cfg.Strategy.String(),
		Queued:       s.queue.Len(),
		Submitted:    s.stats.Submitted.Load(),
		Completed:    s.stats.Completed.Load(),
		Failed:       s.stats.Failed.Load(),
		Retried:      s.stats.Retried.Load(),
		Cancelled:    s.stats.Cancelled.Load(),
		TimedOut:     s.stats.TimedOut.Load(),
		TotalRunTime: time.Duration(s.stats.RunNanos.Load()),
	}
	for _, tr := range s.tasks {
		switch tr.state {
		case stateWaiting:
			st.Waiting++
		case stateRunning:
			st.Running++
		}
	}
	for _, w := range s.workers {
		st.PerWorker = append(st.PerWorker, WorkerStats{
			ID:        w.id,
			SmallSlot: w.small,
			Busy:      w.busy,
			Current:   w.current,
			Completed: w.completed,
			BusyTime:  w.busyTime,
		})
	}
	return st
}
