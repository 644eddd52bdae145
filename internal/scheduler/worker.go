package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
)

func (s *Scheduler) loop(w *worker) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var tr *tracked
		for {
			if s.quit {
				s.mu.Unlock()
				return
			}
			if tr = s.pickLocked(w); tr != nil {
				break
			}
			s.cond.Wait()
		}
		ctx, cancel := context.WithCancel(s.baseCtx)
		tr.state = stateRunning
		tr.cancel = cancel
		s.running[tr.task.Priority]++
		s.startSeq++
		start := s.startSeq
		w.busy = true
		w.current = tr.task.ID
		task := tr.task
		s.mu.Unlock()

		s.execute(ctx, cancel, w, tr, task, start)
	}
}

// pickLocked chooses the next task for w, or nil if w should keep waiting.
func (s *Scheduler) pickLocked(w *worker) *tracked {
	head := s.queue.head()
	if head == nil {
		return nil
	}
	if !s.cfg.NoPriorityBarrier {
		for p, n := range s.running {
			if n > 0 && p > head.task.Priority {
				return nil
			}
		}
	}
	pick := head
	if w.small && time.Since(head.task.Submitted) < s.cfg.Size.AgingAfter {
		var best *tracked
		for _, tr := range s.queue {
			if s.cfg.Size.Class(tr.task.Size) != "small" {
				continue
			}
			if !s.cfg.NoPriorityBarrier && tr.task.Priority < head.task.Priority {
				continue
			}
			if best == nil || before(tr, best) {
				best = tr
			}
		}
		if best != nil {
			pick = best
		}
	}
	s.queue.remove(pick)
	return pick
}

type attempt struct {
	fields *plugin.Fields
	err    error
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, w *worker, tr *tracked, task Task, startSeq uint64) {
	runner := s.cfg.Runners[task.Mode]
	if runner == nil {
		runner = s.cfg.Runners[ModeThread]
	}
	started := time.Now()
	ch := make(chan attempt, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attempt{err: fmt.Errorf("%w: %s panicked: %v", failure.ErrContractViolation, task.Domain, rec)}
			}
		}()
		if runner == nil {
			ch <- attempt{err: fmt.Errorf("no runner for mode %s", task.Mode)}
			return
		}
		f, err := runner.Run(ctx, task)
		ch <- attempt{fields: f, err: err}
	}()

	timer := time.NewTimer(task.Timeout)
	var (
		a        attempt
		timedOut bool
	)
	select {
	case a = <-ch:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		a.err = ctx.Err()
	}
	timer.Stop()
	cancel()
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[task.Priority]--
	if s.running[task.Priority] <= 0 {
		delete(s.running, task.Priority)
	}
	w.busy = false
	w.current = ""
	w.completed++
	w.busyTime += elapsed
	tr.cancel = nil
	tr.runTime += elapsed
	s.stats.RunNanos.Add(int64(elapsed))
	s.cond.Broadcast()

	res := Result{Worker: w.id, StartSeq: startSeq, Duration: tr.runTime}
	switch {
	case tr.stopping || (a.err != nil && errors.Is(a.err, context.Canceled) && s.baseCtx.Err() != nil):
		res.Outcome = Cancelled
		res.Err = fmt.Errorf("task %s: %w", task.ID, failure.ErrCancelled)
	case timedOut:
		res.Outcome = TimedOut
		res.Err = fmt.Errorf("task %s (%s) after %s: %w", task.ID, task.Domain, task.Timeout, failure.ErrTimeout)
		log.Debug().Str("task", task.ID).Str("domain", task.Domain).Dur("timeout", task.Timeout).Msg("task timed out")
	case a.err == nil:
		res.Outcome = Succeeded
		res.Fields = a.fields
	case failure.IsTransient(a.err) && tr.task.Retries < tr.task.MaxRetries && !s.quit:
		tr.task.Retries++
		tr.state = stateWaiting
		delay := s.backoff(tr.task.Retries)
		s.stats.Retried.Add(1)
		log.Debug().Str("task", task.ID).Str("domain", task.Domain).Int("retry", tr.task.Retries).Dur("backoff", delay).Err(a.err).Msg("retrying task")
		tr.timer = time.AfterFunc(delay, func() { s.requeue(tr) })
		return
	default:
		res.Outcome = Failed
		res.Err = a.err
	}
	s.resolveLocked(tr, res)
}
