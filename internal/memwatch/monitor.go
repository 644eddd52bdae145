// Package memwatch samples memory usage on a single goroutine, classifies it
// into pressure levels and notifies subscribers when the level changes.
package memwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Transition is delivered to subscribers on a level change.
type Transition struct {
	From   Level
	To     Level
	Sample Sample
}

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 5 * time.Second

// Config controls the monitor. Zero values use the defaults noted.
type Config struct {
	Interval        time.Duration // DefaultInterval
	Thresholds      Thresholds    // 60/80/90
	HistorySize     int           // 120
	QueueSize       int           // 8
	CallbackTimeout time.Duration // 2s
	Sampler         Sampler       // SystemSampler
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 2 * time.Second
	}
	if c.Sampler == nil {
		c.Sampler = NewSystemSampler()
	}
	return c
}

type subscriber struct {
	id        uint64
	min       Level
	cb        func(Transition)
	queue     chan Transition
	busySince atomic.Int64
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.queue) })
}

func (s *subscriber) serve() {
	for tr := range s.queue {
		s.busySince.Store(time.Now().UnixNano())
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Warn().Interface("panic", rec).Msg("pressure subscriber panicked")
				}
			}()
			s.cb(tr)
		}()
		s.busySince.Store(0)
	}
}

// Monitor owns the sampling goroutine, the history ring and the subscribers.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	ring    []Sample
	next    int
	full    bool
	level   Level
	subs    map[uint64]*subscriber
	nextSub uint64
	dropped uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. Call Start to begin sampling.
func New(cfg Config) (*Monitor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:  cfg,
		ring: make([]Sample, cfg.HistorySize),
		subs: make(map[uint64]*subscriber),
	}, nil
}

// Start launches the sampler. An interval of zero uses the configured one.
func (m *Monitor) Start(interval time.Duration) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("monitor already started")
	}
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, interval, m.done)
	log.Debug().Dur("interval", interval).Msg("memory monitor started")
	return nil
}

// Stop ends sampling and releases every subscriber goroutine.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.mu.Lock()
	for id, s := range m.subs {
		delete(m.subs, id)
		s.close()
	}
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	m.Tick(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Tick takes one sample, records it and dispatches a transition if the level
// changed. The sampling goroutine calls it on every interval.
func (m *Monitor) Tick(ctx context.Context) (Sample, error) {
	s, err := m.cfg.Sampler.Sample(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory sample failed")
		return Sample{}, err
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	s.Level = m.cfg.Thresholds.Classify(s.UsedPercent)

	m.mu.Lock()
	m.ring[m.next] = s
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	prev := m.level
	m.level = s.Level
	m.reapLocked()
	if prev != s.Level {
		log.Info().Str("from", prev.String()).Str("to", s.Level.String()).Float64("used_percent", s.UsedPercent).Msg("memory pressure changed")
		m.dispatchLocked(Transition{From: prev, To: s.Level, Sample: s})
	}
	m.mu.Unlock()
	return s, nil
}

// reapLocked drops subscribers whose callback has run past the timeout.
func (m *Monitor) reapLocked() {
	now := time.Now().UnixNano()
	for id, sub := range m.subs {
		if b := sub.busySince.Load(); b != 0 && time.Duration(now-b) > m.cfg.CallbackTimeout {
			m.dropLocked(id, sub, "callback exceeded timeout")
		}
	}
}

func (m *Monitor) dispatchLocked(tr Transition) {
	for id, sub := range m.subs {
		if tr.From < sub.min && tr.To < sub.min {
			continue
		}
		select {
		case sub.queue <- tr:
		default:
			m.dropLocked(id, sub, "queue full")
		}
	}
}

func (m *Monitor) dropLocked(id uint64, sub *subscriber, why string) {
	delete(m.subs, id)
	sub.close()
	m.dropped++
	log.Warn().Uint64("subscriber", id).Str("reason", why).Msg("pressure subscriber dropped")
}

// Subscribe registers cb for transitions that enter or leave a level at or
// above min. Callbacks run on a goroutine owned by the subscriber, in order.
// The returned function unsubscribes.
func (m *Monitor) Subscribe(min Level, cb func(Transition)) (cancel func()) {
	m.mu.Lock()
	m.nextSub++
	sub := &subscriber{id: m.nextSub, min: min, cb: cb, queue: make(chan Transition, m.cfg.QueueSize)}
	m.subs[sub.id] = sub
	m.mu.Unlock()
	go sub.serve()
	return func() {
		m.mu.Lock()
		if _, ok := m.subs[sub.id]; ok {
			delete(m.subs, sub.id)
		}
		m.mu.Unlock()
		sub.close()
	}
}

// Subscribers reports live subscriptions and how many were dropped.
func (m *Monitor) Subscribers() (live int, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs), m.dropped
}

// Level returns the most recently classified level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// CurrentStats returns the latest sample, sampling once if none exists yet.
func (m *Monitor) CurrentStats() Sample {
	m.mu.Lock()
	if m.next > 0 || m.full {
		i := (m.next - 1 + len(m.ring)) % len(m.ring)
		s := m.ring[i]
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()
	s, _ := m.Tick(context.Background())
	return s
}

// History returns up to n samples, oldest first. n <= 0 returns all.
func (m *Monitor) History(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.next
	if m.full {
		count = len(m.ring)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Sample, 0, n)
	start := (m.next - n + len(m.ring)) % len(m.ring)
	for i := 0; i < n; i++ {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}

// Status is the monitor's view for status endpoints.
type Status struct {
	Current     Sample     `json:"current"`
	Level       Level      `json:"level"`
	Thresholds  Thresholds `json:"thresholds"`
	Subscribers int        `json:"subscribers"`
	Dropped     uint64     `json:"dropped_subscribers"`
	History     []Sample   `json:"history,omitempty"`
}

func (m *Monitor) Status(historyN int) Status {
	cur := m.CurrentStats()
	live, dropped := m.Subscribers()
	return Status{
		Current:     cur,
		Level:       m.Level(),
		Thresholds:  m.cfg.Thresholds,
		Subscribers: live,
		Dropped:     dropped,
		History:     m.History(historyN),
	}
}
