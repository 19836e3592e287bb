package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/protocore/internal/metrics"
)

// Scheduler runs closures once after a delay. Each closure runs on its own
// goroutine, at most once, and may schedule further closures.
//
// ExecuteAllWithNoDelay fires every pending closure immediately, for when the
// process comes back to the foreground and backoff waiting should collapse.
//
// Thread-safety: Scheduler is safe for concurrent use.
type Scheduler struct {
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Engine

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*scheduled
	closed  bool
	running sync.WaitGroup
}

type scheduled struct {
	timer *clock.Timer
	fn    func()
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock sets the time source. Tests pass clock.NewMock().
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics reports the pending count on m.
func WithMetrics(m *metrics.Engine) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler on the wall clock.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock:   clock.New(),
		log:     slog.Default(),
		pending: make(map[uint64]*scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteWithDelay runs fn once, no earlier than delay from now, and reports
// whether fn was scheduled. After Close it discards fn and returns false.
func (s *Scheduler) ExecuteWithDelay(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.log.Debug("scheduler closed, closure discarded")
		return false
	}
	id := s.nextID
	s.nextID++
	e := &scheduled{fn: fn}
	// The timer callback takes s.mu, so it cannot observe the map before
	// the entry is stored.
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(id) })
	s.pending[id] = e
	s.metrics.SetPending(len(s.pending))
	return true
}

// ExecuteAllWithNoDelay fires every pending closure now.
func (s *Scheduler) ExecuteAllWithNoDelay() {
	s.mu.Lock()
	due := make([]*scheduled, 0, len(s.pending))
	for id, e := range s.pending {
		e.timer.Stop()
		due = append(due, e)
		delete(s.pending, id)
	}
	s.running.Add(len(due))
	s.metrics.SetPending(0)
	s.mu.Unlock()

	if len(due) > 0 {
		s.log.Debug("firing pending closures", "count", len(due))
	}
	for _, e := range due {
		go s.run(e.fn)
	}
}

// Pending returns the number of closures waiting for their delay.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close discards pending closures and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	s.metrics.SetPending(0)
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Scheduler) fire(id uint64) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		s.running.Add(1)
		s.metrics.SetPending(len(s.pending))
	}
	s.mu.Unlock()

	// Already fired by ExecuteAllWithNoDelay, or discarded by Close.
	if !ok {
		return
	}
	s.run(e.fn)
}

func (s *Scheduler) run(fn func()) {
	defer s.running.Done()
	fn()
}
