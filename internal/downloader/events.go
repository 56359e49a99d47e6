package downloader

import (
	"log/slog"
	"sync"
)

// subscription is an unbounded mailbox drained by its own goroutine.
// push never blocks, so the Manager can enqueue while holding its lock
// and a slow handler only delays itself.
type subscription struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscription(handler Handler, logger *slog.Logger) *subscription {
	s := &subscription{
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Queued events are still delivered.
func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "job_id", ev.JobID, "event", ev.Type.String(), "panic", r)
		}
	}()
	s.handler(ev)
}

// emitLocked fans ev out to the job's subscribers and the engine-wide ones.
// Caller must hold m.mu.
func (m *Manager) emitLocked(j *job, ev Event) {
	ev.JobID = j.id
	if ev.State == "" {
		ev.State = j.state
	}
	for _, s := range j.subs {
		s.push(ev)
	}
	for _, s := range m.allSubs {
		s.push(ev)
	}
}

func (m *Manager) emitChildLocked(j *job, c *child) {
	snap := c.snapshot()
	m.emitLocked(j, Event{Type: EventChild, Child: &snap})
}

func (m *Manager) emitProgressLocked(j *job, c *child, speed uint64, eta int) {
	m.emitLocked(j, Event{
		Type: EventProgress,
		Progress: &ProgressEvent{
			JobID:            j.id,
			ChildIndex:       c.index,
			Percent:          c.percent,
			ETASeconds:       eta,
			SpeedBytesPerSec: speed,
			Stage:            c.stage,
			AggregatePercent: j.recomputeAggregate(),
		},
	})
}

// Subscribe registers handler for a job's events. The returned function
// cancels the subscription. Subscribing to a finished job delivers its
// terminal event once.
func (m *Manager) Subscribe(jobID string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	s := newSubscription(handler, m.logger)
	if j.state.IsTerminal() {
		s.push(terminalEvent(j))
		s.close()
		return func() {}, nil
	}

	j.subs = append(j.subs, s)
	return func() {
		m.mu.Lock()
		for i, other := range j.subs {
			if other == s {
				j.subs = append(j.subs[:i], j.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		s.close()
	}, nil
}

// SubscribeAll registers handler for events of every job
func (m *Manager) SubscribeAll(handler Handler) func() {
	s := newSubscription(handler, m.logger)

	m.mu.Lock()
	m.allSubs = append(m.allSubs, s)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for i, other := range m.allSubs {
			if other == s {
				m.allSubs = append(m.allSubs[:i], m.allSubs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		s.close()
	}
}

func terminalEvent(j *job) Event {
	snap := j.snapshot()
	return Event{
		Type:   EventTerminal,
		JobID:  j.id,
		State:  j.state,
		Job:    &snap,
		Reason: snap.Summary(),
	}
}
