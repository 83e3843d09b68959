package progress

import (
	"sync/atomic"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Subscription is one attached reader of a run's events.
type Subscription struct {
	log    *Log
	ch     chan analysis.ProgressEvent
	done   bool
	lagged atomic.Bool
}

func newSubscription(l *Log, size int) *Subscription {
	return &Subscription{log: l, ch: make(chan analysis.ProgressEvent, max(size, 1))}
}

// C yields events in sequence order. It is closed after the terminal event,
// on Close, or when the subscriber fell behind (see Lagged).
func (s *Subscription) C() <-chan analysis.ProgressEvent { return s.ch }

// Lagged reports whether the subscription was closed because its buffer
// overflowed. The client should resubscribe from its last sequence.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	delete(s.log.subs, s)
	s.finish(false)
}

// deliver sends ev without blocking. Caller holds the log lock.
func (s *Subscription) deliver(ev analysis.ProgressEvent) bool {
	if s.done {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.finish(true)
		return false
	}
}

// finish closes the channel once. Caller holds the log lock.
func (s *Subscription) finish(lagged bool) {
	if s.done {
		return
	}
	s.done = true
	if lagged {
		s.lagged.Store(true)
	}
	close(s.ch)
}
