package progress

import (
	"sync"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Log is the bounded, ordered event history of one run.
type Log struct {
	runID    string
	capacity int

	mu     sync.Mutex
	seq    uint64
	events []analysis.ProgressEvent
	closed bool
	subs   map[*Subscription]struct{}
}

func newLog(runID string, capacity int) *Log {
	return &Log{
		runID:    runID,
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// append stores ev and reports whether an older event had to be dropped.
// Terminal events are never dropped; since nothing follows them they are
// always last, so evicting from the front is enough.
func (l *Log) append(ev analysis.ProgressEvent) bool {
	l.events = append(l.events, ev)
	if len(l.events) <= l.capacity {
		return false
	}
	for i, old := range l.events {
		if !old.Type.Terminal() {
			l.events = append(l.events[:i], l.events[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Log) since(after uint64) []analysis.ProgressEvent {
	var out []analysis.ProgressEvent
	for _, ev := range l.events {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out
}
