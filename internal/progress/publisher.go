// Package progress keeps an ordered, bounded event log per run and fans
// events out to live subscribers and external sinks.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// ErrRunClosed is returned when publishing after a run's terminal event.
var ErrRunClosed = errors.New("run event log closed")

// Sink receives every published event in sequence order.
type Sink interface {
	Forward(ev analysis.ProgressEvent)
}

// Publisher owns the event logs of all live runs.
type Publisher struct {
	bufferSize int
	subSize    int
	tel        *telemetry.Provider
	now        func() time.Time

	mu    sync.Mutex
	logs  map[string]*Log
	sinks []Sink
}

func NewPublisher(cfg config.ProgressConfig, tel *telemetry.Provider) *Publisher {
	p := &Publisher{
		bufferSize: cfg.BufferSize,
		subSize:    cfg.SubscriberSize,
		tel:        telemetry.OrNoop(tel),
		now:        time.Now,
		logs:       make(map[string]*Log),
	}
	if p.bufferSize <= 0 {
		p.bufferSize = 256
	}
	if p.subSize <= 0 {
		p.subSize = 64
	}
	return p
}

// AddSink registers s for all events published from now on.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Open creates the run's log so subscribers can attach before its first
// event. Opening an existing log is a no-op.
func (p *Publisher) Open(runID string) {
	p.log(runID)
}

func (p *Publisher) log(runID string) *Log {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.logs[runID]
	if !ok {
		l = newLog(runID, p.bufferSize)
		p.logs[runID] = l
	}
	return l
}

func (p *Publisher) currentSinks() []Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sink(nil), p.sinks...)
}

// Publish appends an event to the run's log, assigning the next sequence
// number. After a terminal event the log rejects further publishes.
func (p *Publisher) Publish(runID string, typ analysis.EventType, payload map[string]any) (analysis.ProgressEvent, error) {
	l := p.log(runID)
	sinks := p.currentSinks()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return analysis.ProgressEvent{}, ErrRunClosed
	}

	l.seq++
	ev := analysis.ProgressEvent{
		RunID:    runID,
		Type:     typ,
		Sequence: l.seq,
		Payload:  payload,
		Time:     p.now().UTC(),
	}
	if l.append(ev) {
		p.tel.Metrics.EventsDropped.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrRunID.String(runID)))
	}

	for sub := range l.subs {
		if !sub.deliver(ev) {
			delete(l.subs, sub)
			slog.Warn("progress subscriber lagged, detached", "run", runID, "seq", ev.Sequence)
		}
	}
	for _, s := range sinks {
		s.Forward(ev)
	}

	if typ.Terminal() {
		l.closed = true
		for sub := range l.subs {
			sub.finish(false)
			delete(l.subs, sub)
		}
	}
	return ev, nil
}

// Subscribe replays buffered events with sequence > after and then streams
// live ones. The channel closes after the terminal event, and at once for a
// run with no log.
func (p *Publisher) Subscribe(runID string, after uint64) *Subscription {
	p.mu.Lock()
	l, ok := p.logs[runID]
	p.mu.Unlock()
	if !ok {
		sub := newSubscription(newLog(runID, 1), 1)
		sub.finish(false)
		return sub
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	replay := l.since(after)
	sub := newSubscription(l, p.subSize+len(replay))
	for _, ev := range replay {
		sub.ch <- ev
	}
	if l.closed {
		sub.finish(false)
		return sub
	}
	l.subs[sub] = struct{}{}
	return sub
}

// Events returns buffered events with sequence > after, for polling clients.
func (p *Publisher) Events(runID string, after uint64) []analysis.ProgressEvent {
	p.mu.Lock()
	l, ok := p.logs[runID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since(after)
}

// LastSequence returns the highest sequence assigned for the run.
func (p *Publisher) LastSequence(runID string) uint64 {
	p.mu.Lock()
	l, ok := p.logs[runID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Forget releases a run's log. Live subscribers are closed.
func (p *Publisher) Forget(runID string) {
	p.mu.Lock()
	l, ok := p.logs[runID]
	delete(p.logs, runID)
	p.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		sub.finish(false)
		delete(l.subs, sub)
	}
	l.closed = true
}

// Runs returns the number of logs held.
func (p *Publisher) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.logs)
}
