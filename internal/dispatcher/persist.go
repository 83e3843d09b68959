package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Sink receives run state for durable storage. *store.Store satisfies it.
type Sink interface {
	SaveRun(r *analysis.Run) error
	SaveTask(t *analysis.WorkerTask) error
	SaveInsight(in *analysis.Insight) error
	SaveActionPlan(runID string, items []analysis.ActionItem) error
}

// pendingWrite holds the newest unsaved snapshots of one run.
type pendingWrite struct {
	run      *analysis.Run
	tasks    map[analysis.WorkerKind]*analysis.WorkerTask
	insights []*analysis.Insight
	plan     []analysis.ActionItem
	hasPlan  bool
	deleted  bool
}

// writeBehind persists snapshots off the run loop. Snapshots of the same run
// coalesce while they wait, so the queue holds at most one entry per run and
// enqueue never blocks.
type writeBehind struct {
	sink    Sink
	backlog int
	flushMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingWrite
	queue   []string
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newWriteBehind(sink Sink, backlog int) *writeBehind {
	if sink == nil {
		return nil
	}
	if backlog <= 0 {
		backlog = 256
	}
	w := &writeBehind{
		sink:    sink,
		backlog: backlog,
		pending: make(map[string]*pendingWrite),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writeBehind) enqueue(runID string, fn func(p *pendingWrite)) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		slog.Warn("persist after shutdown dropped", "run", runID)
		return
	}
	p, ok := w.pending[runID]
	if !ok {
		p = &pendingWrite{tasks: make(map[analysis.WorkerKind]*analysis.WorkerTask)}
		w.pending[runID] = p
		w.queue = append(w.queue, runID)
		if len(w.queue) == w.backlog {
			slog.Warn("persist backlog growing", "runs", len(w.queue))
		}
	}
	fn(p)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writeBehind) saveRun(r *analysis.Run) {
	w.enqueue(r.ID, func(p *pendingWrite) { p.run = r })
}

func (w *writeBehind) saveTask(t *analysis.WorkerTask) {
	w.enqueue(t.RunID, func(p *pendingWrite) {
		p.tasks[t.Kind] = t
		if t.Result != nil {
			p.insights = append(p.insights, t.Result)
		}
	})
}

func (w *writeBehind) savePlan(runID string, plan []analysis.ActionItem) {
	w.enqueue(runID, func(p *pendingWrite) {
		p.plan = plan
		p.hasPlan = true
	})
}

// deleteRun discards queued snapshots of the run and removes it from the
// sink in queue order.
func (w *writeBehind) deleteRun(runID string) {
	w.enqueue(runID, func(p *pendingWrite) {
		*p = pendingWrite{tasks: make(map[analysis.WorkerKind]*analysis.WorkerTask), deleted: true}
	})
}

func (w *writeBehind) loop() {
	defer close(w.done)
	for range w.wake {
		w.flush()
	}
	w.flush()
}

// flush writes everything queued so far. Flushes are serialized so writes
// reach the sink in enqueue order.
func (w *writeBehind) flush() {
	if w == nil {
		return
	}
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.mu.Lock()
	pending, queue := w.pending, w.queue
	w.pending = make(map[string]*pendingWrite)
	w.queue = nil
	w.mu.Unlock()

	for _, runID := range queue {
		w.write(runID, pending[runID])
	}
}

func (w *writeBehind) write(runID string, p *pendingWrite) {
	if p.deleted {
		if del, ok := w.sink.(interface{ DeleteRun(id string) error }); ok {
			if err := del.DeleteRun(runID); err != nil {
				slog.Error("delete run failed", "run", runID, "error", err)
			}
		}
		return
	}
	if p.run != nil {
		if err := w.sink.SaveRun(p.run); err != nil {
			slog.Error("persist run failed", "run", runID, "error", err)
		}
	}
	for _, kind := range analysis.AllKinds {
		t, ok := p.tasks[kind]
		if !ok {
			continue
		}
		if err := w.sink.SaveTask(t); err != nil {
			slog.Error("persist task failed", "run", runID, "kind", kind, "error", err)
		}
	}
	for _, in := range p.insights {
		if err := w.sink.SaveInsight(in); err != nil {
			slog.Error("persist insight failed", "run", runID, "kind", in.Kind, "error", err)
		}
	}
	if p.hasPlan {
		if err := w.sink.SaveActionPlan(runID, p.plan); err != nil {
			slog.Error("persist action plan failed", "run", runID, "error", err)
		}
	}
}

// close flushes everything queued and stops the drainer.
func (w *writeBehind) close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.wake)
	w.mu.Unlock()
	<-w.done
}
