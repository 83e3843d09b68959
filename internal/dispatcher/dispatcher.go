// Package dispatcher executes analysis runs. Each run crawls its target once,
// fans out to one goroutine per requested worker kind, waits for every task
// to settle and hands the successful insights to the integrator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/crawler"
	"github.com/mtzanidakis/sitescope/internal/integrator"
	"github.com/mtzanidakis/sitescope/internal/progress"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
	"github.com/mtzanidakis/sitescope/internal/worker"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinished  = errors.New("run already finished")
	ErrRunActive    = errors.New("run is still active")
	ErrNotCompleted = errors.New("run did not complete")
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Submission is a request to analyze one target.
type Submission struct {
	Tenant     string   `json:"tenant,omitempty"`
	Target     string   `json:"target"`
	Kinds      []string `json:"kinds"`
	Locale     string   `json:"locale,omitempty"`
	ScheduleID string   `json:"schedule_id,omitempty"`
}

// Store is the durable side of the dispatcher. Writes go through a
// write-behind queue; reads serve runs that are no longer held in memory.
type Store interface {
	Sink
	GetRun(id string) (*analysis.Run, error)
	ListRuns(tenant string, limit int) ([]analysis.Run, error)
	ListTasks(runID string) ([]analysis.WorkerTask, error)
	GetActionPlan(runID string) ([]analysis.ActionItem, error)
	DeleteRun(id string) error
}

// Notifier is told about every run that reaches a terminal status.
type Notifier interface {
	RunFinished(ctx context.Context, st *RunStatus)
}

type Deps struct {
	Registry  *worker.Registry
	Fetcher   crawler.Fetcher
	Publisher *progress.Publisher
	Store     Store
	Notifier  Notifier
	Telemetry *telemetry.Provider
}

const notifyTimeout = 30 * time.Second

type Dispatcher struct {
	registry  *worker.Registry
	fetcher   crawler.Fetcher
	publisher *progress.Publisher
	store     Store
	notifier  Notifier
	tel       *telemetry.Provider
	persist   *writeBehind
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config

	sem     chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	runs    map[string]*runState
	closing bool
}

func New(cfg *config.Config, deps Deps) (*Dispatcher, error) {
	if deps.Registry == nil {
		return nil, errors.New("dispatcher: worker registry is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("dispatcher: fetcher is required")
	}
	tel := telemetry.OrNoop(deps.Telemetry)
	pub := deps.Publisher
	if pub == nil {
		pub = progress.NewPublisher(cfg.Progress, tel)
	}
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:  deps.Registry,
		fetcher:   deps.Fetcher,
		publisher: pub,
		store:     deps.Store,
		notifier:  deps.Notifier,
		tel:       tel,
		now:       time.Now,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Dispatcher.MaxConcurrentRuns),
		baseCtx:   ctx,
		stop:      stop,
		runs:      make(map[string]*runState),
	}
	if deps.Store != nil {
		d.persist = newWriteBehind(deps.Store, cfg.Dispatcher.PersistQueue)
	}
	return d, nil
}

// Publisher returns the event publisher runs report to.
func (d *Dispatcher) Publisher() *progress.Publisher { return d.publisher }

// UpdateConfig swaps the settings used by runs started from now on. The
// concurrency cap is fixed at construction.
func (d *Dispatcher) UpdateConfig(cfg *config.Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *Dispatcher) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

func ruleFor(cfg *config.Config) integrator.Rule {
	dc := cfg.Dispatcher
	if dc.ImpactWeight == 0 && dc.EffortWeight == 0 {
		return integrator.DefaultRule
	}
	return integrator.Weighted{ImpactWeight: dc.ImpactWeight, EffortWeight: dc.EffortWeight}
}

// StartRun validates sub, records the run as pending and starts executing it
// in the background. The run outlives ctx.
func (d *Dispatcher) StartRun(ctx context.Context, sub Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cfg := d.config()

	target, err := crawler.NormalizeTarget(sub.Target)
	if err != nil {
		return "", err
	}
	kinds, err := analysis.NormalizeKinds(sub.Kinds)
	if err != nil {
		return "", err
	}
	for _, k := range kinds {
		if wc, ok := cfg.Workers[string(k)]; ok && !wc.IsEnabled() {
			return "", fmt.Errorf("%w: worker %s is disabled", analysis.ErrInvalidInput, k)
		}
		if _, ok := d.registry.Get(k); !ok {
			return "", fmt.Errorf("%w: no worker registered for %s", analysis.ErrInvalidInput, k)
		}
	}
	tenant := strings.TrimSpace(sub.Tenant)
	if tenant == "" {
		tenant = cfg.Dispatcher.DefaultTenant
	}

	run := &analysis.Run{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		Target:     target,
		Locale:     strings.TrimSpace(sub.Locale),
		Kinds:      kinds,
		Status:     analysis.RunPending,
		CreatedAt:  d.now().UTC(),
		ScheduleID: sub.ScheduleID,
	}
	rs := newRunState(run)

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return "", ErrShuttingDown
	}
	d.runs[run.ID] = rs
	d.wg.Add(1)
	d.mu.Unlock()
	d.publisher.Open(run.ID)

	d.persist.saveRun(run.Clone())
	for _, k := range kinds {
		d.persist.saveTask(rs.tasks[k].Clone())
	}

	d.tel.Metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(telemetry.AttrTenant.String(tenant)))
	slog.Info("run submitted", "run", run.ID, "tenant", tenant, "target", target, "kinds", kinds)

	go d.executeRun(rs)
	return run.ID, nil
}

func (d *Dispatcher) lookup(runID string) *runState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runs[runID]
}

// CancelRun stops a live run. It returns once the run loop has recorded the
// cancellation.
func (d *Dispatcher) CancelRun(runID string) error {
	rs := d.lookup(runID)
	if rs == nil {
		run, err := d.storedRun(runID)
		if err != nil {
			return err
		}
		if run == nil || !run.Status.Terminal() {
			return ErrRunNotFound
		}
		return ErrRunFinished
	}
	req := cancelRequest{reason: "cancelled by request", reply: make(chan error, 1)}
	select {
	case rs.cancelCh <- req:
		return <-req.reply
	case <-rs.done:
		return ErrRunFinished
	}
}

func (d *Dispatcher) storedRun(runID string) (*analysis.Run, error) {
	if d.store == nil {
		return nil, nil
	}
	run, err := d.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// Status returns a snapshot of the run, falling back to the store for runs
// no longer held in memory.
func (d *Dispatcher) Status(runID string) (*RunStatus, error) {
	if rs := d.lookup(runID); rs != nil {
		return rs.status(), nil
	}
	run, err := d.storedRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	stored, err := d.store.ListTasks(runID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	tasks := make([]*analysis.WorkerTask, len(stored))
	for i := range stored {
		tasks[i] = &stored[i]
	}
	plan, err := d.store.GetActionPlan(runID)
	if err != nil {
		return nil, fmt.Errorf("load action plan: %w", err)
	}
	return buildStatus(run, tasks, plan), nil
}

// Insights returns the successful insights of a run in canonical kind order.
func (d *Dispatcher) Insights(runID string) ([]*analysis.Insight, error) {
	st, err := d.Status(runID)
	if err != nil {
		return nil, err
	}
	return orderedInsights(st), nil
}

func orderedInsights(st *RunStatus) []*analysis.Insight {
	out := make([]*analysis.Insight, 0, len(st.Insights))
	for _, k := range analysis.AllKinds {
		if in, ok := st.Insights[k]; ok {
			out = append(out, in)
		}
	}
	return out
}

// ListRuns returns the newest runs first, live runs overriding their stored
// copies. An empty tenant lists every tenant.
func (d *Dispatcher) ListRuns(tenant string, limit int) ([]*analysis.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	byID := make(map[string]*analysis.Run)

	d.mu.RLock()
	live := make([]*runState, 0, len(d.runs))
	for _, rs := range d.runs {
		live = append(live, rs)
	}
	d.mu.RUnlock()
	for _, rs := range live {
		r := rs.snapshot()
		if tenant == "" || r.Tenant == tenant {
			byID[r.ID] = r
		}
	}

	if d.store != nil {
		stored, err := d.store.ListRuns(tenant, limit)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			if _, ok := byID[stored[i].ID]; !ok {
				byID[stored[i].ID] = &stored[i]
			}
		}
	}

	out := make([]*analysis.Run, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Active counts runs that have not reached a terminal status.
func (d *Dispatcher) Active() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, rs := range d.runs {
		select {
		case <-rs.done:
		default:
			n++
		}
	}
	return n
}

// Reintegrate rebuilds the action plan of a completed run from its stored
// insights using the current ranking rule.
func (d *Dispatcher) Reintegrate(runID string) ([]analysis.ActionItem, error) {
	st, err := d.Status(runID)
	if err != nil {
		return nil, err
	}
	if st.Run.Status != analysis.RunCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotCompleted, runID, st.Run.Status)
	}
	plan, err := integrator.Integrate(orderedInsights(st), ruleFor(d.config()))
	if err != nil {
		return nil, err
	}
	if rs := d.lookup(runID); rs != nil {
		rs.mu.Lock()
		rs.plan = plan
		rs.mu.Unlock()
	}
	d.persist.savePlan(runID, plan)
	slog.Info("run reintegrated", "run", runID, "items", len(plan))
	return plan, nil
}

// DeleteRun removes a finished run from memory and storage.
func (d *Dispatcher) DeleteRun(runID string) error {
	d.mu.Lock()
	rs := d.runs[runID]
	if rs != nil {
		select {
		case <-rs.done:
			delete(d.runs, runID)
		default:
			d.mu.Unlock()
			return ErrRunActive
		}
	}
	d.mu.Unlock()

	if rs == nil {
		run, err := d.storedRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return ErrRunNotFound
		}
	}
	d.publisher.Forget(runID)
	d.persist.deleteRun(runID)
	slog.Info("run deleted", "run", runID)
	return nil
}

// Flush blocks until every queued snapshot has been handed to the store.
func (d *Dispatcher) Flush() {
	d.persist.flush()
}

func (d *Dispatcher) evict(rs *runState) {
	id := rs.run.ID
	d.mu.Lock()
	if d.runs[id] == rs {
		delete(d.runs, id)
	}
	d.mu.Unlock()
	d.publisher.Forget(id)
	slog.Debug("run evicted from memory", "run", id)
}

// Shutdown cancels every live run, waits for the run loops and pending
// notifications to finish and flushes the write-behind queue.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
	d.persist.close()
	return nil
}
