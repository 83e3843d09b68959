package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/integrator"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
	"github.com/mtzanidakis/sitescope/internal/worker"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Progress share of the crawl. The remainder is split across tasks.
const crawlProgress = 20.0

type cancelRequest struct {
	reason string
	reply  chan error
}

// runState is the in-memory record of one run. Only the run loop writes
// run and tasks; everyone else reads snapshots under mu.
type runState struct {
	mu    sync.RWMutex
	run   *analysis.Run
	tasks map[analysis.WorkerKind]*analysis.WorkerTask
	plan  []analysis.ActionItem

	cancelCh chan cancelRequest
	done     chan struct{}
}

func newRunState(run *analysis.Run) *runState {
	rs := &runState{
		run:      run,
		tasks:    make(map[analysis.WorkerKind]*analysis.WorkerTask, len(run.Kinds)),
		cancelCh: make(chan cancelRequest),
		done:     make(chan struct{}),
	}
	for _, k := range run.Kinds {
		rs.tasks[k] = analysis.NewTask(run.ID, k)
	}
	return rs
}

func (rs *runState) snapshot() *analysis.Run {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.Clone()
}

func (rs *runState) status() *RunStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	tasks := make([]*analysis.WorkerTask, 0, len(rs.run.Kinds))
	for _, k := range rs.run.Kinds {
		tasks = append(tasks, rs.tasks[k].Clone())
	}
	return buildStatus(rs.run.Clone(), tasks, rs.plan)
}

type taskReport struct {
	kind    analysis.WorkerKind
	insight *analysis.Insight
	err     error
}

type crawlOutcome struct {
	result *analysis.CrawlResult
	err    error
}

type integrationOutcome struct {
	plan []analysis.ActionItem
	err  error
}

// executeRun drives one run from pending to a terminal status. It is the
// only writer of the run and its tasks.
func (d *Dispatcher) executeRun(rs *runState) {
	defer d.wg.Done()
	defer close(rs.done)

	// ID, tenant, target, locale and kinds never change after submission.
	run := rs.run
	ctx, cancel := context.WithCancel(d.baseCtx)
	defer cancel()
	ctx, span := d.tel.StartSpan(ctx, "run",
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrTenant.String(run.Tenant),
	)
	defer span.End()
	defer d.finalize(rs, span)

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case req := <-rs.cancelCh:
		d.cancelled(rs, req.reason)
		req.reply <- nil
		return
	case <-ctx.Done():
		d.cancelled(rs, "dispatcher shutting down")
		return
	}

	d.tel.Metrics.ActiveRuns.Add(ctx, 1)
	defer d.tel.Metrics.ActiveRuns.Add(context.Background(), -1)

	cfg := d.config()
	runTimeout := cfg.Dispatcher.RunTimeout
	deadline := time.NewTimer(runTimeout)
	defer deadline.Stop()

	// interrupt ends the run on a signal every waiting phase listens for.
	interrupt := func(req *cancelRequest, expired, shutdown bool) {
		cancel()
		switch {
		case req != nil:
			d.cancelled(rs, req.reason)
			req.reply <- nil
		case expired:
			d.timedOut(rs, runTimeout)
		case shutdown:
			d.cancelled(rs, "dispatcher shutting down")
		}
	}

	if len(run.Kinds) == 0 {
		d.completed(rs, []analysis.ActionItem{})
		return
	}

	// Crawl once; every worker reads the same result.
	crawlCh := make(chan crawlOutcome, 1)
	go func() {
		res, err := d.fetcher.Fetch(ctx, run.Target)
		crawlCh <- crawlOutcome{result: res, err: err}
	}()
	var crawl *analysis.CrawlResult
	select {
	case out := <-crawlCh:
		if ctx.Err() != nil {
			interrupt(nil, false, true)
			return
		}
		if out.err != nil {
			cause := analysis.NewTaskError(analysis.Classify(out.err), fmt.Errorf("crawl %s: %w", run.Target, out.err), 0)
			d.terminate(rs, analysis.RunFailed, cause, cancelTask("crawl failed"))
			return
		}
		crawl = out.result
	case req := <-rs.cancelCh:
		interrupt(&req, false, false)
		return
	case <-deadline.C:
		interrupt(nil, true, false)
		return
	case <-ctx.Done():
		interrupt(nil, false, true)
		return
	}

	actx := &analysis.AnalysisContext{
		RunID:  run.ID,
		Tenant: run.Tenant,
		Target: run.Target,
		Locale: run.Locale,
		Crawl:  crawl,
	}
	now := d.now()
	rs.mu.Lock()
	if err := rs.run.Advance(analysis.RunRunning, now); err != nil {
		slog.Error("run transition failed", "run", run.ID, "error", err)
	}
	rs.run.Progress = crawlProgress
	runSnap := rs.run.Clone()
	rs.mu.Unlock()
	d.persist.saveRun(runSnap)
	slog.Info("run started", "run", run.ID, "target", run.Target, "status_code", crawl.StatusCode)
	d.publish(run.ID, analysis.EventAgentProgress, map[string]any{
		"stage":    "crawl",
		"status":   "completed",
		"progress": crawlProgress,
	})

	// Fan out: one goroutine per task, results come back over reports.
	reports := make(chan taskReport, len(run.Kinds))
	for _, kind := range run.Kinds {
		w, _ := d.registry.Get(kind)
		wcfg := worker.ConfigFor(cfg, kind, run.Locale)
		timeout := cfg.WorkerTimeout(string(kind))

		rs.mu.Lock()
		t := rs.tasks[kind]
		if err := t.Start(d.now()); err != nil {
			slog.Error("task transition failed", "run", run.ID, "kind", kind, "error", err)
		}
		taskSnap := t.Clone()
		progress := rs.run.Progress
		rs.mu.Unlock()

		d.persist.saveTask(taskSnap)
		slog.Debug("worker started", "run", run.ID, "kind", kind, "timeout", timeout)
		d.publish(run.ID, analysis.EventAgentProgress, map[string]any{
			"kind":     kind,
			"status":   analysis.TaskRunning,
			"progress": progress,
		})
		go d.runTask(ctx, w, actx, wcfg, timeout, reports)
	}

	share := (100 - crawlProgress) / float64(len(run.Kinds))
	for pending := len(run.Kinds); pending > 0; {
		select {
		case rep := <-reports:
			if ctx.Err() != nil {
				// Shutdown raced the report; the worker saw a cancelled context.
				interrupt(nil, false, true)
				return
			}
			pending--
			d.applyReport(ctx, rs, rep, share)
		case req := <-rs.cancelCh:
			interrupt(&req, false, false)
			return
		case <-deadline.C:
			interrupt(nil, true, false)
			return
		case <-ctx.Done():
			interrupt(nil, false, true)
			return
		}
	}

	// Join barrier passed: every task is terminal.
	rs.mu.Lock()
	if err := rs.run.Advance(analysis.RunIntegrating, d.now()); err != nil {
		slog.Error("run transition failed", "run", run.ID, "error", err)
	}
	var insights []*analysis.Insight
	var failed []analysis.WorkerKind
	var firstCause *analysis.TaskError
	for _, k := range run.Kinds {
		t := rs.tasks[k]
		if t.Status == analysis.TaskCompleted {
			insights = append(insights, t.Result)
			continue
		}
		failed = append(failed, k)
		if firstCause == nil {
			firstCause = t.LastError
		}
	}
	rs.run.FailedKinds = failed
	runSnap = rs.run.Clone()
	rs.mu.Unlock()
	d.persist.saveRun(runSnap)

	if len(insights) == 0 {
		kind := analysis.ErrorFatal
		if firstCause != nil {
			kind = firstCause.Kind
		}
		cause := &analysis.TaskError{Kind: kind, Message: fmt.Sprintf("all %d workers failed", len(failed))}
		d.terminate(rs, analysis.RunFailed, cause, nil)
		return
	}

	rule := ruleFor(cfg)
	intCh := make(chan integrationOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				intCh <- integrationOutcome{err: fmt.Errorf("%w: panic: %v", analysis.ErrIntegration, r)}
			}
		}()
		plan, err := integrator.Integrate(insights, rule)
		intCh <- integrationOutcome{plan: plan, err: err}
	}()
	select {
	case out := <-intCh:
		if out.err != nil {
			d.terminate(rs, analysis.RunFailed, analysis.NewTaskError(analysis.ErrorIntegration, out.err, 0), nil)
			return
		}
		d.completed(rs, out.plan)
	case req := <-rs.cancelCh:
		interrupt(&req, false, false)
	case <-deadline.C:
		interrupt(nil, true, false)
	case <-ctx.Done():
		interrupt(nil, false, true)
	}
}

// runTask invokes one worker under its own deadline and always sends exactly
// one report. A result that arrives after the deadline is dropped.
func (d *Dispatcher) runTask(ctx context.Context, w worker.Worker, actx *analysis.AnalysisContext, cfg worker.Config, timeout time.Duration, reports chan<- taskReport) {
	kind := w.Kind()
	ctx, span := d.tel.StartSpan(ctx, "task."+string(kind),
		telemetry.AttrRunID.String(actx.RunID),
		telemetry.AttrKind.String(string(kind)),
	)
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan taskReport, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskReport{kind: kind, err: fmt.Errorf("%w: worker panic: %v", analysis.ErrFatal, r)}
			}
		}()
		in, err := w.Run(tctx, actx, cfg)
		done <- taskReport{kind: kind, insight: in, err: err}
	}()

	var rep taskReport
	select {
	case rep = <-done:
		if rep.err == nil && rep.insight == nil {
			rep.err = fmt.Errorf("%w: worker returned no insight", analysis.ErrFatal)
		}
	case <-tctx.Done():
		rep = taskReport{kind: kind, err: tctx.Err()}
		if ctx.Err() == nil {
			rep.err = &analysis.TaskError{
				Kind:    analysis.ErrorTimeout,
				Message: fmt.Sprintf("no result within %s", timeout),
			}
		}
	}
	if rep.err != nil {
		span.RecordError(rep.err)
	}
	reports <- rep
}

func taskErrorOf(err error) *analysis.TaskError {
	var te *analysis.TaskError
	if errors.As(err, &te) {
		c := *te
		if c.Attempts == 0 {
			c.Attempts = analysis.Attempts(err)
		}
		return &c
	}
	return analysis.NewTaskError(analysis.Classify(err), err, analysis.Attempts(err))
}

func (d *Dispatcher) applyReport(ctx context.Context, rs *runState, rep taskReport, share float64) {
	now := d.now()
	rs.mu.Lock()
	t := rs.tasks[rep.kind]
	if t.Status != analysis.TaskRunning {
		rs.mu.Unlock()
		return
	}
	if rep.err == nil {
		in := rep.insight
		in.RunID, in.Kind = t.RunID, t.Kind
		if in.ProducedAt.IsZero() {
			in.ProducedAt = now.UTC()
		}
		if err := t.Complete(in, 1, now); err != nil {
			slog.Error("task transition failed", "run", t.RunID, "kind", t.Kind, "error", err)
		}
	} else {
		// The worker ran at least once even when its error carries no count.
		cause := taskErrorOf(rep.err)
		cause.Attempts = max(cause.Attempts, 1)
		if err := t.Fail(cause, now); err != nil {
			slog.Error("task transition failed", "run", t.RunID, "kind", t.Kind, "error", err)
		}
	}
	rs.run.Progress += share
	if rs.run.Progress > 100 {
		rs.run.Progress = 100
	}
	taskSnap := t.Clone()
	runSnap := rs.run.Clone()
	rs.mu.Unlock()

	d.persist.saveTask(taskSnap)
	d.persist.saveRun(runSnap)

	dur := taskSnap.Duration()
	d.tel.Metrics.TaskDuration.Record(ctx, dur.Seconds(), metric.WithAttributes(
		telemetry.AttrKind.String(string(taskSnap.Kind)),
		telemetry.AttrOutcome.String(string(taskSnap.Status)),
	))

	payload := map[string]any{
		"kind":        taskSnap.Kind,
		"status":      taskSnap.Status,
		"attempt":     taskSnap.Attempt,
		"duration_ms": dur.Milliseconds(),
		"progress":    runSnap.Progress,
	}
	if taskSnap.LastError != nil {
		payload["error"] = taskSnap.LastError
		slog.Warn("worker failed", "run", taskSnap.RunID, "kind", taskSnap.Kind,
			"error_kind", taskSnap.LastError.Kind, "attempts", taskSnap.Attempt,
			"error", taskSnap.LastError.Message, "duration", dur)
	} else {
		payload["recommendations"] = len(taskSnap.Result.Recommendations)
		slog.Info("worker completed", "run", taskSnap.RunID, "kind", taskSnap.Kind,
			"recommendations", len(taskSnap.Result.Recommendations), "duration", dur)
	}
	d.publish(taskSnap.RunID, analysis.EventAgentCompleted, payload)
}

func cancelTask(reason string) func(*analysis.WorkerTask, time.Time) error {
	return func(t *analysis.WorkerTask, now time.Time) error {
		if err := t.Cancel(now); err != nil {
			return err
		}
		t.LastError = &analysis.TaskError{Kind: analysis.ErrorCancelled, Message: reason}
		return nil
	}
}

func (d *Dispatcher) cancelled(rs *runState, reason string) {
	cause := &analysis.TaskError{Kind: analysis.ErrorCancelled, Message: reason}
	d.terminate(rs, analysis.RunCancelled, cause, cancelTask(reason))
}

func (d *Dispatcher) timedOut(rs *runState, limit time.Duration) {
	cause := &analysis.TaskError{
		Kind:    analysis.ErrorTimeout,
		Message: fmt.Sprintf("run exceeded %s", limit),
	}
	const reason = "run deadline exceeded"
	cancelQueued := cancelTask(reason)
	d.terminate(rs, analysis.RunFailed, cause, func(t *analysis.WorkerTask, now time.Time) error {
		if t.Status == analysis.TaskQueued {
			return cancelQueued(t, now)
		}
		return t.Fail(&analysis.TaskError{Kind: analysis.ErrorTimeout, Message: reason, Attempts: 1}, now)
	})
}

// terminate ends the run with status to. settle is applied to every task
// that has not finished yet.
func (d *Dispatcher) terminate(rs *runState, to analysis.RunStatus, cause *analysis.TaskError, settle func(*analysis.WorkerTask, time.Time) error) {
	now := d.now()
	rs.mu.Lock()
	var settled []*analysis.WorkerTask
	for _, k := range rs.run.Kinds {
		t := rs.tasks[k]
		if t.Status.Terminal() || settle == nil {
			continue
		}
		if err := settle(t, now); err != nil {
			slog.Error("task transition failed", "run", t.RunID, "kind", k, "error", err)
			continue
		}
		settled = append(settled, t.Clone())
	}
	if err := rs.run.Advance(to, now); err != nil {
		slog.Error("run transition failed", "run", rs.run.ID, "error", err)
	}
	rs.run.Error = cause
	runSnap := rs.run.Clone()
	rs.mu.Unlock()

	for _, t := range settled {
		d.persist.saveTask(t)
	}
	d.persist.saveRun(runSnap)

	slog.Warn("run "+string(to), "run", runSnap.ID, "error_kind", cause.Kind, "error", cause.Message)
	d.publish(runSnap.ID, analysis.EventRunError, map[string]any{
		"status":       to,
		"error":        cause,
		"failed_kinds": runSnap.FailedKinds,
	})
}

func (d *Dispatcher) completed(rs *runState, plan []analysis.ActionItem) {
	now := d.now()
	rs.mu.Lock()
	if err := rs.run.Advance(analysis.RunCompleted, now); err != nil {
		slog.Error("run transition failed", "run", rs.run.ID, "error", err)
	}
	rs.plan = plan
	runSnap := rs.run.Clone()
	rs.mu.Unlock()

	d.persist.saveRun(runSnap)
	d.persist.savePlan(runSnap.ID, plan)

	outcome := OutcomeOf(runSnap)
	slog.Info("run completed", "run", runSnap.ID, "outcome", outcome,
		"action_items", len(plan), "failed_kinds", runSnap.FailedKinds)
	d.publish(runSnap.ID, analysis.EventRunCompleted, map[string]any{
		"status":       analysis.RunCompleted,
		"outcome":      outcome,
		"action_items": len(plan),
		"failed_kinds": runSnap.FailedKinds,
	})
}

func (d *Dispatcher) publish(runID string, typ analysis.EventType, payload map[string]any) {
	if _, err := d.publisher.Publish(runID, typ, payload); err != nil {
		slog.Warn("publish progress event failed", "run", runID, "type", typ, "error", err)
	}
}

// finalize runs once the run is terminal: metrics, notification and the
// retention timer.
func (d *Dispatcher) finalize(rs *runState, span trace.Span) {
	st := rs.status()
	span.SetAttributes(telemetry.AttrOutcome.String(string(st.Outcome)))
	d.tel.Metrics.RunsFinished.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrOutcome.String(string(st.Outcome)),
	))

	var elapsed time.Duration
	if st.Run.FinishedAt != nil {
		elapsed = st.Run.FinishedAt.Sub(st.Run.CreatedAt)
	}
	slog.Info("run finished", "run", st.Run.ID, "status", st.Run.Status, "outcome", st.Outcome, "elapsed", elapsed)

	if d.notifier != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			d.notifier.RunFinished(ctx, st)
		}()
	}

	if retention := d.config().Dispatcher.Retention; retention > 0 {
		time.AfterFunc(retention, func() { d.evict(rs) })
	}
}
