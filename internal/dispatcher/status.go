package dispatcher

import (
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Outcome summarizes how a run ended from the caller's point of view.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeDegraded   Outcome = "degraded"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeInProgress Outcome = "in_progress"
)

// OutcomeOf derives the outcome of r. A completed run with failed kinds is
// degraded.
func OutcomeOf(r *analysis.Run) Outcome {
	switch r.Status {
	case analysis.RunCompleted:
		if len(r.FailedKinds) > 0 {
			return OutcomeDegraded
		}
		return OutcomeSucceeded
	case analysis.RunFailed:
		return OutcomeFailed
	case analysis.RunCancelled:
		return OutcomeCancelled
	default:
		return OutcomeInProgress
	}
}

// TaskView is the externally visible state of one worker task.
type TaskView struct {
	Kind            analysis.WorkerKind `json:"kind"`
	Status          analysis.TaskStatus `json:"status"`
	Attempt         int                 `json:"attempt"`
	Error           *analysis.TaskError `json:"error,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	DurationMs      int64               `json:"duration_ms"`
	Recommendations int                 `json:"recommendations"`
}

func viewOf(t *analysis.WorkerTask) TaskView {
	v := TaskView{
		Kind:       t.Kind,
		Status:     t.Status,
		Attempt:    t.Attempt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		DurationMs: t.Duration().Milliseconds(),
	}
	if t.LastError != nil {
		e := *t.LastError
		v.Error = &e
	}
	if t.Result != nil {
		v.Recommendations = len(t.Result.Recommendations)
	}
	return v
}

// RunStatus is a point-in-time snapshot of a run.
type RunStatus struct {
	Run        *analysis.Run                             `json:"run"`
	PerWorker  map[analysis.WorkerKind]TaskView          `json:"per_worker"`
	ActionPlan []analysis.ActionItem                     `json:"action_plan,omitempty"`
	Outcome    Outcome                                   `json:"outcome"`
	Insights   map[analysis.WorkerKind]*analysis.Insight `json:"-"`
}

func buildStatus(run *analysis.Run, tasks []*analysis.WorkerTask, plan []analysis.ActionItem) *RunStatus {
	st := &RunStatus{
		Run:       run,
		PerWorker: make(map[analysis.WorkerKind]TaskView, len(tasks)),
		Outcome:   OutcomeOf(run),
		Insights:  make(map[analysis.WorkerKind]*analysis.Insight),
	}
	for _, t := range tasks {
		st.PerWorker[t.Kind] = viewOf(t)
		if t.Result != nil {
			st.Insights[t.Kind] = t.Result
		}
	}
	if plan != nil {
		st.ActionPlan = append([]analysis.ActionItem{}, plan...)
	}
	return st
}
