package analysis

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunIntegrating RunStatus = "integrating"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending:     {RunRunning, RunFailed, RunCancelled, RunCompleted},
	RunRunning:     {RunIntegrating, RunFailed, RunCancelled},
	RunIntegrating: {RunCompleted, RunFailed, RunCancelled},
}

// Run is one end-to-end analysis request against a target.
type Run struct {
	ID          string       `json:"id"`
	Tenant      string       `json:"tenant"`
	Target      string       `json:"target"`
	Locale      string       `json:"locale,omitempty"`
	Kinds       []WorkerKind `json:"requested_workers"`
	Status      RunStatus    `json:"status"`
	Progress    float64      `json:"progress"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Error       *TaskError   `json:"error,omitempty"`
	FailedKinds []WorkerKind `json:"failed_kinds,omitempty"`
	ScheduleID  string       `json:"schedule_id,omitempty"`
}

// Advance moves the run to status to. Terminal runs never change and
// transitions never regress.
func (r *Run) Advance(to RunStatus, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if !allowed(runTransitions[r.Status], to) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrIllegalTransition, r.ID, r.Status, to)
	}
	r.Status = to
	switch {
	case to == RunRunning:
		t := now
		r.StartedAt = &t
	case to.Terminal():
		t := now
		r.FinishedAt = &t
		if to == RunCompleted {
			r.Progress = 100
		}
	}
	return nil
}

func (r *Run) Clone() *Run {
	c := *r
	c.Kinds = append([]WorkerKind(nil), r.Kinds...)
	c.FailedKinds = append([]WorkerKind(nil), r.FailedKinds...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

func allowed[S comparable](set []S, to S) bool {
	for _, s := range set {
		if s == to {
			return true
		}
	}
	return false
}
