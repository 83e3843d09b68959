package analysis

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// WorkerTask is the execution record of one worker within one run, keyed by
// (RunID, Kind).
type WorkerTask struct {
	RunID      string     `json:"run_id"`
	Kind       WorkerKind `json:"kind"`
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	LastError  *TaskError `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Insight   `json:"result,omitempty"`
}

func NewTask(runID string, kind WorkerKind) *WorkerTask {
	return &WorkerTask{RunID: runID, Kind: kind, Status: TaskQueued}
}

func (t *WorkerTask) advance(to TaskStatus, now time.Time) error {
	if !allowed(taskTransitions[t.Status], to) {
		return fmt.Errorf("%w: task %s/%s %s -> %s", ErrIllegalTransition, t.RunID, t.Kind, t.Status, to)
	}
	t.Status = to
	ts := now
	if to == TaskRunning {
		t.StartedAt = &ts
	} else {
		t.FinishedAt = &ts
	}
	return nil
}

func (t *WorkerTask) Start(now time.Time) error {
	return t.advance(TaskRunning, now)
}

// Complete attaches the insight and marks the task completed.
func (t *WorkerTask) Complete(in *Insight, attempts int, now time.Time) error {
	if err := t.advance(TaskCompleted, now); err != nil {
		return err
	}
	t.Result = in
	t.Attempt = attempts
	return nil
}

func (t *WorkerTask) Fail(cause *TaskError, now time.Time) error {
	if err := t.advance(TaskFailed, now); err != nil {
		return err
	}
	t.LastError = cause
	if cause != nil && cause.Attempts > 0 {
		t.Attempt = cause.Attempts
	}
	return nil
}

func (t *WorkerTask) Cancel(now time.Time) error {
	if err := t.advance(TaskCancelled, now); err != nil {
		return err
	}
	t.LastError = &TaskError{Kind: ErrorCancelled, Message: "run cancelled"}
	return nil
}

// Duration is the wall time spent running, zero if the task never ran.
func (t *WorkerTask) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

func (t *WorkerTask) Clone() *WorkerTask {
	c := *t
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	return &c
}
