package store

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// SaveTask upserts a worker task record. The insight is stored separately
// by SaveInsight.
func (s *Store) SaveTask(t *analysis.WorkerTask) error {
	var lastErr *string
	if t.LastError != nil {
		v, err := marshalJSON(t.LastError)
		if err != nil {
			return fmt.Errorf("encode task error: %w", err)
		}
		lastErr = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO worker_tasks (run_id, kind, status, attempt, last_error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, kind) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		t.RunID, t.Kind, t.Status, t.Attempt, lastErr, utcPtr(t.StartedAt), utcPtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListTasks returns the tasks of a run with their insights attached.
func (s *Store) ListTasks(runID string) ([]analysis.WorkerTask, error) {
	rows, err := s.db.Query(`
		SELECT run_id, kind, status, attempt, last_error, started_at, finished_at
		FROM worker_tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []analysis.WorkerTask
	for rows.Next() {
		t := analysis.WorkerTask{}
		var lastErr sql.NullString
		if err := rows.Scan(&t.RunID, &t.Kind, &t.Status, &t.Attempt, &lastErr, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := unmarshalNullable(lastErr, &t.LastError); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	insights, err := s.ListInsights(runID)
	if err != nil {
		return nil, err
	}
	byKind := make(map[analysis.WorkerKind]*analysis.Insight, len(insights))
	for i := range insights {
		byKind[insights[i].Kind] = &insights[i]
	}
	for i := range tasks {
		tasks[i].Result = byKind[tasks[i].Kind]
	}

	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []analysis.WorkerTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Kind.Rank() < tasks[j].Kind.Rank()
	})
}
