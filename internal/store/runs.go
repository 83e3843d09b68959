package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

const runColumns = `id, tenant, target, locale, kinds, status, progress, error, failed_kinds, schedule_id, created_at, started_at, finished_at`

func scanRun(sc scanner) (*analysis.Run, error) {
	r := &analysis.Run{}
	var locale, scheduleID, runErr, failed sql.NullString
	var kinds string
	err := sc.Scan(&r.ID, &r.Tenant, &r.Target, &locale, &kinds, &r.Status, &r.Progress,
		&runErr, &failed, &scheduleID, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.Locale = locale.String
	r.ScheduleID = scheduleID.String
	if err := unmarshalNullable(sql.NullString{String: kinds, Valid: true}, &r.Kinds); err != nil {
		return nil, fmt.Errorf("decode kinds: %w", err)
	}
	if r.Kinds == nil {
		r.Kinds = []analysis.WorkerKind{}
	}
	if err := unmarshalNullable(runErr, &r.Error); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if err := unmarshalNullable(failed, &r.FailedKinds); err != nil {
		return nil, fmt.Errorf("decode failed kinds: %w", err)
	}
	return r, nil
}

// SaveRun inserts or updates a run. A run that is already terminal in the
// database is left unchanged.
func (s *Store) SaveRun(r *analysis.Run) error {
	kinds, err := marshalJSON(r.Kinds)
	if err != nil {
		return fmt.Errorf("encode kinds: %w", err)
	}
	var runErr, failed *string
	if r.Error != nil {
		v, err := marshalJSON(r.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		runErr = &v
	}
	if len(r.FailedKinds) > 0 {
		v, err := marshalJSON(r.FailedKinds)
		if err != nil {
			return fmt.Errorf("encode failed kinds: %w", err)
		}
		failed = &v
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			error = excluded.error,
			failed_kinds = excluded.failed_kinds,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
		WHERE runs.status NOT IN ('completed', 'failed', 'cancelled')`,
		r.ID, r.Tenant, r.Target, r.Locale, kinds, r.Status, r.Progress, runErr, failed,
		r.ScheduleID, r.CreatedAt.UTC(), utcPtr(r.StartedAt), utcPtr(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*analysis.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the newest runs first. An empty tenant lists all tenants.
func (s *Store) ListRuns(tenant string, limit int) ([]analysis.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if tenant == "" {
		rows, err = s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+runColumns+` FROM runs WHERE tenant = ? ORDER BY created_at DESC LIMIT ?`, tenant, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []analysis.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run with its tasks, insights and plan.
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM action_plans WHERE run_id = ?`,
		`DELETE FROM insights WHERE run_id = ?`,
		`DELETE FROM worker_tasks WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	return tx.Commit()
}

// FailInterrupted marks runs left non-terminal by a previous process as
// failed. It returns how many runs were updated.
func (s *Store) FailInterrupted(now time.Time) (int, error) {
	cause, err := marshalJSON(&analysis.TaskError{Kind: analysis.ErrorCancelled, Message: "interrupted by restart"})
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'failed', error = ?, finished_at = ?
		WHERE status IN ('pending', 'running', 'integrating')`, cause, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	if _, err := s.db.Exec(`
		UPDATE worker_tasks SET status = 'cancelled', finished_at = ?
		WHERE status IN ('queued', 'running')`, now.UTC()); err != nil {
		return 0, fmt.Errorf("cancel interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountRunsByStatus returns how many runs are in each status.
func (s *Store) CountRunsByStatus() (map[analysis.RunStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[analysis.RunStatus]int)
	for rows.Next() {
		var st analysis.RunStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
