package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a recurring analysis of one target.
type Schedule struct {
	ID         string     `json:"id"`
	Tenant     string     `json:"tenant"`
	Name       string     `json:"name"`
	Target     string     `json:"target"`
	Kinds      []string   `json:"kinds"`
	Locale     string     `json:"locale,omitempty"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, tenant, name, target, kinds, locale, schedule, status,
	next_run_at, last_run_at, last_run_id, last_status, last_error, created_at`

func scanSchedule(sc scanner) (*Schedule, error) {
	s := &Schedule{}
	var kinds string
	var locale, lastRunID, lastStatus, lastError sql.NullString
	err := sc.Scan(&s.ID, &s.Tenant, &s.Name, &s.Target, &kinds, &locale, &s.Schedule, &s.Status,
		&s.NextRunAt, &s.LastRunAt, &lastRunID, &lastStatus, &lastError, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalNullable(sql.NullString{String: kinds, Valid: true}, &s.Kinds); err != nil {
		return nil, fmt.Errorf("decode kinds: %w", err)
	}
	s.Locale = locale.String
	s.LastRunID = lastRunID.String
	s.LastStatus = lastStatus.String
	s.LastError = lastError.String
	return s, nil
}

func (s *Store) SaveSchedule(sc *Schedule) error {
	kinds, err := marshalJSON(sc.Kinds)
	if err != nil {
		return fmt.Errorf("encode kinds: %w", err)
	}
	if sc.Status == "" {
		sc.Status = "active"
	}
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, tenant, name, target, kinds, locale, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target = excluded.target,
			kinds = excluded.kinds,
			locale = excluded.locale,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Tenant, sc.Name, sc.Target, kinds, sc.Locale, sc.Schedule, sc.Status, utcPtr(sc.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`)
}

// GetDueSchedules returns active schedules whose next run is at or before now.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a trigger outcome and the next due time.
func (s *Store) UpdateScheduleRun(id, runID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_run_id = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), runID, lastStatus, lastError, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
