package store

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

func (s *Store) SaveInsight(in *analysis.Insight) error {
	summary, err := marshalJSON(in.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	recs, err := marshalJSON(in.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO insights (run_id, kind, summary, recommendations, produced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, kind) DO NOTHING`,
		in.RunID, in.Kind, summary, recs, in.ProducedAt.UTC())
	if err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// ListInsights returns a run's insights in canonical kind order.
func (s *Store) ListInsights(runID string) ([]analysis.Insight, error) {
	rows, err := s.db.Query(`
		SELECT run_id, kind, summary, recommendations, produced_at
		FROM insights WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []analysis.Insight
	for rows.Next() {
		var in analysis.Insight
		var summary sql.NullString
		var recs string
		if err := rows.Scan(&in.RunID, &in.Kind, &summary, &recs, &in.ProducedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		if err := unmarshalNullable(summary, &in.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		if err := unmarshalNullable(sql.NullString{String: recs, Valid: true}, &in.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind.Rank() < out[j].Kind.Rank()
	})
	return out, nil
}

// SaveActionPlan stores (or replaces, on re-integration) a run's plan.
func (s *Store) SaveActionPlan(runID string, items []analysis.ActionItem) error {
	if items == nil {
		items = []analysis.ActionItem{}
	}
	data, err := marshalJSON(items)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO action_plans (run_id, items) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET items = excluded.items, created_at = CURRENT_TIMESTAMP`,
		runID, data)
	if err != nil {
		return fmt.Errorf("save action plan: %w", err)
	}
	return nil
}

// GetActionPlan returns nil, nil when the run has no plan.
func (s *Store) GetActionPlan(runID string) ([]analysis.ActionItem, error) {
	var raw string
	err := s.db.QueryRow(`SELECT items FROM action_plans WHERE run_id = ?`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action plan: %w", err)
	}
	items := []analysis.ActionItem{}
	if err := unmarshalNullable(sql.NullString{String: raw, Valid: true}, &items); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return items, nil
}
