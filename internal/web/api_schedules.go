package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/crawler"
	"github.com/mtzanidakis/sitescope/internal/schedule"
	"github.com/mtzanidakis/sitescope/internal/store"
)

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleToAPI(sc))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant   string   `json:"tenant"`
		Name     string   `json:"name"`
		Target   string   `json:"target"`
		Kinds    []string `json:"kinds"`
		Locale   string   `json:"locale"`
		Schedule string   `json:"schedule"`
		Enabled  *bool    `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Target == "" || body.Schedule == "" {
		jsonError(w, "name, target, and schedule are required", http.StatusBadRequest)
		return
	}
	target, err := crawler.NormalizeTarget(body.Target)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := analysis.NormalizeKinds(body.Kinds); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sc := store.Schedule{
		ID:       uuid.New().String(),
		Tenant:   body.Tenant,
		Name:     body.Name,
		Target:   target,
		Kinds:    body.Kinds,
		Locale:   body.Locale,
		Schedule: normalized,
		Status:   status,
	}
	if status == "active" {
		sc.NextRunAt = schedule.NextRun(normalized, time.Now())
	}

	if err := s.store.SaveSchedule(&sc); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(scheduleToAPI(sc))
}

// updateSchedule pauses, resumes or reschedules an existing schedule.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	}
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func scheduleToAPI(sc store.Schedule) map[string]any {
	m := map[string]any{
		"id":          sc.ID,
		"tenant":      sc.Tenant,
		"name":        sc.Name,
		"target":      sc.Target,
		"kinds":       sc.Kinds,
		"schedule":    sc.Schedule,
		"description": schedule.Describe(sc.Schedule),
		"status":      sc.Status,
		"created_at":  sc.CreatedAt,
	}
	if sc.Locale != "" {
		m["locale"] = sc.Locale
	}
	if sc.NextRunAt != nil {
		m["next_run_at"] = sc.NextRunAt
	}
	if sc.LastRunAt != nil {
		m["last_run_at"] = sc.LastRunAt
		m["last_run_id"] = sc.LastRunID
		m["last_status"] = sc.LastStatus
	}
	if sc.LastError != "" {
		m["last_error"] = sc.LastError
	}
	return m
}
