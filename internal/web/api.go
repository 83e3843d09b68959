package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("POST /api/runs", s.startRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/results", s.getRunResults)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("POST /api/runs/{id}/reintegrate", s.reintegrateRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Provider credentials
	mux.HandleFunc("GET /api/credentials/{tenant}", s.listCredentials)
	mux.HandleFunc("PUT /api/credentials/{tenant}/{provider}", s.putCredential)
	mux.HandleFunc("DELETE /api/credentials/{tenant}/{provider}", s.deleteCredential)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var sub dispatcher.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Schedules attach themselves; clients cannot claim one.
	sub.ScheduleID = ""

	id, err := s.runs.StartRun(r.Context(), sub)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	w.Header().Set("Location", "/api/runs/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.URL.Query().Get("tenant"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*analysis.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.runs.Status(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, st)
}

// getRunResults returns the successful insights next to the action plan.
func (s *Server) getRunResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.runs.Status(id)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	insights, err := s.runs.Insights(id)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]any{
		"run":         st.Run,
		"outcome":     st.Outcome,
		"insights":    insights,
		"action_plan": st.ActionPlan,
	})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.CancelRun(id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"id": id, "status": string(analysis.RunCancelled)})
}

func (s *Server) reintegrateRun(w http.ResponseWriter, r *http.Request) {
	plan, err := s.runs.Reintegrate(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	if plan == nil {
		plan = []analysis.ActionItem{}
	}
	jsonResponse(w, map[string]any{"action_plan": plan})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.DeleteRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	byStatus, err := s.store.CountRunsByStatus()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	schedules, _ := s.store.ListSchedules()
	activeSchedules := 0
	for _, sc := range schedules {
		if sc.Status == "active" {
			activeSchedules++
		}
	}

	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":           "ok",
		"active_runs":      s.runs.Active(),
		"runs_by_status":   byStatus,
		"active_schedules": activeSchedules,
		"event_logs":       s.runs.Publisher().Runs(),
		"ws_clients":       s.hub.Clients(),
		"nats":             natsStatus,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

// errorStatus maps dispatcher and input errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrRunFinished),
		errors.Is(err, dispatcher.ErrRunActive),
		errors.Is(err, dispatcher.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
