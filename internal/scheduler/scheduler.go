// Package scheduler turns due schedules into analysis runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/mtzanidakis/sitescope/internal/schedule"
	"github.com/mtzanidakis/sitescope/internal/store"
)

// Starter launches runs. *dispatcher.Dispatcher satisfies it.
type Starter interface {
	StartRun(ctx context.Context, sub dispatcher.Submission) (string, error)
}

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	GetDueSchedules(now time.Time) ([]store.Schedule, error)
	UpdateScheduleRun(id, runID, lastStatus, lastError string, nextRunAt *time.Time) error
	UpdateScheduleStatus(id, status string) error
}

// Event is published on natsbus.TopicScheduleEvents after every trigger.
type Event struct {
	Type       string    `json:"type"`
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	RunID      string    `json:"run_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

type Scheduler struct {
	store  Store
	runs   Starter
	client *natsbus.Client
	now    func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// New builds a scheduler. client may be nil, in which case trigger events are
// not published.
func New(s Store, runs Starter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runs:         runs,
		client:       client,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig swaps the poll interval and signals the run loop to reset its
// ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll triggers every schedule that is due now.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, sc)
	}
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule) {
	slog.Info("triggering schedule", "id", sc.ID, "name", sc.Name, "target", sc.Target)

	runID, err := s.runs.StartRun(ctx, dispatcher.Submission{
		Tenant:     sc.Tenant,
		Target:     sc.Target,
		Kinds:      sc.Kinds,
		Locale:     sc.Locale,
		ScheduleID: sc.ID,
	})

	lastStatus, lastError := "started", ""
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled run rejected", "id", sc.ID, "error", err)
	}

	next := schedule.NextRun(sc.Schedule, s.now())
	if err := s.store.UpdateScheduleRun(sc.ID, runID, lastStatus, lastError, next); err != nil {
		slog.Error("failed to update schedule run", "id", sc.ID, "error", err)
	}

	if next == nil {
		slog.Info("schedule exhausted, marking completed", "id", sc.ID, "name", sc.Name)
		if err := s.store.UpdateScheduleStatus(sc.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sc.ID, "error", err)
		}
	}

	s.publish(Event{
		Type:       "schedule_triggered",
		ScheduleID: sc.ID,
		Name:       sc.Name,
		RunID:      runID,
		Status:     lastStatus,
		Error:      lastError,
		Time:       s.now().UTC(),
	})
}

func (s *Scheduler) publish(ev Event) {
	if s.client == nil {
		return
	}
	if err := s.client.PublishJSON(natsbus.TopicScheduleEvents(ev.ScheduleID), ev); err != nil {
		slog.Warn("failed to publish schedule event", "id", ev.ScheduleID, "error", err)
	}
}
