package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string) *analysis.Run {
	return &analysis.Run{
		ID:        id,
		Tenant:    "acme",
		Target:    "https://acme.test",
		Locale:    "en",
		Kinds:     []analysis.WorkerKind{analysis.KindKeyword, analysis.KindTechnical},
		Status:    analysis.RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)

	r := sampleRun("r1")
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Tenant != "acme" || got.Status != analysis.RunPending || len(got.Kinds) != 2 {
		t.Errorf("unexpected run %+v", got)
	}

	now := time.Now()
	_ = r.Advance(analysis.RunRunning, now)
	_ = r.Advance(analysis.RunIntegrating, now)
	_ = r.Advance(analysis.RunCompleted, now)
	r.FailedKinds = []analysis.WorkerKind{analysis.KindTechnical}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ = s.GetRun("r1")
	if got.Status != analysis.RunCompleted || got.FinishedAt == nil || got.Progress != 100 {
		t.Errorf("expected completed run, got %+v", got)
	}
	if len(got.FailedKinds) != 1 || got.FailedKinds[0] != analysis.KindTechnical {
		t.Errorf("failed kinds not stored: %v", got.FailedKinds)
	}

	// Terminal rows are immutable.
	r.Status = analysis.RunFailed
	_ = s.SaveRun(r)
	got, _ = s.GetRun("r1")
	if got.Status != analysis.RunCompleted {
		t.Errorf("terminal run was overwritten: %s", got.Status)
	}

	// Not found
	got, err = s.GetRun("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent run")
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		r := sampleRun(id)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if id == "c" {
			r.Tenant = "other"
		}
		_ = s.SaveRun(r)
	}

	all, err := s.ListRuns("", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("expected newest first, got %v", all)
	}

	acme, _ := s.ListRuns("acme", 10)
	if len(acme) != 2 {
		t.Errorf("expected 2 acme runs, got %d", len(acme))
	}

	counts, err := s.CountRunsByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[analysis.RunPending] != 3 {
		t.Errorf("expected 3 pending, got %v", counts)
	}
}

func TestTasksAndInsights(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(sampleRun("r1"))

	now := time.Now()
	tech := analysis.NewTask("r1", analysis.KindTechnical)
	kw := analysis.NewTask("r1", analysis.KindKeyword)
	_ = tech.Start(now)
	_ = tech.Fail(&analysis.TaskError{Kind: analysis.ErrorTransient, Message: "503", Attempts: 3}, now)
	_ = kw.Start(now)

	in := &analysis.Insight{
		RunID:           "r1",
		Kind:            analysis.KindKeyword,
		Summary:         map[string]any{"words": 12},
		Recommendations: []analysis.Recommendation{{Category: "keywords", Title: "X", Impact: 4, Effort: 2}},
		ProducedAt:      now,
	}
	_ = kw.Complete(in, 1, now)

	for _, task := range []*analysis.WorkerTask{tech, kw} {
		if err := s.SaveTask(task); err != nil {
			t.Fatalf("save task: %v", err)
		}
	}
	if err := s.SaveInsight(in); err != nil {
		t.Fatalf("save insight: %v", err)
	}

	tasks, err := s.ListTasks("r1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Kind != analysis.KindKeyword {
		t.Fatalf("expected keyword first, got %+v", tasks)
	}
	if tasks[0].Result == nil || len(tasks[0].Result.Recommendations) != 1 {
		t.Errorf("insight not attached: %+v", tasks[0])
	}
	if tasks[1].Status != analysis.TaskFailed || tasks[1].LastError == nil || tasks[1].LastError.Attempts != 3 {
		t.Errorf("unexpected technical task %+v", tasks[1])
	}
	if tasks[1].Attempt != 3 {
		t.Errorf("expected attempt 3, got %d", tasks[1].Attempt)
	}
}

func TestActionPlan(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(sampleRun("r1"))

	plan, err := s.GetActionPlan("r1")
	if err != nil || plan != nil {
		t.Fatalf("expected nil plan, got %v, %v", plan, err)
	}

	items := []analysis.ActionItem{{ID: "keyword-1", Category: "keywords", Impact: 4, Effort: 2, Priority: 3, Title: "X", Source: analysis.KindKeyword}}
	if err := s.SaveActionPlan("r1", items); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	plan, _ = s.GetActionPlan("r1")
	if len(plan) != 1 || plan[0].Priority != 3 {
		t.Errorf("unexpected plan %v", plan)
	}

	if err := s.SaveActionPlan("r1", nil); err != nil {
		t.Fatalf("replace plan: %v", err)
	}
	plan, _ = s.GetActionPlan("r1")
	if plan == nil || len(plan) != 0 {
		t.Errorf("expected empty non-nil plan, got %#v", plan)
	}
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(sampleRun("r1"))
	_ = s.SaveTask(analysis.NewTask("r1", analysis.KindLink))
	_ = s.SaveActionPlan("r1", nil)

	if err := s.DeleteRun("r1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if r, _ := s.GetRun("r1"); r != nil {
		t.Error("run still present")
	}
	if tasks, _ := s.ListTasks("r1"); len(tasks) != 0 {
		t.Errorf("tasks still present: %v", tasks)
	}
}

func TestFailInterrupted(t *testing.T) {
	s := newTestStore(t)
	running := sampleRun("r1")
	_ = running.Advance(analysis.RunRunning, time.Now())
	_ = s.SaveRun(running)
	_ = s.SaveTask(analysis.NewTask("r1", analysis.KindLink))

	done := sampleRun("r2")
	_ = done.Advance(analysis.RunCancelled, time.Now())
	_ = s.SaveRun(done)

	n, err := s.FailInterrupted(time.Now())
	if err != nil {
		t.Fatalf("fail interrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 interrupted run, got %d", n)
	}
	r, _ := s.GetRun("r1")
	if r.Status != analysis.RunFailed || r.Error == nil {
		t.Errorf("expected failed run with cause, got %+v", r)
	}
	tasks, _ := s.ListTasks("r1")
	if tasks[0].Status != analysis.TaskCancelled {
		t.Errorf("expected cancelled task, got %s", tasks[0].Status)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &Schedule{ID: "s1", Tenant: "acme", Name: "daily", Target: "acme.test",
		Kinds: []string{"keyword"}, Schedule: `{"kind":"interval","interval_ms":60000}`, NextRunAt: &past}
	later := &Schedule{ID: "s2", Tenant: "acme", Name: "weekly", Target: "acme.test",
		Kinds: []string{"link"}, Schedule: `{"kind":"cron","cron_expr":"0 9 * * 1"}`, NextRunAt: &future}
	for _, sc := range []*Schedule{due, later} {
		if err := s.SaveSchedule(sc); err != nil {
			t.Fatalf("save schedule: %v", err)
		}
	}

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v %v", got, err)
	}
	if got.Status != "active" || len(got.Kinds) != 1 || got.Kinds[0] != "keyword" {
		t.Errorf("unexpected schedule %+v", got)
	}

	dueList, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(dueList) != 1 || dueList[0].ID != "s1" {
		t.Errorf("expected only s1 due, got %v", dueList)
	}

	next := time.Now().Add(time.Minute)
	if err := s.UpdateScheduleRun("s1", "run-9", "started", "", &next); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ = s.GetSchedule("s1")
	if got.LastRunID != "run-9" || got.LastRunAt == nil {
		t.Errorf("run not recorded: %+v", got)
	}

	_ = s.UpdateScheduleStatus("s2", "paused")
	_ = s.DeleteSchedule("s1")
	all, _ := s.ListSchedules()
	if len(all) != 1 || all[0].Status != "paused" {
		t.Errorf("unexpected schedules %v", all)
	}
}

func TestCredentials(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveCredential(&Credential{Tenant: "acme", Provider: "serp", Value: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	_ = s.SaveCredential(&Credential{Tenant: "acme", Provider: "serp", Value: []byte{9}})

	c, err := s.GetCredential("acme", "serp")
	if err != nil || c == nil {
		t.Fatalf("get credential: %v %v", c, err)
	}
	if len(c.Value) != 1 || c.Value[0] != 9 {
		t.Errorf("expected updated value, got %v", c.Value)
	}

	if c, _ := s.GetCredential("acme", "llm"); c != nil {
		t.Error("expected nil for missing credential")
	}

	list, _ := s.ListCredentials("acme")
	if len(list) != 1 || list[0].Value != nil {
		t.Errorf("unexpected list %v", list)
	}

	_ = s.DeleteCredential("acme", "serp")
	if c, _ := s.GetCredential("acme", "serp"); c != nil {
		t.Error("credential not deleted")
	}
}
