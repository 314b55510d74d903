package scheduler_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"caseline/internal/audit"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/scheduler"
	"caseline/internal/tenant"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Worker *scheduler.Worker
	Ctx    context.Context
	P      tenant.Principal
	Clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	env := &testEnv{DB: conn, Repo: r, Ctx: context.Background(), Clock: fixedNow}
	now := func() time.Time { return env.Clock }
	env.Audit = audit.Writer{DB: conn, Now: now}
	env.Worker = &scheduler.Worker{DB: conn, Repo: r, Audit: env.Audit, Now: now}
	env.P = tenant.Principal{UserID: "admin-1", OrgID: "org-1", Role: "Admin", Source: "test"}
	if err := r.InsertOrganization(env.Ctx, domain.Organization{
		ID: "org-1", Name: "org-1", CreatedAt: fixedNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	return env
}

func (env *testEnv) task(t *testing.T, id string) domain.ScheduledTask {
	t.Helper()
	task, err := env.Repo.GetScheduledTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get scheduled task: %v", err)
	}
	return task
}

func (env *testEnv) onlyTask(t *testing.T) domain.ScheduledTask {
	t.Helper()
	tasks, err := env.Repo.ListScheduledTasks(env.Ctx, env.P, "", 0)
	if err != nil {
		t.Fatalf("list scheduled tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	return tasks[0]
}

func TestEnqueueDedupes(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"approval_id": "a-1"}
	ok, err := env.Worker.Enqueue(env.Ctx, "org-1", "approval_timeout", payload, fixedNow.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = env.Worker.Enqueue(env.Ctx, "org-1", "approval_timeout", payload, fixedNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if ok {
		t.Fatalf("duplicate payload enqueued")
	}
	ok, err = env.Worker.Enqueue(env.Ctx, "org-1", "approval_timeout", map[string]any{"approval_id": "a-2"}, fixedNow.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("distinct payload rejected: ok=%v err=%v", ok, err)
	}
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "", nil, fixedNow); err == nil {
		t.Fatalf("empty task kind accepted")
	}
}

func TestRunOnceExecutesDueTasks(t *testing.T) {
	env := newTestEnv(t)
	var got []string
	env.Worker.Register("ping", func(_ context.Context, orgID string, payload map[string]any) error {
		got = append(got, orgID+":"+payload["target"].(string))
		return nil
	})
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "ping", map[string]any{"target": "x"}, fixedNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "ping", map[string]any{"target": "later"}, fixedNow.Add(time.Hour)); err != nil {
		t.Fatalf("enqueue future: %v", err)
	}

	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(got) != 1 || got[0] != "org-1:x" {
		t.Fatalf("handler calls = %v", got)
	}
	done, _ := env.Repo.ListScheduledTasks(env.Ctx, env.P, domain.ScheduledDone, 0)
	if len(done) != 1 || done[0].ExecutedAt == nil {
		t.Fatalf("done tasks: %+v", done)
	}
	pending, _ := env.Repo.ListScheduledTasks(env.Ctx, env.P, domain.ScheduledPending, 0)
	if len(pending) != 1 {
		t.Fatalf("future task should stay pending: %+v", pending)
	}
}

func TestFailedTaskRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.Worker.BackoffBase = time.Minute
	env.Worker.Register("flaky", func(context.Context, string, map[string]any) error {
		return errors.New("downstream unavailable")
	})
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "flaky", nil, fixedNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task := env.onlyTask(t)
	if task.Status != domain.ScheduledPending || task.Attempts != 1 {
		t.Fatalf("after first failure: %+v", task)
	}
	if task.ScheduledFor != fixedNow.Add(time.Minute).Format(time.RFC3339) {
		t.Fatalf("retry at %s", task.ScheduledFor)
	}

	// Not due yet: nothing happens.
	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := env.task(t, task.ID); got.Attempts != 1 {
		t.Fatalf("retried early: %+v", got)
	}

	// Second failure doubles the delay.
	env.Clock = fixedNow.Add(2 * time.Minute)
	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := env.task(t, task.ID)
	if got.Attempts != 2 || got.Status != domain.ScheduledPending {
		t.Fatalf("after second failure: %+v", got)
	}
	if got.ScheduledFor != env.Clock.Add(2*time.Minute).Format(time.RFC3339) {
		t.Fatalf("second retry at %s", got.ScheduledFor)
	}
}

func TestMaxAttemptsFailsTask(t *testing.T) {
	env := newTestEnv(t)
	env.Worker.BackoffBase = time.Minute
	env.Worker.MaxAttempts = 2
	env.Worker.Register("flaky", func(context.Context, string, map[string]any) error {
		return errors.New("still broken")
	})
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "flaky", nil, fixedNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	env.Clock = fixedNow.Add(5 * time.Minute)
	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	task := env.onlyTask(t)
	if task.Status != domain.ScheduledFailed {
		t.Fatalf("status = %s, want Failed", task.Status)
	}
	entries, err := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: audit.ActionTaskFailed})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("task:failed entries = %d", len(entries))
	}
}

func TestUnknownTaskKindFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "nobody_home", nil, fixedNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task := env.onlyTask(t)
	if task.Status != domain.ScheduledFailed {
		t.Fatalf("status = %s, want Failed", task.Status)
	}
	entries, _ := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: audit.ActionTaskFailed})
	if len(entries) != 1 {
		t.Fatalf("task:failed entries = %d", len(entries))
	}
}

func TestStalePendingTaskRefused(t *testing.T) {
	env := newTestEnv(t)
	var ran []any
	env.Worker.Register("slow", func(_ context.Context, _ string, payload map[string]any) error {
		ran = append(ran, payload["n"])
		return nil
	})
	// One task long past due, one merely overdue. Only the fresh one may run.
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "slow", map[string]any{"n": 1}, fixedNow.Add(-49*time.Hour)); err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	if _, err := env.Worker.Enqueue(env.Ctx, "org-1", "slow", map[string]any{"n": 2}, fixedNow.Add(-time.Hour)); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(ran) != 1 || ran[0] != float64(2) {
		t.Fatalf("handler calls = %v, want only the fresh task", ran)
	}
	entries, err := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: audit.ActionTaskStale})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("task:stale entries = %d", len(entries))
	}
	pending, _ := env.Repo.ListScheduledTasks(env.Ctx, env.P, domain.ScheduledPending, 0)
	if len(pending) != 1 || pending[0].Result != "stale" {
		t.Fatalf("stale marker missing: %+v", pending)
	}

	// Another poll neither runs nor re-audits the stale task.
	if err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(ran) != 1 {
		t.Fatalf("stale task executed on second poll: %v", ran)
	}
	entries, _ = env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: audit.ActionTaskStale})
	if len(entries) != 1 {
		t.Fatalf("task:stale entries after second poll = %d", len(entries))
	}
}
