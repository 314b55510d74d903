// Package scheduler runs deferred work: a polling worker drains the
// scheduled_tasks queue with per-task retry backoff, and cron entries drive
// the recurring jobs (triage sweeps, notification batch flushes).
package scheduler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"caseline/internal/audit"
	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

// HandlerFunc executes one claimed task. The payload is the decoded
// context_json the task was enqueued with.
type HandlerFunc func(ctx context.Context, orgID string, payload map[string]any) error

type Worker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Logger *slog.Logger
	Now    func() time.Time

	Tick        time.Duration // poll interval, default 30s
	BatchSize   int           // tasks claimed per poll, default 25
	MaxAttempts int           // before a task is marked Failed, default 6
	BackoffBase time.Duration // first retry delay, default 30s
	BackoffCap  time.Duration // retry delay ceiling, default 30m
	StaleAfter  time.Duration // pending past due before flagged, default 24h

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	cron     *cron.Cron
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) tick() time.Duration {
	if w.Tick > 0 {
		return w.Tick
	}
	return 30 * time.Second
}

func (w *Worker) batchSize() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return 25
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return 6
}

func (w *Worker) staleAfter() time.Duration {
	if w.StaleAfter > 0 {
		return w.StaleAfter
	}
	return 24 * time.Hour
}

// Register binds a handler to a task kind. Claimed tasks with no handler are
// failed immediately.
func (w *Worker) Register(taskKind string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handlers == nil {
		w.handlers = map[string]HandlerFunc{}
	}
	w.handlers[taskKind] = fn
}

func (w *Worker) handler(taskKind string) HandlerFunc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[taskKind]
}

// Enqueue schedules a task, deduplicating against open tasks with the same
// kind and payload. Returns false when such a task is already queued.
func (w *Worker) Enqueue(ctx context.Context, orgID, taskKind string, payload map[string]any, runAt time.Time) (bool, error) {
	if taskKind == "" {
		return false, tenant.InvalidError{Field: "task_kind", Msg: "task kind is required"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256([]byte(taskKind + "|" + string(data)))
	now := w.now().UTC().Format(time.RFC3339)
	return w.Repo.InsertScheduledTask(ctx, nil, domain.ScheduledTask{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		TaskKind:     taskKind,
		ContextHash:  hex.EncodeToString(sum[:]),
		ContextJSON:  string(data),
		ScheduledFor: runAt.UTC().Format(time.RFC3339),
		Status:       domain.ScheduledPending,
		CreatedAt:    now,
	})
}

// AddCron registers a recurring job. Specs use the standard five-field cron
// format plus @every descriptors.
func (w *Worker) AddCron(spec string, job func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron == nil {
		w.cron = cron.New()
	}
	_, err := w.cron.AddFunc(spec, job)
	return err
}

// Run polls the queue until the context is cancelled, starting any registered
// cron entries alongside.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.mu.Unlock()
	if c != nil {
		c.Start()
		defer c.Stop()
	}

	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()
	w.logger().InfoContext(ctx, "scheduler running", "tick", w.tick().String())
	for {
		if err := w.RunOnce(ctx); err != nil {
			w.logger().ErrorContext(ctx, "scheduler poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes one batch of due tasks, then flags stale work.
// Tasks more than StaleAfter past due are never claimed; they go through the
// stale sweep instead.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.now().UTC()
	staleCutoff := now.Add(-w.staleAfter()).Format(time.RFC3339)
	claimed, err := w.Repo.ClaimDueTasks(ctx, now.Format(time.RFC3339), staleCutoff, w.batchSize())
	if err != nil {
		return err
	}
	for _, task := range claimed {
		w.execute(ctx, task)
	}
	return w.sweepStale(ctx, now)
}

func (w *Worker) execute(ctx context.Context, task domain.ScheduledTask) {
	fn := w.handler(task.TaskKind)
	if fn == nil {
		w.fail(ctx, task, fmt.Sprintf("no handler for task kind %q", task.TaskKind))
		return
	}
	var payload map[string]any
	if task.ContextJSON != "" {
		if err := json.Unmarshal([]byte(task.ContextJSON), &payload); err != nil {
			w.fail(ctx, task, "invalid context: "+err.Error())
			return
		}
	}

	err := fn(ctx, task.OrgID, payload)
	now := w.now().UTC()
	if err == nil {
		if ferr := w.Repo.FinishScheduledTask(ctx, task.ID, domain.ScheduledDone, now.Format(time.RFC3339), ""); ferr != nil {
			w.logger().ErrorContext(ctx, "finish task failed", "id", task.ID, "err", ferr)
		}
		return
	}

	herr := tenant.HandlerError{TaskKind: task.TaskKind, Err: err}
	attempts := task.Attempts + 1
	if attempts >= w.maxAttempts() {
		w.fail(ctx, task, herr.Error())
		return
	}
	retryAt := now.Add(w.backoff(attempts)).Format(time.RFC3339)
	w.logger().WarnContext(ctx, "task failed, rescheduling",
		"id", task.ID, "kind", task.TaskKind, "attempt", attempts, "retry_at", retryAt, "err", err)
	if rerr := w.Repo.RescheduleTask(ctx, task.ID, retryAt, herr.Error(), attempts); rerr != nil {
		w.logger().ErrorContext(ctx, "reschedule failed", "id", task.ID, "err", rerr)
	}
}

func (w *Worker) fail(ctx context.Context, task domain.ScheduledTask, result string) {
	now := w.now().UTC().Format(time.RFC3339)
	w.logger().ErrorContext(ctx, "task failed permanently", "id", task.ID, "kind", task.TaskKind, "result", result)
	if err := w.Repo.FinishScheduledTask(ctx, task.ID, domain.ScheduledFailed, now, result); err != nil {
		w.logger().ErrorContext(ctx, "finish task failed", "id", task.ID, "err", err)
	}
	if err := w.Audit.Record(ctx, nil, audit.Entry{
		OrgID: task.OrgID, Action: audit.ActionTaskFailed,
		TargetKind: "scheduled_task", TargetID: task.ID,
		Details: map[string]any{"task_kind": task.TaskKind, "attempts": task.Attempts, "result": result},
	}); err != nil {
		w.logger().ErrorContext(ctx, "audit task failure", "id", task.ID, "err", err)
	}
}

// backoff doubles per attempt from BackoffBase up to BackoffCap.
func (w *Worker) backoff(attempts int) time.Duration {
	base := w.BackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	capAt := w.BackoffCap
	if capAt <= 0 {
		capAt = 30 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= capAt {
			return capAt
		}
	}
	if d > capAt {
		return capAt
	}
	return d
}

// sweepStale audits pending tasks long past due, once per task. The result
// column doubles as the already-flagged marker.
func (w *Worker) sweepStale(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-w.staleAfter()).Format(time.RFC3339)
	stale, err := w.Repo.StaleTasks(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, task := range stale {
		if task.Result == "stale" {
			continue
		}
		if err := w.Audit.Record(ctx, nil, audit.Entry{
			OrgID: task.OrgID, Action: audit.ActionTaskStale,
			TargetKind: "scheduled_task", TargetID: task.ID,
			Details: map[string]any{"task_kind": task.TaskKind, "scheduled_for": task.ScheduledFor},
		}); err != nil {
			return err
		}
		if err := w.Repo.RescheduleTask(ctx, task.ID, task.ScheduledFor, "stale", task.Attempts); err != nil {
			return err
		}
	}
	return nil
}
