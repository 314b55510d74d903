package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`INSERT INTO tasks(id,org_id,title,description,assignee_id,status,priority,due_at,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, nullable(t.Description), nullableStringPtr(t.AssigneeID), t.Status,
		nullable(t.Priority), nullableStringPtr(t.DueAt), nullable(t.CreatedBy), t.CreatedAt)
	return err
}

func (r Repo) ListTasks(ctx context.Context, p tenant.Principal, limit int) ([]domain.Task, error) {
	query := `SELECT id,org_id,title,description,assignee_id,status,priority,due_at,created_by,created_at FROM tasks WHERE org_id=? ORDER BY created_at DESC, id DESC`
	args := []any{p.OrgID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var description, assigneeID, priority, dueAt, createdBy sql.NullString
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Title, &description, &assigneeID, &t.Status, &priority, &dueAt, &createdBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			t.Description = description.String
		}
		if assigneeID.Valid {
			t.AssigneeID = &assigneeID.String
		}
		if priority.Valid {
			t.Priority = priority.String
		}
		if dueAt.Valid {
			t.DueAt = &dueAt.String
		}
		if createdBy.Valid {
			t.CreatedBy = createdBy.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertScheduledTask enqueues a job. Returns false when an open task with
// the same (task_kind, context_hash) already exists; completed history does
// not block re-enqueueing.
func (r Repo) InsertScheduledTask(ctx context.Context, tx *sql.Tx, t domain.ScheduledTask) (bool, error) {
	res, err := r.runner(tx).ExecContext(ctx,
		`INSERT OR IGNORE INTO scheduled_tasks(id,org_id,task_kind,context_hash,context_json,scheduled_for,status,attempts,executed_at,result,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.TaskKind, t.ContextHash, t.ContextJSON, t.ScheduledFor, t.Status, t.Attempts,
		nullableStringPtr(t.ExecutedAt), nullable(t.Result), t.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const scheduledColumns = `id,org_id,task_kind,context_hash,context_json,scheduled_for,status,attempts,executed_at,result,created_at`

func scanScheduled(scan func(dest ...any) error) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var executedAt, result sql.NullString
	err := scan(&t.ID, &t.OrgID, &t.TaskKind, &t.ContextHash, &t.ContextJSON, &t.ScheduledFor,
		&t.Status, &t.Attempts, &executedAt, &result, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if executedAt.Valid {
		t.ExecutedAt = &executedAt.String
	}
	if result.Valid {
		t.Result = result.String
	}
	return t, nil
}

// ClaimDueTasks marks up to limit due pending tasks as Dispatched and returns
// them. Tasks past the staleCutoff are left alone for the stale sweep. The
// single UPDATE keeps two workers from claiming the same row.
func (r Repo) ClaimDueTasks(ctx context.Context, now, staleCutoff string, limit int) ([]domain.ScheduledTask, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE status='Pending' AND scheduled_for<=? AND scheduled_for>=? ORDER BY scheduled_for ASC LIMIT ?`,
		now, staleCutoff, limit)
	if err != nil {
		return nil, err
	}
	var claimed []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduled(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET status='Dispatched' WHERE id=? AND status='Pending'`, claimed[i].ID); err != nil {
			return nil, err
		}
		claimed[i].Status = domain.ScheduledDispatched
	}
	return claimed, tx.Commit()
}

func (r Repo) FinishScheduledTask(ctx context.Context, id, status, executedAt, result string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scheduled_tasks SET status=?, executed_at=?, result=? WHERE id=?`,
		status, executedAt, nullable(result), id)
	return err
}

// RescheduleTask returns a dispatched task to Pending with a later due time
// after a failed attempt.
func (r Repo) RescheduleTask(ctx context.Context, id, scheduledFor, result string, attempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scheduled_tasks SET status='Pending', scheduled_for=?, attempts=?, result=? WHERE id=?`,
		scheduledFor, attempts, nullable(result), id)
	return err
}

// StaleTasks returns pending work more than maxAge past due.
func (r Repo) StaleTasks(ctx context.Context, cutoff string) ([]domain.ScheduledTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE status='Pending' AND scheduled_for<? ORDER BY scheduled_for ASC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduled(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanScheduled(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return t, err
}

func (r Repo) ListScheduledTasks(ctx context.Context, p tenant.Principal, status string, limit int) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_tasks WHERE org_id=?`
	args := []any{p.OrgID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_for ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduled(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
