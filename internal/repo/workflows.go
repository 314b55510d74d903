package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, p tenant.Principal, t domain.WorkflowTemplate) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`INSERT INTO workflow_templates(id,org_id,name,definition_json,active,revision,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, p.OrgID, t.Name, t.Definition, boolInt(t.Active), t.Revision, t.CreatedAt, t.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return tenant.ConflictError{Msg: "template name already exists"}
	}
	return err
}

func scanTemplate(scan func(dest ...any) error) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var active int
	err := scan(&t.ID, &t.OrgID, &t.Name, &t.Definition, &active, &t.Revision, &t.CreatedAt, &t.UpdatedAt)
	t.Active = active != 0
	return t, err
}

const templateColumns = `id,org_id,name,definition_json,active,revision,created_at,updated_at`

func (r Repo) GetTemplate(ctx context.Context, p tenant.Principal, id string) (domain.WorkflowTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id=?`, id)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WorkflowTemplate{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if t.OrgID != p.OrgID {
		return domain.WorkflowTemplate{}, tenant.ViolationError{Kind: "workflow_template", ID: id}
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, p tenant.Principal, activeOnly bool) ([]domain.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE org_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, p.OrgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, p tenant.Principal, t domain.WorkflowTemplate) error {
	res, err := r.runner(tx).ExecContext(ctx,
		`UPDATE workflow_templates SET name=?, definition_json=?, active=?, revision=revision+1, updated_at=? WHERE id=? AND org_id=?`,
		t.Name, t.Definition, boolInt(t.Active), t.UpdatedAt, t.ID, p.OrgID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return tenant.ConflictError{Msg: "template name already exists"}
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTemplate(ctx context.Context, tx *sql.Tx, p tenant.Principal, id string) error {
	res, err := r.runner(tx).ExecContext(ctx, `DELETE FROM workflow_templates WHERE id=? AND org_id=?`, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const configColumns = `id,org_id,workflow_template_id,full_case_threshold,ba_assignment_timeout_hours,director_approval_timeout_hours,reminder_frequency_hours,escalation_levels,channel_email,channel_sms,channel_in_app,milestone_reminder_days,overdue_escalation_days,auto_triage_enabled,high_priority_escalation_hours,problem_resolution_sla_hours,skip_ba_assignment,require_manager_approval,enable_peer_review,assignee_roles_json,approval_roles_json,created_at,updated_at`

// InsertConfigIgnore seeds defaults for (org, template). Safe under races:
// the unique index makes concurrent first reads converge on one row.
func (r Repo) InsertConfigIgnore(ctx context.Context, c domain.WorkflowConfiguration) error {
	assignees, err := json.Marshal(c.AssigneeRoles)
	if err != nil {
		return err
	}
	approvers, err := json.Marshal(c.ApprovalRoles)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_configurations(`+configColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(org_id, workflow_template_id) DO NOTHING`,
		c.ID, c.OrgID, c.WorkflowTemplateID, c.FullCaseThreshold, c.BAAssignmentTimeoutHours,
		c.DirectorApprovalTimeoutHours, c.ReminderFrequencyHours, c.EscalationLevels,
		boolInt(c.ChannelEmail), boolInt(c.ChannelSMS), boolInt(c.ChannelInApp),
		c.MilestoneReminderDays, c.OverdueEscalationDays, boolInt(c.AutoTriageEnabled),
		c.HighPriorityEscalationHours, c.ProblemResolutionSLAHours, boolInt(c.SkipBAAssignment),
		boolInt(c.RequireManagerApproval), boolInt(c.EnablePeerReview),
		string(assignees), string(approvers), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConfig(ctx context.Context, p tenant.Principal, templateID string) (domain.WorkflowConfiguration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+configColumns+` FROM workflow_configurations WHERE org_id=? AND workflow_template_id=?`,
		p.OrgID, templateID)
	var c domain.WorkflowConfiguration
	var email, sms, inApp, autoTriage, skipBA, reqMgr, peer int
	var assignees, approvers string
	err := row.Scan(&c.ID, &c.OrgID, &c.WorkflowTemplateID, &c.FullCaseThreshold, &c.BAAssignmentTimeoutHours,
		&c.DirectorApprovalTimeoutHours, &c.ReminderFrequencyHours, &c.EscalationLevels,
		&email, &sms, &inApp, &c.MilestoneReminderDays, &c.OverdueEscalationDays, &autoTriage,
		&c.HighPriorityEscalationHours, &c.ProblemResolutionSLAHours, &skipBA, &reqMgr, &peer,
		&assignees, &approvers, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ChannelEmail, c.ChannelSMS, c.ChannelInApp = email != 0, sms != 0, inApp != 0
	c.AutoTriageEnabled, c.SkipBAAssignment = autoTriage != 0, skipBA != 0
	c.RequireManagerApproval, c.EnablePeerReview = reqMgr != 0, peer != 0
	if err := json.Unmarshal([]byte(assignees), &c.AssigneeRoles); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(approvers), &c.ApprovalRoles); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) UpdateConfig(ctx context.Context, tx *sql.Tx, p tenant.Principal, c domain.WorkflowConfiguration) error {
	assignees, err := json.Marshal(c.AssigneeRoles)
	if err != nil {
		return err
	}
	approvers, err := json.Marshal(c.ApprovalRoles)
	if err != nil {
		return err
	}
	res, err := r.runner(tx).ExecContext(ctx, `UPDATE workflow_configurations
SET full_case_threshold=?, ba_assignment_timeout_hours=?, director_approval_timeout_hours=?,
    reminder_frequency_hours=?, escalation_levels=?, channel_email=?, channel_sms=?, channel_in_app=?,
    milestone_reminder_days=?, overdue_escalation_days=?, auto_triage_enabled=?,
    high_priority_escalation_hours=?, problem_resolution_sla_hours=?, skip_ba_assignment=?,
    require_manager_approval=?, enable_peer_review=?, assignee_roles_json=?, approval_roles_json=?, updated_at=?
WHERE org_id=? AND workflow_template_id=?`,
		c.FullCaseThreshold, c.BAAssignmentTimeoutHours, c.DirectorApprovalTimeoutHours,
		c.ReminderFrequencyHours, c.EscalationLevels, boolInt(c.ChannelEmail), boolInt(c.ChannelSMS),
		boolInt(c.ChannelInApp), c.MilestoneReminderDays, c.OverdueEscalationDays, boolInt(c.AutoTriageEnabled),
		c.HighPriorityEscalationHours, c.ProblemResolutionSLAHours, boolInt(c.SkipBAAssignment),
		boolInt(c.RequireManagerApproval), boolInt(c.EnablePeerReview), string(assignees), string(approvers),
		c.UpdatedAt, p.OrgID, c.WorkflowTemplateID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertExecution records a new execution. Returns false without error when
// the dedupe key collided, meaning an identical trigger already ran in the
// same one-second window.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, ex domain.WorkflowExecution, dedupeKey string) (bool, error) {
	res, err := r.runner(tx).ExecContext(ctx, `INSERT OR IGNORE INTO workflow_executions(id,org_id,workflow_template_id,triggering_event,context_json,dedupe_key,status,current_step,reason,started_at,completed_at,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ex.ID, ex.OrgID, ex.WorkflowTemplateID, ex.TriggeringEvent, nullable(ex.ContextJSON), dedupeKey,
		ex.Status, ex.CurrentStep, nullable(ex.Reason), ex.StartedAt, nullableStringPtr(ex.CompletedAt), nullable(ex.Error))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const executionColumns = `id,org_id,workflow_template_id,triggering_event,context_json,status,current_step,reason,started_at,completed_at,error`

func scanExecution(scan func(dest ...any) error) (domain.WorkflowExecution, error) {
	var ex domain.WorkflowExecution
	var contextJSON, reason, completedAt, execErr sql.NullString
	err := scan(&ex.ID, &ex.OrgID, &ex.WorkflowTemplateID, &ex.TriggeringEvent, &contextJSON,
		&ex.Status, &ex.CurrentStep, &reason, &ex.StartedAt, &completedAt, &execErr)
	if err != nil {
		return ex, err
	}
	if contextJSON.Valid {
		ex.ContextJSON = contextJSON.String
	}
	if reason.Valid {
		ex.Reason = reason.String
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.String
	}
	if execErr.Valid {
		ex.Error = execErr.String
	}
	return ex, nil
}

func (r Repo) GetExecution(ctx context.Context, p tenant.Principal, id string) (domain.WorkflowExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id=?`, id)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WorkflowExecution{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	if ex.OrgID != p.OrgID {
		return domain.WorkflowExecution{}, tenant.ViolationError{Kind: "execution", ID: id}
	}
	return ex, nil
}

func (r Repo) ListExecutions(ctx context.Context, p tenant.Principal, limit int) ([]domain.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE org_id=? ORDER BY started_at DESC, id DESC`
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
	var res []domain.WorkflowExecution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, ex domain.WorkflowExecution) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`UPDATE workflow_executions SET status=?, current_step=?, reason=?, completed_at=?, error=? WHERE id=?`,
		ex.Status, ex.CurrentStep, nullable(ex.Reason), nullableStringPtr(ex.CompletedAt), nullable(ex.Error), ex.ID)
	return err
}

func (r Repo) InsertExecutionStep(ctx context.Context, tx *sql.Tx, s domain.ExecutionStep) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`INSERT INTO workflow_execution_steps(execution_id,step_id,name,kind,status,detail,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ExecutionID, s.StepID, s.Name, s.Kind, s.Status, nullable(s.Detail), s.StartedAt, nullableStringPtr(s.FinishedAt))
	return err
}

func (r Repo) ListExecutionSteps(ctx context.Context, p tenant.Principal, executionID string) ([]domain.ExecutionStep, error) {
	if _, err := r.GetExecution(ctx, p, executionID); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,execution_id,step_id,name,kind,status,detail,started_at,finished_at FROM workflow_execution_steps WHERE execution_id=? ORDER BY id ASC`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionStep
	for rows.Next() {
		var s domain.ExecutionStep
		var detail, finishedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ExecutionID, &s.StepID, &s.Name, &s.Kind, &s.Status, &detail, &s.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			s.Detail = detail.String
		}
		if finishedAt.Valid {
			s.FinishedAt = &finishedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`INSERT INTO approvals(id,org_id,execution_id,step_id,role,status,requested_at,decided_at,decided_by) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.ExecutionID, a.StepID, a.Role, a.Status, a.RequestedAt,
		nullableStringPtr(a.DecidedAt), nullableStringPtr(a.DecidedBy))
	return err
}

func (r Repo) GetApproval(ctx context.Context, p tenant.Principal, id string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,org_id,execution_id,step_id,role,status,requested_at,decided_at,decided_by FROM approvals WHERE id=?`, id)
	var a domain.Approval
	var decidedAt, decidedBy sql.NullString
	err := row.Scan(&a.ID, &a.OrgID, &a.ExecutionID, &a.StepID, &a.Role, &a.Status, &a.RequestedAt, &decidedAt, &decidedBy)
	if err == sql.ErrNoRows {
		return domain.Approval{}, ErrNotFound
	}
	if err != nil {
		return domain.Approval{}, err
	}
	if a.OrgID != p.OrgID {
		return domain.Approval{}, tenant.ViolationError{Kind: "approval", ID: id}
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	return a, nil
}

// DecideApproval flips a pending approval exactly once.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, p tenant.Principal, id, status, decidedBy, decidedAt string) error {
	res, err := r.runner(tx).ExecContext(ctx,
		`UPDATE approvals SET status=?, decided_at=?, decided_by=? WHERE id=? AND org_id=? AND status='pending'`,
		status, decidedAt, decidedBy, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ConflictError{Msg: "approval already decided"}
	}
	return nil
}

func (r Repo) ListPendingApprovals(ctx context.Context, p tenant.Principal) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,org_id,execution_id,step_id,role,status,requested_at,decided_at,decided_by FROM approvals WHERE org_id=? AND status='pending' ORDER BY requested_at ASC`,
		p.OrgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decidedAt, decidedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ExecutionID, &a.StepID, &a.Role, &a.Status, &a.RequestedAt, &decidedAt, &decidedBy); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
