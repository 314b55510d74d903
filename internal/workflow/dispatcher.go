// Event dispatch: match active templates on an event kind, run their steps
// in order, suspend on approvals. Executions are deduplicated by a hash of
// (template, event kind, target, one-second bucket) so double-submitted
// events collapse to one run.
package workflow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caseline/internal/audit"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

// Enqueuer schedules deferred work; implemented by the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, orgID, taskKind string, payload map[string]any, runAt time.Time) (bool, error)
}

// TaskKindApprovalTimeout is the scheduled-task kind enqueued for every
// pending approval.
const TaskKindApprovalTimeout = "approval_timeout"

type Dispatcher struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Sink     *notify.Sink
	Resolver Resolver
	Queue    Enqueuer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Event is one published occurrence. Target is optional; steps that mutate
// an entity fail without one.
type Event struct {
	Kind       string
	TargetKind domain.Kind
	TargetID   string
	Context    map[string]any
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// DedupeKey derives the execution idempotency hash.
func DedupeKey(templateID, eventKind, targetID string, ts time.Time) string {
	bucket := ts.UTC().Truncate(time.Second).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", templateID, eventKind, targetID, bucket)))
	return hex.EncodeToString(sum[:])
}

// Publish dispatches an event to every matching active template. Unknown
// event kinds are accepted and match nothing. Returns the executions that
// were started (or short-circuited) by this call; deduplicated triggers are
// omitted.
func (d *Dispatcher) Publish(ctx context.Context, p tenant.Principal, ev Event) ([]domain.WorkflowExecution, error) {
	if ev.Kind == "" {
		return nil, tenant.InvalidError{Field: "kind", Msg: "event kind is required"}
	}

	var ent *domain.Entity
	if ev.TargetID != "" && ev.TargetKind != "" {
		e, err := d.Repo.GetEntity(ctx, p, ev.TargetKind, ev.TargetID)
		var violation tenant.ViolationError
		if errors.As(err, &violation) {
			if aerr := d.Audit.Record(ctx, nil, audit.Entry{
				OrgID: p.OrgID, ActorID: p.UserID, Action: audit.ActionTenantViolation,
				TargetKind: string(ev.TargetKind), TargetID: ev.TargetID,
				Details: map[string]any{"event": ev.Kind},
			}); aerr != nil {
				return nil, aerr
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		ent = &e
	}

	templates, err := d.Repo.ListTemplates(ctx, p, true)
	if err != nil {
		return nil, err
	}

	var started []domain.WorkflowExecution
	for _, tmpl := range templates {
		def, err := Parse(tmpl.Definition)
		if err != nil {
			d.logger().WarnContext(ctx, "stored template definition invalid",
				"template_id", tmpl.ID, "err", err)
			continue
		}
		if !def.Matches(ev.Kind) {
			continue
		}
		ex, ran, err := d.startExecution(ctx, p, tmpl, def, ev, ent)
		if err != nil {
			return started, err
		}
		if ran {
			started = append(started, ex)
		}
	}
	return started, nil
}

func (d *Dispatcher) startExecution(ctx context.Context, p tenant.Principal, tmpl domain.WorkflowTemplate, def Definition, ev Event, ent *domain.Entity) (domain.WorkflowExecution, bool, error) {
	now := d.now().UTC()
	evCtx := buildContext(ev, ent)
	cfg, err := d.Resolver.Resolve(ctx, p, tmpl.ID)
	if err != nil {
		return domain.WorkflowExecution{}, false, err
	}
	mergeConfiguration(evCtx, cfg)
	ctxJSON, err := json.Marshal(evCtx)
	if err != nil {
		return domain.WorkflowExecution{}, false, err
	}

	ex := domain.WorkflowExecution{
		ID:                 uuid.NewString(),
		OrgID:              p.OrgID,
		WorkflowTemplateID: tmpl.ID,
		TriggeringEvent:    ev.Kind,
		ContextJSON:        string(ctxJSON),
		Status:             domain.ExecRunning,
		StartedAt:          now.Format(time.RFC3339),
	}

	// A terminal target means there is nothing left to drive: record the
	// execution as completed without running a single step.
	if ent != nil && domain.TerminalStatus(ent.Status) {
		completed := ex.StartedAt
		ex.Status = domain.ExecCompleted
		ex.Reason = "target_terminal"
		ex.CompletedAt = &completed
	}

	key := DedupeKey(tmpl.ID, ev.Kind, ev.TargetID, now)
	inserted, err := d.Repo.InsertExecution(ctx, nil, ex, key)
	if err != nil {
		return domain.WorkflowExecution{}, false, err
	}
	if !inserted {
		d.logger().DebugContext(ctx, "duplicate trigger suppressed",
			"template_id", tmpl.ID, "event", ev.Kind, "target_id", ev.TargetID)
		return domain.WorkflowExecution{}, false, nil
	}
	if ex.Status == domain.ExecCompleted {
		return ex, true, nil
	}

	if err := d.runSteps(ctx, p, tmpl, def, &ex, ent, evCtx); err != nil {
		return ex, true, err
	}
	return ex, true, nil
}

// runSteps executes the definition from ex.CurrentStep onward, persisting a
// step record per step. Returns with the execution either suspended on an
// approval or moved to a final status.
func (d *Dispatcher) runSteps(ctx context.Context, p tenant.Principal, tmpl domain.WorkflowTemplate, def Definition, ex *domain.WorkflowExecution, ent *domain.Entity, evCtx map[string]any) error {
	for i := ex.CurrentStep; i < len(def.Steps); i++ {
		// A target that turned terminal since the last step ends the run.
		if ent != nil {
			if fresh, err := d.Repo.GetEntity(ctx, p, ent.Kind, ent.ID); err == nil {
				*ent = fresh
			}
			if domain.TerminalStatus(ent.Status) {
				return d.finishExecution(ctx, ex, domain.ExecCompleted, "target_terminal", "")
			}
		}
		step := def.Steps[i]
		startedAt := d.now().UTC().Format(time.RFC3339)
		rec := domain.ExecutionStep{
			ExecutionID: ex.ID,
			StepID:      step.ID,
			Name:        step.Name,
			Kind:        step.Kind,
			StartedAt:   startedAt,
		}

		if step.Kind != domain.StepConditional && step.Condition != nil && !step.Condition.Eval(evCtx) {
			rec.Status = "skipped"
			rec.Detail = "condition not met"
			rec.FinishedAt = &startedAt
			if err := d.Repo.InsertExecutionStep(ctx, nil, rec); err != nil {
				return err
			}
			continue
		}

		switch step.Kind {
		case domain.StepApproval:
			if err := d.stepApproval(ctx, p, tmpl, step, ex); err != nil {
				return err
			}
			rec.Status = "waiting"
			rec.Detail = "approval pending: " + paramString(step.Params, "role")
			if err := d.Repo.InsertExecutionStep(ctx, nil, rec); err != nil {
				return err
			}
			ex.CurrentStep = i
			return d.Repo.UpdateExecution(ctx, nil, *ex)

		case domain.StepConditional:
			if !step.Condition.Eval(evCtx) {
				finished := d.now().UTC().Format(time.RFC3339)
				rec.Status = "halted"
				rec.Detail = "condition not met"
				rec.FinishedAt = &finished
				if err := d.Repo.InsertExecutionStep(ctx, nil, rec); err != nil {
					return err
				}
				return d.finishExecution(ctx, ex, domain.ExecCompleted, "condition_not_met", "")
			}
			finished := d.now().UTC().Format(time.RFC3339)
			rec.Status = "completed"
			rec.FinishedAt = &finished
			if err := d.Repo.InsertExecutionStep(ctx, nil, rec); err != nil {
				return err
			}

		default:
			detail, err := d.runStep(ctx, p, tmpl, step, ex, ent, evCtx)
			finished := d.now().UTC().Format(time.RFC3339)
			rec.FinishedAt = &finished
			if err != nil {
				rec.Status = "error"
				rec.Detail = err.Error()
				if ierr := d.Repo.InsertExecutionStep(ctx, nil, rec); ierr != nil {
					return ierr
				}
				d.logger().WarnContext(ctx, "workflow step failed",
					"execution_id", ex.ID, "step_id", step.ID, "err", err)
				if step.StopOnError {
					return d.finishExecution(ctx, ex, domain.ExecFailed, "step_failed", err.Error())
				}
				continue
			}
			rec.Status = "completed"
			rec.Detail = detail
			if err := d.Repo.InsertExecutionStep(ctx, nil, rec); err != nil {
				return err
			}
		}
	}
	return d.finishExecution(ctx, ex, domain.ExecCompleted, "", "")
}

func (d *Dispatcher) finishExecution(ctx context.Context, ex *domain.WorkflowExecution, status, reason, errMsg string) error {
	completed := d.now().UTC().Format(time.RFC3339)
	ex.Status = status
	ex.Reason = reason
	ex.Error = errMsg
	ex.CompletedAt = &completed
	return d.Repo.UpdateExecution(ctx, nil, *ex)
}

// runStep handles the non-suspending step kinds, returning a human detail
// string for the step record.
func (d *Dispatcher) runStep(ctx context.Context, p tenant.Principal, tmpl domain.WorkflowTemplate, step Step, ex *domain.WorkflowExecution, ent *domain.Entity, evCtx map[string]any) (string, error) {
	switch step.Kind {
	case domain.StepTask:
		return d.stepTask(ctx, p, step, ex, ent, evCtx)
	case domain.StepAutomated:
		return d.stepAutomated(ctx, p, step, ent)
	case domain.StepAssignment:
		return d.stepAssignment(ctx, p, tmpl, step, ent)
	case domain.StepNotification:
		return d.stepNotification(ctx, p, step, ex, ent, evCtx)
	}
	return "", tenant.InvalidError{Field: "step", Msg: fmt.Sprintf("unhandled step kind %q", step.Kind)}
}

func (d *Dispatcher) stepTask(ctx context.Context, p tenant.Principal, step Step, ex *domain.WorkflowExecution, ent *domain.Entity, evCtx map[string]any) (string, error) {
	now := d.now().UTC()
	dueDays := paramInt(step.Params, "due_days", 7)
	due := now.AddDate(0, 0, dueDays).Format(time.RFC3339)
	task := domain.Task{
		ID:          uuid.NewString(),
		OrgID:       p.OrgID,
		Title:       paramString(step.Params, "title"),
		Description: paramString(step.Params, "description"),
		Status:      domain.StatusOpen,
		Priority:    paramString(step.Params, "priority"),
		DueAt:       &due,
		CreatedBy:   p.UserID,
		CreatedAt:   now.Format(time.RFC3339),
	}
	if role := paramString(step.Params, "assignee_role"); role != "" {
		user, err := d.resolveRole(ctx, p, role, ent, evCtx)
		if err != nil {
			return "", err
		}
		task.AssigneeID = &user.ID
	}
	if err := d.Repo.InsertTask(ctx, nil, task); err != nil {
		return "", err
	}
	return "task " + task.ID, nil
}

func (d *Dispatcher) stepAutomated(ctx context.Context, p tenant.Principal, step Step, ent *domain.Entity) (string, error) {
	name := paramString(step.Params, "name")
	switch name {
	case "noop":
		return "noop", nil
	case "set_status":
		if ent == nil {
			return "", tenant.InvalidError{Field: "step", Msg: "set_status requires a target entity"}
		}
		status := paramString(step.Params, "status")
		now := d.now().UTC().Format(time.RFC3339)
		fields := map[string]any{"status": status, "updated_at": now}
		if err := d.Repo.UpdateEntityFields(ctx, nil, p, ent.Kind, ent.ID, fields); err != nil {
			return "", err
		}
		ent.Status = status
		return "status set to " + status, nil
	}
	return "", tenant.InvalidError{Field: "step", Msg: fmt.Sprintf("unknown automated action %q", name)}
}

func (d *Dispatcher) stepAssignment(ctx context.Context, p tenant.Principal, tmpl domain.WorkflowTemplate, step Step, ent *domain.Entity) (string, error) {
	if ent == nil {
		return "", tenant.InvalidError{Field: "step", Msg: "assignment requires a target entity"}
	}
	role := paramString(step.Params, "role")
	user, err := d.resolveRole(ctx, p, role, ent, nil)
	if err != nil {
		return "", err
	}
	now := d.now().UTC().Format(time.RFC3339)
	fields := map[string]any{"assignee_id": user.ID, "updated_at": now}
	if err := d.Repo.UpdateEntityFields(ctx, nil, p, ent.Kind, ent.ID, fields); err != nil {
		return "", err
	}
	ent.AssigneeID = &user.ID
	return "assigned to " + user.ID, nil
}

func (d *Dispatcher) stepNotification(ctx context.Context, p tenant.Principal, step Step, ex *domain.WorkflowExecution, ent *domain.Entity, evCtx map[string]any) (string, error) {
	target := paramString(step.Params, "target")
	message := paramString(step.Params, "message")
	recipients, err := d.resolveRecipients(ctx, p, target, ent, evCtx)
	if err != nil {
		return "", err
	}
	if len(recipients) == 0 {
		return "no recipients", nil
	}
	for _, userID := range recipients {
		if _, err := d.Sink.Deliver(ctx, p, notify.Message{
			UserID:    userID,
			EventKind: "workflow_notification",
			SourceRef: fmt.Sprintf("exec:%s:%s", ex.ID, step.ID),
			Message:   message,
		}); err != nil {
			d.logger().WarnContext(ctx, "workflow notification failed",
				"execution_id", ex.ID, "user_id", userID, "err", err)
		}
	}
	return fmt.Sprintf("notified %d recipient(s)", len(recipients)), nil
}

func (d *Dispatcher) stepApproval(ctx context.Context, p tenant.Principal, tmpl domain.WorkflowTemplate, step Step, ex *domain.WorkflowExecution) error {
	role := paramString(step.Params, "role")
	now := d.now().UTC()
	approval := domain.Approval{
		ID:          uuid.NewString(),
		OrgID:       p.OrgID,
		ExecutionID: ex.ID,
		StepID:      step.ID,
		Role:        role,
		Status:      domain.ApprovalPending,
		RequestedAt: now.Format(time.RFC3339),
	}
	if err := d.Repo.InsertApproval(ctx, nil, approval); err != nil {
		return err
	}

	cfg, err := d.Resolver.Resolve(ctx, p, tmpl.ID)
	if err != nil {
		return err
	}
	timeoutHours := paramInt(step.Params, "timeout_hours", cfg.DirectorApprovalTimeoutHours)
	if d.Queue != nil && timeoutHours > 0 {
		runAt := now.Add(time.Duration(timeoutHours) * time.Hour)
		if _, err := d.Queue.Enqueue(ctx, p.OrgID, TaskKindApprovalTimeout, map[string]any{
			"approval_id":  approval.ID,
			"execution_id": ex.ID,
			"role":         role,
		}, runAt); err != nil {
			return err
		}
	}

	// Approvers learn about the pending decision right away.
	approvers, err := d.Repo.ListUsersByRole(ctx, p, role)
	if err != nil {
		return err
	}
	for _, user := range approvers {
		if _, err := d.Sink.Deliver(ctx, p, notify.Message{
			UserID:    user.ID,
			EventKind: "approval_requested",
			SourceRef: "approval:" + approval.ID,
			Message:   fmt.Sprintf("Approval required for workflow %q", tmpl.Name),
		}); err != nil {
			d.logger().WarnContext(ctx, "approval notification failed", "user_id", user.ID, "err", err)
		}
	}
	return nil
}

// Resume applies an approval decision and, when granted, continues the
// suspended execution from the step after the approval.
func (d *Dispatcher) Resume(ctx context.Context, p tenant.Principal, approvalID string, granted bool, deciderID string) (domain.WorkflowExecution, error) {
	a, err := d.Repo.GetApproval(ctx, p, approvalID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	ex, err := d.Repo.GetExecution(ctx, p, a.ExecutionID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	if ex.Status != domain.ExecRunning {
		return domain.WorkflowExecution{}, tenant.ConflictError{Msg: "execution is no longer running"}
	}

	status := domain.ApprovalGranted
	if !granted {
		status = domain.ApprovalDenied
	}
	now := d.now().UTC().Format(time.RFC3339)
	if err := d.Repo.DecideApproval(ctx, nil, p, approvalID, status, deciderID, now); err != nil {
		return domain.WorkflowExecution{}, err
	}
	if err := d.Audit.Record(ctx, nil, audit.Entry{
		OrgID: p.OrgID, ActorID: deciderID, Action: "approval:" + status,
		TargetKind: "approval", TargetID: approvalID,
		Details: map[string]any{"execution_id": ex.ID, "step_id": a.StepID},
	}); err != nil {
		return domain.WorkflowExecution{}, err
	}

	if !granted {
		if err := d.finishExecution(ctx, &ex, domain.ExecCompleted, "approval_denied", ""); err != nil {
			return domain.WorkflowExecution{}, err
		}
		return ex, nil
	}

	tmpl, err := d.Repo.GetTemplate(ctx, p, ex.WorkflowTemplateID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	def, err := Parse(tmpl.Definition)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	var evCtx map[string]any
	if ex.ContextJSON != "" {
		if err := json.Unmarshal([]byte(ex.ContextJSON), &evCtx); err != nil {
			return domain.WorkflowExecution{}, err
		}
	}
	if evCtx == nil {
		evCtx = map[string]any{}
	}
	// Re-resolve so predicates after the approval see current config.
	cfg, err := d.Resolver.Resolve(ctx, p, ex.WorkflowTemplateID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	mergeConfiguration(evCtx, cfg)
	ent, err := d.entityFromContext(ctx, p, evCtx)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	ex.CurrentStep++
	if err := d.runSteps(ctx, p, tmpl, def, &ex, ent, evCtx); err != nil {
		return domain.WorkflowExecution{}, err
	}
	return d.Repo.GetExecution(ctx, p, ex.ID)
}

// HandleApprovalTimeout escalates an approval that is still pending when its
// deadline passes: the target's creator resolves to their department manager,
// who gets the escalation. No manager means an escalation_unresolved audit
// entry, never a failure. The execution stays Running until a decision
// arrives. Wired to the scheduler under TaskKindApprovalTimeout.
func (d *Dispatcher) HandleApprovalTimeout(ctx context.Context, orgID string, payload map[string]any) error {
	p := tenant.System(orgID)
	approvalID, _ := payload["approval_id"].(string)
	a, err := d.Repo.GetApproval(ctx, p, approvalID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != domain.ApprovalPending {
		return nil
	}
	if err := d.Audit.Record(ctx, nil, audit.Entry{
		OrgID: orgID, Action: "approval:timeout",
		TargetKind: "approval", TargetID: approvalID,
		Details: map[string]any{"execution_id": a.ExecutionID, "role": a.Role},
	}); err != nil {
		return err
	}

	creator, err := d.timeoutCreator(ctx, p, a.ExecutionID)
	if err != nil {
		return err
	}
	var manager domain.User
	merr := repo.ErrNotFound
	if creator != "" {
		manager, merr = d.Repo.ManagerForUser(ctx, p, creator)
	}
	if merr == repo.ErrNotFound {
		return d.Audit.Record(ctx, nil, audit.Entry{
			OrgID: orgID, Action: audit.ActionEscalationUnresolved,
			TargetKind: "approval", TargetID: approvalID,
			Details: map[string]any{"execution_id": a.ExecutionID, "created_by": creator},
		})
	}
	if merr != nil {
		return merr
	}
	if _, err := d.Sink.Deliver(ctx, p, notify.Message{
		UserID:    manager.ID,
		EventKind: "escalation",
		SourceRef: "approval_timeout:" + approvalID,
		Message:   fmt.Sprintf("Approval %s (%s) overdue", approvalID, a.Role),
	}); err != nil {
		d.logger().WarnContext(ctx, "timeout escalation failed", "user_id", manager.ID, "err", err)
	}
	return nil
}

// timeoutCreator finds who created the timed-out execution's target entity,
// falling back to the triggering user recorded in the context.
func (d *Dispatcher) timeoutCreator(ctx context.Context, p tenant.Principal, executionID string) (string, error) {
	ex, err := d.Repo.GetExecution(ctx, p, executionID)
	if err == repo.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var evCtx map[string]any
	if ex.ContextJSON != "" {
		if err := json.Unmarshal([]byte(ex.ContextJSON), &evCtx); err != nil {
			return "", err
		}
	}
	ent, err := d.entityFromContext(ctx, p, evCtx)
	if err != nil {
		return "", err
	}
	if ent != nil && ent.CreatedBy != "" {
		return ent.CreatedBy, nil
	}
	if evCtx != nil {
		if userID, ok := evCtx["user_id"].(string); ok {
			return userID, nil
		}
	}
	return "", nil
}

// resolveRole maps a role identifier to a concrete user. "creator" resolves
// through the target entity; any other value is treated as an org role, with
// the lowest user id winning for determinism.
func (d *Dispatcher) resolveRole(ctx context.Context, p tenant.Principal, role string, ent *domain.Entity, evCtx map[string]any) (domain.User, error) {
	if role == "creator" {
		creator := ""
		if ent != nil {
			creator = ent.CreatedBy
		}
		if creator == "" && evCtx != nil {
			creator, _ = evCtx["user_id"].(string)
		}
		if creator == "" {
			return domain.User{}, tenant.InvalidError{Field: "role", Msg: "creator not known for this event"}
		}
		return d.Repo.GetUser(ctx, p, creator)
	}
	users, err := d.Repo.ListUsersByRole(ctx, p, role)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) == 0 {
		return domain.User{}, tenant.InvalidError{Field: "role", Msg: fmt.Sprintf("no user with role %q", role)}
	}
	return users[0], nil
}

func (d *Dispatcher) resolveRecipients(ctx context.Context, p tenant.Principal, target string, ent *domain.Entity, evCtx map[string]any) ([]string, error) {
	if target == "creator" {
		user, err := d.resolveRole(ctx, p, "creator", ent, evCtx)
		if err != nil {
			return nil, err
		}
		return []string{user.ID}, nil
	}
	if target == "assignee" {
		if ent == nil || ent.AssigneeID == nil {
			return nil, nil
		}
		return []string{*ent.AssigneeID}, nil
	}
	users, err := d.Repo.ListUsersByRole(ctx, p, target)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (d *Dispatcher) entityFromContext(ctx context.Context, p tenant.Principal, evCtx map[string]any) (*domain.Entity, error) {
	if evCtx == nil {
		return nil, nil
	}
	kind, _ := evCtx["target_kind"].(string)
	id, _ := evCtx["target_id"].(string)
	if kind == "" || id == "" {
		return nil, nil
	}
	ent, err := d.Repo.GetEntity(ctx, p, domain.Kind(kind), id)
	if err == repo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// mergeConfiguration exposes the resolved configuration to predicates under
// config.<field> keys, so conditions can compare entity fields against org
// thresholds.
func mergeConfiguration(evCtx map[string]any, cfg domain.WorkflowConfiguration) {
	evCtx["config.full_case_threshold"] = cfg.FullCaseThreshold
	evCtx["config.ba_assignment_timeout_hours"] = cfg.BAAssignmentTimeoutHours
	evCtx["config.director_approval_timeout_hours"] = cfg.DirectorApprovalTimeoutHours
	evCtx["config.reminder_frequency_hours"] = cfg.ReminderFrequencyHours
	evCtx["config.escalation_levels"] = cfg.EscalationLevels
	evCtx["config.milestone_reminder_days"] = cfg.MilestoneReminderDays
	evCtx["config.overdue_escalation_days"] = cfg.OverdueEscalationDays
	evCtx["config.auto_triage_enabled"] = cfg.AutoTriageEnabled
	evCtx["config.high_priority_escalation_hours"] = cfg.HighPriorityEscalationHours
	evCtx["config.problem_resolution_sla_hours"] = cfg.ProblemResolutionSLAHours
	evCtx["config.skip_ba_assignment"] = cfg.SkipBAAssignment
	evCtx["config.require_manager_approval"] = cfg.RequireManagerApproval
	evCtx["config.enable_peer_review"] = cfg.EnablePeerReview
}

// buildContext merges the event payload with the target entity's fields so
// predicates can reference either.
func buildContext(ev Event, ent *domain.Entity) map[string]any {
	merged := map[string]any{"event": ev.Kind}
	for k, v := range ev.Context {
		merged[k] = v
	}
	if ent != nil {
		merged["target_kind"] = string(ent.Kind)
		merged["target_id"] = ent.ID
		merged["title"] = ent.Title
		merged["status"] = ent.Status
		if ent.Priority != "" {
			merged["priority"] = ent.Priority
		}
		if ent.EstimatedCost != nil {
			merged["estimated_cost"] = *ent.EstimatedCost
		}
	}
	return merged
}
