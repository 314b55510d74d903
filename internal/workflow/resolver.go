package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"caseline/internal/audit"
	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

// Resolver hands out per-(org, template) workflow configuration, creating the
// default row on first read. The insert ignores conflicts, so two concurrent
// first reads converge on a single stored row.
type Resolver struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Writer
	Now   func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// DefaultConfiguration returns the seeded values for a new (org, template)
// pair.
func DefaultConfiguration(orgID, templateID, now string) domain.WorkflowConfiguration {
	return domain.WorkflowConfiguration{
		ID:                           uuid.NewString(),
		OrgID:                        orgID,
		WorkflowTemplateID:           templateID,
		FullCaseThreshold:            25000,
		BAAssignmentTimeoutHours:     72,
		DirectorApprovalTimeoutHours: 72,
		ReminderFrequencyHours:       24,
		EscalationLevels:             2,
		ChannelEmail:                 true,
		ChannelSMS:                   false,
		ChannelInApp:                 true,
		MilestoneReminderDays:        3,
		OverdueEscalationDays:        2,
		AutoTriageEnabled:            true,
		HighPriorityEscalationHours:  24,
		ProblemResolutionSLAHours:    72,
		SkipBAAssignment:             false,
		RequireManagerApproval:       false,
		EnablePeerReview:             false,
		AssigneeRoles:                []string{"BA"},
		ApprovalRoles:                []string{"Director"},
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
}

// Resolve returns the stored configuration, seeding defaults when none
// exists. The template must belong to the caller's org.
func (r Resolver) Resolve(ctx context.Context, p tenant.Principal, templateID string) (domain.WorkflowConfiguration, error) {
	if _, err := r.Repo.GetTemplate(ctx, p, templateID); err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	cfg, err := r.Repo.GetConfig(ctx, p, templateID)
	if err == nil {
		return cfg, nil
	}
	if err != repo.ErrNotFound {
		return domain.WorkflowConfiguration{}, err
	}
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.InsertConfigIgnore(ctx, DefaultConfiguration(p.OrgID, templateID, now)); err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	return r.Repo.GetConfig(ctx, p, templateID)
}

// Update persists configuration changes and audits the field-level diff.
func (r Resolver) Update(ctx context.Context, p tenant.Principal, cfg domain.WorkflowConfiguration) (domain.WorkflowConfiguration, error) {
	if err := validateConfiguration(cfg); err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	current, err := r.Resolve(ctx, p, cfg.WorkflowTemplateID)
	if err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	cfg.UpdatedAt = r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateConfig(ctx, tx, p, cfg); err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	if diffs := configDiff(current, cfg); len(diffs) > 0 {
		if err := r.Audit.Record(ctx, tx, audit.Entry{
			OrgID: p.OrgID, ActorID: p.UserID, Action: audit.ActionConfigUpdate,
			TargetKind: "workflow_configuration", TargetID: cfg.WorkflowTemplateID,
			Details: map[string]any{"changes": diffs},
		}); err != nil {
			return domain.WorkflowConfiguration{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowConfiguration{}, err
	}
	return r.Repo.GetConfig(ctx, p, cfg.WorkflowTemplateID)
}

func validateConfiguration(cfg domain.WorkflowConfiguration) error {
	if cfg.FullCaseThreshold < 0 {
		return tenant.InvalidError{Field: "full_case_threshold", Msg: "must be non-negative"}
	}
	for _, pair := range []struct {
		name  string
		value int
	}{
		{"ba_assignment_timeout_hours", cfg.BAAssignmentTimeoutHours},
		{"director_approval_timeout_hours", cfg.DirectorApprovalTimeoutHours},
		{"reminder_frequency_hours", cfg.ReminderFrequencyHours},
		{"escalation_levels", cfg.EscalationLevels},
		{"milestone_reminder_days", cfg.MilestoneReminderDays},
		{"overdue_escalation_days", cfg.OverdueEscalationDays},
		{"high_priority_escalation_hours", cfg.HighPriorityEscalationHours},
		{"problem_resolution_sla_hours", cfg.ProblemResolutionSLAHours},
	} {
		if pair.value < 0 {
			return tenant.InvalidError{Field: pair.name, Msg: "must be non-negative"}
		}
	}
	if len(cfg.AssigneeRoles) == 0 {
		return tenant.InvalidError{Field: "assignee_roles", Msg: "at least one role required"}
	}
	if len(cfg.ApprovalRoles) == 0 {
		return tenant.InvalidError{Field: "approval_roles", Msg: "at least one role required"}
	}
	return nil
}

func configDiff(from, to domain.WorkflowConfiguration) []audit.ConfigDiff {
	var diffs []audit.ConfigDiff
	add := func(field string, a, b any) {
		diffs = append(diffs, audit.ConfigDiff{Field: field, From: a, To: b})
	}
	if from.FullCaseThreshold != to.FullCaseThreshold {
		add("full_case_threshold", from.FullCaseThreshold, to.FullCaseThreshold)
	}
	if from.BAAssignmentTimeoutHours != to.BAAssignmentTimeoutHours {
		add("ba_assignment_timeout_hours", from.BAAssignmentTimeoutHours, to.BAAssignmentTimeoutHours)
	}
	if from.DirectorApprovalTimeoutHours != to.DirectorApprovalTimeoutHours {
		add("director_approval_timeout_hours", from.DirectorApprovalTimeoutHours, to.DirectorApprovalTimeoutHours)
	}
	if from.ReminderFrequencyHours != to.ReminderFrequencyHours {
		add("reminder_frequency_hours", from.ReminderFrequencyHours, to.ReminderFrequencyHours)
	}
	if from.EscalationLevels != to.EscalationLevels {
		add("escalation_levels", from.EscalationLevels, to.EscalationLevels)
	}
	if from.ChannelEmail != to.ChannelEmail {
		add("channel_email", from.ChannelEmail, to.ChannelEmail)
	}
	if from.ChannelSMS != to.ChannelSMS {
		add("channel_sms", from.ChannelSMS, to.ChannelSMS)
	}
	if from.ChannelInApp != to.ChannelInApp {
		add("channel_in_app", from.ChannelInApp, to.ChannelInApp)
	}
	if from.MilestoneReminderDays != to.MilestoneReminderDays {
		add("milestone_reminder_days", from.MilestoneReminderDays, to.MilestoneReminderDays)
	}
	if from.OverdueEscalationDays != to.OverdueEscalationDays {
		add("overdue_escalation_days", from.OverdueEscalationDays, to.OverdueEscalationDays)
	}
	if from.AutoTriageEnabled != to.AutoTriageEnabled {
		add("auto_triage_enabled", from.AutoTriageEnabled, to.AutoTriageEnabled)
	}
	if from.HighPriorityEscalationHours != to.HighPriorityEscalationHours {
		add("high_priority_escalation_hours", from.HighPriorityEscalationHours, to.HighPriorityEscalationHours)
	}
	if from.ProblemResolutionSLAHours != to.ProblemResolutionSLAHours {
		add("problem_resolution_sla_hours", from.ProblemResolutionSLAHours, to.ProblemResolutionSLAHours)
	}
	if from.SkipBAAssignment != to.SkipBAAssignment {
		add("skip_ba_assignment", from.SkipBAAssignment, to.SkipBAAssignment)
	}
	if from.RequireManagerApproval != to.RequireManagerApproval {
		add("require_manager_approval", from.RequireManagerApproval, to.RequireManagerApproval)
	}
	if from.EnablePeerReview != to.EnablePeerReview {
		add("enable_peer_review", from.EnablePeerReview, to.EnablePeerReview)
	}
	if !stringSliceEqual(from.AssigneeRoles, to.AssigneeRoles) {
		add("assignee_roles", from.AssigneeRoles, to.AssigneeRoles)
	}
	if !stringSliceEqual(from.ApprovalRoles, to.ApprovalRoles) {
		add("approval_roles", from.ApprovalRoles, to.ApprovalRoles)
	}
	return diffs
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
