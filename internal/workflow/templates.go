package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"caseline/internal/audit"
	"caseline/internal/domain"
	"caseline/internal/tenant"
)

// CreateTemplate validates the definition and stores it at revision 1.
func (d *Dispatcher) CreateTemplate(ctx context.Context, p tenant.Principal, name, definition string, active bool) (domain.WorkflowTemplate, error) {
	if name == "" {
		return domain.WorkflowTemplate{}, tenant.InvalidError{Field: "name", Msg: "name is required"}
	}
	if _, err := Parse(definition); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	now := d.now().UTC().Format(time.RFC3339)
	tmpl := domain.WorkflowTemplate{
		ID:         uuid.NewString(),
		OrgID:      p.OrgID,
		Name:       name,
		Definition: definition,
		Active:     active,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertTemplate(ctx, tx, p, tmpl); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := d.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "template:create",
		TargetKind: "workflow_template", TargetID: tmpl.ID,
		Details: map[string]any{"name": name},
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return tmpl, nil
}

// UpdateTemplate replaces name, definition and active flag, bumping the
// revision. Running executions keep the definition they started with only in
// the sense that already-persisted step records stand; a resumed execution
// re-reads the template.
func (d *Dispatcher) UpdateTemplate(ctx context.Context, p tenant.Principal, id, name, definition string, active bool) (domain.WorkflowTemplate, error) {
	if name == "" {
		return domain.WorkflowTemplate{}, tenant.InvalidError{Field: "name", Msg: "name is required"}
	}
	if _, err := Parse(definition); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if _, err := d.Repo.GetTemplate(ctx, p, id); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	now := d.now().UTC().Format(time.RFC3339)

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.UpdateTemplate(ctx, tx, p, domain.WorkflowTemplate{
		ID: id, Name: name, Definition: definition, Active: active, UpdatedAt: now,
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := d.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "template:update",
		TargetKind: "workflow_template", TargetID: id,
		Details: map[string]any{"name": name, "active": active},
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return d.Repo.GetTemplate(ctx, p, id)
}

func (d *Dispatcher) DeleteTemplate(ctx context.Context, p tenant.Principal, id string) error {
	if _, err := d.Repo.GetTemplate(ctx, p, id); err != nil {
		return err
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.DeleteTemplate(ctx, tx, p, id); err != nil {
		return err
	}
	if err := d.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "template:delete",
		TargetKind: "workflow_template", TargetID: id,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
