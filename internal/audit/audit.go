// Package audit is the append-only activity log. Entries are written inside
// the caller's transaction so a rolled-back operation leaves no trace, and
// detail structs stay typed until the storage edge.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one audit record before storage. Details may be any
// JSON-marshalable value; it is serialized exactly once, here.
type Entry struct {
	OrgID      string
	ActorID    string
	Action     string
	TargetKind string
	TargetID   string
	Details    any
}

// Well-known actions. Triage actions are namespaced triage:<action>.
const (
	ActionTenantViolation      = "tenant_violation"
	ActionTriageError          = "triage:error"
	ActionEscalationUnresolved = "escalation_unresolved"
	ActionTaskStale            = "task:stale"
	ActionTaskFailed           = "task:failed"
	ActionConfigUpdate         = "config:update"
)

// RuleFired builds the detail payload recorded for every triage action.
type RuleFired struct {
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name"`
	FieldCondition string   `json:"field_condition"`
	ActionType     string   `json:"action_type"`
	PreviousStatus string   `json:"previous_status,omitempty"`
	NewStatus      string   `json:"new_status,omitempty"`
	ChangesMade    []string `json:"changes_made"`
	ActionApplied  bool     `json:"action_applied"`
	RuleMessage    string   `json:"rule_message,omitempty"`
}

// ConfigDiff records one changed configuration field.
type ConfigDiff struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Record appends an entry inside tx. Pass a nil tx to write directly, e.g.
// from workers that have no surrounding transaction.
func (w Writer) Record(ctx context.Context, tx *sql.Tx, e Entry) error {
	var details any
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(data)
	}
	occurredAt := w.now().UTC().Format(time.RFC3339)
	query := `INSERT INTO audit_entries(org_id,actor_id,action,target_kind,target_id,details_json,occurred_at) VALUES (?,?,?,?,?,?,?)`
	args := []any{e.OrgID, nullable(e.ActorID), e.Action, e.TargetKind, nullable(e.TargetID), details, occurredAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// Filters narrow a Query. Zero values are ignored.
type Filters struct {
	Since        string
	Until        string
	ActionPrefix string
	TargetKind   string
	TargetID     string
	Limit        int
}

// Query reads the org's entries, newest first.
func (w Writer) Query(ctx context.Context, p tenant.Principal, f Filters) ([]domain.AuditEntry, error) {
	clauses := []string{"org_id=?"}
	args := []any{p.OrgID}
	if f.Since != "" {
		clauses = append(clauses, "occurred_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "occurred_at<?")
		args = append(args, f.Until)
	}
	if f.ActionPrefix != "" {
		clauses = append(clauses, "action LIKE ?")
		args = append(args, f.ActionPrefix+"%")
	}
	if f.TargetKind != "" {
		clauses = append(clauses, "target_kind=?")
		args = append(args, f.TargetKind)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	query := `SELECT id,org_id,actor_id,action,target_kind,target_id,details_json,occurred_at FROM audit_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actorID, targetID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.OrgID, &actorID, &e.Action, &e.TargetKind, &targetID, &details, &e.OccurredAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		if targetID.Valid {
			e.TargetID = targetID.String
		}
		if details.Valid {
			e.Details = details.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
