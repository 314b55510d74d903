package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

func scanRule(scan func(dest ...any) error) (domain.TriageRule, error) {
	var ru domain.TriageRule
	var message sql.NullString
	var active int
	err := scan(&ru.ID, &ru.OrgID, &ru.Name, &ru.TargetKind, &ru.Field, &ru.Operator, &ru.Value,
		&ru.Action, &message, &ru.Priority, &ru.Version, &active, &ru.CreatedAt, &ru.UpdatedAt)
	if err != nil {
		return ru, err
	}
	if message.Valid {
		ru.Message = message.String
	}
	ru.Active = active != 0
	return ru, nil
}

const ruleColumns = `id,org_id,name,target_kind,field,operator,value,action,message,priority,version,active,created_at,updated_at`

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, p tenant.Principal, ru domain.TriageRule) error {
	_, err := r.runner(tx).ExecContext(ctx, `INSERT INTO triage_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ru.ID, p.OrgID, ru.Name, string(ru.TargetKind), ru.Field, ru.Operator, ru.Value, ru.Action,
		nullable(ru.Message), ru.Priority, ru.Version, boolInt(ru.Active), ru.CreatedAt, ru.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return tenant.ConflictError{Msg: "rule name already exists"}
	}
	return err
}

func (r Repo) GetRule(ctx context.Context, p tenant.Principal, id string) (domain.TriageRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM triage_rules WHERE id=?`, id)
	ru, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return domain.TriageRule{}, ErrNotFound
	}
	if err != nil {
		return domain.TriageRule{}, err
	}
	if ru.OrgID != p.OrgID {
		return domain.TriageRule{}, tenant.ViolationError{Kind: "rule", ID: id}
	}
	return ru, nil
}

// ListRules returns the org's rules in evaluation order: priority, then id as
// the creation-order tiebreak.
func (r Repo) ListRules(ctx context.Context, p tenant.Principal, activeOnly bool) ([]domain.TriageRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM triage_rules WHERE org_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY priority ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, p.OrgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriageRule
	for rows.Next() {
		ru, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ru)
	}
	return res, rows.Err()
}

// UpdateRule replaces the mutable columns and bumps version so already-fired
// entities become eligible again under the new terms.
func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, p tenant.Principal, ru domain.TriageRule) error {
	res, err := r.runner(tx).ExecContext(ctx, `UPDATE triage_rules
SET name=?, target_kind=?, field=?, operator=?, value=?, action=?, message=?, priority=?, version=version+1, updated_at=?
WHERE id=? AND org_id=?`,
		ru.Name, string(ru.TargetKind), ru.Field, ru.Operator, ru.Value, ru.Action, nullable(ru.Message),
		ru.Priority, ru.UpdatedAt, ru.ID, p.OrgID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return tenant.ConflictError{Msg: "rule name already exists"}
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRuleActive(ctx context.Context, tx *sql.Tx, p tenant.Principal, id string, active bool, updatedAt string) error {
	res, err := r.runner(tx).ExecContext(ctx, `UPDATE triage_rules SET active=?, updated_at=? WHERE id=? AND org_id=?`,
		boolInt(active), updatedAt, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, p tenant.Principal, id string) error {
	res, err := r.runner(tx).ExecContext(ctx, `DELETE FROM triage_rules WHERE id=? AND org_id=?`, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRuleFired records that a rule version acted on an entity. Returns false
// when the firing was already recorded, which callers treat as "skip".
func (r Repo) MarkRuleFired(ctx context.Context, tx *sql.Tx, ruleID, entityID string, version int, firedAt string) (bool, error) {
	res, err := r.runner(tx).ExecContext(ctx,
		`INSERT OR IGNORE INTO rule_firings(rule_id,entity_id,rule_version,fired_at) VALUES (?,?,?,?)`,
		ruleID, entityID, version, firedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
