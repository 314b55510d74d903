package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

// FieldType classifies a whitelisted entity field for comparison purposes.
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumber
	FieldTime
)

// EntityFields is the set of fields a rule or filter may reference. Anything
// outside this map is rejected at validation time; nothing is resolved by
// reflection.
var EntityFields = map[string]FieldType{
	"title":          FieldText,
	"status":         FieldText,
	"priority":       FieldText,
	"estimated_cost": FieldNumber,
	"assignee_id":    FieldText,
	"department_id":  FieldText,
	"created_by":     FieldText,
	"created_at":     FieldTime,
	"updated_at":     FieldTime,
	"approved_at":    FieldTime,
}

var kindTables = map[domain.Kind]string{
	domain.KindProblem:      "problems",
	domain.KindBusinessCase: "business_cases",
	domain.KindProject:      "projects",
	domain.KindEpic:         "epics",
}

func tableFor(kind domain.Kind) (string, error) {
	t, ok := kindTables[kind]
	if !ok {
		return "", tenant.InvalidError{Field: "kind", Msg: fmt.Sprintf("unknown entity kind %q", kind)}
	}
	return t, nil
}

// Comparison operators for entity filters.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterLt
	FilterLe
	FilterGt
	FilterGe
	FilterContains
	FilterOlderThan
)

// Clause is one field comparison. Clauses combine with AND only.
type Clause struct {
	Field string
	Op    FilterOp
	Str   string
	Num   float64
	Days  int
}

func Eq(field, v string) Clause            { return Clause{Field: field, Op: FilterEq, Str: v} }
func EqNum(field string, v float64) Clause { return Clause{Field: field, Op: FilterEq, Num: v} }
func Lt(field string, v float64) Clause    { return Clause{Field: field, Op: FilterLt, Num: v} }
func Le(field string, v float64) Clause    { return Clause{Field: field, Op: FilterLe, Num: v} }
func Gt(field string, v float64) Clause    { return Clause{Field: field, Op: FilterGt, Num: v} }
func Ge(field string, v float64) Clause    { return Clause{Field: field, Op: FilterGe, Num: v} }
func Contains(field, v string) Clause      { return Clause{Field: field, Op: FilterContains, Str: v} }
func OlderThan(field string, days int) Clause {
	return Clause{Field: field, Op: FilterOlderThan, Days: days}
}

// whereClause renders clauses into SQL. now anchors OlderThan cutoffs so a
// whole sweep sees one consistent notion of "today".
func whereClause(clauses []Clause, now time.Time) (string, []any, error) {
	parts := []string{"org_id=?"}
	var args []any
	for _, c := range clauses {
		ft, ok := EntityFields[c.Field]
		if !ok {
			return "", nil, tenant.InvalidError{Field: "field", Msg: fmt.Sprintf("unknown field %q", c.Field)}
		}
		switch c.Op {
		case FilterEq:
			parts = append(parts, c.Field+"=?")
			if ft == FieldNumber {
				args = append(args, c.Num)
			} else {
				args = append(args, c.Str)
			}
		case FilterContains:
			if ft != FieldText {
				return "", nil, tenant.InvalidError{Field: c.Field, Msg: "contains requires a text field"}
			}
			parts = append(parts, c.Field+" LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(c.Str)+"%")
		case FilterLt, FilterLe, FilterGt, FilterGe:
			if ft != FieldNumber {
				return "", nil, tenant.InvalidError{Field: c.Field, Msg: "numeric comparison requires a numeric field"}
			}
			op := map[FilterOp]string{FilterLt: "<", FilterLe: "<=", FilterGt: ">", FilterGe: ">="}[c.Op]
			parts = append(parts, c.Field+op+"?")
			args = append(args, c.Num)
		case FilterOlderThan:
			if ft != FieldTime {
				return "", nil, tenant.InvalidError{Field: c.Field, Msg: "days_ago requires a time field"}
			}
			cutoff := now.UTC().AddDate(0, 0, -c.Days).Format(time.RFC3339)
			parts = append(parts, c.Field+" IS NOT NULL AND "+c.Field+" < ?")
			args = append(args, cutoff)
		default:
			return "", nil, tenant.InvalidError{Field: c.Field, Msg: "unknown operator"}
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	return strings.ReplaceAll(v, "_", `\_`)
}

const entityColumns = `id,org_id,title,status,priority,estimated_cost,assignee_id,department_id,created_by,created_at,updated_at,approved_at`

func scanEntity(kind domain.Kind, scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var priority, assigneeID, departmentID, createdBy, approvedAt sql.NullString
	var cost sql.NullFloat64
	err := scan(&e.ID, &e.OrgID, &e.Title, &e.Status, &priority, &cost, &assigneeID, &departmentID, &createdBy, &e.CreatedAt, &e.UpdatedAt, &approvedAt)
	if err != nil {
		return e, err
	}
	e.Kind = kind
	e.Status = domain.NormalizeStatus(e.Status)
	if priority.Valid {
		e.Priority = priority.String
	}
	if cost.Valid {
		e.EstimatedCost = &cost.Float64
	}
	if assigneeID.Valid {
		e.AssigneeID = &assigneeID.String
	}
	if departmentID.Valid {
		e.DepartmentID = &departmentID.String
	}
	if createdBy.Valid {
		e.CreatedBy = createdBy.String
	}
	if approvedAt.Valid {
		e.ApprovedAt = &approvedAt.String
	}
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, p tenant.Principal, e domain.Entity) error {
	table, err := tableFor(e.Kind)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO `+table+`(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, p.OrgID, e.Title, e.Status, nullable(e.Priority), nullableFloatPtr(e.EstimatedCost),
		nullableStringPtr(e.AssigneeID), nullableStringPtr(e.DepartmentID), nullable(e.CreatedBy),
		e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.ApprovedAt))
	return err
}

// GetEntity returns the entity by id. A row under another org yields a
// tenant violation, not a not-found, so callers can audit the attempt.
func (r Repo) GetEntity(ctx context.Context, p tenant.Principal, kind domain.Kind, id string) (domain.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return domain.Entity{}, err
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM `+table+` WHERE id=?`, id)
	e, err := scanEntity(kind, row.Scan)
	if err == sql.ErrNoRows {
		return domain.Entity{}, ErrNotFound
	}
	if err != nil {
		return domain.Entity{}, err
	}
	if e.OrgID != p.OrgID {
		return domain.Entity{}, tenant.ViolationError{Kind: string(kind), ID: id}
	}
	return e, nil
}

// ListEntities returns entities of one kind matching every clause, ordered by
// (created_at, id) ascending so sweeps process oldest first.
func (r Repo) ListEntities(ctx context.Context, p tenant.Principal, kind domain.Kind, clauses []Clause, now time.Time, limit int) ([]domain.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(clauses, now)
	if err != nil {
		return nil, err
	}
	args = append([]any{p.OrgID}, args...)
	query := `SELECT ` + entityColumns + ` FROM ` + table + ` WHERE ` + where + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEntities counts matches without loading rows; used by rule dry runs.
func (r Repo) CountEntities(ctx context.Context, p tenant.Principal, kind domain.Kind, clauses []Clause, now time.Time) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(clauses, now)
	if err != nil {
		return 0, err
	}
	args = append([]any{p.OrgID}, args...)
	var n int
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+table+` WHERE `+where, args...).Scan(&n)
	return n, err
}

// UpdateEntityFields updates whitelisted columns on an org-owned row. Zero
// affected rows means the entity is gone (or never was this org's).
func (r Repo) UpdateEntityFields(ctx context.Context, tx *sql.Tx, p tenant.Principal, kind domain.Kind, id string, fields map[string]any) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var args []any
	for _, f := range []string{"title", "status", "priority", "estimated_cost", "assignee_id", "department_id", "updated_at", "approved_at"} {
		v, ok := fields[f]
		if !ok {
			continue
		}
		sets = append(sets, f+"=?")
		args = append(args, v)
	}
	if len(sets) != len(fields) {
		return tenant.InvalidError{Field: "fields", Msg: "update touches a non-updatable field"}
	}
	args = append(args, id, p.OrgID)
	res, err := r.runner(tx).ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(sets, ",")+` WHERE id=? AND org_id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEntity(ctx context.Context, p tenant.Principal, kind domain.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=? AND org_id=?`, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
