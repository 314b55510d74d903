package repo

import (
	"context"
	"database/sql"
	"errors"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

// Repo is the tenant-scoped store adapter. Every read and write takes the
// acting principal and is constrained to its org_id; a row that exists under
// another org is indistinguishable from a missing row except for the typed
// violation returned by id-addressed lookups.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner picks the transaction when one is supplied, the pool otherwise.
func (r Repo) runner(tx *sql.Tx) interface {
	execer
	querier
} {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertDepartment(ctx context.Context, p tenant.Principal, d domain.Department) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO departments(id,org_id,name,manager_id) VALUES (?,?,?,?)`,
		d.ID, p.OrgID, d.Name, nullableStringPtr(d.ManagerID))
	return err
}

func (r Repo) GetDepartment(ctx context.Context, p tenant.Principal, id string) (domain.Department, error) {
	var d domain.Department
	var managerID sql.NullString
	var orgID string
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,manager_id FROM departments WHERE id=?`, id).
		Scan(&d.ID, &orgID, &d.Name, &managerID)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if orgID != p.OrgID {
		return domain.Department{}, tenant.ViolationError{Kind: "department", ID: id}
	}
	d.OrgID = orgID
	if managerID.Valid {
		d.ManagerID = &managerID.String
	}
	return d, nil
}
