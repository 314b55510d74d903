package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

const userColumns = `id,org_id,email,name,role,department_id,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var departmentID sql.NullString
	err := scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Role, &departmentID, &u.CreatedAt)
	if departmentID.Valid {
		u.DepartmentID = &departmentID.String
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.OrgID, u.Email, u.Name, u.Role, nullableStringPtr(u.DepartmentID), u.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return tenant.ConflictError{Msg: "email already registered"}
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, p tenant.Principal, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	if u.OrgID != p.OrgID {
		return domain.User{}, tenant.ViolationError{Kind: "user", ID: id}
	}
	return u, nil
}

// GetUserUnscoped looks a user up without a tenant principal. Only the auth
// layer may call this, to bootstrap the principal from an API key.
func (r Repo) GetUserUnscoped(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// ListUsersByRole powers notify_admin and role-based assignment. Ordered by
// id so assignment resolution is deterministic.
func (r Repo) ListUsersByRole(ctx context.Context, p tenant.Principal, role string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE org_id=? AND role=? ORDER BY id ASC`,
		p.OrgID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// ManagerForUser resolves a user's department manager, for escalations.
// Returns ErrNotFound when the chain is broken anywhere.
func (r Repo) ManagerForUser(ctx context.Context, p tenant.Principal, userID string) (domain.User, error) {
	u, err := r.GetUser(ctx, p, userID)
	if err != nil {
		return domain.User{}, err
	}
	if u.DepartmentID == nil {
		return domain.User{}, ErrNotFound
	}
	d, err := r.GetDepartment(ctx, p, *u.DepartmentID)
	if err != nil {
		return domain.User{}, err
	}
	if d.ManagerID == nil || *d.ManagerID == userID {
		return domain.User{}, ErrNotFound
	}
	return r.GetUser(ctx, p, *d.ManagerID)
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the
// hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.UserID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,user_id,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}
