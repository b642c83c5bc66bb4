package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	syncentity "github.com/classmirror/service-sync-go/internal/sync/entity"
	"github.com/classmirror/service-sync-go/internal/user/entity"
	"github.com/classmirror/service-sync-go/pkg/utilities"
)

// ErrTenantNotFound is returned when an upsert references a tenant id that
// is not present in the tenants table.
var ErrTenantNotFound = errors.New("tenant not found")

// MirrorRepo provides data access for the user mirror and the role
// sub-tables using sqlx.
type MirrorRepo struct {
	db *sqlx.DB
}

func NewMirrorRepo(db *sqlx.DB) *MirrorRepo { return &MirrorRepo{db: db} }

// EnsureTables creates the mirror, role and run-state tables if not exists
// (idempotent). Convenience for early development; prefer migrations in
// production.
func (r *MirrorRepo) EnsureTables(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS user_mirrors (
  id varchar(32) PRIMARY KEY,
  subject_id TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  tenant_id varchar(32) NOT NULL REFERENCES tenants(id),
  role TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_user_mirrors_tenant ON user_mirrors(tenant_id);
CREATE INDEX IF NOT EXISTS idx_user_mirrors_role ON user_mirrors(role);

CREATE TABLE IF NOT EXISTS manager_records (
  id varchar(32) PRIMARY KEY,
  user_id varchar(32) NOT NULL UNIQUE REFERENCES user_mirrors(id),
  tenant_id varchar(32) NOT NULL REFERENCES tenants(id),
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS principal_records (
  id varchar(32) PRIMARY KEY,
  user_id varchar(32) NOT NULL UNIQUE REFERENCES user_mirrors(id),
  tenant_id varchar(32) NOT NULL REFERENCES tenants(id),
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS teacher_records (
  id varchar(32) PRIMARY KEY,
  user_id varchar(32) NOT NULL UNIQUE REFERENCES user_mirrors(id),
  tenant_id varchar(32) NOT NULL REFERENCES tenants(id),
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS student_records (
  id varchar(32) PRIMARY KEY,
  user_id varchar(32) NOT NULL UNIQUE REFERENCES user_mirrors(id),
  tenant_id varchar(32) NOT NULL REFERENCES tenants(id),
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sync_state (
  id INT PRIMARY KEY,
  last_run_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// UpsertMirror writes one user mirror row keyed by subject_id as a single
// atomic statement: insert if absent, update email/name/role/status only
// when at least one differs. Safe to re-run under at-least-once delivery.
func (r *MirrorRepo) UpsertMirror(ctx context.Context, u syncentity.NormalizedUser, role entity.Role, status entity.Status) (string, syncentity.Outcome, error) {
	const q = `
INSERT INTO user_mirrors (id, subject_id, email, name, tenant_id, role, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
ON CONFLICT (subject_id) DO UPDATE SET
  email = EXCLUDED.email,
  name = EXCLUDED.name,
  role = EXCLUDED.role,
  status = EXCLUDED.status,
  updated_at = NOW()
WHERE (user_mirrors.email, user_mirrors.name, user_mirrors.role, user_mirrors.status)
  IS DISTINCT FROM (EXCLUDED.email, EXCLUDED.name, EXCLUDED.role, EXCLUDED.status)
RETURNING id, (xmax = 0) AS inserted`

	var row struct {
		ID       string `db:"id"`
		Inserted bool   `db:"inserted"`
	}
	err := r.db.GetContext(ctx, &row, q, utilities.NewKSUID(), u.SubjectID, u.Email, u.Name, u.TenantID, role, status)
	if err == nil {
		if row.Inserted {
			return row.ID, syncentity.OutcomeCreated, nil
		}
		return row.ID, syncentity.OutcomeUpdated, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		// conflict with a false update predicate: the row exists and
		// already matches; fetch the id without writing
		var id string
		if err := r.db.GetContext(ctx, &id, `SELECT id FROM user_mirrors WHERE subject_id = $1`, u.SubjectID); err != nil {
			return "", "", fmt.Errorf("load unchanged mirror %s: %w", u.SubjectID, err)
		}
		return id, syncentity.OutcomeUnchanged, nil
	}
	if isForeignKeyViolation(err) {
		return "", "", fmt.Errorf("upsert mirror %s: tenant %q: %w", u.SubjectID, u.TenantID, ErrTenantNotFound)
	}
	return "", "", fmt.Errorf("upsert mirror %s: %w", u.SubjectID, err)
}

// roleTable maps a role to its sub-table. The switch doubles as a
// whitelist so table names never come from input data.
func roleTable(role entity.Role) (string, bool) {
	switch role {
	case entity.RoleManager:
		return "manager_records", true
	case entity.RolePrincipal:
		return "principal_records", true
	case entity.RoleTeacher:
		return "teacher_records", true
	case entity.RoleStudent:
		return "student_records", true
	}
	return "", false
}

// InsertRoleRecordIfAbsent creates the role-specific sub-record for a user
// unless one already exists. Existing rows are never touched; admins have
// no sub-table and report created=false.
func (r *MirrorRepo) InsertRoleRecordIfAbsent(ctx context.Context, role entity.Role, userID, tenantID string, status entity.Status) (bool, error) {
	table, ok := roleTable(role)
	if !ok {
		return false, nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, tenant_id, status, created_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id) DO NOTHING`, table)
	res, err := r.db.ExecContext(ctx, q, utilities.NewKSUID(), userID, tenantID, status)
	if err != nil {
		return false, fmt.Errorf("insert %s for user %s: %w", table, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetBySubjectID fetches a full mirror row or sql.ErrNoRows.
func (r *MirrorRepo) GetBySubjectID(ctx context.Context, subjectID string) (*entity.UserMirror, error) {
	const q = `SELECT id, subject_id, email, name, tenant_id, role, status, created_at, updated_at
  FROM user_mirrors WHERE subject_id = $1`
	var row entity.UserMirror
	if err := r.db.GetContext(ctx, &row, q, subjectID); err != nil {
		return nil, err
	}
	return &row, nil
}

// CountMirrors returns the number of mirrored users.
func (r *MirrorRepo) CountMirrors(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM user_mirrors`); err != nil {
		return 0, err
	}
	return n, nil
}

// Statistics aggregates mirror counts by role and by status.
func (r *MirrorRepo) Statistics(ctx context.Context) (*syncentity.Statistics, error) {
	stats := &syncentity.Statistics{
		ByRole:   map[entity.Role]int{},
		ByStatus: map[entity.Status]int{},
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT role, status, COUNT(*) FROM user_mirrors GROUP BY role, status`)
	if err != nil {
		return nil, fmt.Errorf("mirror statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role entity.Role
		var status entity.Status
		var n int
		if err := rows.Scan(&role, &status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.ByRole[role] += n
		stats.ByStatus[status] += n
	}
	return stats, rows.Err()
}

// TouchLastRun records the completion time of a sync run in the single-row
// sync_state table.
func (r *MirrorRepo) TouchLastRun(ctx context.Context, at time.Time) error {
	const q = `INSERT INTO sync_state (id, last_run_at, updated_at) VALUES (1, $1, NOW())
ON CONFLICT (id) DO UPDATE SET last_run_at = EXCLUDED.last_run_at, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, q, at)
	return err
}

// LastRunAt returns the completion time of the most recent run, or nil
// when no run has completed yet.
func (r *MirrorRepo) LastRunAt(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.GetContext(ctx, &t, `SELECT last_run_at FROM sync_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
