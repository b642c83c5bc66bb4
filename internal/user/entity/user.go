package entity

import "time"

// Role is the internal role of a mirrored user, derived from IdP group
// membership. Values are stored as-is in the `role` column.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RolePrincipal Role = "principal"
	RoleTeacher   Role = "teacher"
	RoleStudent   Role = "student"
)

// HasRoleTable reports whether the role carries a role-specific sub-table.
// Admin is mirror-only.
func (r Role) HasRoleTable() bool {
	switch r {
	case RoleManager, RolePrincipal, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

// Status is the internal account status of a mirrored user, derived from
// the IdP status flags.
type Status string

const (
	StatusActive                Status = "active"
	StatusPending               Status = "pending"
	StatusPasswordResetRequired Status = "password_reset_required"
	StatusArchived              Status = "archived"
	StatusInactive              Status = "inactive"
)

// UserMirror is a row in the `user_mirrors` table: the local copy of one
// IdP account. subject_id is the natural key; role and status are always
// the mapped output of the latest directory snapshot.
type UserMirror struct {
	ID        string    `db:"id" json:"id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Role      Role      `db:"role" json:"role"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RoleRecord is a row in one of the role sub-tables
// (manager_records / principal_records / teacher_records / student_records).
// At most one row exists per (user, role type); once written it is never
// updated by the sync engine.
type RoleRecord struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
