package repo

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/classmirror/service-sync-go/internal/tenant/entity"
)

// TenantRepo is the repository for the tenant registry backed by PostgreSQL.
type TenantRepo struct {
	db *sqlx.DB
}

func NewTenantRepo(db *sqlx.DB) *TenantRepo { return &TenantRepo{db: db} }

// EnsureTable creates the tenants table if it does not already exist.
func (r *TenantRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tenants (
  id varchar(32) PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create registers a tenant (idempotent on id).
func (r *TenantRepo) Create(ctx context.Context, t *entity.Tenant) error {
	if t.Metadata == nil {
		t.Metadata = json.RawMessage("{}")
	}
	const q = `INSERT INTO tenants (id, name, metadata) VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.Name, t.Metadata)
	return err
}

// GetByID fetches one tenant or sql.ErrNoRows.
func (r *TenantRepo) GetByID(ctx context.Context, id string) (*entity.Tenant, error) {
	const q = `SELECT id, name, metadata, created_at FROM tenants WHERE id = $1`
	var t entity.Tenant
	if err := r.db.GetContext(ctx, &t, q, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// IDs returns the set of known tenant ids. The sync service snapshots
// this once per run so tenant resolution stays off the per-record path.
func (r *TenantRepo) IDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM tenants`); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
