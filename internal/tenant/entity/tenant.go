package entity

import (
	"encoding/json"
	"time"
)

// Tenant is one organizational boundary (a school) scoping mirrored users
// and role records.
type Tenant struct {
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
