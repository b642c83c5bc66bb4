package sync

import (
	"fmt"
	"strings"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
)

// DefaultTenantAttribute is the custom directory attribute carrying the
// tenant id of an account.
const DefaultTenantAttribute = "custom:tenant_id"

// Normalizer converts raw directory records into the canonical shape the
// rest of the pipeline works with. Pure transform: no I/O, no side effects.
type Normalizer struct {
	// TenantAttribute overrides DefaultTenantAttribute when non-empty.
	TenantAttribute string
}

func (n Normalizer) tenantAttribute() string {
	if n.TenantAttribute != "" {
		return n.TenantAttribute
	}
	return DefaultTenantAttribute
}

// Normalize produces a NormalizedUser from one raw directory record.
//
// A record without a subject id is unusable and fails with
// ErrMissingSubjectID. A missing name falls back to the local part of the
// email. A missing tenant attribute is not an error here; tenant
// resolution happens at upsert time.
func (n Normalizer) Normalize(raw entity.ExternalUserRecord) (entity.NormalizedUser, error) {
	subject := strings.TrimSpace(raw.SubjectID)
	if subject == "" {
		subject = strings.TrimSpace(raw.Attributes["sub"])
	}
	if subject == "" {
		return entity.NormalizedUser{}, fmt.Errorf("normalize %q: %w", raw.Username, ErrMissingSubjectID)
	}

	email := strings.TrimSpace(raw.Email)
	if email == "" {
		email = strings.TrimSpace(raw.Attributes["email"])
	}
	email = strings.ToLower(email)

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = strings.TrimSpace(raw.Attributes["name"])
	}
	if name == "" {
		name = emailLocalPart(email)
	}

	return entity.NormalizedUser{
		SubjectID:      subject,
		Email:          email,
		Name:           name,
		TenantID:       strings.TrimSpace(raw.Attributes[n.tenantAttribute()]),
		Groups:         raw.Groups,
		Enabled:        raw.Enabled,
		ExternalStatus: raw.ExternalStatus,
	}, nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
