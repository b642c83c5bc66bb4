package entity

// ExternalUserRecord is one raw directory entry as returned by the IdP.
// It is fetched fresh each run and never persisted as-is.
type ExternalUserRecord struct {
	SubjectID      string
	Username       string
	Email          string
	Name           string
	Attributes     map[string]string
	Enabled        bool
	ExternalStatus string
	Groups         []string
}

// NormalizedUser is the canonical shape of a directory entry after
// attribute normalization, ready for mapping and storage.
type NormalizedUser struct {
	SubjectID      string
	Email          string
	Name           string
	TenantID       string
	Groups         []string
	Enabled        bool
	ExternalStatus string
}
