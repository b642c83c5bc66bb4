package sync

import (
	"errors"

	userrepo "github.com/classmirror/service-sync-go/internal/user/repo"
)

// sentinel errors for the failure taxonomy; the pipeline classifies with
// errors.Is so wrapped causes stay visible in reports and logs.
var (
	// ErrDirectoryUnavailable wraps a failed listing call. Fatal: the run
	// aborts with zero records processed.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrMissingSubjectID marks a directory record without a subject id.
	// Per-record skip.
	ErrMissingSubjectID = errors.New("missing subject id")

	// ErrTenantNotFound marks a record whose tenant attribute does not
	// resolve to a known tenant. Per-record skip, nothing written. Shared
	// with the storage layer, which raises the same condition on a
	// foreign-key violation.
	ErrTenantNotFound = userrepo.ErrTenantNotFound

	// ErrRunInProgress is returned when a batch run is triggered while
	// another run holds the engine.
	ErrRunInProgress = errors.New("sync run already in progress")
)

// retryable reports whether a per-record failure is worth a second pass:
// transient storage or directory trouble is, a structurally bad record is
// not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrMissingSubjectID) && !errors.Is(err, ErrTenantNotFound)
}
