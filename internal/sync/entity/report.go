package entity

import (
	"time"

	userentity "github.com/classmirror/service-sync-go/internal/user/entity"
)

// Outcome classifies the result of one user's pipeline.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeWarning   Outcome = "warning"
	OutcomeFailed    Outcome = "failed"
)

// PerUserResult is the terminal state of one per-user pipeline. The
// orchestrator always returns one of these; errors never escape past it.
type PerUserResult struct {
	SubjectID string  `json:"subject_id"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	// Err carries the underlying error for classification; not serialized.
	Err error `json:"-"`
}

// RecordError is one per-record failure in a run report.
type RecordError struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"`
}

// RunReport aggregates the outcome of one batch run.
type RunReport struct {
	RunID       string        `json:"run_id"`
	TotalListed int           `json:"total_listed"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Warnings    int           `json:"warnings"`
	Errors      []RecordError `json:"errors"`
	Retried     int           `json:"retried,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Add folds one pipeline result into the report.
func (r *RunReport) Add(res PerUserResult) {
	switch res.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeWarning:
		r.Warnings++
	case OutcomeFailed:
		r.Errors = append(r.Errors, RecordError{SubjectID: res.SubjectID, Reason: res.Reason})
	}
}

// Processed is the number of records the run attempted, successful or not.
func (r *RunReport) Processed() int {
	return r.Created + r.Updated + r.Unchanged + r.Warnings + len(r.Errors)
}

// DriftStatus compares the external directory against the local mirror as
// a health signal.
type DriftStatus struct {
	Healthy           bool       `json:"healthy"`
	ExternalUserCount int        `json:"external_user_count"`
	LocalUserCount    int        `json:"local_user_count"`
	LastRunAt         *time.Time `json:"last_run_at"`
}

// Statistics holds aggregate mirror counts for operational monitoring.
type Statistics struct {
	Total    int                       `json:"total"`
	ByRole   map[userentity.Role]int   `json:"by_role"`
	ByStatus map[userentity.Status]int `json:"by_status"`
}
