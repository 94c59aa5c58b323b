package audit

import "errors"

// Error taxonomy for audit runs. Components wrap these sentinels with %w so
// callers can branch with errors.Is.
var (
	// ErrValidation marks bad submission input; surfaced immediately and
	// never retried at the job level.
	ErrValidation = errors.New("invalid audit input")

	// ErrStateLoad marks a transient snapshot load failure; retried within
	// the loader before becoming fatal to the run.
	ErrStateLoad = errors.New("crawl state load failed")

	// ErrExecution marks a crawl or report-generation failure; retried at
	// the job level up to the job's max attempts.
	ErrExecution = errors.New("audit execution failed")

	// ErrTimeout marks the per-run wall-clock ceiling firing.
	ErrTimeout = errors.New("audit run timed out")

	// ErrSessionNotFound is returned for reads against an absent or
	// expired session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRecordNotFound is returned when the record store has no matching
	// audit record.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrUnknownJobKind marks a submission whose kind has no handler.
	ErrUnknownJobKind = errors.New("unknown job type")
)
