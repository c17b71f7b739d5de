package domain

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	// ErrStoreUnavailable wraps any I/O failure of the persistent store.
	// The write that produced it did not happen.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound reports an absent session or tenant record.
	ErrNotFound = errors.New("not found")

	// ErrGenerationTimeout means the generation call exceeded its deadline.
	// No turn was appended.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGenerationFailure means the generation call failed. No turn was appended.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrSummarizationFailure is non-fatal: compaction was skipped for this cycle.
	ErrSummarizationFailure = errors.New("summarization failed")

	// ErrIsolationViolation marks a code path that would read or write data
	// under the wrong tenant. It is a defect, never an expected condition.
	ErrIsolationViolation = errors.New("tenant isolation violation")

	// ErrInvalidTransition is returned for state changes outside the session state machine.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrInvalidInput reports caller-supplied data that fails validation.
	ErrInvalidInput = errors.New("invalid input")
)
