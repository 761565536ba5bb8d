package jobs

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("jobs: database handle is required")
	errMissingLedger   = errors.New("jobs: message ledger is required")
	errMissingCredits  = errors.New("jobs: credit account is required")
	errMissingCatalog  = errors.New("jobs: question catalog is required")
	errMissingMembers  = errors.New("jobs: member directory is required")
	errMissingProgress = errors.New("jobs: progress store is required")

	// ErrSurveyRequired indicates a job that needs a survey scope was called without one.
	ErrSurveyRequired = errors.New("jobs: survey is required")
	// ErrSurveyNotFound indicates the requested survey does not exist.
	ErrSurveyNotFound = errors.New("jobs: survey not found")
	// ErrGroupNotFound indicates the requested member group does not exist.
	ErrGroupNotFound = errors.New("jobs: group not found")
	// ErrSurveyHasNoQuestions indicates a survey without questions to send.
	ErrSurveyHasNoQuestions = errors.New("jobs: survey has no questions")
	// ErrUnsafeLimit indicates a batch limit above the configured safety ceiling.
	ErrUnsafeLimit = errors.New("jobs: limit exceeds safety ceiling")
	// ErrMessagesDisabled indicates that outbound messaging is switched off.
	ErrMessagesDisabled = errors.New("jobs: outbound messages are disabled")
	// ErrInvalidOptions indicates options that failed validation.
	ErrInvalidOptions = errors.New("jobs: invalid options")
)

// JobError carries a stable "operation.reason" code alongside the cause.
type JobError struct {
	code string
	err  error
}

func (e *JobError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *JobError) Unwrap() error {
	return e.err
}

func (e *JobError) Code() string {
	return e.code
}

const (
	opEngineNew       = "jobs.engine.new"
	opInitialize      = "jobs.initialize"
	opAdvance         = "jobs.advance"
	opRemind          = "jobs.remind"
	opResumeReminders = "jobs.resume_reminders"
	opRetryFailed     = "jobs.retry_failed"
	opReconcile       = "jobs.reconcile"
	opDedupe          = "jobs.dedupe"
	opCleanup         = "jobs.cleanup_reminders"
	opRedo            = "jobs.redo"
	opRecordResponse  = "jobs.record_response"
)

func newJobError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &JobError{code: code, err: cause}
}
