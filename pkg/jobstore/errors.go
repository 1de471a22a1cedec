package jobstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/jobtally/pkg/message"
)

// Sentinel errors for job store operations.
var (
	// ErrJobArchived indicates a message or operation referenced a job that
	// has already been completed and archived.
	ErrJobArchived = errors.New("job already archived")

	// ErrJobNotFound indicates the job is not in the store the operation reads.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFailed indicates the job is already in the Failed state.
	ErrJobFailed = errors.New("job already failed")

	// ErrEmptyCollection indicates a completing job has no working records of
	// a required kind.
	ErrEmptyCollection = errors.New("working collection is empty")

	// ErrInvalidMessage indicates a message failed validation.
	ErrInvalidMessage = message.ErrInvalid
)

// JobError wraps a job store error with the operation and job it concerns.
type JobError struct {
	// Op is the operation that failed (e.g., "complete", "mark_failed").
	Op string

	// JobID is the job the operation targeted.
	JobID uuid.UUID

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %s: %v", e.Op, e.JobID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

func jobErr(op string, jobID uuid.UUID, err error) error {
	return &JobError{Op: op, JobID: jobID, Err: err}
}

// IsJobArchived returns true if the error indicates the job was already archived.
func IsJobArchived(err error) bool {
	return errors.Is(err, ErrJobArchived)
}

// IsJobNotFound returns true if the error indicates the job does not exist.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsJobFailed returns true if the error indicates the job was already failed.
func IsJobFailed(err error) bool {
	return errors.Is(err, ErrJobFailed)
}

// IsEmptyCollection returns true if a completing job had no working records.
func IsEmptyCollection(err error) bool {
	return errors.Is(err, ErrEmptyCollection)
}

// IsInvalidMessage returns true if the error indicates a malformed message.
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}
