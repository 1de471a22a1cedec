package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCauseRequired indicates MarkFailed was called without a failure cause.
var ErrCauseRequired = errors.New("failure cause is required")

// MarkFailed moves an active job to Failed and records the cause. Failed
// jobs stay in the active store and are skipped by every later sweep.
func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, cause string) (*FailedJobInfo, error) {
	const op = "mark_failed"

	cause = strings.TrimSpace(cause)
	if cause == "" {
		return nil, jobErr(op, jobID, ErrCauseRequired)
	}

	var (
		info *FailedJobInfo
		prev JobStatus
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rejectArchived(ctx, tx, jobID); err != nil {
			return err
		}
		job, err := getActiveJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return ErrJobNotFound
		}
		if job.Status == JobStatusFailed {
			return ErrJobFailed
		}

		failedAt := s.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE active_jobs SET status = ?, failure_cause = ?, failed_at = ?
			 WHERE job_id = ? AND status = ?`,
			string(JobStatusFailed), cause, formatDBTime(failedAt), jobID.String(), string(job.Status))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrJobFailed
		}

		prev = job.Status
		failed := *job
		failed.Status = JobStatusFailed
		failed.Failure = &FailureInfo{Cause: cause, FailedAt: failedAt}
		info = &FailedJobInfo{JobRecord: failed, FailedAt: failedAt, Cause: cause}
		return nil
	})
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}

	s.log.Warn("Job marked failed",
		zap.String("job_id", jobID.String()),
		zap.String("previous_status", string(prev)),
		zap.String("cause", cause))
	return info, nil
}
