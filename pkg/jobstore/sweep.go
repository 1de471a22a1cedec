package jobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EvaluateReadyJobs recomputes the status of every active job (or only
// jobID, when it is not uuid.Nil), persists any status that changed, and
// returns the jobs that are ReadyForChecks.
//
// The sweep is idempotent and safe to run alongside ingestion: ingestion
// only adds working records, so a sweep that races it under-counts and a
// later sweep catches up. Failed jobs are skipped.
func (s *Store) EvaluateReadyJobs(ctx context.Context, jobID uuid.UUID) ([]JobRecord, error) {
	const op = "evaluate_ready_jobs"

	var (
		jobs []JobRecord
		err  error
	)
	if jobID == uuid.Nil {
		jobs, err = queryJobs(ctx, s.db,
			`SELECT `+jobColumns+` FROM active_jobs ORDER BY submitted_at ASC, job_id ASC`)
		if err != nil {
			return nil, fmt.Errorf("%s: list active jobs: %w", op, err)
		}
	} else {
		job, err := getActiveJob(ctx, s.db, jobID)
		if err != nil {
			return nil, jobErr(op, jobID, err)
		}
		if job == nil {
			if err := rejectArchived(ctx, s.db, jobID); err != nil {
				return nil, jobErr(op, jobID, err)
			}
			return nil, jobErr(op, jobID, ErrJobNotFound)
		}
		jobs = []JobRecord{*job}
	}

	var ready []JobRecord
	for _, job := range jobs {
		if job.Status == JobStatusFailed {
			s.log.Warn("Skipping failed job",
				zap.String("job_id", job.JobID.String()),
				zap.String("cause", failureCause(job)))
			continue
		}

		counts, err := countWorking(ctx, s.db, job.JobID)
		if err != nil {
			return nil, jobErr(op, job.JobID, err)
		}

		next := nextStatus(job, counts)
		if next != job.Status {
			updated, err := s.advance(ctx, job, next)
			if err != nil {
				return nil, jobErr(op, job.JobID, err)
			}
			if !updated {
				continue
			}
			s.log.Info("Job status advanced",
				zap.String("job_id", job.JobID.String()),
				zap.String("from", string(job.Status)),
				zap.String("to", string(next)),
				zap.Int("expected_sets", counts.ExpectedSets),
				zap.Int("expected_files", counts.ExpectedFiles),
				zap.Int("file_outcomes", counts.FileOutcomes))
			job.Status = next
		}

		if job.Status == JobStatusReadyForChecks {
			ready = append(ready, job)
		}
	}

	return ready, nil
}

// advance persists a forward transition, guarded on the status the sweep read
// so a concurrent MarkFailed is never overwritten.
func (s *Store) advance(ctx context.Context, job JobRecord, next JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_jobs SET status = ? WHERE job_id = ? AND status = ?`,
		string(next), job.JobID.String(), string(job.Status))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		s.log.Warn("Job changed during sweep; leaving for next sweep",
			zap.String("job_id", job.JobID.String()))
		return false, nil
	}
	return true, nil
}

// ListActiveJobs returns every job not yet archived, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]JobRecord, error) {
	jobs, err := queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM active_jobs ORDER BY submitted_at ASC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// GetActiveJob returns a job from the active store.
func (s *Store) GetActiveJob(ctx context.Context, jobID uuid.UUID) (*JobRecord, error) {
	const op = "get_active_job"
	job, err := getActiveJob(ctx, s.db, jobID)
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}
	if job == nil {
		if err := rejectArchived(ctx, s.db, jobID); err != nil {
			return nil, jobErr(op, jobID, err)
		}
		return nil, jobErr(op, jobID, ErrJobNotFound)
	}
	return job, nil
}

func failureCause(job JobRecord) string {
	if job.Failure == nil {
		return ""
	}
	return job.Failure.Cause
}
