package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StageAfterArchiveInsert is the failpoint hit after the Completed Job Info
// row is written and before the active row is deleted.
const StageAfterArchiveInsert = "after_archive_insert"

// Complete archives a job: in one transaction it writes the Completed Job
// Info snapshot, deletes the active row and copies both working tables into
// the archive. The working tables are dropped after commit; a failed drop
// only leaves an orphaned table that is never read again.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID) (*CompletedJobInfo, error) {
	const op = "complete"

	var info *CompletedJobInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getActiveJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			if err := rejectArchived(ctx, tx, jobID); err != nil {
				return err
			}
			return ErrJobNotFound
		}
		if job.Status == JobStatusFailed {
			return ErrJobFailed
		}
		if job.Status != JobStatusReadyForChecks {
			s.log.Warn("Completing job that is not ready for checks",
				zap.String("job_id", jobID.String()),
				zap.String("status", string(job.Status)))
		}

		esTable := expectedSetsTable(jobID)
		foTable := fileOutcomesTable(jobID)
		if err := requireNonEmpty(ctx, tx, esTable); err != nil {
			return err
		}
		if err := requireNonEmpty(ctx, tx, foTable); err != nil {
			return err
		}

		snapshot := *job
		snapshot.Status = JobStatusCompleted
		info = &CompletedJobInfo{JobRecord: snapshot, CompletedAt: s.now().UTC()}

		args, err := jobArgs(snapshot)
		if err != nil {
			return err
		}
		args = append(args, formatDBTime(info.CompletedAt))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO completed_jobs (`+jobColumns+`, completed_at)
			 VALUES (`+placeholders(len(args))+`)`, args...); err != nil {
			return fmt.Errorf("insert completed job: %w", err)
		}

		if err := s.hit(StageAfterArchiveInsert); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM active_jobs WHERE job_id = ?`, jobID.String()); err != nil {
			return fmt.Errorf("delete active job: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_expected_sets (job_id, `+expectedSetColumns+`)
			 SELECT ?, `+expectedSetColumns+` FROM `+esTable, jobID.String()); err != nil {
			return fmt.Errorf("archive expected sets: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_file_outcomes (job_id, `+fileOutcomeColumns+`)
			 SELECT ?, `+fileOutcomeColumns+` FROM `+foTable, jobID.String()); err != nil {
			return fmt.Errorf("archive file outcomes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}

	if err := dropWorkingTables(ctx, s.db, jobID); err != nil {
		s.log.Warn("Failed to drop working tables for archived job",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
	}

	s.log.Info("Job completed",
		zap.String("job_id", jobID.String()),
		zap.String("project", info.ProjectNumber),
		zap.Time("completed_at", info.CompletedAt))
	return info, nil
}

func requireNonEmpty(ctx context.Context, q querier, table string) error {
	ok, err := tableExists(ctx, q, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEmptyCollection, table)
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyCollection, table)
	}
	return nil
}
