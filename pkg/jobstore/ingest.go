package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobtally/pkg/message"
)

// AckToken is the delivery identity of a message, handed back to the host
// once the message's effect is durable.
type AckToken string

// Disposition tells the caller when an ingested message may be acknowledged.
type Disposition int

const (
	// AckNow means the message is persisted and may be acknowledged.
	AckNow Disposition = iota
	// AckOnFlush means the message is buffered; its token is returned by a
	// later FlushVerificationQueue once it is persisted.
	AckOnFlush
)

func (d Disposition) String() string {
	if d == AckOnFlush {
		return "ack_on_flush"
	}
	return "ack_now"
}

// Ingest dispatches msg to the operation for its kind. Verification messages
// are buffered; everything else is written immediately.
func (s *Store) Ingest(ctx context.Context, msg message.Message, token AckToken) (Disposition, error) {
	switch m := msg.(type) {
	case *message.JobAnnouncement:
		return AckNow, s.AddJobAnnouncement(ctx, m)
	case *message.CollectionInfo:
		return AckNow, s.AddCollectionInfo(ctx, m)
	case *message.FileStatus:
		return AckNow, s.AddFileStatus(ctx, m)
	case *message.FileVerification:
		return AckOnFlush, s.QueueFileVerification(ctx, m, token)
	case nil:
		return AckNow, fmt.Errorf("%w: message is nil", ErrInvalidMessage)
	default:
		return AckNow, fmt.Errorf("%w: unsupported message type %T", ErrInvalidMessage, msg)
	}
}

// AddJobAnnouncement creates the Job Record. A repeated announcement for an
// active job is ignored.
func (s *Store) AddJobAnnouncement(ctx context.Context, m *message.JobAnnouncement) error {
	const op = "add_job_announcement"
	if err := m.Validate(); err != nil {
		return jobErr(op, m.JobID, err)
	}

	rec := newJobRecord(m)
	args, err := jobArgs(rec)
	if err != nil {
		return jobErr(op, m.JobID, err)
	}

	var inserted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rejectArchived(ctx, tx, m.JobID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO active_jobs (`+jobColumns+`)
			 VALUES (`+placeholders(len(args))+`)
			 ON CONFLICT(job_id) DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return jobErr(op, m.JobID, err)
	}

	if inserted == 0 {
		s.log.Warn("Duplicate job announcement ignored", zap.String("job_id", m.JobID.String()))
		return nil
	}
	s.log.Info("Job announced",
		zap.String("job_id", m.JobID.String()),
		zap.String("project", m.ProjectNumber),
		zap.String("key_tag", m.KeyTag),
		zap.Int("expected_keys", m.ExpectedKeyCount),
		zap.Bool("identifiable", m.IsIdentifiableExtraction))
	return nil
}

// AddCollectionInfo stores the Expected-Set Record for one key value. A
// second record for the same key value is ignored.
func (s *Store) AddCollectionInfo(ctx context.Context, m *message.CollectionInfo) error {
	const op = "add_collection_info"
	if err := m.Validate(); err != nil {
		return jobErr(op, m.JobID, err)
	}

	rec := newExpectedSetRecord(m)
	args, err := expectedSetArgs(rec)
	if err != nil {
		return jobErr(op, m.JobID, err)
	}

	var inserted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rejectArchived(ctx, tx, m.JobID); err != nil {
			return err
		}
		if err := ensureExpectedSetsTable(ctx, tx, m.JobID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+expectedSetsTable(m.JobID)+` (`+expectedSetColumns+`)
			 VALUES (`+placeholders(len(args))+`)
			 ON CONFLICT(key_value) DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert expected set: %w", err)
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return jobErr(op, m.JobID, err)
	}

	if inserted == 0 {
		s.log.Warn("Duplicate collection info ignored",
			zap.String("job_id", m.JobID.String()),
			zap.String("key", m.KeyValue))
		return nil
	}
	s.log.Debug("Collection info stored",
		zap.String("job_id", m.JobID.String()),
		zap.String("key", m.KeyValue),
		zap.Int("expected_files", len(rec.ExpectedFiles)),
		zap.Int("rejection_reasons", len(rec.RejectionReasons)))
	return nil
}

// AddFileStatus stores a File Outcome Record with verification outcome
// NotVerified.
func (s *Store) AddFileStatus(ctx context.Context, m *message.FileStatus) error {
	const op = "add_file_status"
	if err := m.Validate(); err != nil {
		return jobErr(op, m.JobID, err)
	}

	rec := newStatusOutcome(m)
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rejectArchived(ctx, tx, m.JobID); err != nil {
			return err
		}
		var err error
		inserted, err = insertFileOutcomes(ctx, tx, m.JobID, []FileOutcomeRecord{rec})
		return err
	})
	if err != nil {
		return jobErr(op, m.JobID, err)
	}

	if inserted == 0 {
		s.log.Warn("Duplicate file status ignored",
			zap.String("job_id", m.JobID.String()),
			zap.String("source", m.SourcePath))
	}
	return nil
}

// QueueFileVerification buffers a verification outcome until the next
// FlushVerificationQueue. The token is returned by that flush once the
// outcome is persisted.
func (s *Store) QueueFileVerification(ctx context.Context, m *message.FileVerification, token AckToken) error {
	const op = "queue_file_verification"
	if err := m.Validate(); err != nil {
		return jobErr(op, m.JobID, err)
	}
	if err := rejectArchived(ctx, s.db, m.JobID); err != nil {
		return jobErr(op, m.JobID, err)
	}

	pending := s.queue.Enqueue(newVerificationOutcome(m), token)
	s.log.Debug("Verification outcome queued",
		zap.String("job_id", m.JobID.String()),
		zap.String("source", m.SourcePath),
		zap.Int("pending", pending))
	return nil
}

// insertFileOutcomes bulk-inserts outcomes for one job in the caller's
// transaction and returns how many were new.
func insertFileOutcomes(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, recs []FileOutcomeRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if err := ensureFileOutcomesTable(ctx, tx, jobID); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+fileOutcomesTable(jobID)+` (`+fileOutcomeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_path) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, rec := range recs {
		args, err := fileOutcomeArgs(rec)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("insert file outcome for %s: %w", rec.SourcePath, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func rejectArchived(ctx context.Context, q querier, jobID uuid.UUID) error {
	archived, err := isArchived(ctx, q, jobID)
	if err != nil {
		return err
	}
	if archived {
		return ErrJobArchived
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
