package jobstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type queuedOutcome struct {
	rec   FileOutcomeRecord
	token AckToken
}

// VerificationQueue buffers verification outcomes per job until they are
// flushed. A single mutex guards enqueue and drain.
type VerificationQueue struct {
	mu      sync.Mutex
	pending map[uuid.UUID][]queuedOutcome
	n       int
}

func NewVerificationQueue() *VerificationQueue {
	return &VerificationQueue{pending: make(map[uuid.UUID][]queuedOutcome)}
}

// Enqueue buffers rec and returns the number of buffered outcomes.
func (q *VerificationQueue) Enqueue(rec FileOutcomeRecord, token AckToken) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[rec.JobID] = append(q.pending[rec.JobID], queuedOutcome{rec: rec, token: token})
	q.n++
	return q.n
}

// Len returns the number of buffered outcomes.
func (q *VerificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Jobs returns the number of jobs with buffered outcomes.
func (q *VerificationQueue) Jobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain removes and returns everything buffered.
func (q *VerificationQueue) drain() map[uuid.UUID][]queuedOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = make(map[uuid.UUID][]queuedOutcome)
	q.n = 0
	return out
}

// BatchFailure is one job's batch that a flush could not persist.
type BatchFailure struct {
	JobID  uuid.UUID
	Tokens []AckToken
	Err    error
}

// FlushResult reports the ack tokens of a flush. Acked tokens belong to
// outcomes that are now persisted; Nacked tokens belong to batches that
// failed and must be redelivered. Both lists are grouped by job id in
// ascending order, and keep enqueue order within a job.
type FlushResult struct {
	Acked  []AckToken
	Nacked []AckToken

	// Failures carries the error of each failed batch, matching Nacked.
	Failures []BatchFailure

	// Inserted counts new File Outcome Records; redelivered outcomes that
	// were already stored are acked but not counted.
	Inserted int
}

func sortedJobIDs(m map[uuid.UUID][]queuedOutcome) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

// FlushVerificationQueue writes every buffered outcome, one transaction per
// job. A job's tokens are acked only after its transaction commits; if it
// fails none of them are, and the returned error joins every batch failure.
func (s *Store) FlushVerificationQueue(ctx context.Context) (FlushResult, error) {
	const op = "flush_verification_queue"

	var (
		res  FlushResult
		errs []error
	)
	pending := s.queue.drain()
	for _, jobID := range sortedJobIDs(pending) {
		batch := pending[jobID]
		tokens := make([]AckToken, 0, len(batch))
		recs := make([]FileOutcomeRecord, 0, len(batch))
		for _, item := range batch {
			tokens = append(tokens, item.token)
			recs = append(recs, item.rec)
		}

		var inserted int
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := rejectArchived(ctx, tx, jobID); err != nil {
				return err
			}
			var err error
			inserted, err = insertFileOutcomes(ctx, tx, jobID, recs)
			return err
		})
		if err != nil {
			s.log.Warn("Verification batch not persisted",
				zap.String("job_id", jobID.String()),
				zap.Int("outcomes", len(batch)),
				zap.Error(err))
			err = jobErr(op, jobID, err)
			res.Nacked = append(res.Nacked, tokens...)
			res.Failures = append(res.Failures, BatchFailure{JobID: jobID, Tokens: tokens, Err: err})
			errs = append(errs, err)
			continue
		}

		if dup := len(recs) - inserted; dup > 0 {
			s.log.Warn("Duplicate verification outcomes ignored",
				zap.String("job_id", jobID.String()),
				zap.Int("duplicates", dup))
		}
		s.log.Debug("Verification batch persisted",
			zap.String("job_id", jobID.String()),
			zap.Int("outcomes", len(batch)),
			zap.Int("inserted", inserted))
		res.Acked = append(res.Acked, tokens...)
		res.Inserted += inserted
	}

	if len(res.Acked) > 0 || len(res.Nacked) > 0 {
		s.log.Info("Verification queue flushed",
			zap.Int("acked", len(res.Acked)),
			zap.Int("nacked", len(res.Nacked)),
			zap.Int("inserted", res.Inserted))
	}
	return res, errors.Join(errs...)
}
