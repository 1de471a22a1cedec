// Package jobstore tracks extraction jobs from announcement to archival.
//
// Producers report progress as independent messages; the store appends each
// one to a per-job working table and a periodic sweep infers job status from
// the accumulated counts. Once a job is ready, Complete moves its records into
// the permanent archive tables in a single transaction.
//
// Layout:
//
//	active_jobs                  one row per job not yet archived
//	expected_sets_<jobhex>       working Expected-Set records for one job
//	file_outcomes_<jobhex>       working File Outcome records for one job
//	completed_jobs               Completed Job Info snapshots
//	archived_expected_sets       Expected-Set records of every completed job
//	archived_file_outcomes       File Outcome records of every completed job
//
// A given job id must be swept, completed or failed by at most one caller at
// a time; ingestion may run concurrently with all of them.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the job store façade. It owns all persistence and transaction
// boundaries, and the in-memory verification write queue.
type Store struct {
	db    *sql.DB
	log   *zap.Logger
	now   func() time.Time
	queue *VerificationQueue

	// failpoint, when set, is called at named stages of multi-step
	// transactions and aborts the transaction if it returns an error.
	failpoint func(stage string) error
}

type Option func(*Store)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for completion and failure
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an already migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		queue: NewVerificationQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens the database described by cfg, applies the schema and returns a
// ready Store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return New(db, opts...), nil
}

// Close releases the database. Buffered verification outcomes that were
// never flushed are discarded; their messages were never acknowledged.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if n := s.queue.Len(); n > 0 {
		s.log.Warn("closing job store with unflushed verification outcomes", zap.Int("pending", n))
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Queue exposes the verification write queue.
func (s *Store) Queue() *VerificationQueue {
	return s.queue
}

// PendingVerifications returns the number of buffered verification outcomes.
func (s *Store) PendingVerifications() int {
	return s.queue.Len()
}

func (s *Store) hit(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}
