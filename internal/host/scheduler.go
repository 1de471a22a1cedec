package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the readiness sweep and the verification flush on fixed
// intervals.
type Scheduler struct {
	cron       *cron.Cron
	proc       *Processor
	log        *zap.Logger
	sweepEvery time.Duration
	flushEvery time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler. A run still in progress when its next
// tick arrives makes that tick a no-op.
func NewScheduler(proc *Processor, sweepEvery, flushEvery time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{s: log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		proc:       proc,
		log:        log,
		sweepEvery: sweepEvery,
		flushEvery: flushEvery,
	}
}

// Start registers the sweep and flush entries and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.sweepEvery <= 0 || s.flushEvery <= 0 {
		return fmt.Errorf("intervals must be > 0 (sweep=%s flush=%s)", s.sweepEvery, s.flushEvery)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc("@every "+s.flushEvery.String(), s.runFlush); err != nil {
		s.cancel()
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := s.cron.AddFunc("@every "+s.sweepEvery.String(), s.runSweep); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.started = true
	s.log.Info("Scheduler started",
		zap.Duration("sweep_interval", s.sweepEvery),
		zap.Duration("flush_interval", s.flushEvery))
	return nil
}

// Stop halts the cron loop, waits for running entries (bounded by ctx) and
// performs a final flush so buffered outcomes are persisted and acked.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()

	_, err := s.proc.Flush(ctx)
	s.log.Info("Scheduler stopped")
	return err
}

// RunOnce flushes the verification queue and then sweeps, outside the
// schedule.
func (s *Scheduler) RunOnce(ctx context.Context, jobID uuid.UUID) (SweepResult, error) {
	if _, err := s.proc.Flush(ctx); err != nil {
		s.log.Warn("Flush before sweep failed", zap.Error(err))
	}
	return s.proc.Sweep(ctx, jobID)
}

func (s *Scheduler) runFlush() {
	if _, err := s.proc.Flush(s.ctx); err != nil {
		s.log.Warn("Scheduled flush failed", zap.Error(err))
	}
}

func (s *Scheduler) runSweep() {
	if _, err := s.proc.Sweep(s.ctx, uuid.Nil); err != nil {
		s.log.Warn("Scheduled sweep failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger. Cron's own info chatter is demoted
// to debug.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
