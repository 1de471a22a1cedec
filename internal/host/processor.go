// Package host drives a job store the way a message-bus consumer would:
// it ingests messages, acknowledges them once their effect is durable, and
// runs the periodic sweep, completion and verification flush.
package host

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

// JobStore is the part of *jobstore.Store the host drives.
type JobStore interface {
	Ingest(ctx context.Context, msg message.Message, token jobstore.AckToken) (jobstore.Disposition, error)
	EvaluateReadyJobs(ctx context.Context, jobID uuid.UUID) ([]jobstore.JobRecord, error)
	Complete(ctx context.Context, jobID uuid.UUID) (*jobstore.CompletedJobInfo, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, cause string) (*jobstore.FailedJobInfo, error)
	FlushVerificationQueue(ctx context.Context) (jobstore.FlushResult, error)
	PendingVerifications() int
}

var _ JobStore = (*jobstore.Store)(nil)

// Acker settles message deliveries with the transport.
type Acker interface {
	Ack(token jobstore.AckToken)
	Nack(token jobstore.AckToken, err error)
}

// Processor routes messages into a store and settles their deliveries.
type Processor struct {
	store    JobStore
	acker    Acker
	log      *zap.Logger
	maxBatch int

	// flushMu serializes flushes so a size-triggered flush and a scheduled
	// one never interleave their acks.
	flushMu sync.Mutex
}

type ProcessorOption func(*Processor)

// WithMaxBatch flushes the verification queue as soon as n outcomes are
// buffered. Zero leaves flushing to the scheduler.
func WithMaxBatch(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxBatch = n
		}
	}
}

func WithProcessorLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

func NewProcessor(store JobStore, acker Acker, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store: store,
		acker: acker,
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle ingests one message. Messages persisted immediately are acked at
// once; buffered verification outcomes are acked by the flush that persists
// them. A rejected message is nacked and the error returned.
func (p *Processor) Handle(ctx context.Context, msg message.Message, token jobstore.AckToken) (jobstore.Disposition, error) {
	disp, err := p.store.Ingest(ctx, msg, token)
	if err != nil {
		p.acker.Nack(token, err)
		return disp, err
	}

	if disp == jobstore.AckNow {
		p.acker.Ack(token)
		return disp, nil
	}

	if p.maxBatch > 0 && p.store.PendingVerifications() >= p.maxBatch {
		if _, err := p.Flush(ctx); err != nil {
			p.log.Warn("Size-triggered flush failed", zap.Error(err))
		}
	}
	return disp, nil
}

// Flush persists buffered verification outcomes and settles their tokens.
func (p *Processor) Flush(ctx context.Context) (jobstore.FlushResult, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	res, err := p.store.FlushVerificationQueue(ctx)
	for _, tok := range res.Acked {
		p.acker.Ack(tok)
	}
	nacked := make(map[jobstore.AckToken]bool, len(res.Nacked))
	for _, f := range res.Failures {
		for _, tok := range f.Tokens {
			p.acker.Nack(tok, f.Err)
			nacked[tok] = true
		}
	}
	for _, tok := range res.Nacked {
		if !nacked[tok] {
			p.acker.Nack(tok, err)
		}
	}
	return res, err
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Ready     int `json:"ready" yaml:"ready"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Sweep evaluates every active job (or only jobID) and completes those that
// are ready. A job whose completion fails is marked failed with the error
// as its cause, except when the job is already archived.
func (p *Processor) Sweep(ctx context.Context, jobID uuid.UUID) (SweepResult, error) {
	var res SweepResult

	ready, err := p.store.EvaluateReadyJobs(ctx, jobID)
	if err != nil {
		return res, err
	}
	res.Ready = len(ready)

	var errs []error
	for _, job := range ready {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if _, err := p.store.Complete(ctx, job.JobID); err != nil {
			if jobstore.IsJobArchived(err) {
				continue
			}
			p.log.Error("Job completion failed",
				zap.String("job_id", job.JobID.String()),
				zap.Error(err))
			if _, ferr := p.store.MarkFailed(ctx, job.JobID, err.Error()); ferr != nil {
				errs = append(errs, ferr)
				continue
			}
			res.Failed++
			continue
		}
		res.Completed++
	}

	if res.Ready > 0 {
		p.log.Info("Sweep finished",
			zap.Int("ready", res.Ready),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed))
	}
	return res, errors.Join(errs...)
}
