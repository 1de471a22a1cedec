package host

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

// Replayer feeds a JSONL message stream through a Processor, standing in
// for a message bus. Each message's ack token is "<source>:<line>".
type Replayer struct {
	proc         *Processor
	limiter      *rate.Limiter
	maxLineBytes int
	strict       bool
	log          *zap.Logger
}

type ReplayerOption func(*Replayer)

// WithRateLimit caps ingestion at perSecond messages per second with the
// given burst. A non-positive rate means unlimited.
func WithRateLimit(perSecond float64, burst int) ReplayerOption {
	return func(r *Replayer) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithMaxLineBytes(n int) ReplayerOption {
	return func(r *Replayer) { r.maxLineBytes = n }
}

// WithStrict checks every line against the envelope schema before decoding.
func WithStrict(strict bool) ReplayerOption {
	return func(r *Replayer) { r.strict = strict }
}

func WithReplayLogger(l *zap.Logger) ReplayerOption {
	return func(r *Replayer) {
		if l != nil {
			r.log = l
		}
	}
}

func NewReplayer(proc *Processor, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		proc:         proc,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		maxLineBytes: message.DefaultMaxLineBytes,
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReplayStats counts what happened to each line of a replayed stream.
type ReplayStats struct {
	Messages  int `json:"messages" yaml:"messages"`
	Rejected  int `json:"rejected" yaml:"rejected"`
	Malformed int `json:"malformed" yaml:"malformed"`
	Buffered  int `json:"buffered" yaml:"buffered"`
}

// Replay ingests every envelope in r. Malformed lines and rejected messages
// are logged and counted, not fatal. Buffered verification outcomes are
// flushed before returning.
func (rp *Replayer) Replay(ctx context.Context, source string, r io.Reader) (ReplayStats, error) {
	var stats ReplayStats

	dec := message.NewDecoder(r)
	dec.SetMaxLineBytes(rp.maxLineBytes)
	dec.SetStrict(rp.strict)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		token := jobstore.AckToken(fmt.Sprintf("%s:%d", source, dec.Line()))
		if err != nil && !errors.Is(err, message.ErrInvalid) {
			// A line over the size limit leaves the reader mid-line.
			return stats, fmt.Errorf("%s:%d: %w", source, dec.Line()+1, err)
		}

		var msg message.Message
		if err == nil {
			msg, err = env.Decode()
		}
		if err != nil {
			stats.Malformed++
			rp.log.Warn("Skipping malformed message", zap.String("token", string(token)), zap.Error(err))
			rp.proc.acker.Nack(token, err)
			continue
		}

		if err := rp.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		stats.Messages++
		disp, err := rp.proc.Handle(ctx, msg, token)
		if err != nil {
			stats.Rejected++
			rp.log.Warn("Message rejected",
				zap.String("token", string(token)),
				zap.String("kind", string(msg.Kind())),
				zap.Error(err))
			continue
		}
		if disp == jobstore.AckOnFlush {
			stats.Buffered++
		}
	}

	if _, err := rp.proc.Flush(ctx); err != nil {
		return stats, fmt.Errorf("final flush: %w", err)
	}

	rp.log.Info("Replay finished",
		zap.String("source", source),
		zap.Int("messages", stats.Messages),
		zap.Int("rejected", stats.Rejected),
		zap.Int("malformed", stats.Malformed),
		zap.Int("buffered", stats.Buffered))
	return stats, nil
}
