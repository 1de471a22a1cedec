package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

func openStore(t *testing.T) *jobstore.Store {
	t.Helper()
	s, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// jobMessages returns every message for a one-key job with the given
// number of files, each file reported once by status and once by
// verification.
func jobMessages(jobID uuid.UUID, files int) []message.Message {
	info := &message.CollectionInfo{JobID: jobID, KeyValue: "series-1"}
	var out []message.Message
	out = append(out, &message.JobAnnouncement{
		JobID:               jobID,
		SubmittedAt:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ProjectNumber:       "1234-5678",
		ExtractionDirectory: "1234-5678/extractions/run-1",
		KeyTag:              "SeriesInstanceUID",
		ExpectedKeyCount:    1,
		UserName:            "alice",
	}, info)
	for i := 0; i < files; i++ {
		path := fmt.Sprintf("series-1/%d.dcm", i)
		info.ExpectedFiles = append(info.ExpectedFiles, message.ExpectedFile{ProvenanceID: fmt.Sprint(i), OutputPath: path})
	}
	for i := 0; i < files; i++ {
		out = append(out, &message.FileVerification{
			JobID:      jobID,
			SourcePath: fmt.Sprintf("src/%d.dcm", i),
			OutputPath: fmt.Sprintf("series-1/%d.dcm", i),
			Outcome:    message.VerificationNotIdentifiable,
		})
	}
	return out
}

func TestProcessor_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tally := &Tally{}
	proc := NewProcessor(store, tally)
	jobID := uuid.New()

	for i, m := range jobMessages(jobID, 3) {
		_, err := proc.Handle(ctx, m, jobstore.AckToken(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	assert.Len(t, tally.Acked(), 2, "verification outcomes wait for a flush")

	res, err := proc.Sweep(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Zero(t, res.Ready)

	flushed, err := proc.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, flushed.Acked, 3)
	assert.Len(t, tally.Acked(), 5)

	res, err = proc.Sweep(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Ready: 1, Completed: 1}, res)

	_, err = store.GetCompletedJobInfo(ctx, jobID)
	require.NoError(t, err)
}

func TestProcessor_SizeTriggeredFlush(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tally := &Tally{}
	proc := NewProcessor(store, tally, WithMaxBatch(2))
	jobID := uuid.New()

	msgs := jobMessages(jobID, 3)
	for i, m := range msgs {
		_, err := proc.Handle(ctx, m, jobstore.AckToken(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	// Two outcomes hit the trigger; the third is still buffered.
	assert.Len(t, tally.Acked(), 4)
	assert.Equal(t, 1, store.PendingVerifications())
}

func TestProcessor_RejectedMessageIsNacked(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tally := &Tally{}
	proc := NewProcessor(store, tally)

	_, err := proc.Handle(ctx, &message.FileStatus{JobID: uuid.New()}, "bad")
	require.Error(t, err)
	assert.Equal(t, []jobstore.AckToken{"bad"}, tally.Nacked())
	assert.Empty(t, tally.Acked())
}

type failingCompleteStore struct {
	JobStore
	ready  []jobstore.JobRecord
	failed map[uuid.UUID]string
}

func (f *failingCompleteStore) EvaluateReadyJobs(context.Context, uuid.UUID) ([]jobstore.JobRecord, error) {
	return f.ready, nil
}

func (f *failingCompleteStore) Complete(_ context.Context, id uuid.UUID) (*jobstore.CompletedJobInfo, error) {
	return nil, &jobstore.JobError{Op: "complete", JobID: id, Err: jobstore.ErrEmptyCollection}
}

func (f *failingCompleteStore) MarkFailed(_ context.Context, id uuid.UUID, cause string) (*jobstore.FailedJobInfo, error) {
	f.failed[id] = cause
	return &jobstore.FailedJobInfo{Cause: cause}, nil
}

func TestProcessor_SweepMarksFailedOnCompletionError(t *testing.T) {
	jobID := uuid.New()
	fake := &failingCompleteStore{
		ready:  []jobstore.JobRecord{{JobID: jobID, Status: jobstore.JobStatusReadyForChecks}},
		failed: map[uuid.UUID]string{},
	}
	proc := NewProcessor(fake, &Tally{})

	res, err := proc.Sweep(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Ready: 1, Failed: 1}, res)
	assert.Contains(t, fake.failed[jobID], "working collection is empty")
}

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tally := &Tally{}
	proc := NewProcessor(store, tally)
	jobID := uuid.New()

	var buf bytes.Buffer
	w := message.NewWriter(&buf)
	for _, m := range jobMessages(jobID, 2) {
		require.NoError(t, w.Write(m))
	}
	buf.WriteString("not json\n")
	require.NoError(t, w.Write(&message.FileStatus{
		JobID: jobID, SourcePath: "src/x.dcm", OutputPath: strPtr("x"), Outcome: message.ExtractionErrorWontRetry,
	}))

	rp := NewReplayer(proc, WithRateLimit(1000, 10))
	stats, err := rp.Replay(ctx, "feed.jsonl", &buf)
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Messages: 5, Rejected: 1, Malformed: 1, Buffered: 2}, stats)

	assert.Len(t, tally.Acked(), 4)
	assert.ElementsMatch(t, []jobstore.AckToken{"feed.jsonl:5", "feed.jsonl:6"}, tally.Nacked())
	assert.Zero(t, store.PendingVerifications())

	ready, err := store.EvaluateReadyJobs(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestReplayer_Strict(t *testing.T) {
	ctx := context.Background()
	tally := &Tally{}
	proc := NewProcessor(openStore(t), tally)
	jobID := uuid.New()

	lines := `{"type":"jobtally.job_announcement.v1","data":{"extraction_job_id":"` + jobID.String() +
		`","job_submitted_at":"2026-03-01T09:00:00Z","extraction_directory":"d","key_tag":"k","expected_key_count":1,"surplus":true}}` + "\n"

	stats, err := NewReplayer(proc).Replay(ctx, "lax", strings.NewReader(lines))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages)

	stats, err = NewReplayer(proc, WithStrict(true)).Replay(ctx, "strict", strings.NewReader(lines))
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Malformed: 1}, stats)
	assert.Equal(t, []jobstore.AckToken{"strict:1"}, tally.Nacked())
}

func TestReplayer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rp := NewReplayer(NewProcessor(openStore(t), &Tally{}))
	_, err := rp.Replay(ctx, "feed", strings.NewReader("{}\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tally := &Tally{}
	proc := NewProcessor(store, tally)
	jobID := uuid.New()

	for i, m := range jobMessages(jobID, 2) {
		_, err := proc.Handle(ctx, m, jobstore.AckToken(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	sched := NewScheduler(proc, time.Second, time.Second, nil)
	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx))

	assert.Eventually(t, func() bool {
		_, err := store.GetCompletedJobInfo(ctx, jobID)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
	require.NoError(t, sched.Stop(stopCtx))
	assert.Len(t, tally.Acked(), 4)
}

func TestScheduler_InvalidIntervals(t *testing.T) {
	sched := NewScheduler(NewProcessor(openStore(t), &Tally{}), 0, time.Second, nil)
	assert.Error(t, sched.Start(context.Background()))
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	proc := NewProcessor(store, &Tally{})
	jobID := uuid.New()
	for i, m := range jobMessages(jobID, 1) {
		_, err := proc.Handle(ctx, m, jobstore.AckToken(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	res, err := NewScheduler(proc, time.Minute, time.Minute, nil).RunOnce(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Ready: 1, Completed: 1}, res)
}

func TestLogAcker(t *testing.T) {
	assert.NotPanics(t, func() {
		LogAcker{}.Ack("t")
		LogAcker{}.Nack("t", errors.New("x"))
	})
}

func TestSettlements(t *testing.T) {
	tally := &Tally{}
	s := NewSettlements(tally)

	acked, cancelAck := s.Expect("a")
	defer cancelAck()
	first, cancelFirst := s.Expect("n")
	defer cancelFirst()
	second, cancelSecond := s.Expect("n")
	defer cancelSecond()
	_, cancelDropped := s.Expect("dropped")
	assert.Equal(t, 4, s.Waiting())

	cancelDropped()
	assert.Equal(t, 3, s.Waiting())

	s.Ack("a")
	s.Nack("n", jobstore.ErrJobArchived)
	s.Nack("unwatched", nil)

	assert.NoError(t, <-acked)
	assert.ErrorIs(t, <-first, jobstore.ErrJobArchived)
	assert.ErrorIs(t, <-second, jobstore.ErrJobArchived)
	assert.Zero(t, s.Waiting())

	assert.Equal(t, []jobstore.AckToken{"a"}, tally.Acked())
	assert.Equal(t, []jobstore.AckToken{"n", "unwatched"}, tally.Nacked())

	nilCause, cancel := s.Expect("nil")
	defer cancel()
	s.Nack("nil", nil)
	assert.ErrorIs(t, <-nilCause, ErrNackedWithoutCause)

	// Settling twice must not block on a full channel.
	again, cancelAgain := s.Expect("twice")
	s.Ack("twice")
	s.Ack("twice")
	assert.NoError(t, <-again)
	cancelAgain()
}

type flushStore struct {
	JobStore
	res jobstore.FlushResult
	err error
}

func (f *flushStore) FlushVerificationQueue(context.Context) (jobstore.FlushResult, error) {
	return f.res, f.err
}

type causeAcker struct {
	causes map[jobstore.AckToken]error
}

func (c *causeAcker) Ack(jobstore.AckToken) {}

func (c *causeAcker) Nack(token jobstore.AckToken, err error) { c.causes[token] = err }

func TestProcessor_FlushNacksWithBatchError(t *testing.T) {
	archived := &jobstore.JobError{Op: "flush_verification_queue", JobID: uuid.New(), Err: jobstore.ErrJobArchived}
	broken := errors.New("disk full")
	fake := &flushStore{
		res: jobstore.FlushResult{
			Acked:  []jobstore.AckToken{"ok"},
			Nacked: []jobstore.AckToken{"late", "io"},
			Failures: []jobstore.BatchFailure{
				{Tokens: []jobstore.AckToken{"late"}, Err: archived},
				{Tokens: []jobstore.AckToken{"io"}, Err: broken},
			},
		},
		err: errors.Join(archived, broken),
	}
	acks := &causeAcker{causes: map[jobstore.AckToken]error{}}

	_, err := NewProcessor(fake, acks).Flush(context.Background())
	require.Error(t, err)

	require.Len(t, acks.causes, 2)
	assert.True(t, jobstore.IsJobArchived(acks.causes["late"]))
	assert.NotErrorIs(t, acks.causes["late"], broken)
	assert.ErrorIs(t, acks.causes["io"], broken)
	assert.False(t, jobstore.IsJobArchived(acks.causes["io"]))
}
