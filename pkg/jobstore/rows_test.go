package jobstore

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDBTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(time.Second),
		base.Add(500 * time.Millisecond),
		base,
		base.Add(time.Nanosecond),
		base.Add(-time.Nanosecond),
		base.In(time.FixedZone("CET", 3600)).Add(250 * time.Millisecond),
	}

	var formatted []string
	for _, ts := range times {
		raw := formatDBTime(ts)
		assert.Len(t, raw, len("2026-03-01T09:00:00.000000000Z"), raw)
		parsed, err := parseDBTime(raw)
		require.NoError(t, err)
		assert.True(t, ts.Equal(parsed), "%s round trips", raw)
		formatted = append(formatted, raw)
	}

	assert.Equal(t, "2026-03-01T09:00:00.000000000Z", formatDBTime(base))

	byText := append([]string(nil), formatted...)
	sort.Strings(byText)
	byTime := append([]time.Time(nil), times...)
	sort.Slice(byTime, func(i, j int) bool { return byTime[i].Before(byTime[j]) })
	for i := range byTime {
		assert.Equal(t, formatDBTime(byTime[i]), byText[i])
	}
}

func TestParseDBTime_AcceptsTrimmedFraction(t *testing.T) {
	parsed, err := parseDBTime("2026-03-01T09:00:00.5Z")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, time.Duration(parsed.Nanosecond()))

	_, err = parseDBTime("  ")
	assert.Error(t, err)
}

func TestListActiveJobs_SubSecondOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first, second := uuid.New(), uuid.New()

	a := announcement(first, 1)
	a.SubmittedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := announcement(second, 1)
	b.SubmittedAt = time.Date(2026, 3, 1, 9, 0, 0, 500_000_000, time.UTC)

	require.NoError(t, s.AddJobAnnouncement(ctx, b))
	require.NoError(t, s.AddJobAnnouncement(ctx, a))

	jobs, err := s.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first, jobs[0].JobID, "oldest first")
	assert.Equal(t, second, jobs[1].JobID)
	assert.True(t, a.SubmittedAt.Equal(jobs[0].SubmittedAt))
}

func TestListCompletedJobs_SubSecondOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for _, offset := range []time.Duration{0, 500 * time.Millisecond, 100 * time.Millisecond} {
		jobID := uuid.New()
		completedAt := base.Add(offset)
		s.now = func() time.Time { return completedAt }

		require.NoError(t, s.AddJobAnnouncement(ctx, announcement(jobID, 1)))
		require.NoError(t, s.AddCollectionInfo(ctx, collectionInfo(jobID, "series-1", "series-1/a.dcm")))
		require.NoError(t, s.AddFileStatus(ctx, fileStatus(jobID, "src/a.dcm", "series-1/a.dcm")))
		_, err := s.Complete(ctx, jobID)
		require.NoError(t, err)
		ids = append(ids, jobID)
	}

	done, err := s.ListCompletedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, done, 3)
	assert.Equal(t, []uuid.UUID{ids[1], ids[2], ids[0]},
		[]uuid.UUID{done[0].JobID, done[1].JobID, done[2].JobID}, "newest first")
	assert.True(t, base.Add(500*time.Millisecond).Equal(done[0].CompletedAt))
}
