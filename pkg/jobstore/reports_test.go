package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtally/pkg/message"
)

func TestReports(t *testing.T) {
	ctx := context.Background()
	completedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	s.now = func() time.Time { return completedAt }
	jobID := uuid.New()

	require.NoError(t, s.AddJobAnnouncement(ctx, announcement(jobID, 2)))

	withRejections := collectionInfo(jobID, "series-1", "s1/a.dcm", "s1/b.dcm", "s1/c.dcm")
	withRejections.RejectionReasons = map[string]int{"blocked modality": 3, "no pixel data": 1}
	require.NoError(t, s.AddCollectionInfo(ctx, withRejections))
	require.NoError(t, s.AddCollectionInfo(ctx, collectionInfo(jobID, "series-2", "s2/d.dcm")))

	require.NoError(t, s.AddFileStatus(ctx, &message.FileStatus{
		JobID: jobID, SourcePath: "src/a.dcm", OutputPath: strPtr("s1/a.dcm"),
		Outcome: message.ExtractionErrorWontRetry, StatusMessage: "could not parse tag",
	}))
	require.NoError(t, s.AddFileStatus(ctx, &message.FileStatus{
		JobID: jobID, SourcePath: "src/b.dcm",
		Outcome: message.ExtractionFileMissing, StatusMessage: "no such file",
	}))
	require.NoError(t, s.QueueFileVerification(ctx, &message.FileVerification{
		JobID: jobID, SourcePath: "src/c.dcm", OutputPath: "s1/c.dcm",
		Outcome: message.VerificationIsIdentifiable, Report: `[{"word":"Smith"}]`,
	}, "v1"))
	require.NoError(t, s.QueueFileVerification(ctx, &message.FileVerification{
		JobID: jobID, SourcePath: "src/d.dcm", OutputPath: "s2/d.dcm",
		Outcome: message.VerificationNotIdentifiable,
	}, "v2"))
	_, err := s.FlushVerificationQueue(ctx)
	require.NoError(t, err)

	ready, err := s.EvaluateReadyJobs(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	_, err = s.Complete(ctx, jobID)
	require.NoError(t, err)

	t.Run("completed job info", func(t *testing.T) {
		info, err := s.GetCompletedJobInfo(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, info.Status)
		assert.True(t, completedAt.Equal(info.CompletedAt))
		assert.Equal(t, "1234-5678", info.ProjectNumber)

		all, err := s.ListCompletedJobs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, jobID, all[0].JobID)
	})

	t.Run("rejections", func(t *testing.T) {
		got, err := s.GetRejections(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "series-1", got[0].KeyValue)
		assert.Equal(t, map[string]int{"blocked modality": 3, "no pixel data": 1}, got[0].Reasons)
	})

	t.Run("anonymisation failures", func(t *testing.T) {
		got, err := s.GetAnonymisationFailures(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "src/a.dcm", got[0].SourcePath)
		require.NotNil(t, got[0].OutputPath)
		assert.Equal(t, "s1/a.dcm", *got[0].OutputPath)
		assert.Equal(t, "could not parse tag", got[0].Reason)
	})

	t.Run("missing files", func(t *testing.T) {
		got, err := s.GetMissingFiles(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, []string{"src/b.dcm"}, got)
	})

	t.Run("verification failures", func(t *testing.T) {
		got, err := s.GetVerificationFailures(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, []VerificationFailure{{OutputPath: "s1/c.dcm", Report: `[{"word":"Smith"}]`}}, got)
	})
}

func TestReports_EmptyForCleanJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID := uuid.New()

	require.NoError(t, s.AddJobAnnouncement(ctx, announcement(jobID, 1)))
	require.NoError(t, s.AddCollectionInfo(ctx, collectionInfo(jobID, "series-1", "a.dcm")))
	require.NoError(t, s.AddFileStatus(ctx, fileStatus(jobID, "src/a.dcm", "a.dcm")))
	_, err := s.Complete(ctx, jobID)
	require.NoError(t, err)

	rejections, err := s.GetRejections(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, rejections)

	failures, err := s.GetAnonymisationFailures(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, failures)

	missing, err := s.GetMissingFiles(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	identifiable, err := s.GetVerificationFailures(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, identifiable)
}

func TestReports_NeverArchived(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID := uuid.New()
	require.NoError(t, s.AddJobAnnouncement(ctx, announcement(jobID, 1)))

	_, err := s.GetCompletedJobInfo(ctx, jobID)
	assert.True(t, IsJobNotFound(err))
	_, err = s.GetRejections(ctx, jobID)
	assert.True(t, IsJobNotFound(err))
	_, err = s.GetAnonymisationFailures(ctx, jobID)
	assert.True(t, IsJobNotFound(err))
	_, err = s.GetMissingFiles(ctx, jobID)
	assert.True(t, IsJobNotFound(err))
	_, err = s.GetVerificationFailures(ctx, jobID)
	assert.True(t, IsJobNotFound(err))
}
