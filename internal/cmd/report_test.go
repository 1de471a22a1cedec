package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

type fakeReports struct {
	rejections []jobstore.Rejection
	missing    []string
	err        error
	calls      []string
}

func (f *fakeReports) GetRejections(context.Context, uuid.UUID) ([]jobstore.Rejection, error) {
	f.calls = append(f.calls, reportRejections)
	return f.rejections, f.err
}

func (f *fakeReports) GetAnonymisationFailures(context.Context, uuid.UUID) ([]jobstore.AnonymisationFailure, error) {
	f.calls = append(f.calls, reportAnonymisationFailures)
	return nil, f.err
}

func (f *fakeReports) GetMissingFiles(context.Context, uuid.UUID) ([]string, error) {
	f.calls = append(f.calls, reportMissingFiles)
	return f.missing, f.err
}

func (f *fakeReports) GetVerificationFailures(context.Context, uuid.UUID) ([]jobstore.VerificationFailure, error) {
	f.calls = append(f.calls, reportVerificationFailures)
	return nil, f.err
}

func TestSelectReportKinds(t *testing.T) {
	kinds, err := selectReportKinds("")
	require.NoError(t, err)
	assert.Equal(t, reportKinds, kinds)

	kinds, err = selectReportKinds(reportAll)
	require.NoError(t, err)
	assert.Len(t, kinds, 4)

	kinds, err = selectReportKinds(reportMissingFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{reportMissingFiles}, kinds)

	_, err = selectReportKinds("everything")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
}

func TestBuildReport(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("all kinds with empty sections", func(t *testing.T) {
		src := &fakeReports{missing: []string{"s1/b.dcm"}}
		rep, err := buildReport(ctx, src, id, reportKinds)
		require.NoError(t, err)

		assert.Equal(t, id, rep.JobID)
		require.NotNil(t, rep.Rejections)
		assert.Empty(t, *rep.Rejections)
		require.NotNil(t, rep.AnonymisationFailures)
		assert.Empty(t, *rep.AnonymisationFailures)
		require.NotNil(t, rep.MissingFiles)
		assert.Equal(t, []string{"s1/b.dcm"}, *rep.MissingFiles)
		require.NotNil(t, rep.VerificationFailures)
		assert.Equal(t, reportKinds, src.calls)
	})

	t.Run("single kind", func(t *testing.T) {
		src := &fakeReports{}
		rep, err := buildReport(ctx, src, id, []string{reportRejections})
		require.NoError(t, err)
		assert.NotNil(t, rep.Rejections)
		assert.Nil(t, rep.MissingFiles)
		assert.Equal(t, []string{reportRejections}, src.calls)
	})

	t.Run("store error stops early", func(t *testing.T) {
		src := &fakeReports{err: &jobstore.JobError{Op: "get_rejections", JobID: id, Err: jobstore.ErrJobNotFound}}
		_, err := buildReport(ctx, src, id, reportKinds)
		assert.True(t, jobstore.IsJobNotFound(err))
		assert.Len(t, src.calls, 1)
	})
}

func TestPrintReport(t *testing.T) {
	rejections := []jobstore.Rejection{{KeyValue: "series-1", Reasons: map[string]int{"z-blocked": 1, "a-no-consent": 2}}}
	missing := []string{}
	rep := jobReport{JobID: uuid.New(), Rejections: &rejections, MissingFiles: &missing}

	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "Rejections (1 key values)")
	assert.Contains(t, out, "series-1: 3 a-no-consent=2 z-blocked=1")
	assert.Contains(t, out, "Missing files (0)")
	assert.NotContains(t, out, "Verification failures")
}

func TestWriteYAML(t *testing.T) {
	missing := []string{"s1/b.dcm"}
	rep := jobReport{JobID: uuid.MustParse("0b7c2c9e-8d0c-4d8e-9f43-5b1c8f8f7d21"), MissingFiles: &missing}

	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, rep))
	assert.Equal(t, "job_id: 0b7c2c9e-8d0c-4d8e-9f43-5b1c8f8f7d21\nmissing_files:\n  - s1/b.dcm\n", buf.String())
}
