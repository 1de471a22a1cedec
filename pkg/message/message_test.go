package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestWriterDecoder_Stream(t *testing.T) {
	jobID := uuid.New()
	announce := &JobAnnouncement{
		Header:              NewHeader(),
		JobID:               jobID,
		SubmittedAt:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ProjectNumber:       "1234-5678",
		ExtractionDirectory: "1234-5678/extractions/run-1",
		KeyTag:              "SeriesInstanceUID",
		ExpectedKeyCount:    1,
		UserName:            "alice",
		Modality:            "CT",
	}
	info := &CollectionInfo{
		Header:           NewHeader(announce.Header),
		JobID:            jobID,
		KeyValue:         "series-1",
		ExpectedFiles:    []ExpectedFile{{ProvenanceID: "1.2.3", OutputPath: "series-1/a.dcm"}},
		RejectionReasons: map[string]int{"blocked modality": 2},
	}
	status := &FileStatus{
		Header:        NewHeader(info.Header),
		JobID:         jobID,
		SourcePath:    "src/a.dcm",
		OutputPath:    strPtr("series-1/a.dcm"),
		Outcome:       ExtractionErrorWontRetry,
		StatusMessage: "could not anonymise",
	}
	verify := &FileVerification{
		JobID:      jobID,
		SourcePath: "src/b.dcm",
		OutputPath: "series-1/b.dcm",
		Outcome:    VerificationIsIdentifiable,
		Report:     `[{"word":"John"}]`,
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, m := range []Message{announce, info, status, verify} {
		require.NoError(t, w.Write(m))
	}
	// Blank lines between envelopes are tolerated.
	buf.WriteString("\n\n")

	dec := NewDecoder(&buf)
	var got []Message
	for {
		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		msg, err := env.Decode()
		require.NoError(t, err)
		require.NoError(t, msg.Validate())
		got = append(got, msg)
	}
	require.Len(t, got, 4)

	gotAnnounce, ok := got[0].(*JobAnnouncement)
	require.True(t, ok)
	assert.Equal(t, announce.JobID, gotAnnounce.JobID)
	assert.Equal(t, announce.Header.MessageGUID, gotAnnounce.Header.MessageGUID)
	assert.True(t, announce.SubmittedAt.Equal(gotAnnounce.SubmittedAt))

	gotInfo, ok := got[1].(*CollectionInfo)
	require.True(t, ok)
	assert.Equal(t, info.ExpectedFiles, gotInfo.ExpectedFiles)
	assert.Equal(t, 2, gotInfo.RejectionReasons["blocked modality"])
	assert.Equal(t, []uuid.UUID{announce.Header.MessageGUID}, gotInfo.Header.Parents)

	gotStatus, ok := got[2].(*FileStatus)
	require.True(t, ok)
	require.NotNil(t, gotStatus.OutputPath)
	assert.Equal(t, "series-1/a.dcm", *gotStatus.OutputPath)
	assert.Equal(t, []uuid.UUID{announce.Header.MessageGUID, info.Header.MessageGUID}, gotStatus.Header.Parents)

	gotVerify, ok := got[3].(*FileVerification)
	require.True(t, ok)
	assert.Equal(t, KindFileVerification, gotVerify.Kind())
	assert.False(t, gotVerify.Header.IsZero(), "writer should stamp a header when none is set")
}

func TestEnvelopeDecode_UnknownType(t *testing.T) {
	_, err := Envelope{Type: "jobtally.bogus.v1", Data: []byte(`{}`)}.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecoder_MaxLineBytes(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"` + strings.Repeat("x", 200) + `"}` + "\n"))
	dec.SetMaxLineBytes(64)

	_, err := dec.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max bytes")
}

func TestDecoder_LineNumbers(t *testing.T) {
	input := "\n" + `{"type":"jobtally.file_status.v1","data":{}}` + "\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Line())

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestValidate(t *testing.T) {
	jobID := uuid.New()
	now := time.Now().UTC()

	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{
			name: "announcement ok",
			msg:  &JobAnnouncement{JobID: jobID, SubmittedAt: now, ExtractionDirectory: "d", KeyTag: "k", ExpectedKeyCount: 2},
		},
		{
			name:    "announcement missing job id",
			msg:     &JobAnnouncement{SubmittedAt: now, ExtractionDirectory: "d", KeyTag: "k", ExpectedKeyCount: 2},
			wantErr: "extraction_job_id is required",
		},
		{
			name:    "announcement zero key count",
			msg:     &JobAnnouncement{JobID: jobID, SubmittedAt: now, ExtractionDirectory: "d", KeyTag: "k"},
			wantErr: "expected_key_count must be > 0",
		},
		{
			name:    "collection info missing key",
			msg:     &CollectionInfo{JobID: jobID},
			wantErr: "key_value is required",
		},
		{
			name:    "collection info blank output path",
			msg:     &CollectionInfo{JobID: jobID, KeyValue: "s1", ExpectedFiles: []ExpectedFile{{ProvenanceID: "1"}}},
			wantErr: "expected_files[0].output_path is required",
		},
		{
			name: "copied status without message",
			msg:  &FileStatus{JobID: jobID, SourcePath: "a", Outcome: ExtractionCopied},
		},
		{
			name:    "error status without message",
			msg:     &FileStatus{JobID: jobID, SourcePath: "a", Outcome: ExtractionErrorWontRetry},
			wantErr: "status_message is required",
		},
		{
			name:    "status with unknown outcome",
			msg:     &FileStatus{JobID: jobID, SourcePath: "a", Outcome: "shredded"},
			wantErr: "unknown outcome",
		},
		{
			name:    "verification cannot be not_verified",
			msg:     &FileVerification{JobID: jobID, SourcePath: "a", OutputPath: "b", Outcome: VerificationNotVerified},
			wantErr: "unexpected outcome",
		},
		{
			name: "verification ok",
			msg:  &FileVerification{JobID: jobID, SourcePath: "a", OutputPath: "b", Outcome: VerificationNotIdentifiable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRaw(t *testing.T) {
	jobID := uuid.New()
	valid, err := Wrap(&FileStatus{JobID: jobID, SourcePath: "a.dcm", Outcome: ExtractionCopied})
	require.NoError(t, err)
	line, err := json.Marshal(valid)
	require.NoError(t, err)
	require.NoError(t, ValidateRaw(line))

	tests := []struct {
		name     string
		raw      string
		wantPath string
	}{
		{
			name:     "unknown type",
			raw:      `{"type":"jobtally.bogus.v1","data":{}}`,
			wantPath: "/type",
		},
		{
			name:     "unknown data field",
			raw:      `{"type":"jobtally.file_status.v1","data":{"extraction_job_id":"` + jobID.String() + `","source_path":"a","outcome":"copied","colour":"red"}}`,
			wantPath: "/data",
		},
		{
			name:     "bad outcome",
			raw:      `{"type":"jobtally.file_verification.v1","data":{"extraction_job_id":"` + jobID.String() + `","source_path":"a","output_path":"b","outcome":"not_verified"}}`,
			wantPath: "/data/outcome",
		},
		{
			name:     "zero key count",
			raw:      `{"type":"jobtally.job_announcement.v1","data":{"extraction_job_id":"` + jobID.String() + `","job_submitted_at":"2026-01-01T00:00:00Z","extraction_directory":"d","key_tag":"k","expected_key_count":0}}`,
			wantPath: "/data/expected_key_count",
		},
		{
			name:     "job id is not a uuid",
			raw:      `{"type":"jobtally.collection_info.v1","data":{"extraction_job_id":"42","key_value":"k","expected_files":[]}}`,
			wantPath: "/data/extraction_job_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRaw([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)

			var schemaErrs SchemaErrors
			require.True(t, errors.As(err, &schemaErrs))
			var paths []string
			for _, e := range schemaErrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}

	err = ValidateRaw([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecoder_Strict(t *testing.T) {
	input := `{"type":"jobtally.file_status.v1","data":{"extraction_job_id":"` + uuid.NewString() + `","source_path":"a","outcome":"copied","extra":1}}` + "\n"

	lax := NewDecoder(strings.NewReader(input))
	_, err := lax.Next()
	require.NoError(t, err)

	strict := NewDecoder(strings.NewReader(input))
	strict.SetStrict(true)
	_, err = strict.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "line 1")
}
