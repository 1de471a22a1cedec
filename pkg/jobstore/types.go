package jobstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobtally/pkg/message"
)

// JobStatus is the lifecycle state of an extraction job.
//
// NOTE: These values are persisted and are part of the stable on-disk contract.
type JobStatus string

const (
	JobStatusWaitingForCollectionInfo JobStatus = "waiting_for_collection_info"
	JobStatusWaitingForStatuses       JobStatus = "waiting_for_statuses"
	JobStatusReadyForChecks           JobStatus = "ready_for_checks"
	JobStatusCompleted                JobStatus = "completed"
	JobStatusFailed                   JobStatus = "failed"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaitingForCollectionInfo, JobStatusWaitingForStatuses, JobStatusReadyForChecks,
		JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FailureInfo describes why a job was marked failed.
type FailureInfo struct {
	Cause    string    `json:"cause"`
	FailedAt time.Time `json:"failed_at"`
}

// JobRecord is one extraction job in the active store.
//
// Everything except Status and Failure is fixed by the job announcement.
type JobRecord struct {
	JobID                    uuid.UUID      `json:"job_id"`
	Header                   message.Header `json:"header"`
	SubmittedAt              time.Time      `json:"submitted_at"`
	ProjectNumber            string         `json:"project_number"`
	ExtractionDirectory      string         `json:"extraction_directory"`
	KeyTag                   string         `json:"key_tag"`
	ExpectedKeyCount         int            `json:"expected_key_count"`
	UserName                 string         `json:"user_name"`
	Modality                 string         `json:"modality,omitempty"`
	IsIdentifiableExtraction bool           `json:"is_identifiable_extraction"`
	IsNoFilterExtraction     bool           `json:"is_no_filter_extraction"`
	Status                   JobStatus      `json:"status"`
	Failure                  *FailureInfo   `json:"failure,omitempty"`
}

func newJobRecord(m *message.JobAnnouncement) JobRecord {
	return JobRecord{
		JobID:                    m.JobID,
		Header:                   m.Header,
		SubmittedAt:              m.SubmittedAt.UTC(),
		ProjectNumber:            m.ProjectNumber,
		ExtractionDirectory:      m.ExtractionDirectory,
		KeyTag:                   m.KeyTag,
		ExpectedKeyCount:         m.ExpectedKeyCount,
		UserName:                 m.UserName,
		Modality:                 m.Modality,
		IsIdentifiableExtraction: m.IsIdentifiableExtraction,
		IsNoFilterExtraction:     m.IsNoFilterExtraction,
		Status:                   JobStatusWaitingForCollectionInfo,
	}
}

// CompletedJobInfo is the snapshot written when a job is archived.
type CompletedJobInfo struct {
	JobRecord
	CompletedAt time.Time `json:"completed_at"`
}

// FailedJobInfo is the snapshot returned when a job is marked failed.
type FailedJobInfo struct {
	JobRecord
	FailedAt time.Time `json:"failed_at"`
	Cause    string    `json:"cause"`
}

// ExpectedSetRecord lists the output files expected for one key value.
type ExpectedSetRecord struct {
	JobID            uuid.UUID              `json:"job_id"`
	Header           message.Header         `json:"header"`
	KeyValue         string                 `json:"key_value"`
	ExpectedFiles    []message.ExpectedFile `json:"expected_files"`
	RejectionReasons map[string]int         `json:"rejection_reasons,omitempty"`
}

func newExpectedSetRecord(m *message.CollectionInfo) ExpectedSetRecord {
	files := m.ExpectedFiles
	if files == nil {
		files = []message.ExpectedFile{}
	}
	return ExpectedSetRecord{
		JobID:            m.JobID,
		Header:           m.Header,
		KeyValue:         m.KeyValue,
		ExpectedFiles:    files,
		RejectionReasons: m.RejectionReasons,
	}
}

// FileOutcomeRecord is the processing and verification outcome of one file.
type FileOutcomeRecord struct {
	JobID               uuid.UUID                   `json:"job_id"`
	Header              message.Header              `json:"header"`
	SourcePath          string                      `json:"source_path"`
	OutputPath          *string                     `json:"output_path,omitempty"`
	ExtractionOutcome   message.ExtractionOutcome   `json:"extraction_outcome"`
	VerificationOutcome message.VerificationOutcome `json:"verification_outcome"`
	StatusMessage       *string                     `json:"status_message,omitempty"`
}

func newStatusOutcome(m *message.FileStatus) FileOutcomeRecord {
	rec := FileOutcomeRecord{
		JobID:               m.JobID,
		Header:              m.Header,
		SourcePath:          m.SourcePath,
		OutputPath:          m.OutputPath,
		ExtractionOutcome:   m.Outcome,
		VerificationOutcome: message.VerificationNotVerified,
	}
	if m.StatusMessage != "" {
		msg := m.StatusMessage
		rec.StatusMessage = &msg
	}
	return rec
}

// A verified file has, by construction, been anonymised.
func newVerificationOutcome(m *message.FileVerification) FileOutcomeRecord {
	out := m.OutputPath
	rec := FileOutcomeRecord{
		JobID:               m.JobID,
		Header:              m.Header,
		SourcePath:          m.SourcePath,
		OutputPath:          &out,
		ExtractionOutcome:   message.ExtractionAnonymised,
		VerificationOutcome: m.Outcome,
	}
	if m.Report != "" {
		report := m.Report
		rec.StatusMessage = &report
	}
	return rec
}

// Rejection summarizes identifiers filtered out for one key value.
type Rejection struct {
	KeyValue string         `json:"key_value"`
	Reasons  map[string]int `json:"reasons"`
}

// AnonymisationFailure is a file that could not be produced.
type AnonymisationFailure struct {
	SourcePath string  `json:"source_path"`
	OutputPath *string `json:"output_path,omitempty"`
	Reason     string  `json:"reason"`
}

// VerificationFailure is an output file found to contain identifiable data.
type VerificationFailure struct {
	OutputPath string `json:"output_path"`
	Report     string `json:"report"`
}
