// Package message defines the messages producers publish about an extraction
// job, and the JSONL envelope used to carry them between processes.
//
// The set of message kinds is closed: every concrete type in this package
// implements Message, and nothing outside the package can.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a message type. Values follow the pattern
// jobtally.<kind>.v<version> and are part of the stable wire contract.
type Kind string

const (
	KindJobAnnouncement  Kind = "jobtally.job_announcement.v1"
	KindCollectionInfo   Kind = "jobtally.collection_info.v1"
	KindFileStatus       Kind = "jobtally.file_status.v1"
	KindFileVerification Kind = "jobtally.file_verification.v1"
)

// Kinds returns every known message kind.
func Kinds() []Kind {
	return []Kind{KindJobAnnouncement, KindCollectionInfo, KindFileStatus, KindFileVerification}
}

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid message")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ExtractionOutcome is the result of producing one output file.
type ExtractionOutcome string

const (
	ExtractionCopied         ExtractionOutcome = "copied"
	ExtractionAnonymised     ExtractionOutcome = "anonymised"
	ExtractionErrorWontRetry ExtractionOutcome = "error_wont_retry"
	ExtractionFileMissing    ExtractionOutcome = "file_missing"
)

// Valid reports whether o is a known outcome.
func (o ExtractionOutcome) Valid() bool {
	switch o {
	case ExtractionCopied, ExtractionAnonymised, ExtractionErrorWontRetry, ExtractionFileMissing:
		return true
	}
	return false
}

// VerificationOutcome is the result of scanning an output file for
// identifiable data.
type VerificationOutcome string

const (
	VerificationNotVerified     VerificationOutcome = "not_verified"
	VerificationNotIdentifiable VerificationOutcome = "not_identifiable"
	VerificationIsIdentifiable  VerificationOutcome = "is_identifiable"
)

// Valid reports whether o is a known outcome.
func (o VerificationOutcome) Valid() bool {
	switch o {
	case VerificationNotVerified, VerificationNotIdentifiable, VerificationIsIdentifiable:
		return true
	}
	return false
}

// Message is implemented by the four message kinds.
type Message interface {
	Kind() Kind
	ExtractionJobID() uuid.UUID
	MessageHeader() Header
	Validate() error

	sealed()
}

// JobAnnouncement announces a new extraction job and its fixed parameters.
type JobAnnouncement struct {
	Header Header `json:"-"`

	JobID                    uuid.UUID `json:"extraction_job_id"`
	SubmittedAt              time.Time `json:"job_submitted_at"`
	ProjectNumber            string    `json:"project_number"`
	ExtractionDirectory      string    `json:"extraction_directory"`
	KeyTag                   string    `json:"key_tag"`
	ExpectedKeyCount         int       `json:"expected_key_count"`
	UserName                 string    `json:"user_name"`
	Modality                 string    `json:"modality,omitempty"`
	IsIdentifiableExtraction bool      `json:"is_identifiable_extraction"`
	IsNoFilterExtraction     bool      `json:"is_no_filter_extraction"`
}

// ExpectedFile pairs the provenance identifier of a source item with the
// output file it should produce.
type ExpectedFile struct {
	ProvenanceID string `json:"provenance_id"`
	OutputPath   string `json:"output_path"`
}

// CollectionInfo lists the files expected for one key value, and the
// identifiers that were rejected before extraction.
type CollectionInfo struct {
	Header Header `json:"-"`

	JobID            uuid.UUID      `json:"extraction_job_id"`
	KeyValue         string         `json:"key_value"`
	ExpectedFiles    []ExpectedFile `json:"expected_files"`
	RejectionReasons map[string]int `json:"rejection_reasons,omitempty"`
}

// FileStatus reports the extraction outcome of one file.
type FileStatus struct {
	Header Header `json:"-"`

	JobID         uuid.UUID         `json:"extraction_job_id"`
	SourcePath    string            `json:"source_path"`
	OutputPath    *string           `json:"output_path,omitempty"`
	Outcome       ExtractionOutcome `json:"outcome"`
	StatusMessage string            `json:"status_message,omitempty"`
}

// FileVerification reports the verification outcome of one anonymised file.
type FileVerification struct {
	Header Header `json:"-"`

	JobID      uuid.UUID           `json:"extraction_job_id"`
	SourcePath string              `json:"source_path"`
	OutputPath string              `json:"output_path"`
	Outcome    VerificationOutcome `json:"outcome"`
	Report     string              `json:"report,omitempty"`
}

func (*JobAnnouncement) Kind() Kind  { return KindJobAnnouncement }
func (*CollectionInfo) Kind() Kind   { return KindCollectionInfo }
func (*FileStatus) Kind() Kind       { return KindFileStatus }
func (*FileVerification) Kind() Kind { return KindFileVerification }

func (m *JobAnnouncement) ExtractionJobID() uuid.UUID  { return m.JobID }
func (m *CollectionInfo) ExtractionJobID() uuid.UUID   { return m.JobID }
func (m *FileStatus) ExtractionJobID() uuid.UUID       { return m.JobID }
func (m *FileVerification) ExtractionJobID() uuid.UUID { return m.JobID }

func (m *JobAnnouncement) MessageHeader() Header  { return m.Header }
func (m *CollectionInfo) MessageHeader() Header   { return m.Header }
func (m *FileStatus) MessageHeader() Header       { return m.Header }
func (m *FileVerification) MessageHeader() Header { return m.Header }

func (*JobAnnouncement) sealed()  {}
func (*CollectionInfo) sealed()   {}
func (*FileStatus) sealed()       {}
func (*FileVerification) sealed() {}

// Validate checks required fields.
func (m *JobAnnouncement) Validate() error {
	if m.JobID == uuid.Nil {
		return invalidf("job announcement: extraction_job_id is required")
	}
	if m.ExpectedKeyCount <= 0 {
		return invalidf("job announcement: expected_key_count must be > 0, got %d", m.ExpectedKeyCount)
	}
	if strings.TrimSpace(m.ExtractionDirectory) == "" {
		return invalidf("job announcement: extraction_directory is required")
	}
	if strings.TrimSpace(m.KeyTag) == "" {
		return invalidf("job announcement: key_tag is required")
	}
	if m.SubmittedAt.IsZero() {
		return invalidf("job announcement: job_submitted_at is required")
	}
	return nil
}

// Validate checks required fields.
func (m *CollectionInfo) Validate() error {
	if m.JobID == uuid.Nil {
		return invalidf("collection info: extraction_job_id is required")
	}
	if strings.TrimSpace(m.KeyValue) == "" {
		return invalidf("collection info: key_value is required")
	}
	for i, f := range m.ExpectedFiles {
		if strings.TrimSpace(f.OutputPath) == "" {
			return invalidf("collection info: expected_files[%d].output_path is required", i)
		}
	}
	for reason, n := range m.RejectionReasons {
		if n < 0 {
			return invalidf("collection info: rejection count for %q is negative", reason)
		}
	}
	return nil
}

// Validate checks required fields. A status message is required for every
// outcome except a plain copy.
func (m *FileStatus) Validate() error {
	if m.JobID == uuid.Nil {
		return invalidf("file status: extraction_job_id is required")
	}
	if strings.TrimSpace(m.SourcePath) == "" {
		return invalidf("file status: source_path is required")
	}
	if !m.Outcome.Valid() {
		return invalidf("file status: unknown outcome %q", m.Outcome)
	}
	if m.Outcome != ExtractionCopied && strings.TrimSpace(m.StatusMessage) == "" {
		return invalidf("file status: status_message is required for outcome %q", m.Outcome)
	}
	return nil
}

// Validate checks required fields. NotVerified is not a valid verification
// result.
func (m *FileVerification) Validate() error {
	if m.JobID == uuid.Nil {
		return invalidf("file verification: extraction_job_id is required")
	}
	if strings.TrimSpace(m.SourcePath) == "" {
		return invalidf("file verification: source_path is required")
	}
	if strings.TrimSpace(m.OutputPath) == "" {
		return invalidf("file verification: output_path is required")
	}
	if m.Outcome != VerificationNotIdentifiable && m.Outcome != VerificationIsIdentifiable {
		return invalidf("file verification: unexpected outcome %q", m.Outcome)
	}
	return nil
}
