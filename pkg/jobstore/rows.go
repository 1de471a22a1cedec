package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobtally/pkg/message"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// dbTimeLayout keeps every stored timestamp the same width so that ORDER BY
// on the text column is chronological. RFC3339Nano trims trailing zeros and
// would sort 09:00:00Z after 09:00:00.5Z.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalHeader(h message.Header) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return string(b), nil
}

func unmarshalHeader(raw string) (message.Header, error) {
	var h message.Header
	if strings.TrimSpace(raw) == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}

// jobArgs returns the values for jobColumns, in order.
func jobArgs(j JobRecord) ([]any, error) {
	hdr, err := marshalHeader(j.Header)
	if err != nil {
		return nil, err
	}
	var cause, failedAt any
	if j.Failure != nil {
		cause = j.Failure.Cause
		failedAt = formatDBTime(j.Failure.FailedAt)
	}
	return []any{
		j.JobID.String(), hdr, formatDBTime(j.SubmittedAt), j.ProjectNumber, j.ExtractionDirectory,
		j.KeyTag, j.ExpectedKeyCount, j.UserName, j.Modality, boolToInt(j.IsIdentifiableExtraction),
		boolToInt(j.IsNoFilterExtraction), string(j.Status), cause, failedAt,
	}, nil
}

// scanJob reads jobColumns, plus any extra destinations appended after them.
func scanJob(row rowScanner, extra ...any) (JobRecord, error) {
	var (
		j                      JobRecord
		jobID, hdr, submitted  string
		status                 string
		modality               sql.NullString
		identifiable, noFilter int64
		cause, failedAt        sql.NullString
	)

	dest := []any{
		&jobID, &hdr, &submitted, &j.ProjectNumber, &j.ExtractionDirectory,
		&j.KeyTag, &j.ExpectedKeyCount, &j.UserName, &modality, &identifiable,
		&noFilter, &status, &cause, &failedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return j, err
	}

	id, err := uuid.Parse(jobID)
	if err != nil {
		return j, fmt.Errorf("parse job_id: %w", err)
	}
	j.JobID = id

	if j.Header, err = unmarshalHeader(hdr); err != nil {
		return j, err
	}
	if j.SubmittedAt, err = parseDBTime(submitted); err != nil {
		return j, fmt.Errorf("parse submitted_at: %w", err)
	}
	j.Modality = modality.String
	j.IsIdentifiableExtraction = identifiable != 0
	j.IsNoFilterExtraction = noFilter != 0
	j.Status = JobStatus(status)

	if cause.Valid || failedAt.Valid {
		fi := &FailureInfo{Cause: cause.String}
		if failedAt.Valid {
			if fi.FailedAt, err = parseDBTime(failedAt.String); err != nil {
				return j, fmt.Errorf("parse failed_at: %w", err)
			}
		}
		j.Failure = fi
	}

	return j, nil
}

// queryJobs runs a query selecting jobColumns and collects every row. The rows
// are closed before returning so callers may issue further queries.
func queryJobs(ctx context.Context, q querier, query string, args ...any) ([]JobRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func getActiveJob(ctx context.Context, q querier, jobID uuid.UUID) (*JobRecord, error) {
	j, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM active_jobs WHERE job_id = ?`, jobID.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &j, nil
}

func getCompletedJob(ctx context.Context, q querier, jobID uuid.UUID) (*CompletedJobInfo, error) {
	var completedAt string
	j, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+`, completed_at FROM completed_jobs WHERE job_id = ?`, jobID.String()),
		&completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get completed job: %w", err)
	}
	at, err := parseDBTime(completedAt)
	if err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &CompletedJobInfo{JobRecord: j, CompletedAt: at}, nil
}

func isArchived(ctx context.Context, q querier, jobID uuid.UUID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completed_jobs WHERE job_id = ?`, jobID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check archived: %w", err)
	}
	return n > 0, nil
}

func scanExpectedSet(row rowScanner, jobID uuid.UUID) (ExpectedSetRecord, error) {
	var (
		rec        ExpectedSetRecord
		hdr, files string
		fileCount  int
		rejections sql.NullString
	)
	if err := row.Scan(&rec.KeyValue, &hdr, &files, &fileCount, &rejections); err != nil {
		return rec, err
	}
	rec.JobID = jobID

	var err error
	if rec.Header, err = unmarshalHeader(hdr); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(files), &rec.ExpectedFiles); err != nil {
		return rec, fmt.Errorf("parse expected files: %w", err)
	}
	if rejections.Valid && rejections.String != "" {
		if err := json.Unmarshal([]byte(rejections.String), &rec.RejectionReasons); err != nil {
			return rec, fmt.Errorf("parse rejections: %w", err)
		}
	}
	return rec, nil
}

func expectedSetArgs(rec ExpectedSetRecord) ([]any, error) {
	hdr, err := marshalHeader(rec.Header)
	if err != nil {
		return nil, err
	}
	files, err := json.Marshal(rec.ExpectedFiles)
	if err != nil {
		return nil, fmt.Errorf("marshal expected files: %w", err)
	}
	var rejections any
	if len(rec.RejectionReasons) > 0 {
		b, err := json.Marshal(rec.RejectionReasons)
		if err != nil {
			return nil, fmt.Errorf("marshal rejections: %w", err)
		}
		rejections = string(b)
	}
	return []any{rec.KeyValue, hdr, string(files), len(rec.ExpectedFiles), rejections}, nil
}

func scanFileOutcome(row rowScanner, jobID uuid.UUID) (FileOutcomeRecord, error) {
	var (
		rec                      FileOutcomeRecord
		outputPath, statusMsg    sql.NullString
		extraction, verification string
		hdr                      string
	)
	if err := row.Scan(&rec.SourcePath, &outputPath, &extraction, &verification, &statusMsg, &hdr); err != nil {
		return rec, err
	}
	rec.JobID = jobID
	rec.ExtractionOutcome = message.ExtractionOutcome(extraction)
	rec.VerificationOutcome = message.VerificationOutcome(verification)
	if outputPath.Valid {
		s := outputPath.String
		rec.OutputPath = &s
	}
	if statusMsg.Valid {
		s := statusMsg.String
		rec.StatusMessage = &s
	}
	var err error
	if rec.Header, err = unmarshalHeader(hdr); err != nil {
		return rec, err
	}
	return rec, nil
}

func fileOutcomeArgs(rec FileOutcomeRecord) ([]any, error) {
	hdr, err := marshalHeader(rec.Header)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.SourcePath, nullableString(rec.OutputPath), string(rec.ExtractionOutcome),
		string(rec.VerificationOutcome), nullableString(rec.StatusMessage), hdr,
	}, nil
}
