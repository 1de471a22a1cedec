package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/jobtally/pkg/message"
)

// Report accessors read only the archive. Each returns ErrJobNotFound for a
// job that was never completed, and an empty result when the archived job has
// no matching entries.

// GetCompletedJobInfo returns the snapshot written when the job was archived.
func (s *Store) GetCompletedJobInfo(ctx context.Context, jobID uuid.UUID) (*CompletedJobInfo, error) {
	const op = "get_completed_job_info"
	info, err := getCompletedJob(ctx, s.db, jobID)
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}
	if info == nil {
		return nil, jobErr(op, jobID, ErrJobNotFound)
	}
	return info, nil
}

// ListCompletedJobs returns every archived job, most recently completed first.
func (s *Store) ListCompletedJobs(ctx context.Context) ([]CompletedJobInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`, completed_at FROM completed_jobs ORDER BY completed_at DESC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CompletedJobInfo
	for rows.Next() {
		var completedAt string
		j, err := scanJob(rows, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan completed job: %w", err)
		}
		at, err := parseDBTime(completedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		out = append(out, CompletedJobInfo{JobRecord: j, CompletedAt: at})
	}
	return out, rows.Err()
}

// GetRejections returns, per key value, the identifiers rejected before
// extraction and why. Key values with no rejections are omitted.
func (s *Store) GetRejections(ctx context.Context, jobID uuid.UUID) ([]Rejection, error) {
	const op = "get_rejections"
	if err := s.requireArchived(ctx, jobID); err != nil {
		return nil, jobErr(op, jobID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key_value, rejections_json FROM archived_expected_sets
		 WHERE job_id = ? AND rejections_json IS NOT NULL AND rejections_json != ''
		 ORDER BY key_value ASC`, jobID.String())
	if err != nil {
		return nil, jobErr(op, jobID, fmt.Errorf("query rejections: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := []Rejection{}
	for rows.Next() {
		var (
			key string
			raw sql.NullString
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, jobErr(op, jobID, fmt.Errorf("scan rejection: %w", err))
		}
		reasons := map[string]int{}
		if err := json.Unmarshal([]byte(raw.String), &reasons); err != nil {
			return nil, jobErr(op, jobID, fmt.Errorf("parse rejections for %s: %w", key, err))
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, Rejection{KeyValue: key, Reasons: reasons})
	}
	if err := rows.Err(); err != nil {
		return nil, jobErr(op, jobID, err)
	}
	return out, nil
}

// GetAnonymisationFailures returns the files that could not be produced.
func (s *Store) GetAnonymisationFailures(ctx context.Context, jobID uuid.UUID) ([]AnonymisationFailure, error) {
	const op = "get_anonymisation_failures"
	recs, err := s.archivedOutcomes(ctx, jobID, "extraction_outcome", string(message.ExtractionErrorWontRetry))
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}

	out := make([]AnonymisationFailure, 0, len(recs))
	for _, rec := range recs {
		f := AnonymisationFailure{SourcePath: rec.SourcePath, OutputPath: rec.OutputPath}
		if rec.StatusMessage != nil {
			f.Reason = *rec.StatusMessage
		}
		out = append(out, f)
	}
	return out, nil
}

// GetMissingFiles returns the source paths of files that did not exist.
func (s *Store) GetMissingFiles(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	const op = "get_missing_files"
	recs, err := s.archivedOutcomes(ctx, jobID, "extraction_outcome", string(message.ExtractionFileMissing))
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}

	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.SourcePath)
	}
	return out, nil
}

// GetVerificationFailures returns output files found to contain identifiable
// data, with the verifier's report.
func (s *Store) GetVerificationFailures(ctx context.Context, jobID uuid.UUID) ([]VerificationFailure, error) {
	const op = "get_verification_failures"
	recs, err := s.archivedOutcomes(ctx, jobID, "verification_outcome", string(message.VerificationIsIdentifiable))
	if err != nil {
		return nil, jobErr(op, jobID, err)
	}

	out := make([]VerificationFailure, 0, len(recs))
	for _, rec := range recs {
		var f VerificationFailure
		if rec.OutputPath != nil {
			f.OutputPath = *rec.OutputPath
		}
		if rec.StatusMessage != nil {
			f.Report = *rec.StatusMessage
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) requireArchived(ctx context.Context, jobID uuid.UUID) error {
	archived, err := isArchived(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if !archived {
		return ErrJobNotFound
	}
	return nil
}

// archivedOutcomes returns the archived outcomes of a job whose column equals
// value. column is always a constant supplied by this package.
func (s *Store) archivedOutcomes(ctx context.Context, jobID uuid.UUID, column, value string) ([]FileOutcomeRecord, error) {
	if err := s.requireArchived(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileOutcomeColumns+` FROM archived_file_outcomes
		 WHERE job_id = ? AND `+column+` = ?
		 ORDER BY source_path ASC`, jobID.String(), value)
	if err != nil {
		return nil, fmt.Errorf("query archived outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FileOutcomeRecord
	for rows.Next() {
		rec, err := scanFileOutcome(rows, jobID)
		if err != nil {
			return nil, fmt.Errorf("scan archived outcome: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
