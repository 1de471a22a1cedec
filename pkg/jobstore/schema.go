package jobstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the permanent tables in-place.
//
// Per-job working tables are not part of the schema; they are created on
// first ingestion for a job and dropped once the job is archived.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS active_jobs (
			` + jobColumnsDDL + `,
			PRIMARY KEY(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_active_jobs_status ON active_jobs(status);`,

		`CREATE TABLE IF NOT EXISTS completed_jobs (
			` + jobColumnsDDL + `,
			completed_at TEXT NOT NULL,
			PRIMARY KEY(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completed_jobs_completed_at ON completed_jobs(completed_at);`,

		`CREATE TABLE IF NOT EXISTS archived_expected_sets (
			job_id TEXT NOT NULL,
			` + expectedSetColumnsDDL + `,
			PRIMARY KEY(job_id, key_value),
			FOREIGN KEY(job_id) REFERENCES completed_jobs(job_id)
		);`,

		`CREATE TABLE IF NOT EXISTS archived_file_outcomes (
			job_id TEXT NOT NULL,
			` + fileOutcomeColumnsDDL + `,
			PRIMARY KEY(job_id, source_path),
			FOREIGN KEY(job_id) REFERENCES completed_jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_file_outcomes_extraction ON archived_file_outcomes(job_id, extraction_outcome);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_file_outcomes_verification ON archived_file_outcomes(job_id, verification_outcome);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const jobColumnsDDL = `job_id TEXT NOT NULL,
			header_json TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			project_number TEXT NOT NULL,
			extraction_directory TEXT NOT NULL,
			key_tag TEXT NOT NULL,
			expected_key_count INTEGER NOT NULL,
			user_name TEXT NOT NULL,
			modality TEXT,
			is_identifiable_extraction INTEGER NOT NULL,
			is_no_filter_extraction INTEGER NOT NULL,
			status TEXT NOT NULL,
			failure_cause TEXT,
			failed_at TEXT`

// The working and archive tables share these columns; the archive adds job_id.
const expectedSetColumnsDDL = `key_value TEXT NOT NULL,
			header_json TEXT NOT NULL,
			expected_files_json TEXT NOT NULL,
			expected_file_count INTEGER NOT NULL,
			rejections_json TEXT`

const fileOutcomeColumnsDDL = `source_path TEXT NOT NULL,
			output_path TEXT,
			extraction_outcome TEXT NOT NULL,
			verification_outcome TEXT NOT NULL,
			status_message TEXT,
			header_json TEXT NOT NULL`

const jobColumns = `job_id, header_json, submitted_at, project_number, extraction_directory,
	key_tag, expected_key_count, user_name, modality, is_identifiable_extraction,
	is_no_filter_extraction, status, failure_cause, failed_at`

const expectedSetColumns = `key_value, header_json, expected_files_json, expected_file_count, rejections_json`

const fileOutcomeColumns = `source_path, output_path, extraction_outcome, verification_outcome, status_message, header_json`
