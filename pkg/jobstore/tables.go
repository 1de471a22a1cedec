package jobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Each job owns two working tables, named from its id. The uuid hex digits
// are the only variable part, so the names are always safe identifiers.
func expectedSetsTable(jobID uuid.UUID) string {
	return "expected_sets_" + strings.ReplaceAll(jobID.String(), "-", "")
}

func fileOutcomesTable(jobID uuid.UUID) string {
	return "file_outcomes_" + strings.ReplaceAll(jobID.String(), "-", "")
}

func ensureExpectedSetsTable(ctx context.Context, q querier, jobID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+expectedSetsTable(jobID)+` (
			`+expectedSetColumnsDDL+`,
			PRIMARY KEY(key_value)
		)`)
	if err != nil {
		return fmt.Errorf("create expected sets table: %w", err)
	}
	return nil
}

func ensureFileOutcomesTable(ctx context.Context, q querier, jobID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+fileOutcomesTable(jobID)+` (
			`+fileOutcomeColumnsDDL+`,
			PRIMARY KEY(source_path)
		)`)
	if err != nil {
		return fmt.Errorf("create file outcomes table: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

// workingCounts are the inputs the status evaluator needs for one job.
type workingCounts struct {
	ExpectedSets  int
	ExpectedFiles int
	FileOutcomes  int
}

func countWorking(ctx context.Context, q querier, jobID uuid.UUID) (workingCounts, error) {
	var c workingCounts

	esTable := expectedSetsTable(jobID)
	ok, err := tableExists(ctx, q, esTable)
	if err != nil {
		return c, err
	}
	if ok {
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(expected_file_count), 0) FROM `+esTable).
			Scan(&c.ExpectedSets, &c.ExpectedFiles)
		if err != nil {
			return c, fmt.Errorf("count expected sets: %w", err)
		}
	}

	foTable := fileOutcomesTable(jobID)
	ok, err = tableExists(ctx, q, foTable)
	if err != nil {
		return c, err
	}
	if ok {
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+foTable).Scan(&c.FileOutcomes); err != nil {
			return c, fmt.Errorf("count file outcomes: %w", err)
		}
	}

	return c, nil
}

func dropWorkingTables(ctx context.Context, q querier, jobID uuid.UUID) error {
	for _, name := range []string{expectedSetsTable(jobID), fileOutcomesTable(jobID)} {
		if _, err := q.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}
