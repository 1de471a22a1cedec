package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobtally/internal/host"
	"github.com/3leaps/jobtally/internal/observability"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Advance job statuses and complete ready jobs",
	Long: `Sweep re-evaluates active jobs against the records received so far,
advances their status, and archives every job that is ready for checks.

A job whose completion fails is marked failed with the error as its cause.

Examples:
  jobtally sweep
  jobtally sweep --job 3f9a1c2e-...   # one job only`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().String("job", "", "Sweep only this job id")
	sweepCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	jobID := uuid.Nil
	if raw, _ := cmd.Flags().GetString("job"); strings.TrimSpace(raw) != "" {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return exitError(ExitUsage, "invalid --job", err)
		}
		jobID = id
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	proc := host.NewProcessor(store, host.LogAcker{Log: observability.CLILogger},
		host.WithProcessorLogger(observability.CLILogger))
	res, err := proc.Sweep(ctx, jobID)
	if err != nil {
		return storeExitError("sweep", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	printSweep(cmd.OutOrStdout(), res)
	return nil
}

func printSweep(w io.Writer, res host.SweepResult) {
	_, _ = fmt.Fprintf(w, "ready=%d\n", res.Ready)
	_, _ = fmt.Fprintf(w, "completed=%d\n", res.Completed)
	_, _ = fmt.Fprintf(w, "failed=%d\n", res.Failed)
}
