package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobtally/internal/host"
	"github.com/3leaps/jobtally/internal/observability"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Ingest a JSONL message stream into the job store",
	Long: `Replay reads message envelopes, one per line, and ingests them exactly as
the service would. Malformed or rejected lines are reported and skipped.

Examples:
  jobtally replay --file messages.jsonl
  cat messages.jsonl | jobtally replay --file -
  jobtally replay --file messages.jsonl --sweep --json`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringP("file", "f", "", "JSONL file to replay ('-' for stdin)")
	replayCmd.Flags().Bool("sweep", false, "Sweep and complete ready jobs after replaying")
	replayCmd.Flags().Float64("rate", -1, "Messages per second (overrides ingest.rate_per_second; 0 = unlimited)")
	replayCmd.Flags().Bool("strict", false, "Reject lines that do not match the envelope schema (overrides ingest.strict)")
	replayCmd.Flags().Bool("json", false, "Output as JSON")
	_ = replayCmd.MarkFlagRequired("file")
}

type replayOutput struct {
	Source string            `json:"source"`
	Stats  host.ReplayStats  `json:"stats"`
	Sweep  *host.SweepResult `json:"sweep,omitempty"`
}

func runReplay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("file")
	path = strings.TrimSpace(path)
	if path == "" {
		return exitError(ExitUsage, "replay", fmt.Errorf("--file is required"))
	}
	doSweep, _ := cmd.Flags().GetBool("sweep")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ratePerSecond := appConfig.Ingest.RatePerSecond
	if cmd.Flags().Changed("rate") {
		ratePerSecond, _ = cmd.Flags().GetFloat64("rate")
	}

	strict := appConfig.Ingest.Strict
	if cmd.Flags().Changed("strict") {
		strict, _ = cmd.Flags().GetBool("strict")
	}

	var src io.Reader = cmd.InOrStdin()
	source := "stdin"
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return exitError(ExitUsage, "open replay file", err)
		}
		defer func() { _ = f.Close() }()
		src = f
		source = path
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	log := observability.CLILogger
	proc := host.NewProcessor(store, host.LogAcker{Log: log},
		host.WithMaxBatch(appConfig.Queue.MaxBatch),
		host.WithProcessorLogger(log))
	rp := host.NewReplayer(proc,
		host.WithRateLimit(ratePerSecond, appConfig.Ingest.Burst),
		host.WithMaxLineBytes(appConfig.Ingest.MaxLineBytes),
		host.WithStrict(strict),
		host.WithReplayLogger(log))

	stats, err := rp.Replay(ctx, source, src)
	if err != nil {
		return exitError(ExitFailure, "replay", err)
	}
	out := replayOutput{Source: source, Stats: stats}

	if doSweep {
		res, err := proc.Sweep(ctx, uuid.Nil)
		if err != nil {
			return storeExitError("sweep", err)
		}
		out.Sweep = &res
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(w, out)
	}
	_, _ = fmt.Fprintf(w, "source=%s\n", out.Source)
	_, _ = fmt.Fprintf(w, "messages=%d\n", stats.Messages)
	_, _ = fmt.Fprintf(w, "rejected=%d\n", stats.Rejected)
	_, _ = fmt.Fprintf(w, "malformed=%d\n", stats.Malformed)
	_, _ = fmt.Fprintf(w, "buffered=%d\n", stats.Buffered)
	if out.Sweep != nil {
		printSweep(w, *out.Sweep)
	}
	return nil
}
