package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

const (
	reportRejections            = "rejections"
	reportAnonymisationFailures = "anonymisation-failures"
	reportMissingFiles          = "missing-files"
	reportVerificationFailures  = "verification-failures"
	reportAll                   = "all"
)

var reportKinds = []string{
	reportRejections,
	reportAnonymisationFailures,
	reportMissingFiles,
	reportVerificationFailures,
}

var reportCmd = &cobra.Command{
	Use:   "report <job_id>",
	Short: "Show reports for a completed job",
	Long: `Show the archived reports for a completed job.

Kinds:
  rejections               identifiers filtered out, grouped by key value
  anonymisation-failures   files that could not be produced
  missing-files            expected files never reported
  verification-failures    outputs found to contain identifiable data
  all                      every report (default)

Examples:
  jobtally report 0b7c2c9e-8d0c-4d8e-9f43-5b1c8f8f7d21
  jobtally report 0b7c2c9e-8d0c-4d8e-9f43-5b1c8f8f7d21 --kind missing-files --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("kind", reportAll, "Report kind: "+strings.Join(reportKinds, ", ")+", all")
	reportCmd.Flags().String("format", "text", "Output format: text, json, yaml")
}

// jobReport is the combined output of the report command. Sections that were
// not requested are omitted.
type jobReport struct {
	JobID                 uuid.UUID                        `json:"job_id"`
	Rejections            *[]jobstore.Rejection            `json:"rejections,omitempty"`
	AnonymisationFailures *[]jobstore.AnonymisationFailure `json:"anonymisation_failures,omitempty"`
	MissingFiles          *[]string                        `json:"missing_files,omitempty"`
	VerificationFailures  *[]jobstore.VerificationFailure  `json:"verification_failures,omitempty"`
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind, _ := cmd.Flags().GetString("kind")
	format, _ := cmd.Flags().GetString("format")
	kind = strings.ToLower(strings.TrimSpace(kind))
	format = strings.ToLower(strings.TrimSpace(format))

	kinds, err := selectReportKinds(kind)
	if err != nil {
		return err
	}
	switch format {
	case "text", "json", "yaml":
	default:
		return exitError(ExitUsage, "invalid --format", fmt.Errorf("unknown format %q", format))
	}

	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rep, err := buildReport(ctx, store, id, kinds)
	if err != nil {
		return storeExitError("report", err)
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return writeJSON(out, rep)
	case "yaml":
		return writeYAML(out, rep)
	default:
		printReport(out, rep)
		return nil
	}
}

func selectReportKinds(kind string) ([]string, error) {
	if kind == "" || kind == reportAll {
		return reportKinds, nil
	}
	for _, k := range reportKinds {
		if k == kind {
			return []string{k}, nil
		}
	}
	return nil, exitError(ExitUsage, "invalid --kind", fmt.Errorf("unknown report kind %q", kind))
}

// reportSource is the part of the job store the report command reads.
type reportSource interface {
	GetRejections(ctx context.Context, jobID uuid.UUID) ([]jobstore.Rejection, error)
	GetAnonymisationFailures(ctx context.Context, jobID uuid.UUID) ([]jobstore.AnonymisationFailure, error)
	GetMissingFiles(ctx context.Context, jobID uuid.UUID) ([]string, error)
	GetVerificationFailures(ctx context.Context, jobID uuid.UUID) ([]jobstore.VerificationFailure, error)
}

func buildReport(ctx context.Context, src reportSource, id uuid.UUID, kinds []string) (jobReport, error) {
	rep := jobReport{JobID: id}
	for _, k := range kinds {
		switch k {
		case reportRejections:
			v, err := src.GetRejections(ctx, id)
			if err != nil {
				return rep, err
			}
			v = nonNil(v)
			rep.Rejections = &v
		case reportAnonymisationFailures:
			v, err := src.GetAnonymisationFailures(ctx, id)
			if err != nil {
				return rep, err
			}
			v = nonNil(v)
			rep.AnonymisationFailures = &v
		case reportMissingFiles:
			v, err := src.GetMissingFiles(ctx, id)
			if err != nil {
				return rep, err
			}
			v = nonNil(v)
			rep.MissingFiles = &v
		case reportVerificationFailures:
			v, err := src.GetVerificationFailures(ctx, id)
			if err != nil {
				return rep, err
			}
			v = nonNil(v)
			rep.VerificationFailures = &v
		}
	}
	return rep, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// writeYAML renders v through its JSON form so field names match the JSON
// output and the HTTP API.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printReport(w io.Writer, rep jobReport) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", rep.JobID)

	if rep.Rejections != nil {
		_, _ = fmt.Fprintf(w, "\nRejections (%d key values)\n", len(*rep.Rejections))
		for _, r := range *rep.Rejections {
			total := 0
			for _, n := range r.Reasons {
				total += n
			}
			_, _ = fmt.Fprintf(w, "  %s: %d", r.KeyValue, total)
			for _, reason := range sortedKeys(r.Reasons) {
				_, _ = fmt.Fprintf(w, " %s=%d", reason, r.Reasons[reason])
			}
			_, _ = fmt.Fprintln(w)
		}
	}

	if rep.AnonymisationFailures != nil {
		_, _ = fmt.Fprintf(w, "\nAnonymisation failures (%d)\n", len(*rep.AnonymisationFailures))
		for _, f := range *rep.AnonymisationFailures {
			output := "-"
			if f.OutputPath != nil {
				output = *f.OutputPath
			}
			_, _ = fmt.Fprintf(w, "  %s -> %s: %s\n", f.SourcePath, output, f.Reason)
		}
	}

	if rep.MissingFiles != nil {
		_, _ = fmt.Fprintf(w, "\nMissing files (%d)\n", len(*rep.MissingFiles))
		for _, p := range *rep.MissingFiles {
			_, _ = fmt.Fprintf(w, "  %s\n", p)
		}
	}

	if rep.VerificationFailures != nil {
		_, _ = fmt.Fprintf(w, "\nVerification failures (%d)\n", len(*rep.VerificationFailures))
		for _, f := range *rep.VerificationFailures {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", f.OutputPath, f.Report)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
