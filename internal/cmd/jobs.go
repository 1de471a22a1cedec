package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage extraction jobs",
	Long: `Inspect active and completed extraction jobs, or mark a job failed.

Output is a table by default; pass --json for machine parsing.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsFailCmd = &cobra.Command{
	Use:   "fail <job_id>",
	Short: "Mark an active job failed",
	Long: `Mark an active job failed. A failed job stays in the active set and is
skipped by sweeps until an operator resolves it.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsFail,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsFailCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Only list active jobs with this status")
	jobsListCmd.Flags().Bool("completed", false, "List completed jobs instead of active ones")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsFailCmd.Flags().String("cause", "", "Why the job failed (required)")
	jobsFailCmd.Flags().Bool("json", false, "Output as JSON")
	_ = jobsFailCmd.MarkFlagRequired("cause")
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, exitError(ExitUsage, "invalid job id", err)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	completed, _ := cmd.Flags().GetBool("completed")
	statusFilter, _ := cmd.Flags().GetString("status")
	statusFilter = strings.TrimSpace(statusFilter)
	if statusFilter != "" && !jobstore.JobStatus(statusFilter).Valid() {
		return exitError(ExitUsage, "invalid --status", fmt.Errorf("unknown status %q", statusFilter))
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	if completed {
		infos, err := store.ListCompletedJobs(ctx)
		if err != nil {
			return storeExitError("list completed jobs", err)
		}
		if jsonOutput {
			if infos == nil {
				infos = []jobstore.CompletedJobInfo{}
			}
			return writeJSON(out, infos)
		}
		if len(infos) == 0 {
			_, _ = fmt.Fprintln(out, "No jobs found")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "JOB ID\tPROJECT\tUSER\tKEYS\tSUBMITTED\tCOMPLETED")
		for _, j := range infos {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				j.JobID, dash(j.ProjectNumber), dash(j.UserName), humanize.Comma(int64(j.ExpectedKeyCount)),
				j.SubmittedAt.UTC().Format(time.RFC3339), humanize.Time(j.CompletedAt))
		}
		return nil
	}

	jobs, err := store.ListActiveJobs(ctx)
	if err != nil {
		return storeExitError("list jobs", err)
	}
	if statusFilter != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == statusFilter {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []jobstore.JobRecord{}
		}
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tPROJECT\tUSER\tKEYS\tSUBMITTED\tAGE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Status, dash(j.ProjectNumber), dash(j.UserName), humanize.Comma(int64(j.ExpectedKeyCount)),
			j.SubmittedAt.UTC().Format(time.RFC3339), humanize.Time(j.SubmittedAt))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	job, err := store.GetActiveJob(ctx, id)
	if jobstore.IsJobArchived(err) {
		info, cerr := store.GetCompletedJobInfo(ctx, id)
		if cerr != nil {
			return storeExitError("job status", cerr)
		}
		if jsonOutput {
			return writeJSON(out, info)
		}
		printJob(out, info.JobRecord)
		_, _ = fmt.Fprintf(out, "completed_at=%s\n", info.CompletedAt.UTC().Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return storeExitError("job status", err)
	}

	if jsonOutput {
		return writeJSON(out, job)
	}
	printJob(out, *job)
	if job.Failure != nil {
		_, _ = fmt.Fprintf(out, "failed_at=%s\n", job.Failure.FailedAt.UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(out, "cause=%s\n", job.Failure.Cause)
	}
	return nil
}

func runJobsFail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cause, _ := cmd.Flags().GetString("cause")
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	info, err := store.MarkFailed(ctx, id, cause)
	if err != nil {
		return storeExitError("mark failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, info)
	}
	printJob(out, info.JobRecord)
	_, _ = fmt.Fprintf(out, "failed_at=%s\n", info.FailedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "cause=%s\n", info.Cause)
	return nil
}

func printJob(w io.Writer, j jobstore.JobRecord) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", j.JobID)
	_, _ = fmt.Fprintf(w, "status=%s\n", j.Status)
	if j.ProjectNumber != "" {
		_, _ = fmt.Fprintf(w, "project_number=%s\n", j.ProjectNumber)
	}
	if j.UserName != "" {
		_, _ = fmt.Fprintf(w, "user_name=%s\n", j.UserName)
	}
	_, _ = fmt.Fprintf(w, "extraction_directory=%s\n", j.ExtractionDirectory)
	_, _ = fmt.Fprintf(w, "key_tag=%s\n", j.KeyTag)
	_, _ = fmt.Fprintf(w, "expected_key_count=%d\n", j.ExpectedKeyCount)
	if j.Modality != "" {
		_, _ = fmt.Fprintf(w, "modality=%s\n", j.Modality)
	}
	_, _ = fmt.Fprintf(w, "submitted_at=%s\n", j.SubmittedAt.UTC().Format(time.RFC3339))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
