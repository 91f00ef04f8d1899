package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyforge/provisd/internal/config"
	"github.com/skyforge/provisd/pkg/job"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect provisioning jobs",
	Long: `Inspect job records for running and finished provisioning operations.

This command group is designed to be script-friendly:

- stable job ids
- predictable record layout in the configured store
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioning jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_type> <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_type> <job_id>",
	Short: "Show a job's history",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete expired job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("type", "", "Filter by job type glob (e.g. 'instance-*')")
	jobsListCmd.Flags().String("status", "", "Filter by status")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Bool("json", false, "Output as JSON")
}

func openRegistry(cmd *cobra.Command) (*job.Registry, func(), error) {
	cfg := config.GetConfig()
	kv, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	registry, err := job.NewRegistry(kv, cfg.Jobs.Types...)
	if err != nil {
		_ = kv.Close()
		return nil, nil, err
	}
	return registry, func() { _ = kv.Close() }, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	typePattern, _ := cmd.Flags().GetString("type")
	statusFilter, _ := cmd.Flags().GetString("status")

	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	summaries, err := registry.Summaries(cmd.Context(), job.Filter{
		TypePattern: typePattern,
		Status:      job.Status(statusFilter),
	})
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tCREATED\tCLOUD\tRESULT")
	for _, s := range summaries {
		cloud := s.CloudName
		if cloud == "" {
			cloud = s.CloudType
		}
		if cloud == "" {
			cloud = "-"
		}
		result := "-"
		if len(s.Result) > 0 {
			result = s.Result[0]
		} else if s.Error != nil {
			result = fmt.Sprintf("error %d", s.Error.Code)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Type, s.Status, formatEpoch(s.Created), cloud, result)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobType, jobID := args[0], args[1]

	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if !registry.Has(jobType) {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	store, err := registry.Store(jobType)
	if err != nil {
		return err
	}
	rec, err := store.Get(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	summary, err := job.Summarize(cmd.Context(), rec)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", summary.ID)
	_, _ = fmt.Fprintf(w, "Type:\t%s\n", summary.Type)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", summary.Status)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", formatEpoch(summary.Created))
	_, _ = fmt.Fprintf(w, "Modified:\t%s\n", formatEpoch(summary.Modified))
	if summary.CloudType != "" {
		_, _ = fmt.Fprintf(w, "Cloud:\t%s (%s)\n", summary.CloudName, summary.CloudType)
	}
	for _, r := range summary.Result {
		_, _ = fmt.Fprintf(w, "Result:\t%s\n", r)
	}
	if summary.Error != nil {
		_, _ = fmt.Fprintf(w, "Error:\t%d %s\n", summary.Error.Code, summary.Error.Message)
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobType, jobID := args[0], args[1]

	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if !registry.Has(jobType) {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	store, err := registry.Store(jobType)
	if err != nil {
		return err
	}
	rec, err := store.Get(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	logs, err := rec.Logs(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	}
	for _, entry := range logs {
		_, _ = fmt.Fprintf(os.Stdout, "%s  %s\n", formatEpoch(entry.Timestamp), entry.Content)
	}
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	swept, err := registry.SweepExpired(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Removed %d expired job record(s)\n", swept)
	return nil
}

func formatEpoch(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return time.UnixMilli(int64(ts * 1000)).UTC().Format(time.RFC3339)
}
