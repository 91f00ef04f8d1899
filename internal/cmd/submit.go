package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyforge/provisd/internal/config"
	"github.com/skyforge/provisd/internal/drivers"
	"github.com/skyforge/provisd/internal/observability"
	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/polling"
	"github.com/skyforge/provisd/pkg/runner"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job_type>",
	Short: "Submit a provisioning job",
	Long: `Submit a provisioning job and print its record.

With --wait the command polls until the job reaches a terminal state or
the wait elapses; a job that is still running when the wait ends is left
running and stays queryable via 'provisd jobs status'.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("cloud-type", "fake", "Cloud driver to provision with")
	submitCmd.Flags().String("cloud-name", "", "Cloud deployment name")
	submitCmd.Flags().String("image", "", "Image id to provision from")
	submitCmd.Flags().String("instance", "", "Existing instance id (update/terminate)")
	submitCmd.Flags().Int("ttl", 0, "Record time-to-live in seconds (0 = default)")
	submitCmd.Flags().Duration("wait", 0, "Poll until terminal or this duration elapses")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	logger := observability.CLILogger

	kv, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	registry, err := job.NewRegistry(kv, cfg.Jobs.Types...)
	if err != nil {
		return err
	}

	drv := drivers.NewRegistry()
	registerDrivers(drv, cfg, logger)

	provisioner := drivers.NewProvisioner(registry, drv, runner.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.Jobs.PollInterval,
	}, logger)
	defer provisioner.Stop()

	cloudType, _ := cmd.Flags().GetString("cloud-type")
	cloudName, _ := cmd.Flags().GetString("cloud-name")
	image, _ := cmd.Flags().GetString("image")
	instance, _ := cmd.Flags().GetString("instance")
	ttl, _ := cmd.Flags().GetInt("ttl")
	wait, _ := cmd.Flags().GetDuration("wait")

	fields := map[string]any{job.FieldCloudType: cloudType}
	if cloudName != "" {
		fields[job.FieldCloudName] = cloudName
	}
	if image != "" {
		fields[job.FieldImageID] = image
	}
	if instance != "" {
		fields[job.FieldInstanceID] = instance
	}
	if ttl > 0 {
		fields[job.FieldTTL] = ttl
	}

	rec, err := provisioner.Submit(cmd.Context(), args[0], fields)
	if err != nil {
		return err
	}

	if wait > 0 {
		p := &polling.Poller[*job.Record]{
			Interval: cfg.Jobs.PollInterval,
			Refresh: func(ctx context.Context, h *job.Record) (*job.Record, error) {
				return h, h.Refresh(ctx)
			},
			Complete: func(h *job.Record) bool { return h.Status().Terminal() },
		}
		rec, err = p.PollForCompletion(cmd.Context(), rec, wait)
		if err != nil && !errors.Is(err, polling.ErrTimeout) {
			return err
		}
		if errors.Is(err, polling.ErrTimeout) {
			_, _ = fmt.Fprintf(os.Stderr, "wait elapsed; job %s still %s\n", rec.ID(), rec.Status())
		}
	}

	summary, err := job.Summarize(cmd.Context(), rec)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
