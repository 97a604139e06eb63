package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/target"
)

var (
	jobListStatus string
	jobListLimit  int

	jobCreateTargets     []string
	jobCreateTargetsFile string
	jobCreateMessage     string
	jobCreateMediaType   string
	jobCreateMediaFile   string
	jobCreateDelayMin    int
	jobCreateDelayMax    int
	jobCreateAt          string
	jobCreateNoPreview   bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Campaign job commands",
	Long: `Inspect and manage campaign jobs in the local storage.

Storage is opened directly, so commands that write (create, cancel, delete)
need the server to be stopped. Use the HTTP API against a running server.`,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics",
	RunE:  runJobStats,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a scheduled or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign job",
	Long: `Create a campaign job. It runs when the server next starts, or at --at.

Examples:
  campaignd job create -c config.yaml --target 5511999999999 --message "Hello"
  campaignd job create -c config.yaml --targets-file numbers.txt \
    --media-type image --media-file promo.jpg --message "Caption" \
    --at 2024-06-01T09:00:00-03:00`,
	RunE: runJobCreate,
}

func init() {
	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "Filter by status (scheduled, running, completed, failed, cancelled)")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 50, "Maximum number of jobs to show")

	jobCreateCmd.Flags().StringSliceVarP(&jobCreateTargets, "target", "t", nil, "Recipient number or group id (repeatable)")
	jobCreateCmd.Flags().StringVar(&jobCreateTargetsFile, "targets-file", "", "File with one recipient per line (- for stdin)")
	jobCreateCmd.Flags().StringVarP(&jobCreateMessage, "message", "m", "", "Message text or media caption")
	jobCreateCmd.Flags().StringVar(&jobCreateMediaType, "media-type", job.MediaTypeText, "text, image, video, audio or document")
	jobCreateCmd.Flags().StringVar(&jobCreateMediaFile, "media-file", "", "Media file to attach")
	jobCreateCmd.Flags().IntVar(&jobCreateDelayMin, "delay-min", -1, "Minimum seconds between sends (default from config)")
	jobCreateCmd.Flags().IntVar(&jobCreateDelayMax, "delay-max", -1, "Maximum seconds between sends (default from config)")
	jobCreateCmd.Flags().StringVar(&jobCreateAt, "at", "", "Schedule time (RFC3339)")
	jobCreateCmd.Flags().BoolVar(&jobCreateNoPreview, "no-link-preview", false, "Disable link previews")

	jobCmd.AddCommand(jobListCmd, jobShowCmd, jobStatsCmd, jobCancelCmd, jobDeleteCmd, jobCreateCmd)
	rootCmd.AddCommand(jobCmd)
}

func openJobStorage() (*job.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := job.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job storage: %w", err)
	}

	return storage, nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	filter := job.ListFilter{Limit: jobListLimit}
	if jobListStatus != "" {
		filter.Status = job.Status(jobListStatus)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid status: %s", jobListStatus)
		}
	}

	storage, err := openJobStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tTARGETS\tPROGRESS\tDUE")
	fmt.Fprintln(w, "--\t------\t----\t-------\t--------\t---")

	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID,
			j.Status,
			j.MediaType,
			len(j.Targets),
			formatProgress(j),
			j.DueAt().Local().Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))

	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	storage, err := openJobStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	j, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job: %s\n\n", j.ID)
	fmt.Printf("Status:      %s\n", j.Status)
	fmt.Printf("Type:        %s\n", j.MediaType)
	if j.FileName != "" {
		fmt.Printf("File:        %s\n", j.FileName)
	}
	fmt.Printf("Targets:     %d\n", len(j.Targets))
	fmt.Printf("Delays:      %d-%ds\n", j.Delays.Min, j.Delays.Max)
	fmt.Printf("Created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.ScheduleTime != nil {
		fmt.Printf("Scheduled:   %s\n", j.ScheduleTime.Format(time.RFC3339))
	}
	if j.StartedAt != nil {
		fmt.Printf("Started:     %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("Updated:     %s\n", j.UpdatedAt.Format(time.RFC3339))

	if j.Progress != nil {
		fmt.Printf("\nProgress:    %d/%d (%d sent, %d failed, %d invalid)\n",
			j.Progress.Current, j.Progress.Total, j.Progress.Success, j.Progress.Fail, j.Progress.Invalid)
	}
	if j.Results != nil {
		fmt.Printf("Results:     %d sent, %d failed of %d\n", j.Results.Success, j.Results.Fail, j.Results.Total)
	}
	if j.Error != "" {
		fmt.Printf("\nError:\n  %s\n", j.Error)
	}

	if j.Message != "" {
		fmt.Println("\nMessage (first 500 bytes):")
		fmt.Println("---")
		preview := j.Message
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		fmt.Println(preview)
		fmt.Println("---")
	}

	return nil
}

func runJobStats(cmd *cobra.Command, args []string) error {
	storage, err := openJobStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get job stats: %w", err)
	}

	fmt.Println("Job Statistics")
	fmt.Println("==============")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Scheduled: %d\n", stats.Scheduled)
	fmt.Printf("Running:   %d\n", stats.Running)
	fmt.Printf("Completed: %d\n", stats.Completed)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	fmt.Printf("Cancelled: %d\n", stats.Cancelled)

	if next, ok, err := storage.NextActivation(context.Background()); err == nil && ok {
		fmt.Printf("\nNext activation: %s\n", next.Local().Format(time.RFC3339))
	}

	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	storage, err := openJobStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if _, err := storage.SetStatus(context.Background(), id, job.StatusCancelled); err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			return fmt.Errorf("job %s cannot be cancelled: %w", id, err)
		}
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	fmt.Printf("Job %s cancelled\n", id)
	return nil
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	storage, err := openJobStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Delete(context.Background(), id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	fmt.Printf("Job %s deleted\n", id)
	return nil
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := buildCreateRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}

	j, err := req.Build(cfg.Dispatch.DefaultDelays, time.Now())
	if err != nil {
		return err
	}

	valid, rejected := target.ValidateAll(j.Targets)
	for _, r := range rejected {
		fmt.Printf("  Warning: %s will be skipped: %v\n", r.Original, r.Err)
	}
	if len(valid) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	storage, err := job.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open job storage: %w", err)
	}
	defer storage.Close()

	if err := storage.Append(context.Background(), j); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	fmt.Printf("Job %s created\n", j.ID)
	fmt.Printf("  Recipients: %d valid, %d invalid\n", len(valid), len(rejected))
	fmt.Printf("  Due:        %s\n", j.DueAt().Local().Format(time.RFC3339))
	return nil
}

// buildCreateRequest assembles a job request from the create flags
func buildCreateRequest(stdin io.Reader) (*job.CreateRequest, error) {
	req := &job.CreateRequest{
		Targets:   splitTargets(jobCreateTargets),
		Message:   jobCreateMessage,
		MediaType: jobCreateMediaType,
	}

	if jobCreateTargetsFile != "" {
		targets, err := readTargetsFile(jobCreateTargetsFile, stdin)
		if err != nil {
			return nil, err
		}
		req.Targets = append(req.Targets, targets...)
	}

	if jobCreateMediaFile != "" {
		data, err := os.ReadFile(jobCreateMediaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read media file: %w", err)
		}
		req.MediaBase64 = base64.StdEncoding.EncodeToString(data)
		req.FileName = filepath.Base(jobCreateMediaFile)
	}

	if jobCreateDelayMin >= 0 || jobCreateDelayMax >= 0 {
		d := job.Delays{Min: jobCreateDelayMin, Max: jobCreateDelayMax}
		if d.Min < 0 {
			d.Min = 0
		}
		if d.Max < 0 {
			d.Max = d.Min
		}
		req.Delays = &d
	}

	if jobCreateAt != "" {
		at, err := time.Parse(time.RFC3339, jobCreateAt)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		req.ScheduleTime = &at
	}

	if jobCreateNoPreview {
		preview := false
		req.LinkPreview = &preview
	}

	return req, nil
}

// splitTargets accepts comma or whitespace separated recipients
func splitTargets(values []string) []string {
	var targets []string
	for _, v := range values {
		for _, f := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t'
		}) {
			targets = append(targets, f)
		}
	}
	return targets
}

// readTargetsFile reads one recipient per line, skipping blanks and # comments
func readTargetsFile(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open targets file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var targets []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, splitTargets([]string{line})...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read targets: %w", err)
	}

	return targets, nil
}

func formatProgress(j *job.Job) string {
	switch {
	case j.Results != nil:
		return fmt.Sprintf("%d/%d ok", j.Results.Success, j.Results.Total)
	case j.Progress != nil:
		return fmt.Sprintf("%d/%d", j.Progress.Current, j.Progress.Total)
	}
	return "-"
}
