package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/workarea"
)

var (
	statusFormat string
	statusUserID string
	statusLocal  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show job records",
	Long: `Show one job record, or every job owned by a user.

With --local, list the annotation processes launched from this host's work
root instead of reading the record store.

Examples:
  annoflow status 7f1c2d0e-...
  annoflow status --user-id u-42 --format table
  annoflow status --local --format table
  annoflow status 7f1c2d0e-... --format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "json", "output format (json|yaml|table)")
	statusCmd.Flags().StringVar(&statusUserID, "user-id", "", "list every job for this user")
	statusCmd.Flags().BoolVar(&statusLocal, "local", false, "list annotation processes launched from the local work root")
}

// jobView is the display form of a record.
type jobView struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	UserID    string `json:"user_id" yaml:"user_id"`
	Status    string `json:"job_status" yaml:"job_status"`
	Storage   string `json:"storage" yaml:"storage"`
	InputFile string `json:"input_file_name" yaml:"input_file_name"`
	Input     string `json:"input_storage_location" yaml:"input_storage_location"`
	Submitted string `json:"submit_time" yaml:"submit_time"`

	Completed       string `json:"complete_time,omitempty" yaml:"complete_time,omitempty"`
	Result          string `json:"result_storage_location,omitempty" yaml:"result_storage_location,omitempty"`
	Log             string `json:"log_storage_location,omitempty" yaml:"log_storage_location,omitempty"`
	ArchiveHandle   string `json:"result_archive_handle,omitempty" yaml:"result_archive_handle,omitempty"`
	RetrievalHandle string `json:"retrieval_job_handle,omitempty" yaml:"retrieval_job_handle,omitempty"`
}

func viewOf(rec *jobrecord.Record) jobView {
	v := jobView{
		JobID:           rec.JobID,
		UserID:          rec.UserID,
		Status:          rec.Status.String(),
		Storage:         storageState(rec),
		InputFile:       rec.InputFileName,
		Input:           rec.InputStorageLocation,
		Submitted:       formatEpoch(rec.SubmitTime),
		Result:          rec.ResultStorageLocation,
		Log:             rec.LogStorageLocation,
		ArchiveHandle:   rec.ResultArchiveHandle,
		RetrievalHandle: rec.RetrievalJobHandle,
	}
	if rec.CompleteTime > 0 {
		v.Completed = formatEpoch(rec.CompleteTime)
	}
	return v
}

// storageState names where a job's result currently lives.
func storageState(rec *jobrecord.Record) string {
	switch {
	case rec.Status != jobrecord.StatusCompleted:
		return "-"
	case rec.Restoring():
		return "restoring"
	case rec.Archived():
		return "archived"
	default:
		return "hot"
	}
}

func formatEpoch(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	switch {
	case statusLocal && (len(args) == 1 || statusUserID != ""):
		return exitError(foundry.ExitInvalidArgument, "Conflicting arguments", errors.New("--local takes no job id or --user-id"))
	case statusLocal:
	case len(args) == 0 && statusUserID == "":
		return exitError(foundry.ExitInvalidArgument, "Nothing to show", errors.New("pass a job id or --user-id"))
	case len(args) == 1 && statusUserID != "":
		return exitError(foundry.ExitInvalidArgument, "Conflicting arguments", errors.New("pass a job id or --user-id, not both"))
	}
	switch statusFormat {
	case "json", "yaml", "table":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", fmt.Errorf("unsupported format: %s", statusFormat))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if statusLocal {
		launches, err := workarea.New(cfg.Dispatch.WorkRoot).List()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read work root", err)
		}
		return writeLaunches(os.Stdout, statusFormat, launches)
	}
	b := newBackends(cfg, nil)
	defer func() { _ = b.Close() }()

	records, err := b.records(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open record store", err)
	}

	var views []jobView
	if len(args) == 1 {
		rec, err := records.Get(ctx, args[0])
		if jobrecord.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job", err)
		}
		views = append(views, viewOf(rec))
	} else {
		recs, err := records.ListByUser(ctx, statusUserID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
		}
		for i := range recs {
			views = append(views, viewOf(&recs[i]))
		}
	}

	return writeViews(os.Stdout, statusFormat, views, len(args) == 1)
}

// writeViews renders views. single prints a lone object rather than a list
// for the structured formats.
func writeViews(w io.Writer, format string, views []jobView, single bool) error {
	var v any = views
	if single && len(views) == 1 {
		v = views[0]
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "JOB ID\tUSER\tSTATUS\tSTORAGE\tINPUT\tSUBMITTED\tCOMPLETED")
		for _, j := range views {
			completed := j.Completed
			if completed == "" {
				completed = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				j.JobID, j.UserID, j.Status, j.Storage, j.InputFile, j.Submitted, completed)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unsupported format: %s", format)
}

// launchView is the display form of a local launch marker.
type launchView struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	UserID    string `json:"user_id" yaml:"user_id"`
	InputFile string `json:"input_file_name" yaml:"input_file_name"`
	PID       int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Alive     bool   `json:"alive" yaml:"alive"`
	Started   string `json:"started_at" yaml:"started_at"`
}

func writeLaunches(w io.Writer, format string, launches []workarea.Launch) error {
	views := make([]launchView, 0, len(launches))
	for _, l := range launches {
		views = append(views, launchView{
			JobID:     l.JobID,
			UserID:    l.UserID,
			InputFile: l.InputFileName,
			PID:       l.PID,
			Alive:     l.Alive,
			Started:   l.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "JOB ID\tUSER\tINPUT\tPID\tALIVE\tSTARTED")
		for _, v := range views {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
				v.JobID, v.UserID, v.InputFile, v.PID, v.Alive, v.Started)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unsupported format: %s", format)
}
