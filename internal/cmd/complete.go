package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/pkg/lifecycle"
	"github.com/3leaps/annoflow/pkg/workarea"
)

var (
	completeJobID     string
	completeUserID    string
	completeInputFile string
	completeWorkRoot  string
	completeRepublish bool
)

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Report a finished annotation run",
	Long: `Upload a finished job's result and log files, mark the job COMPLETED and
publish the completion event.

The annotator invokes this when it exits successfully. Reporting a job that is
not RUNNING fails without touching the record or the working area; use
--republish to re-send the event for a job that already completed.

Examples:
  annoflow complete --job-id 7f1c... --user-id u-42 --input-file sample.vcf
  annoflow complete --job-id 7f1c... --user-id u-42 --input-file sample.vcf --republish`,
	Args: cobra.NoArgs,
	RunE: runComplete,
}

func init() {
	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().StringVar(&completeJobID, "job-id", "", "job identifier (required)")
	completeCmd.Flags().StringVar(&completeUserID, "user-id", "", "owning user (required)")
	completeCmd.Flags().StringVar(&completeInputFile, "input-file", "", "input file name (required)")
	completeCmd.Flags().StringVar(&completeWorkRoot, "work-dir", "", "working area root (default: dispatch.work_root)")
	completeCmd.Flags().BoolVar(&completeRepublish, "republish", false, "re-send the completion event for an already completed job")
	_ = completeCmd.MarkFlagRequired("job-id")
	_ = completeCmd.MarkFlagRequired("user-id")
	_ = completeCmd.MarkFlagRequired("input-file")
}

func runComplete(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Results.Bucket == "" {
		return exitError(foundry.ExitInvalidArgument, "results.bucket is required", errors.New("no results bucket configured"))
	}
	logger, err := observability.NewLogger(appIdentity.BinaryName, cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	b := newBackends(cfg, logger)
	defer func() { _ = b.Close() }()

	records, err := b.records(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open record store", err)
	}
	hot, err := b.hot(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open hot storage", err)
	}
	results, err := hot.Bucket(ctx, cfg.Results.Bucket)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open results bucket", err)
	}
	notify, err := b.publisher(ctx, "completed", cfg.Topics.Completed)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open completion topic", err)
	}
	archive, err := b.optionalPublisher(ctx, "archive", cfg.Topics.Archive)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive queue", err)
	}

	root := completeWorkRoot
	if root == "" {
		root = cfg.Dispatch.WorkRoot
	}
	reporter := &lifecycle.Reporter{
		Records:       records,
		Area:          workarea.New(root),
		Results:       results,
		ResultsScheme: hot.Scheme(),
		ResultsBucket: cfg.Results.Bucket,
		ResultsPrefix: cfg.Results.Prefix,
		ResultPattern: cfg.Results.ResultPattern,
		LogPattern:    cfg.Results.LogPattern,
		Notify:        notify,
		Archive:       archive,
		Logger:        logger.Named("report"),
	}

	rec, err := reporter.Report(ctx, lifecycle.Report{
		JobID:         completeJobID,
		UserID:        completeUserID,
		InputFileName: completeInputFile,
		Republish:     completeRepublish,
	})
	if err != nil {
		code := foundry.ExitExternalServiceUnavailable
		if errors.Is(err, lifecycle.ErrInvariant) || errors.Is(err, lifecycle.ErrMalformed) {
			code = foundry.ExitInvalidArgument
		}
		return exitError(code, "Failed to report completion", err)
	}

	observability.CLILogger.Info("Job completed",
		zap.String("job_id", rec.JobID),
		zap.String("result", rec.ResultStorageLocation),
		zap.String("log", rec.LogStorageLocation))
	return nil
}
