package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/lifecycle"
	"github.com/3leaps/annoflow/pkg/provider"
)

var (
	submitUserID    string
	submitEmail     string
	submitInput     string
	submitInputName string

	upgradeUserID string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a job for an uploaded input file",
	Long: `Create a PENDING job record for an input file already in hot storage and
publish its submission event for the dispatch stage.

Examples:
  annoflow submit --user-id u-42 --email u42@example.org --input s3://inputs/u-42/sample.vcf`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Move a user to the paid tier and restore archived results",
	Long: `Record the paid tier for a user (when the profile backend accepts updates)
and publish a restore request for each of the user's archived jobs.`,
	Args: cobra.NoArgs,
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(upgradeCmd)

	submitCmd.Flags().StringVar(&submitUserID, "user-id", "", "owning user (required)")
	submitCmd.Flags().StringVar(&submitEmail, "email", "", "user email for notifications")
	submitCmd.Flags().StringVar(&submitInput, "input", "", "input location, e.g. s3://bucket/key (required)")
	submitCmd.Flags().StringVar(&submitInputName, "input-name", "", "input file name (default: last element of --input)")
	_ = submitCmd.MarkFlagRequired("user-id")
	_ = submitCmd.MarkFlagRequired("input")

	upgradeCmd.Flags().StringVar(&upgradeUserID, "user-id", "", "user to upgrade (required)")
	_ = upgradeCmd.MarkFlagRequired("user-id")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if _, err := provider.ParseLocation(submitInput); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid input location", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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
	requests, err := b.publisher(ctx, "requests", cfg.Topics.Requests)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open request topic", err)
	}

	s := &lifecycle.Submitter{Records: records, Requests: requests, Logger: logger.Named("submit")}
	rec, err := s.Submit(ctx, lifecycle.SubmitRequest{
		UserID:               submitUserID,
		UserEmail:            submitEmail,
		InputStorageLocation: submitInput,
		InputFileName:        submitInputName,
	})
	if err != nil {
		var ve *jobrecord.ValidationError
		if errors.As(err, &ve) || errors.Is(err, lifecycle.ErrMalformed) {
			return exitError(foundry.ExitInvalidArgument, "Invalid job", err)
		}
		if rec != nil {
			observability.CLILogger.Warn("Job created but not queued", zap.String("job_id", rec.JobID))
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to submit job", err)
	}

	observability.CLILogger.Info(fmt.Sprintf("Submitted job %s", rec.JobID),
		zap.String("job_id", rec.JobID),
		zap.String("input", rec.InputStorageLocation))
	return nil
}

func runUpgrade(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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
	restore, err := b.publisher(ctx, "restore", cfg.Topics.Restore)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open restore topic", err)
	}
	profiles, err := b.profiles(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open profile backend", err)
	}

	u := &lifecycle.Upgrader{Records: records, Restore: restore, Profiles: profiles, Logger: logger.Named("upgrade")}
	n, err := u.Upgrade(ctx, upgradeUserID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrMalformed) {
			return exitError(foundry.ExitInvalidArgument, "Invalid user", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to upgrade user", err)
	}
	observability.CLILogger.Info(fmt.Sprintf("Upgraded %s; %d restore request(s) published", upgradeUserID, n),
		zap.String("user_id", upgradeUserID),
		zap.Int("restores", n))
	return nil
}
