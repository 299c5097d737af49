// Package cmd implements the annoflow command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/internal/config"
	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/internal/server/handlers"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown", GoVersion: runtime.Version()}

	appIdentity *config.Identity

	cfgFile  string
	verbose  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "annoflow",
	Short: "Annotation job lifecycle coordinator",
	Long: `annoflow moves annotation jobs through their lifecycle:
dispatch, completion reporting, archival to cold storage, and restoration.

Each stage runs as an independent queue consumer:
  annoflow worker dispatch   # launch annotation runs for submitted jobs
  annoflow worker archive    # move free-tier results to cold storage
  annoflow worker restore    # start cold-storage retrievals for upgraded users
  annoflow worker thaw       # copy retrieved archives back to hot storage

Configuration is read from annoflow.yaml (or --config), ANNOFLOW_* environment
variables and .env files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appIdentity == nil {
			appIdentity = config.DefaultIdentity()
		}
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		config.SetIdentity(appIdentity)
		config.SetConfigFile(cfgFile)
		return nil
	},
}

func init() {
	appIdentity = config.DefaultIdentity()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./annoflow.yaml, then ~/.config/annoflow/annoflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose CLI output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "service log level (debug|info|warn|error)")
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ce *cliError
		if errors.As(err, &ce) {
			ExitWithCode(observability.CLILogger, ce.code, ce.message, ce.err)
		}
		ExitWithCode(observability.CLILogger, 1, "Command failed", err)
	}
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// loadConfig loads configuration with the command line overrides applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	return cfg, nil
}

type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if err != nil {
		logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Error(msg, zap.Int("exit_code", code))
	}
	_ = logger.Sync()
	os.Exit(code)
}
