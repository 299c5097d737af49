package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/internal/config"
	errwrap "github.com/3leaps/annoflow/internal/errors"
	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/pkg/awsconf"
)

var doctorAWS bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  annoflow doctor         # Configuration and environment checks
  annoflow doctor --aws   # Also check AWS credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorAWS, "aws", false, "check AWS credentials")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorAWS {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err))
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Invalid configuration",
			errwrap.NewInvalidArgument(err.Error()))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ records=%s hot=%s profiles=%s",
		checkNum, totalChecks, cfg.Records.Backend, cfg.Hot.Scheme, cfg.Profiles.Backend))
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
		zap.String("config_dir", configDir))
	checkNum++

	// Check 4: Work root
	if err := checkWorkRoot(cfg.Dispatch.WorkRoot); err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking work root... ⚠️  %s is not writable", checkNum, totalChecks, cfg.Dispatch.WorkRoot),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking work root... ✅ %s", checkNum, totalChecks, cfg.Dispatch.WorkRoot))
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("crucible_version", crucible.GetVersion().Crucible))
	checkNum++

	if doctorAWS {
		allChecks = runAWSChecks(cmd.Context(), cfg, checkNum, totalChecks) && allChecks
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkWorkRoot verifies the dispatch work root exists (creating it if
// needed) and accepts new files.
func checkWorkRoot(dir string) error {
	if dir == "" {
		return fmt.Errorf("dispatch.work_root is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runAWSChecks resolves credentials the way the workers do.
func runAWSChecks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("AWS Checks:")

	awsCfg, err := awsconf.Load(ctx, newBackends(cfg, nil).awsConf())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	region := awsCfg.Region
	if region == "" {
		region = "(endpoint default)"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS region... ✅ %s", checkNum, totalChecks, region),
		zap.String("region", region),
		zap.String("endpoint", cfg.AWS.Endpoint))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For local emulators (moto, localstack), also set:")
	observability.CLILogger.Info("  - ANNOFLOW_AWS_ENDPOINT or aws.endpoint in the config file")
	observability.CLILogger.Info("")
}
