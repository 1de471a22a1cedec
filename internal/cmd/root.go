// Package cmd implements the jobtally command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobtally/internal/config"
	"github.com/3leaps/jobtally/internal/observability"
	"github.com/3leaps/jobtally/pkg/jobstore"
)

// Process exit codes.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitUsage            = 2
	ExitConfigInvalid    = 3
	ExitStoreUnavailable = 4
	ExitJobConflict      = 5
	ExitNotFound         = 6
)

// skipConfigAnnotation marks commands that run without loading configuration.
const skipConfigAnnotation = "jobtally/skip-config"

var (
	cfgFile   string
	logLevel  string
	storePath string
	storeURL  string

	appConfig   *config.Config
	appIdentity *config.Identity
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "jobtally",
	Short: "Track extraction jobs from announcement to archive",
	Long: `jobtally records the messages producers publish about extraction jobs,
works out when each job has received everything it expects, and archives
finished jobs for reporting.

Run 'jobtally serve' for the long-running service, or use the other
commands against the same job database.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: discovered jobtally.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Path to the job database")
	rootCmd.PersistentFlags().StringVar(&storeURL, "store-url", "", "Remote libsql URL (overrides --store)")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	rootCmd.SetContext(ctx)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	observability.CLILogger.Error("Command failed", zap.Error(err))
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag") {
		return ExitUsage
	}
	return ExitFailure
}

// SetVersionInfo records build metadata for the version command and
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved by the last config load, or
// nil if no command has loaded configuration yet.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// ExitError carries the exit code a command failure should produce.
type ExitError struct {
	Code int
	Msg  string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Msg, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Msg, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Msg: msg, Err: err}
}

// storeExitError maps job store errors onto exit codes.
func storeExitError(msg string, err error) error {
	switch {
	case jobstore.IsJobNotFound(err):
		return exitError(ExitNotFound, msg, err)
	case jobstore.IsJobArchived(err), jobstore.IsJobFailed(err), jobstore.IsEmptyCollection(err):
		return exitError(ExitJobConflict, msg, err)
	case jobstore.IsInvalidMessage(err), errors.Is(err, jobstore.ErrCauseRequired):
		return exitError(ExitUsage, msg, err)
	default:
		return exitError(ExitFailure, msg, err)
	}
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// flagOverrides returns config overrides for the persistent flags the user
// actually set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		out["logging.level"] = logLevel
	}
	if flags.Changed("store") {
		out["store.path"] = storePath
	}
	if flags.Changed("store-url") {
		out["store.url"] = storeURL
	}
	return out
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return nil
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(ExitConfigInvalid, "load config", err)
	}
	appConfig = cfg
	appIdentity = config.GetIdentity()

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfigInvalid, "init logger", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("remote_store", cfg.Store.URL != ""))
	return nil
}

// openStore opens the configured job database.
func openStore(ctx context.Context) (*jobstore.Store, error) {
	if appConfig == nil {
		return nil, exitError(ExitConfigInvalid, "open store", errors.New("configuration not loaded"))
	}
	store, err := jobstore.Open(ctx, appConfig.StoreOptions(), jobstore.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, exitError(ExitStoreUnavailable, "open store", err)
	}
	return store, nil
}

