package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/heyslab/heysync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagEndpoint   string
	flagDBPath     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. It is available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Resolved

// resolvedCLI keeps the CLI override set used for the initial resolve,
// so watch-mode reloads replay the exact same chain.
var resolvedCLI config.CLIOverrides

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "heysync",
		Short:   "Offline-first key-value sync client",
		Long:    "heysync mirrors key-value records locally and keeps them reconciled with the cloud store across devices.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE loads configuration before every command.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint", "", "override the direct API endpoint")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "override the local mirror database path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg for use by
// subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass overrides to the resolver if the user explicitly set them.
	if cmd.Flags().Changed("endpoint") {
		cli.Endpoint = &flagEndpoint
	}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved
	resolvedCLI = cli

	return nil
}

// effectiveConfigPath mirrors the path precedence used by config.Resolve:
// CLI flag, then environment, then the platform default.
func effectiveConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
		return env.ConfigPath
	}

	return config.DefaultConfigPath()
}

// levelVar is the shared log level. A LevelVar (not a fixed level) so
// watch mode can apply a changed config without rebuilding handlers.
var levelVar = new(slog.LevelVar)

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Config-file log level provides the baseline; --verbose
// and --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

// buildFileLogger creates an slog.Logger writing to the rotating log
// file. Used by watch mode, where stderr may be disconnected.
func buildFileLogger() *slog.Logger {
	out := &lumberjack.Logger{
		Filename: resolvedCfg.Logging.LogFile,
		MaxAge:   resolvedCfg.Logging.LogRetentionDays,
		Compress: true,
	}

	return newLogger(out, false)
}

// newLogger assembles a handler for the selected level and format.
// Format "auto" picks text on a terminal and JSON otherwise, so piped
// output stays machine-readable.
func newLogger(w io.Writer, terminal bool) *slog.Logger {
	levelVar.Set(logLevel())
	opts := &slog.HandlerOptions{Level: levelVar}

	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.Logging.LogFormat
	}

	useJSON := format == "json" || (format == "auto" && !terminal)
	if useJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func logLevel() slog.Level {
	level := slog.LevelInfo

	// Config-based log level (lower priority than CLI flags).
	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return level
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
