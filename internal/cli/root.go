package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "bqrunner",
		Short:         "Union date-sharded BigQuery tables into one destination",
		Long:          "bqrunner composes a union query over date-sharded source tables, runs it into a destination table, exports the result to Cloud Storage and optionally bulk-loads it into Vertica.",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log_level")
	rootCmd.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "Write JSON logs instead of console output")

	rootCmd.AddCommand(
		newRunCmd(g),
		newDescribeCmd(g),
		newServeCmd(g),
		newMigrateCmd(g),
		newTokenCmd(g),
	)
	return rootCmd
}

// setup loads the config and builds the process logger.
func (g *globalFlags) setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), level, g.logJSON)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// newLogger sets up structured, level-based logging and routes the standard
// library logger through it.
func newLogger(w io.Writer, level string, jsonOutput bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if !jsonOutput {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	log.SetFlags(0)
	log.SetOutput(logger)
	return logger, nil
}
