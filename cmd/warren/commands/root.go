// Package commands implements the warren CLI.
package commands

import (
	"fmt"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/spf13/cobra"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var buildInfo = BuildInfo{Version: "dev", Commit: "none", Date: "unknown"}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(v, c, d string) {
	buildInfo = BuildInfo{Version: v, Commit: c, Date: d}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFiles   []string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "warren",
		Short: "Warren - durable, ordered room lanes for multi-agent chat",
		Long: `Warren gives every chat room its own ordered processing lane.

Messages are accepted without blocking, processed one at a time per room by an
agent command, and their results are committed in batches to a versioned log
with compare-and-set writes. Task ownership is tracked with heartbeats so work
held by a stalled lane is reassigned.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildInfo.Version, buildInfo.Commit, buildInfo.Date),
		// Show help rather than silently succeeding on a bare invocation.
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
				return newPrinter(cmd).Error("Failed to load environment file", err.Error(), nil)
			}
			return nil
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to warren.yml")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Environment files to load (missing files are ignored)")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(opts),
		newSendCmd(opts),
		newStatsCmd(),
		newLogCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// loadConfig loads the config file, turning failures into formatted errors.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, newPrinter(cmd).Error(
			"Failed to load configuration",
			err.Error(),
			map[string]string{"config": opts.configPath},
			"Run 'warren init' to create a starter warren.yml",
			"Pass --config to point at an existing file",
		)
	}
	return cfg, nil
}
