package commands

import (
	"github.com/dyluth/warren/internal/scaffold"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var (
		force bool
		dir   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter warren project",
		Long: `Create a starter warren project in the current directory.

Creates:
  • warren.yml - instance configuration
  • agents/echo/agent.sh - example agent that echoes each message
  • .env.example - environment overrides

Use --force to overwrite existing files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			written, err := scaffold.Initialize(dir, force)
			if err != nil {
				return p.Error("Initialization failed", err.Error(), nil)
			}

			p.Success("Initialized warren project\n\n")
			p.Info("Created:\n")
			for _, f := range written {
				p.Info("  ✓ %s\n", f)
			}
			p.Info("\nNext steps:\n")
			p.Info("  1. Add '.warren/' to your .gitignore file\n")
			p.Info("  2. Point processor.command in warren.yml at your agent\n")
			p.Info("  3. Run 'warren serve'\n")
			p.Info("  4. In another terminal: warren send general '{\"text\":\"hi\"}' --wait && warren log general\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing project files")
	cmd.Flags().StringVar(&dir, "dir", ".", "Project directory")
	return cmd
}
