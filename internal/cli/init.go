package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/malipat/internal/config"
)

// InitCmd returns the init command
func InitCmd() *cobra.Command {
	var (
		sourceKind string
		sourcePath string
		targetPath string
		mode       string
		command    string
		workers    int
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration",
		Long: `Write a starter configuration file. The format follows the file
extension (.yaml, .yml or .toml). Without a path the file is written to
.malipat/config.yaml in the current directory.

Examples:
  malipat init --source ./spool --target ~/src/project --command "make check"
  malipat init ci.toml --source-kind mbox --source patches.mbox --target . --command "go test ./..."`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPaths[0]
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Source.Kind = sourceKind
			cfg.Target.Mode = mode
			cfg.Test.Command = strings.Fields(command)
			cfg.Pipeline.Workers = workers

			var err error
			if cfg.Source.Path, err = absPath(sourcePath); err != nil {
				return err
			}
			if cfg.Target.Path, err = absPath(targetPath); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := config.SaveConfig(path, cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Configuration written to %s\n", path)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  malipat doctor")
			fmt.Fprintln(out, "  malipat run")
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceKind, "source-kind", config.SourceSpool, "Patch source kind (spool or mbox)")
	cmd.Flags().StringVar(&sourcePath, "source", "", "Spool directory or mbox file")
	cmd.Flags().StringVar(&targetPath, "target", "", "Git repository patches are tested against")
	cmd.Flags().StringVar(&mode, "mode", "worktree", "Workspace mode (worktree or copy)")
	cmd.Flags().StringVar(&command, "command", "", "Test command run in each workspace")
	cmd.Flags().IntVar(&workers, "workers", config.Default().Pipeline.Workers, "Concurrent patch executions")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")

	return cmd
}

// absPath pins relative paths to the working directory, since the config
// loader resolves them against the config file's directory.
func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		p = filepath.Join(home, p[2:])
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}
