package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/malipat/internal/cli"
	"github.com/example/malipat/internal/version"
	"github.com/example/malipat/internal/wire"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "malipat",
		Short:   "malipat - test patches posted to a mailing list",
		Version: version.String(),
		Long: `malipat discovers patches posted to a mailing list, applies each one to
an isolated copy of the target tree and runs the project's tests against it.
Every patch gets exactly one recorded outcome per attempt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			wire.SetConfigPath(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $MALIPAT_CONFIG, .malipat/config.yaml, /etc/malipat.yaml)")

	// Add subcommands
	rootCmd.AddCommand(cli.InitCmd())
	rootCmd.AddCommand(cli.DoctorCmd())
	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.WatchCmd())

	// Inspection
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.ShowCmd())
	rootCmd.AddCommand(cli.RetryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
