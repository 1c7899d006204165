package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cliadapter "github.com/example/malipat/internal/adapters/cli"
	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/config"
	"github.com/example/malipat/internal/wire"
)

// RunCmd returns the run command
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process one batch of new patches",
		Long: `Fetch messages that arrived since the last checkpoint, apply each
patch to an isolated workspace and run the test command.

The checkpoint only advances when every discovered message reached a
recorded outcome. A shared infrastructure failure (unreachable source or
state store) halts the batch and exits non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wire.Config()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg)
			if err != nil {
				return err
			}
			defer lock.Release()
			defer wire.Close()

			svc, err := wire.PipelineService()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := svc.RunBatch(ctx)
			cliadapter.PrintBatch(cmd.OutOrStdout(), summary)
			return err
		},
	}
}

func acquireLock(cfg *config.Config) (*filesystem.StateLock, error) {
	lock, err := filesystem.AcquireLock(cfg.LockPath())
	if errors.Is(err, filesystem.ErrLocked) {
		return nil, fmt.Errorf("another malipat process is using %s", cfg.State.Dir)
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}
