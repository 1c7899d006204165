package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/wire"
)

// StatusCmd returns the status command
func StatusCmd() *cobra.Command {
	var (
		outcomeFilter string
		faultFilter   string
		limit         int
		summaryOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded patches and the last batch",
		Long: `Display outcome counts, the most recent batch and the latest patches.

Outcomes are grouped by fault: "patch" outcomes (applied_failed,
apply_failed, invalid) point at the submission, "pipeline" outcomes
(error, pending) point at the infrastructure.

Examples:
  malipat status
  malipat status --fault pipeline
  malipat status --outcome apply_failed --limit 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := primary.PatchFilters{
				Outcome: outcome.Outcome(outcomeFilter),
				Fault:   outcome.Fault(faultFilter),
				Limit:   limit,
			}
			if filters.Outcome != "" && !filters.Outcome.Valid() {
				return fmt.Errorf("unknown outcome %q", outcomeFilter)
			}
			switch filters.Fault {
			case "", outcome.FaultNone, outcome.FaultPatch, outcome.FaultPipeline:
			default:
				return fmt.Errorf("unknown fault %q (want patch, pipeline or none)", faultFilter)
			}

			adapter, err := wire.StatusAdapterWithOutput(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer wire.Close()

			if _, err := adapter.Summary(cmd.Context()); err != nil {
				return err
			}
			if summaryOnly {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout())
			_, err = adapter.List(cmd.Context(), filters)
			return err
		},
	}

	cmd.Flags().StringVar(&outcomeFilter, "outcome", "", "Only show patches with this outcome")
	cmd.Flags().StringVar(&faultFilter, "fault", "", "Only show patches with this fault (patch or pipeline)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum patches to list (0 for all)")
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Only print counts and the last batch")

	return cmd
}

// ShowCmd returns the show command
func ShowCmd() *cobra.Command {
	var withOutput bool

	cmd := &cobra.Command{
		Use:   "show <patch-id>",
		Short: "Show a patch and its attempts",
		Long: `Show a patch record and its attempt history. The id may be any unique
prefix of the patch identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := wire.StatusAdapterWithOutput(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer wire.Close()

			_, err = adapter.Show(cmd.Context(), args[0], withOutput)
			return err
		},
	}

	cmd.Flags().BoolVarP(&withOutput, "output", "o", false, "Print the test output of the latest attempt")

	return cmd
}

// RetryCmd returns the retry command
func RetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <patch-id>...",
		Short: "Schedule patches for another attempt",
		Long: `Flag patches so the next batch executes them again from their stored
message. Invalid patches and patches that used up their attempts are
refused.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := wire.StatusAdapterWithOutput(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer wire.Close()

			var failed int
			for _, id := range args {
				if _, err := adapter.Retry(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "✗ %v\n", err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d patches not scheduled", failed, len(args))
			}
			return nil
		},
	}
}
