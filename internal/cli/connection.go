package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fgsect/fitm/internal/lineage"
)

// ConnectionOptions holds flags for the print-connection command.
type ConnectionOptions struct {
	*RootOptions
	MaxHops int
}

// NewPrintConnectionCommand creates the print-connection command.
func NewPrintConnectionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "print-connection <state-dir>",
		Short: "Write the conversation leading to a state",
		Long: `Write the raw bytes of every input that led to a state to stdout, oldest
first. With --verbose each fragment is framed on stderr by delimiter lines,
its source path and its length.

Example:
  fitm print-connection ./saved-states/fitm-gen5-state3 > conversation.bin
  fitm print-connection -v ./saved-states/fitm-gen5-state3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrintConnection(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.MaxHops, "max-hops", 0, "lineage hop limit (0 = default)")

	return cmd
}

func runPrintConnection(cmd *cobra.Command, opts *ConnectionOptions, state string) error {
	if info, err := os.Stat(state); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("not a state directory: %s", state))
	}
	rec := lineage.NewReconstructor(
		lineage.WithMaxHops(opts.MaxHops),
		lineage.WithLogger(opts.logger()),
	)
	chain, err := rec.Reconstruct(cmd.Context(), state)
	if err != nil {
		if lineage.IsCorruptLineage(err) {
			return WrapExitError(ExitFailure, "corrupt lineage", err)
		}
		return WrapExitError(ExitCommandError, "cannot reconstruct connection", err)
	}

	var diag io.Writer
	if opts.Verbose {
		diag = cmd.ErrOrStderr()
	}
	if err := chain.WriteStream(cmd.OutOrStdout(), diag); err != nil {
		return WrapExitError(ExitFailure, "write connection", err)
	}
	return nil
}
