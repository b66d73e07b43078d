package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fgsect/fitm/internal/distill"
)

// DistillOptions holds flags for the distill-all command.
type DistillOptions struct {
	*RootOptions
	Workers int
	MaxHops int
}

// NewDistillCommand creates the distill-all command.
func NewDistillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DistillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "distill-all <saved-states-root> <output-root> [<index-dir>]",
		Short: "Reconstruct the conversation of every state",
		Long: `Reconstruct the conversation leading to every state below a saved-states
directory. The output root must not exist yet; it receives one directory per
state holding the conversation fragments as files 0, 1, 2, ...

When an index directory is given it receives one file per state naming the
output directory, plus a SQLite catalog of the run.

Example:
  fitm distill-all ./saved-states ./conversations
  fitm distill-all ./saved-states ./conversations ./index --workers 8`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index := ""
			if len(args) == 3 {
				index = args[2]
			}
			return runDistill(cmd, opts, args[0], args[1], index)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent reconstructions (0 = number of CPUs)")
	cmd.Flags().IntVar(&opts.MaxHops, "max-hops", 0, "lineage hop limit per state (0 = default)")

	return cmd
}

type distillFailure struct {
	State string `json:"state"`
	Error string `json:"error"`
}

type distillSummary struct {
	RunID      string           `json:"run_id"`
	OutputRoot string           `json:"output_root"`
	States     int              `json:"states"`
	Distilled  int              `json:"distilled"`
	Fragments  int              `json:"fragments"`
	Missing    int              `json:"missing"`
	Bytes      int              `json:"bytes"`
	Failures   []distillFailure `json:"failures,omitempty"`
}

func runDistill(cmd *cobra.Command, opts *DistillOptions, root, out, index string) error {
	f := opts.formatter(cmd)

	report, err := distill.Run(cmd.Context(), distill.Options{
		StatesRoot: root,
		OutputRoot: out,
		IndexDir:   index,
		Workers:    opts.Workers,
		MaxHops:    opts.MaxHops,
		Logger:     opts.logger(),
	})
	if err != nil {
		if errors.Is(err, distill.ErrNotStatesRoot) || distill.IsOutputRootCollision(err) {
			return WrapExitError(ExitCommandError, "cannot distill", err)
		}
		return WrapExitError(ExitFailure, "distillation failed", err)
	}

	sum := distillSummary{
		RunID:      report.RunID,
		OutputRoot: report.OutputRoot,
		States:     len(report.States),
		Distilled:  report.Succeeded(),
	}
	for _, st := range report.States {
		sum.Fragments += st.Fragments
		sum.Missing += st.Missing
		sum.Bytes += st.Bytes
		if st.Err != nil {
			sum.Failures = append(sum.Failures, distillFailure{State: st.State, Error: st.Err.Error()})
		}
	}

	p := message.NewPrinter(language.English)
	text := p.Sprintf("distilled %d of %d states into %s (%d fragments, %d bytes, %d missing)",
		sum.Distilled, sum.States, sum.OutputRoot, sum.Fragments, sum.Bytes, sum.Missing)
	if err := f.Success(sum, text); err != nil {
		return err
	}
	if !f.JSON() {
		for _, fl := range sum.Failures {
			fmt.Fprintf(f.ErrOut(), "  failed %s: %s\n", fl.State, fl.Error)
		}
	}
	if len(sum.Failures) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d states could not be distilled", len(sum.Failures)))
	}
	return nil
}
