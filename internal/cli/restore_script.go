package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fgsect/fitm/internal/fdtable"
	"github.com/fgsect/fitm/internal/restore"
	"github.com/fgsect/fitm/internal/statedir"
)

// RestoreScriptOptions holds flags for the restore-script command.
type RestoreScriptOptions struct {
	*RootOptions
	FreshFrom   string
	Crit        string
	FdInfoImage string
	Template    string
	Print       bool
}

// NewRestoreScriptCommand creates the restore-script command.
func NewRestoreScriptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreScriptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore-script <state-dir>",
		Short: "Generate the resume script of a state",
		Long: `Decode the descriptor tables of a state's snapshot and write the script
that resumes it with every descriptor re-attached.

With --fresh-from the script starts a new instance: stdout and stderr are
truncated and every descriptor path naming the given state is rewritten to
the target state.

Example:
  fitm restore-script ./saved-states/fitm-gen2-state0
  fitm restore-script ./saved-states/fitm-gen4-state1 --fresh-from fitm-gen2-state0 --print`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestoreScript(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.FreshFrom, "fresh-from", "", "state name to rewrite to this state")
	cmd.Flags().StringVar(&opts.Crit, "crit", "crit", "path to the crit image decoder")
	cmd.Flags().StringVar(&opts.FdInfoImage, "fdinfo-image", fdtable.DefaultFdInfoImage, "descriptor table image of the restored task")
	cmd.Flags().StringVar(&opts.Template, "template", "", "restore invocation template (default: built-in criu restore)")
	cmd.Flags().BoolVar(&opts.Print, "print", false, "write the script to stdout instead of the state directory")

	return cmd
}

func runRestoreScript(cmd *cobra.Command, opts *RestoreScriptOptions, state string) error {
	dir, err := filepath.Abs(state)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid state", err)
	}
	if info, err := os.Stat(filepath.Join(dir, statedir.SnapshotDir)); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("no snapshot in %s", state))
	}

	tmpl := restore.DefaultTemplate()
	if opts.Template != "" {
		src, err := os.ReadFile(opts.Template)
		if err != nil {
			return WrapExitError(ExitCommandError, "read template", err)
		}
		if tmpl, err = restore.ParseTemplate(string(src)); err != nil {
			return WrapExitError(ExitCommandError, "invalid template", err)
		}
	}

	dec := fdtable.NewDecoder(opts.Crit)
	dec.FdInfoImage = opts.FdInfoImage
	mappings, err := dec.LoadFromSnapshot(cmd.Context(), filepath.Join(dir, statedir.SnapshotDir))
	if err != nil {
		return WrapExitError(ExitFailure, "recover descriptors", err)
	}

	req := restore.Request{
		Template: tmpl,
		Mappings: mappings,
		StateDir: dir,
	}
	if opts.FreshFrom != "" {
		req.Fresh = true
		req.Rewrite = &restore.Rewrite{Old: opts.FreshFrom, New: filepath.Base(dir)}
	}
	proc, err := restore.Build(req)
	if err != nil {
		return WrapExitError(ExitFailure, "build restore script", err)
	}

	if opts.Print {
		_, err := cmd.OutOrStdout().Write(proc.Render())
		return err
	}
	path := filepath.Join(dir, statedir.RestoreScript)
	if err := proc.WriteFile(path); err != nil {
		return WrapExitError(ExitFailure, "write restore script", err)
	}
	opts.logger().Info("restore script written", "path", path, "descriptors", len(proc.Handles), "fresh", proc.Fresh)
	return opts.formatter(cmd).Success(map[string]any{
		"path":        path,
		"descriptors": len(proc.Handles),
		"fresh":       proc.Fresh,
	}, path)
}
