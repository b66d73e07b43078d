package cli

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/statedir"
)

// NewStatesCommand creates the states command.
func NewStatesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "states <saved-states-root>",
		Short: "List states with their generation, role and parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStates(cmd, rootOpts, args[0])
		},
	}
}

type stateRow struct {
	State      string `json:"state"`
	Generation int    `json:"generation"`
	ID         int    `json:"id"`
	Role       string `json:"role"`
	Parent     string `json:"parent,omitempty"`
	Input      string `json:"input,omitempty"`
}

func runStates(cmd *cobra.Command, opts *RootOptions, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot list states", err)
	}

	rows := []stateRow{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gen, id, ok := statedir.Parse(e.Name())
		if !ok {
			continue
		}
		row := stateRow{State: e.Name(), Generation: gen, ID: id, Role: statedir.RoleOf(gen).String()}
		ptr, ok, err := lineage.Read(filepath.Join(root, e.Name()))
		if err != nil {
			opts.logger().Warn("unreadable lineage", "state", e.Name(), "error", err)
		} else if ok {
			row.Parent = filepath.Base(ptr.StateDir)
			row.Input = filepath.Base(ptr.InputPath)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Generation != rows[j].Generation {
			return rows[i].Generation < rows[j].Generation
		}
		return rows[i].ID < rows[j].ID
	})

	f := opts.formatter(cmd)
	if f.JSON() {
		return f.Success(rows, "")
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"state", "gen", "role", "parent", "input"})
	for _, r := range rows {
		parent, input := r.Parent, r.Input
		if parent == "" {
			parent, input = "-", "-"
		}
		table.Append([]string{r.State, strconv.Itoa(r.Generation), r.Role, parent, input})
	}
	table.Render()
	return nil
}
