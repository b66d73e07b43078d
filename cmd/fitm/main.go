package main

import (
	"fmt"
	"os"

	"github.com/fgsect/fitm/internal/cli"
)

// version is stamped at release time via ldflags.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := cli.NewRootCommand()
	root.Version = version
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fitm:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
