// Command corejs is a development CLI for the corejs runtime: run a script
// or module, produce and inspect startup snapshots, and drop into a REPL.
// Its command surface is grounded in the pack's cobra usage (oriys-nova's
// cmd/nova, vjache-cie's cmd) rather than the teacher, which has no CLI of
// its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "corejs",
		Short: "Run and inspect the corejs embeddable JS runtime",
		Long:  fmt.Sprintf("corejs drives the embeddable V8 async runtime core from the command line.\n\nEngine backend: %s", engineDescription),
	}

	root.AddCommand(runCmd(), snapshotCmd(), replCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
