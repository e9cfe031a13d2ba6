package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryguy/corejs"
	"github.com/cryguy/corejs/loader"
)

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive read-eval-print loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := corejs.NewWithFactory(engineFactory(), corejs.Config{
				Router: noopRouter,
				Loader: loader.New("."),
			})
			if err != nil {
				return fmt.Errorf("building runtime: %w", err)
			}
			defer rt.Dispose()

			ctx := context.Background()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprintln(os.Stdout, "corejs repl — one statement per line, Ctrl-D to exit")
			for {
				fmt.Fprint(os.Stdout, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(os.Stdout)
					return scanner.Err()
				}
				line := scanner.Text()
				if line == "" {
					continue
				}
				if err := rt.Execute(ctx, "repl", line); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			}
		},
	}
}
