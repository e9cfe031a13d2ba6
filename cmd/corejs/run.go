package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryguy/corejs"
	"github.com/cryguy/corejs/loader"
	"github.com/cryguy/corejs/ops"
)

// noopRouter answers every dispatch with NotFound. The CLI has no
// application-level ops wired in (those are out of this core's scope, per
// spec); it exists to run and diagnose script/module execution on its own.
var noopRouter = ops.RouterFunc(func(uint32, [][]byte) ops.Op { return ops.NotFoundOp() })

func runCmd() *cobra.Command {
	var (
		asModule   bool
		heapMax    uint64
		heapInit   uint64
		snapshotIn string
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a script or ES module and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}

			cfg := corejs.Config{
				Router: noopRouter,
				Loader: loader.New("."),
			}
			if heapMax > 0 {
				cfg.HeapLimits = &corejs.HeapLimits{Initial: heapInit, Max: heapMax}
			}
			if snapshotIn != "" {
				blob, err := os.ReadFile(snapshotIn)
				if err != nil {
					return fmt.Errorf("reading snapshot %s: %w", snapshotIn, err)
				}
				snap := corejs.BoxedSnapshot(blob)
				cfg.StartupSnapshot = &snap
			}

			rt, err := corejs.NewWithFactory(engineFactory(), cfg)
			if err != nil {
				return fmt.Errorf("building runtime: %w", err)
			}
			defer rt.Dispose()

			ctx := context.Background()
			if asModule {
				return rt.LoadModule(ctx, path, string(src))
			}
			return rt.Execute(ctx, path, string(src))
		},
	}

	cmd.Flags().BoolVarP(&asModule, "module", "m", false, "run as an ES module instead of classic script")
	cmd.Flags().Uint64Var(&heapInit, "heap-initial", 0, "initial heap size in bytes")
	cmd.Flags().Uint64Var(&heapMax, "heap-max", 0, "maximum heap size in bytes (0 = engine default)")
	cmd.Flags().StringVar(&snapshotIn, "startup-snapshot", "", "path to a startup snapshot blob to boot from")

	return cmd
}
