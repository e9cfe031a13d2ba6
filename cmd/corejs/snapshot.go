package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cryguy/corejs"
	"github.com/cryguy/corejs/loader"
	"github.com/cryguy/corejs/snapshotstore"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, and delete startup snapshots",
	}
	cmd.AddCommand(snapshotCreateCmd(), snapshotListCmd(), snapshotDeleteCmd())
	return cmd
}

func snapshotStorePath() string {
	if p := os.Getenv("COREJS_SNAPSHOT_DB"); p != "" {
		return p
	}
	return "corejs-snapshots.db"
}

func snapshotCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name> <startup-script>",
		Short: "Run a startup script to completion and persist the resulting snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, scriptPath := args[0], args[1]
			src, err := os.ReadFile(scriptPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", scriptPath, err)
			}

			rt, err := corejs.NewWithFactory(engineFactory(), corejs.Config{
				Router:       noopRouter,
				Loader:       loader.New("."),
				WillSnapshot: true,
				StartupScript: &corejs.Script{
					Source:   string(src),
					Filename: scriptPath,
				},
			})
			if err != nil {
				return fmt.Errorf("building runtime: %w", err)
			}

			if err := rt.Run(context.Background()); err != nil {
				return fmt.Errorf("running startup script: %w", err)
			}

			blob, err := rt.Snapshot()
			if err != nil {
				return fmt.Errorf("creating snapshot: %w", err)
			}

			store, err := snapshotstore.Open(snapshotStorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			sum := sha256.Sum256(src)
			if err := store.Put(name, hex.EncodeToString(sum[:]), engineDescription, blob); err != nil {
				return err
			}

			fmt.Printf("snapshot %q created (%d bytes)\n", name, len(blob))
			return nil
		},
	}
	return cmd
}

func snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List persisted snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := snapshotstore.Open(snapshotStorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no snapshots stored")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENGINE\tCREATED")
			for _, name := range names {
				rec, err := store.Get(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Name, rec.EngineTag, rec.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a persisted snapshot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := snapshotstore.Open(snapshotStorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("snapshot %q deleted\n", args[0])
			return nil
		},
	}
}
