package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/directory"
	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/logger"
)

var (
	lsStore     string
	lsPebbleDir string
)

func init() {
	rootCmd.AddCommand(newLsCmd())
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <pool>",
		Short: "List named directory entries",
		Long: `The ls command lists the named directory of a pool. Each entry shows
its name, type, handle and current reference count.

Example:
  pmemctl ls app.pool
  pmemctl ls app.pool --store pebble --pebble-dir app.dir`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(args)
		},
	}
	cmd.Flags().StringVar(&lsStore, "store", string(directory.StoreHeap), "Directory store: heap or pebble")
	cmd.Flags().StringVar(&lsPebbleDir, "pebble-dir", "", "Pebble database directory for --store pebble")
	return cmd
}

type lsEntry struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Handle   string `json:"handle"`
	RefCount uint32 `json:"refcount"`
	Live     bool   `json:"live"`
}

func runLs(args []string) error {
	h, err := openHeap(args[0])
	if err != nil {
		return err
	}
	defer h.Close()

	dir, err := directory.Open(context.Background(), h, nil, directory.Options{
		Store:     directory.StoreKind(lsStore),
		PebbleDir: lsPebbleDir,
		Logger:    logger.L,
	})
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	entries, err := dir.List()
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}

	out := make([]lsEntry, 0, len(entries))
	for _, e := range entries {
		handle := engine.Handle(e.Handle)
		le := lsEntry{Name: e.Name, Type: e.Type, Handle: fmt.Sprintf("%#x", e.Handle)}
		if h.IsAllocated(handle) {
			if rc, err := h.RefCount(handle); err == nil {
				le.RefCount = rc
				le.Live = true
			}
		}
		out = append(out, le)
	}

	if jsonOut {
		return printJSON(out)
	}
	if len(out) == 0 {
		printInfo("No entries\n")
		return nil
	}
	for _, e := range out {
		state := fmt.Sprintf("rc=%d", e.RefCount)
		if !e.Live {
			state = "dangling"
		}
		printInfo("%-24s %-20s %-12s %s\n", e.Name, e.Type, e.Handle, state)
	}
	printVerbose("\n%d entries\n", len(out))
	return nil
}
