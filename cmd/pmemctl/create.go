package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/engine/pmem"
	"github.com/joshuapare/pmemkit/internal/logger"
)

var createSize int64

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <pool>",
		Short: "Create an empty pool file",
		Long: `The create command writes a new, empty pool file of the given size.
It fails if the file already exists.

Example:
  pmemctl create app.pool --size 67108864`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(args)
		},
	}
	cmd.Flags().Int64Var(&createSize, "size", pmem.DefaultPoolSize, "Pool size in bytes")
	return cmd
}

func runCreate(args []string) error {
	path := args[0]
	p, err := pmem.Create(path, pmem.Options{Size: createSize, Logger: logger.L})
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer p.Close()

	if jsonOut {
		return printJSON(map[string]any{"path": path, "uuid": p.UUID().String(), "size": p.Stats().PoolSize})
	}
	printInfo("Created %s (%s, uuid %s)\n", path, formatSize(p.Stats().PoolSize), p.UUID())
	return nil
}
