package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <pool>",
		Short: "Report pool identity and usage",
		Long: `The info command opens a pool, replaying its journal if a transaction
was interrupted, and reports its identity and allocator usage.

Example:
  pmemctl info app.pool
  pmemctl info app.pool --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(args)
		},
	}
	return cmd
}

type poolInfo struct {
	Path        string `json:"path"`
	UUID        string `json:"uuid"`
	PoolSize    int64  `json:"pool_size"`
	Used        int64  `json:"used"`
	Free        int64  `json:"free"`
	Allocations int    `json:"allocations"`
	FreeBlocks  int    `json:"free_blocks"`
}

func runInfo(args []string) error {
	h, err := openHeap(args[0])
	if err != nil {
		return err
	}
	defer h.Close()

	st := h.Stats()
	info := poolInfo{
		Path:        args[0],
		UUID:        h.UUID().String(),
		PoolSize:    st.PoolSize,
		Used:        st.Used,
		Free:        st.Free,
		Allocations: st.Allocations,
		FreeBlocks:  st.FreeBlocks,
	}
	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nPool Information:\n")
	printInfo("  File: %s\n", info.Path)
	printInfo("  UUID: %s\n", info.UUID)
	printInfo("  Size: %s\n", formatSize(info.PoolSize))
	printInfo("  Used: %s in %d allocations\n", formatSize(info.Used), info.Allocations)
	printInfo("  Free: %s (%d free blocks)\n", formatSize(info.Free), info.FreeBlocks)
	if info.PoolSize > 0 {
		printVerbose("  Utilization: %.1f%%\n", 100*float64(info.Used)/float64(info.PoolSize))
	}
	return nil
}
