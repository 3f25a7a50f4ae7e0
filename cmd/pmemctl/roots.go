package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
)

func init() {
	rootCmd.AddCommand(newRootsCmd())
}

func newRootsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roots <pool>",
		Short: "Show the user root and system slots",
		Long: `The roots command prints the heap's user root handle and every
populated system slot, with the kind of region each handle points at.

Example:
  pmemctl roots app.pool`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoots(args)
		},
	}
	return cmd
}

type rootInfo struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Kind   string `json:"kind,omitempty"`
}

var systemSlotNames = map[int]string{
	heap.SlotDirectory:     "directory",
	heap.SlotRegistrations: "registrations",
}

func runRoots(args []string) error {
	h, err := openHeap(args[0])
	if err != nil {
		return err
	}
	defer h.Close()

	root, err := h.Root()
	if err != nil {
		return fmt.Errorf("failed to read user root: %w", err)
	}
	roots := []rootInfo{describeRoot(h, "user", root)}

	for i := range heap.NumSystemSlots {
		handle, err := h.SystemSlot(i)
		if err != nil {
			return fmt.Errorf("failed to read system slot %d: %w", i, err)
		}
		if handle.IsNull() {
			continue
		}
		name, ok := systemSlotNames[i]
		if !ok {
			name = fmt.Sprintf("system[%d]", i)
		}
		roots = append(roots, describeRoot(h, name, handle))
	}

	if jsonOut {
		return printJSON(roots)
	}
	for _, r := range roots {
		if r.Kind == "" {
			printInfo("%-14s %s\n", r.Name, r.Handle)
			continue
		}
		printInfo("%-14s %s (%s)\n", r.Name, r.Handle, r.Kind)
	}
	return nil
}

func describeRoot(h *heap.Heap, name string, handle engine.Handle) rootInfo {
	r := rootInfo{Name: name, Handle: "null"}
	if handle.IsNull() {
		return r
	}
	r.Handle = fmt.Sprintf("%#x", uint64(handle))
	if kind, err := h.KindOf(handle); err == nil {
		r.Kind = kind.String()
	} else {
		printVerbose("  %s: %v\n", name, err)
	}
	return r
}
