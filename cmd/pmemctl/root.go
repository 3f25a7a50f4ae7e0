package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/engine/pmem"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/logger"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
	logDir   string
)

var rootCmd = &cobra.Command{
	Use:   "pmemctl",
	Short: "Inspect pmemkit pool files",
	Long: `pmemctl creates and inspects pmemkit persistent memory pools:
pool identity and usage, root slots, and named directory entries.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		opts := logger.Options{Enabled: true, Level: level, Format: "text", LogDir: logDir}
		if logDir == "" {
			opts.Output = os.Stderr
		}
		return logger.Init(opts)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Enable logging at debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write logs to a file in this directory instead of stderr")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openHeap opens an existing pool. Unlike heap.OpenOrGet it never creates
// one.
func openHeap(path string) (*heap.Heap, error) {
	printVerbose("Opening pool: %s\n", path)
	p, err := pmem.Open(path, pmem.Options{Logger: logger.L})
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	return heap.FromEngine(path, p, heap.Options{Logger: logger.L}), nil
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d bytes", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}
