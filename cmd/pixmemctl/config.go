package main

import (
	"fmt"

	memory "github.com/SixLabors/ImageSharp-sub032"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the default allocator configuration",
		Long: `The config command prints the configuration the default allocator
uses on this machine. Pool capacity and the allocation limit depend on the
physical memory and word size of the host.

Example:
  pixmemctl config
  pixmemctl config --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
}

func runConfig() error {
	cfg := memory.DefaultConfig()
	if jsonOut {
		return printJSON(cfg)
	}
	fmt.Printf("Shared array threshold: %s\n", formatBytes(int64(cfg.SharedArrayThresholdBytes)))
	fmt.Printf("Pool block size:        %s\n", formatBytes(int64(cfg.PoolBlockSizeBytes)))
	fmt.Printf("Pool capacity:          %s\n", formatBytes(cfg.PoolCapacityBytes))
	fmt.Printf("Non-pool block size:    %s\n", formatBytes(int64(cfg.NonPoolBlockSizeBytes)))
	fmt.Printf("Single buffer limit:    %s\n", formatBytes(cfg.SingleBufferLimitBytes))
	fmt.Printf("Allocation limit:       %d MB\n", cfg.AllocationLimitMegabytes)
	fmt.Printf("Trim period:            %s\n", cfg.TrimPeriod)
	fmt.Printf("High pressure fraction: %.2f\n", cfg.HighPressureFraction)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
