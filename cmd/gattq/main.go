package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gattq",
	Short: "Queued GATT operations against BLE peripherals",
	Long: `gattq talks to Bluetooth Low Energy peripherals through a per-peripheral
operation queue: every request is serialized against the single-in-flight
constraint of the link, completions are matched back to the request that
caused them, and failures are classified before they reach you.

- Connect and watch the connection lifecycle
- Read from and write to characteristics
- Monitor notifications from subscribable characteristics
- Read link signal strength and negotiate the transmission unit

Ideal for firmware development, automated testing, and protocol exploration.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(mtuCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
