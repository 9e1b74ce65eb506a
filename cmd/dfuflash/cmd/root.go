package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/internal/logging"
)

var (
	// Global flags
	verbose   bool
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "dfuflash",
	Short: "DfuSe firmware flasher for USB DFU devices",
	Long: `A flasher for devices running a DfuSe (USB DFU 1.1 with ST extensions)
bootloader. It reads .dfu containers, checks them against the memory layout
the device reports, and erases, programs and verifies flash over USB.

Examples:
  dfuflash list                                        # DFU interfaces on the bus
  dfuflash info --device 0483:df11                     # Memory layout of a device
  dfuflash inspect firmware.dfu                        # Contents of a DfuSe file
  dfuflash flash --device 0483:df11 --verify fw.dfu    # Flash and read back
  dfuflash flash --adapter simulator fw.dfu            # Flash an in-memory device
  dfuflash pack -o fw.dfu --device 0483:df11 fw.hex    # Intel HEX to DfuSe`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

// newLogger builds the logger library packages receive. Records go to
// stderr so they never mix with command output.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Format:  logFormat,
		Level:   logLevel,
		Verbose: verbose,
	})
}
