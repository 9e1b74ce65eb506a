package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usb"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List DFU interfaces on the USB bus",
	Long: `Scan the host for devices exposing a USB DFU interface (class 0xFE,
subclass 0x01) and print one line per interface. Devices in runtime mode must
be detached into their bootloader before they can be flashed.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	infos, err := usb.List(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No DFU interfaces found.")
	} else {
		fmt.Fprintln(out, "Detected DFU interfaces:")
		for _, d := range infos {
			fmt.Fprintf(out, "  - %s [bus %d addr %d path %s] interface %d, %d alt setting(s)\n",
				d.Label(), d.Bus, d.Address, d.Path, d.Interface, d.AltCount)
		}
	}
	fmt.Fprintln(out, "  - DfuSe simulator (--adapter simulator)")
	return nil
}
