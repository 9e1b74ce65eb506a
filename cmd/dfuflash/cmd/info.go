package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

var infoTarget targetFlags

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the memory layout a device reports",
	Long: `Read the DFU functional descriptor and the alternate setting strings of a
device and print the decoded memory map of every alternate setting.

Examples:
  dfuflash info --device 0483:df11
  dfuflash info --adapter simulator --sim-page-size 16384 --sim-pages 4`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoTarget.register(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	tgt, err := infoTarget.open(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	vendor, _ := usbid.LookupVendor(tgt.desc.ID.Vendor)
	fd := tgt.desc.Functional
	fmt.Fprintf(out, "Device:        %s %s (%s)\n", tgt.desc.ID, tgt.label, vendor.Name)
	fmt.Fprintf(out, "DFU version:   %x.%02x\n", fd.DFUVersion>>8, fd.DFUVersion&0xFF)
	fmt.Fprintf(out, "Attributes:    %s\n", fd.Attributes)
	fmt.Fprintf(out, "Transfer size: %d bytes\n", fd.TransferSize)
	fmt.Fprintf(out, "Detach:        %d ms\n", fd.DetachTimeout)
	fmt.Fprintln(out)

	layout, err := memmap.Interpret(tgt.desc)
	if err != nil {
		for _, alt := range tgt.desc.AltSettings {
			fmt.Fprintf(out, "Alt %d: %q\n", alt.Number, alt.Name)
		}
		return err
	}

	for _, m := range layout.Maps {
		fmt.Fprintf(out, "Alt %d: %s\n", m.AltSetting, m.Name)
		for _, seg := range m.Segments {
			fmt.Fprintf(out, "  0x%08X-0x%08X  %4d x %-7s %s\n",
				seg.Start, seg.End, seg.Pages(), formatSize(uint64(seg.PageSize)), seg.Flags())
		}
		fmt.Fprintf(out, "  %s total\n", formatSize(m.Span()))
	}
	for _, p := range layout.Problems {
		fmt.Fprintf(out, "Alt %d: unusable: %v\n", p.AltSetting, p)
	}
	return nil
}

func formatSize(n uint64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
