package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.dfu>",
	Short: "Show the contents of a DfuSe file",
	Long: `Parse a DfuSe container, validate its signatures and CRC, and print the
suffix fields and every target image with its elements.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := dfuse.ParseFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	target := "any device"
	if id, ok := f.ID(); ok {
		target = id.String()
	}
	fmt.Fprintf(out, "File:        %s\n", args[0])
	fmt.Fprintf(out, "DfuSe:       version %d, %d image(s), %d payload bytes\n", f.Version, len(f.Images), f.Size())
	fmt.Fprintf(out, "Target:      %s, bcdDevice %04X\n", target, f.Suffix.DeviceVersion)
	fmt.Fprintf(out, "DFU version: %04X\n", f.Suffix.DFUVersion)
	fmt.Fprintf(out, "CRC:         %08X (ok)\n", f.Suffix.CRC)

	for _, img := range f.Images {
		name := img.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "\nImage alt %d: %s, %d element(s), %d bytes\n", img.AltSetting, name, len(img.Elements), img.Size())
		for i, r := range img.Ranges() {
			fmt.Fprintf(out, "  [%d] %s  %d bytes\n", i, r, r.Size)
		}
	}
	return nil
}
