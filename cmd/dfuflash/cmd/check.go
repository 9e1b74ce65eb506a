package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/compat"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
)

var checkTarget targetFlags

var checkCmd = &cobra.Command{
	Use:   "check <file.dfu>",
	Short: "Check a DfuSe file against a device without flashing",
	Long: `Compare every element of a DfuSe file with the memory layout the device
reports: each element must fit in writable memory of its alternate setting,
and the file's vendor/product and DFU version must match the device.

Examples:
  dfuflash check --device 0483:df11 firmware.dfu
  dfuflash check --adapter simulator firmware.dfu`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkTarget.register(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	f, err := dfuse.ParseFile(args[0])
	if err != nil {
		return err
	}
	tgt, err := checkTarget.open(cmd.Context())
	if err != nil {
		return err
	}
	layout, err := tgt.layout()
	if err != nil {
		return err
	}

	res := compat.CheckFile(f, layout, &layout.ID)
	out := cmd.OutOrStdout()
	if res.Compatible {
		fmt.Fprintf(out, "%s is compatible with %s (%s)\n", args[0], tgt.desc.ID, tgt.label)
		return nil
	}
	fmt.Fprintf(out, "%s is NOT compatible with %s (%s):\n", args[0], tgt.desc.ID, tgt.label)
	for _, r := range res.Reasons {
		fmt.Fprintf(out, "  - %s\n", r)
	}
	return res.Err()
}
