package cmd

import (
	"fmt"
	"os"

	"github.com/marcinbor85/gohex"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

var (
	packOutput    string
	packAlt       uint8
	packName      string
	packDevice    string
	packBCDDevice uint16
)

var packCmd = &cobra.Command{
	Use:   "pack <firmware.hex>",
	Short: "Build a DfuSe file from an Intel HEX file",
	Long: `Convert an Intel HEX file into a single-image DfuSe container. Each
contiguous data segment of the HEX file becomes one element.

Examples:
  dfuflash pack -o firmware.dfu --device 0483:df11 firmware.hex
  dfuflash pack -o ram.dfu --alt 1 --name SRAM ram.hex`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)

	packCmd.Flags().StringVarP(&packOutput, "output", "o", "",
		"output DfuSe file")
	packCmd.Flags().Uint8Var(&packAlt, "alt", 0,
		"alternate setting the image targets")
	packCmd.Flags().StringVar(&packName, "name", "Internal Flash",
		"target name stored in the image")
	packCmd.Flags().StringVarP(&packDevice, "device", "d", "ffff:ffff",
		"VID:PID written to the suffix (ffff matches any)")
	packCmd.Flags().Uint16Var(&packBCDDevice, "bcd-device", 0xFFFF,
		"bcdDevice written to the suffix")

	packCmd.MarkFlagRequired("output")
}

func runPack(cmd *cobra.Command, args []string) error {
	id, err := usbid.Parse(packDevice)
	if err != nil {
		return err
	}
	img, err := loadHexImage(args[0])
	if err != nil {
		return err
	}
	img.AltSetting = packAlt
	img.Name = packName

	data, err := dfuse.Encode(&dfuse.File{
		Version: dfuse.Version,
		Images:  []*dfuse.Image{img},
		Suffix: dfuse.Suffix{
			DeviceVersion: packBCDDevice,
			VendorID:      id.Vendor,
			ProductID:     id.Product,
			DFUVersion:    dfuse.DFUVersion,
		},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(packOutput, data, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d element(s), %d payload bytes, %d bytes total\n",
		packOutput, len(img.Elements), img.Size(), len(data))
	return nil
}

func loadHexImage(path string) (*dfuse.Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	img := &dfuse.Image{}
	for _, seg := range mem.GetDataSegments() {
		img.Elements = append(img.Elements, dfuse.Element{Address: seg.Address, Data: seg.Data})
	}
	if len(img.Elements) == 0 {
		return nil, fmt.Errorf("%s: no data records", path)
	}
	return img, nil
}
