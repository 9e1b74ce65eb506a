package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usb"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

// targetFlags selects the device a command talks to.
type targetFlags struct {
	adapter string
	device  string
	iface   uint8
	bus     int
	address int

	simPageSize uint32
	simPages    int
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.adapter, "adapter", "a", "usb",
		"device adapter (usb, simulator)")
	cmd.Flags().StringVarP(&f.device, "device", "d", "0483:df11",
		"device VID:PID (ffff matches any)")
	cmd.Flags().Uint8VarP(&f.iface, "interface", "i", 0,
		"DFU interface number")
	cmd.Flags().IntVar(&f.bus, "bus", 0,
		"USB bus number (if several devices match)")
	cmd.Flags().IntVar(&f.address, "address", 0,
		"USB device address (if several devices match)")
	cmd.Flags().Uint32Var(&f.simPageSize, "sim-page-size", 2048,
		"simulator: flash page size in bytes")
	cmd.Flags().IntVar(&f.simPages, "sim-pages", 128,
		"simulator: number of flash pages")
}

func (f *targetFlags) reset() {
	*f = targetFlags{adapter: "usb", device: "0483:df11", simPageSize: 2048, simPages: 128}
}

// target is an opened-for-description device: what to open it with and
// the layout it reported.
type target struct {
	opener dfu.Opener
	desc   memmap.Descriptor
	label  string
	sim    *dfu.SimDevice
}

func (f *targetFlags) open(ctx context.Context) (*target, error) {
	switch f.adapter {
	case "simulator", "sim":
		if f.simPageSize == 0 || f.simPages <= 0 {
			return nil, fmt.Errorf("simulator needs a non-zero page size and page count")
		}
		sim := dfu.NewSTM32Sim(f.simPageSize, f.simPages)
		desc, err := sim.Descriptor()
		if err != nil {
			return nil, err
		}
		return &target{opener: sim, desc: desc, label: "DfuSe simulator", sim: sim}, nil

	case "usb":
		id, err := usbid.Parse(f.device)
		if err != nil {
			return nil, err
		}
		o := usb.Opener{Bus: f.bus, Address: f.address}
		desc, err := o.ReadDescriptor(ctx, id, f.iface)
		if err != nil {
			return nil, fmt.Errorf("read descriptors: %w", err)
		}
		boot, _ := usbid.LookupBootloader(desc.ID)
		return &target{opener: o, desc: desc, label: boot.Name}, nil

	default:
		return nil, fmt.Errorf("unknown adapter type: %s (supported: usb, simulator)", f.adapter)
	}
}

// layout interprets the target's descriptors. Problems in individual
// alternate settings are kept on the layout.
func (t *target) layout() (*memmap.Layout, error) {
	l, err := memmap.Interpret(t.desc)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", t.label, t.desc.ID, err)
	}
	return l, nil
}
