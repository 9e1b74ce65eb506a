package usb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

// Mode tells whether a DFU interface belongs to the running application or
// to the bootloader.
type Mode string

const (
	ModeRuntime Mode = "runtime"
	ModeDFU     Mode = "dfu"
	ModeUnknown Mode = "unknown"
)

const (
	protocolRuntime gousb.Protocol = 0x01
	protocolDFU     gousb.Protocol = 0x02
)

// DeviceInfo describes one attached DFU interface.
type DeviceInfo struct {
	ID         usbid.ID
	Bus        int
	Address    int
	Path       string
	Interface  uint8
	AltCount   int
	Mode       Mode
	Bootloader usbid.Bootloader
}

// Label returns a user-friendly description of the device.
func (d DeviceInfo) Label() string {
	return fmt.Sprintf("%s %s (%s mode)", d.ID, d.Bootloader.Name, d.Mode)
}

// List enumerates attached devices exposing a DFU interface. Devices are
// not opened.
func List(ctx context.Context) ([]DeviceInfo, error) {
	var results []DeviceInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		results = append(results, describe(desc)...)
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Bus != results[j].Bus {
			return results[i].Bus < results[j].Bus
		}
		if results[i].Address != results[j].Address {
			return results[i].Address < results[j].Address
		}
		return results[i].Interface < results[j].Interface
	})
	return results, nil
}

// describe returns one entry per DFU interface of desc.
func describe(desc *gousb.DeviceDesc) []DeviceInfo {
	id := usbid.ID{Vendor: uint16(desc.Vendor), Product: uint16(desc.Product)}
	boot, _ := usbid.LookupBootloader(id)

	var out []DeviceInfo
	seen := make(map[int]bool)
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if seen[intf.Number] {
				continue
			}
			info := DeviceInfo{
				ID:         id,
				Bus:        desc.Bus,
				Address:    desc.Address,
				Path:       portPath(desc),
				Interface:  uint8(intf.Number),
				Bootloader: boot,
			}
			for _, alt := range intf.AltSettings {
				if !isDFU(alt.Class, alt.SubClass) {
					continue
				}
				info.AltCount++
				info.Mode = modeOf(alt.Protocol)
			}
			if info.AltCount > 0 {
				seen[intf.Number] = true
				out = append(out, info)
			}
		}
	}
	return out
}

func modeOf(p gousb.Protocol) Mode {
	switch p {
	case protocolRuntime:
		return ModeRuntime
	case protocolDFU:
		return ModeDFU
	default:
		return ModeUnknown
	}
}

func portPath(desc *gousb.DeviceDesc) string {
	parts := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(parts, "."))
}
