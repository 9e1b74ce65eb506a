package usb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

const (
	ClassApplicationSpecific gousb.Class = 0xFE
	SubClassDFU              gousb.Class = 0x01

	descriptorInterface = 0x04
)

// interfaceDesc is the part of a raw interface descriptor DFU cares about.
type interfaceDesc struct {
	Number    uint8
	Alternate uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	NameIndex uint8
}

// parseInterfaces walks a raw configuration descriptor and returns its
// interface descriptors in order.
func parseInterfaces(config []byte) []interfaceDesc {
	var out []interfaceDesc
	for off := 0; off+2 <= len(config); {
		length := int(config[off])
		if length < 2 || off+length > len(config) {
			break
		}
		if config[off+1] == descriptorInterface && length >= 9 {
			d := config[off : off+length]
			out = append(out, interfaceDesc{
				Number:    d[2],
				Alternate: d[3],
				Class:     d[5],
				SubClass:  d[6],
				Protocol:  d[7],
				NameIndex: d[8],
			})
		}
		off += length
	}
	return out
}

// dfuAltSettings returns the DFU alternate settings of interface iface.
func dfuAltSettings(config []byte, iface uint8) []interfaceDesc {
	var out []interfaceDesc
	for _, d := range parseInterfaces(config) {
		if d.Number == iface && isDFU(gousb.Class(d.Class), gousb.Class(d.SubClass)) {
			out = append(out, d)
		}
	}
	return out
}

// ReadDescriptor reads what a memory layout is built from: the DFU
// functional descriptor of the configuration holding iface and the name
// string of each alternate setting. The interface is not claimed.
func (o Opener) ReadDescriptor(ctx context.Context, id usbid.ID, iface uint8) (memmap.Descriptor, error) {
	uctx, dev, err := o.openDevice(ctx, id, iface)
	if err != nil {
		return memmap.Descriptor{}, err
	}
	defer uctx.Close()
	defer dev.Close()
	dev.ControlTimeout = DefaultTimeout

	num, _ := configFor(dev.Desc, iface)
	raw, err := readConfigDescriptor(dev, num)
	if err != nil {
		return memmap.Descriptor{}, err
	}

	fd, err := memmap.FindFunctional(raw)
	if err != nil {
		return memmap.Descriptor{}, err
	}
	desc := memmap.Descriptor{
		ID:         usbid.ID{Vendor: uint16(dev.Desc.Vendor), Product: uint16(dev.Desc.Product)},
		Functional: fd,
	}
	for _, alt := range dfuAltSettings(raw, iface) {
		name := ""
		if alt.NameIndex != 0 {
			if name, err = dev.GetStringDescriptor(int(alt.NameIndex)); err != nil {
				return memmap.Descriptor{}, fmt.Errorf("usb: alt %d name: %w", alt.Alternate, mapError(err))
			}
		}
		desc.AltSettings = append(desc.AltSettings, memmap.AltSetting{Number: alt.Alternate, Name: name})
	}
	return desc, nil
}

// readConfigDescriptor fetches the full configuration descriptor whose
// bConfigurationValue is num.
func readConfigDescriptor(dev *gousb.Device, num int) ([]byte, error) {
	for index := 0; index < len(dev.Desc.Configs); index++ {
		value := uint16(descriptorConfig)<<8 | uint16(index)
		head := make([]byte, configHeaderSize)
		n, err := dev.Control(requestTypeDeviceIn, requestGetDescriptor, value, 0, head)
		if err != nil {
			return nil, fmt.Errorf("usb: read configuration %d: %w", index, mapError(err))
		}
		if n < configHeaderSize || int(head[5]) != num {
			continue
		}
		total := int(binary.LittleEndian.Uint16(head[2:4]))
		raw := make([]byte, total)
		n, err = dev.Control(requestTypeDeviceIn, requestGetDescriptor, value, 0, raw)
		if err != nil {
			return nil, fmt.Errorf("usb: read configuration %d: %w", index, mapError(err))
		}
		return raw[:n], nil
	}
	return nil, fmt.Errorf("usb: configuration %d not found", num)
}
