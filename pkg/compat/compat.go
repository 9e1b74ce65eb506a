// Package compat decides whether a firmware file may be written to a
// device. Every rule is evaluated so the caller can show all problems at
// once.
package compat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

// ErrIncompatible is returned when an operation is refused because the
// file does not fit the device.
var ErrIncompatible = errors.New("firmware is not compatible with the device")

// Result is the outcome of a compatibility check.
type Result struct {
	Compatible bool
	Reasons    []string
}

func (r *Result) fail(format string, args ...any) {
	r.Compatible = false
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

func (r *Result) merge(o Result) {
	if !o.Compatible {
		r.Compatible = false
	}
	r.Reasons = append(r.Reasons, o.Reasons...)
}

// Err returns nil for a compatible result and an error wrapping
// ErrIncompatible listing every reason otherwise.
func (r Result) Err() error {
	if r.Compatible {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIncompatible, strings.Join(r.Reasons, "; "))
}

// Check verifies one image against the memory map of its alternate setting.
// A nil deviceID or fileID means that side carries no identifier.
func Check(img *dfuse.Image, m *memmap.MemoryMap, deviceID, fileID *usbid.ID) Result {
	res := Result{Compatible: true}

	if img == nil || len(img.Elements) == 0 {
		res.fail("image has no elements")
	}
	if m == nil {
		res.fail("device has no memory map for this alternate setting")
	}
	if img != nil && m != nil {
		for _, el := range img.Elements {
			checkElement(&res, el, m)
		}
	}

	checkID(&res, deviceID, fileID)
	return res
}

func checkElement(res *Result, el dfuse.Element, m *memmap.MemoryMap) {
	r := el.Range()
	size := uint64(len(el.Data))
	touched := m.Touching(el.Address, size)

	switch {
	case len(touched) == 0:
		res.fail("element %s is outside every segment of %q", r, m.Name)
	case len(touched) > 1:
		res.fail("element %s straddles %d segments starting at 0x%08X and 0x%08X",
			r, len(touched), touched[0].Start, touched[1].Start)
	case !touched[0].Contains(el.Address, size):
		res.fail("element %s extends beyond segment %s", r, touched[0])
	case !touched[0].Writable:
		res.fail("element %s targets non-writable segment %s", r, touched[0])
	}
}

func checkID(res *Result, deviceID, fileID *usbid.ID) {
	if deviceID == nil || fileID == nil || fileID.IsWildcard() {
		return
	}
	if !fileID.Matches(*deviceID) {
		res.fail("file is built for device %s but the connected device is %s", fileID, deviceID)
	}
}

// CheckFile checks every image of a file against a device layout, along
// with the file-level identifier and DFU version. A nil layout means the
// device has no usable memory map.
func CheckFile(f *dfuse.File, l *memmap.Layout, deviceID *usbid.ID) Result {
	res := Result{Compatible: true}
	if f == nil || len(f.Images) == 0 {
		res.fail("file contains no images")
		return res
	}
	if l == nil {
		res.fail("device has no usable memory map")
	}

	for _, img := range f.Images {
		var m *memmap.MemoryMap
		if l != nil {
			var ok bool
			if m, ok = l.Map(img.AltSetting); !ok {
				res.fail("image %q targets alternate setting %d which the device does not describe",
					img.Name, img.AltSetting)
				continue
			}
		}
		if m == nil {
			continue
		}
		sub := Check(img, m, nil, nil)
		for i, reason := range sub.Reasons {
			sub.Reasons[i] = fmt.Sprintf("alt %d: %s", img.AltSetting, reason)
		}
		res.merge(sub)
	}

	if id, ok := f.ID(); ok {
		checkID(&res, deviceID, &id)
	}
	if l != nil {
		dev := l.Functional.DFUVersion
		if f.Suffix.DFUVersion != 0 && dev != 0 && f.Suffix.DFUVersion != dev {
			res.fail("file DFU version %04X differs from device DFU version %04X", f.Suffix.DFUVersion, dev)
		}
	}
	return res
}
