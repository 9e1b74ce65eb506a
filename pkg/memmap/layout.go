package memmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

// AltSetting is one alternate setting of the DFU interface and its string.
type AltSetting struct {
	Number uint8
	Name   string
}

// Descriptor is everything read from a device that the interpreter needs.
type Descriptor struct {
	ID          usbid.ID
	Functional  FunctionalDescriptor
	AltSettings []AltSetting
}

// Layout is the interpreted memory layout of a device.
type Layout struct {
	ID         usbid.ID
	Functional FunctionalDescriptor
	Maps       []*MemoryMap

	// Problems lists alternate settings whose strings could not be parsed.
	// Those settings have no map.
	Problems []*DescriptorError
}

// Map returns the memory map of an alternate setting.
func (l *Layout) Map(alt uint8) (*MemoryMap, bool) {
	for _, m := range l.Maps {
		if m.AltSetting == alt {
			return m, true
		}
	}
	return nil, false
}

// Interpret builds the device layout from its descriptors. A bad string
// only costs its own alternate setting; the call fails with NoSegments when
// no setting yields a segment.
func Interpret(desc Descriptor) (*Layout, error) {
	if desc.Functional.TransferSize == 0 {
		return nil, &DescriptorError{Kind: BadFunctionalDescriptor, AltSetting: -1, Msg: "zero wTransferSize"}
	}

	l := &Layout{ID: desc.ID, Functional: desc.Functional}
	segments := 0
	for _, alt := range desc.AltSettings {
		m, err := ParseAltSetting(alt.Name)
		if err != nil {
			var de *DescriptorError
			if !errors.As(err, &de) {
				return nil, err
			}
			de.AltSetting = int(alt.Number)
			l.Problems = append(l.Problems, de)
			continue
		}
		m.AltSetting = alt.Number
		segments += len(m.Segments)
		l.Maps = append(l.Maps, m)
	}
	sort.Slice(l.Maps, func(i, j int) bool { return l.Maps[i].AltSetting < l.Maps[j].AltSetting })

	if segments == 0 {
		errs := make([]error, len(l.Problems))
		for i, p := range l.Problems {
			errs[i] = p
		}
		return nil, &DescriptorError{
			Kind: NoSegments, AltSetting: -1,
			Msg: fmt.Sprintf("%d alternate settings, none describe memory", len(desc.AltSettings)),
			Err: errors.Join(errs...),
		}
	}
	return l, nil
}
