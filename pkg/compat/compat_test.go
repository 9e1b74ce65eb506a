package compat

import (
	"errors"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

func flashMap() *memmap.MemoryMap {
	return &memmap.MemoryMap{
		Name: "Internal Flash",
		Segments: []memmap.Segment{
			{Name: "Internal Flash", Start: 0x08000000, End: 0x08003FFF, PageSize: 2048, Erasable: true, Readable: true, Writable: true},
			{Name: "Internal Flash", Start: 0x08004000, End: 0x08007FFF, PageSize: 2048, Erasable: true, Readable: true, Writable: true},
			{Name: "Internal Flash", Start: 0x08008000, End: 0x08008FFF, PageSize: 4096, Readable: true},
		},
	}
}

func image(elements ...dfuse.Element) *dfuse.Image {
	return &dfuse.Image{Name: "fw", Elements: elements}
}

func element(addr uint32, size int) dfuse.Element {
	return dfuse.Element{Address: addr, Data: make([]byte, size)}
}

func id(v, p uint16) *usbid.ID {
	return &usbid.ID{Vendor: v, Product: p}
}

func TestCheckCompatible(t *testing.T) {
	m := &memmap.MemoryMap{Segments: []memmap.Segment{
		{Start: 0x08000000, End: 0x08003FFF, PageSize: 2048, Erasable: true, Readable: true, Writable: true},
	}}
	img := image(element(0x08000000, 4096), element(0x08001000, 2048))

	res := Check(img, m, id(0x0483, 0xDF11), id(0x0483, 0xDF11))
	if !res.Compatible || len(res.Reasons) != 0 {
		t.Fatalf("got %+v, want compatible", res)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestCheckIdentifier(t *testing.T) {
	img := image(element(0x08000000, 16))
	tests := []struct {
		name       string
		dev, file  *usbid.ID
		compatible bool
	}{
		{"match", id(0x0483, 0xDF11), id(0x0483, 0xDF11), true},
		{"mismatch", id(0x1234, 0x5678), id(0x0483, 0xDF11), false},
		{"no file id", id(0x1234, 0x5678), nil, true},
		{"no device id", nil, id(0x0483, 0xDF11), true},
		{"file wildcard", id(0x1234, 0x5678), id(0xFFFF, 0xFFFF), true},
		{"product wildcard", id(0x0483, 0x5678), id(0x0483, 0xFFFF), true},
		{"vendor differs under product wildcard", id(0x1234, 0x5678), id(0x0483, 0xFFFF), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(img, flashMap(), tt.dev, tt.file)
			if res.Compatible != tt.compatible {
				t.Fatalf("compatible = %v, reasons %q", res.Compatible, res.Reasons)
			}
			if !tt.compatible && !strings.Contains(strings.Join(res.Reasons, "\n"), "0483:DF11") {
				t.Errorf("reason does not cite the file identifier: %q", res.Reasons)
			}
		})
	}
}

func TestCheckElements(t *testing.T) {
	tests := []struct {
		name   string
		el     dfuse.Element
		reason string
	}{
		{"outside", element(0x20000000, 16), "outside"},
		{"straddles adjacent writable", element(0x08003F00, 0x200), "straddles"},
		{"runs past the map", element(0x08008F00, 0x200), "extends beyond"},
		{"read only", element(0x08008000, 16), "non-writable"},
		{"below the map", element(0x07FFFFF0, 0x20), "extends beyond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(image(tt.el), flashMap(), nil, nil)
			if res.Compatible {
				t.Fatal("expected incompatible")
			}
			if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], tt.reason) {
				t.Errorf("reasons = %q, want one containing %q", res.Reasons, tt.reason)
			}
		})
	}
}

func TestCheckReportsEverything(t *testing.T) {
	img := image(
		element(0x08000000, 16),
		element(0x20000000, 16),
		element(0x08003F00, 0x200),
		element(0x08008000, 16),
	)
	res := Check(img, flashMap(), id(1, 2), id(3, 4))
	if res.Compatible {
		t.Fatal("expected incompatible")
	}
	if len(res.Reasons) != 4 {
		t.Fatalf("got %d reasons, want 4: %q", len(res.Reasons), res.Reasons)
	}
	if !errors.Is(res.Err(), ErrIncompatible) {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestCheckMissingInputs(t *testing.T) {
	if res := Check(image(), flashMap(), nil, nil); res.Compatible {
		t.Error("empty image should be incompatible")
	}
	if res := Check(image(element(0x08000000, 1)), nil, nil, nil); res.Compatible {
		t.Error("missing map should be incompatible")
	}
}

func layout() *memmap.Layout {
	m := flashMap()
	return &memmap.Layout{
		ID:         usbid.ID{Vendor: 0x0483, Product: 0xDF11},
		Functional: memmap.FunctionalDescriptor{TransferSize: 2048, DFUVersion: dfuse.DFUVersion},
		Maps:       []*memmap.MemoryMap{m},
	}
}

func TestCheckFile(t *testing.T) {
	f := &dfuse.File{
		Version: dfuse.Version,
		Images:  []*dfuse.Image{image(element(0x08000000, 4096))},
		Suffix:  dfuse.Suffix{VendorID: 0x0483, ProductID: 0xDF11, DFUVersion: dfuse.DFUVersion},
	}
	res := CheckFile(f, layout(), id(0x0483, 0xDF11))
	if !res.Compatible {
		t.Fatalf("reasons = %q", res.Reasons)
	}

	f.Images = append(f.Images, &dfuse.Image{AltSetting: 1, Name: "Option Bytes", Elements: []dfuse.Element{element(0x1FFFC000, 16)}})
	f.Suffix.DFUVersion = 0x0100
	res = CheckFile(f, layout(), id(0x1234, 0x5678))
	if res.Compatible {
		t.Fatal("expected incompatible")
	}
	joined := strings.Join(res.Reasons, "\n")
	for _, want := range []string{"alternate setting 1", "0483:DF11", "DFU version"} {
		if !strings.Contains(joined, want) {
			t.Errorf("reasons %q missing %q", res.Reasons, want)
		}
	}
}

func TestCheckFileWithoutLayout(t *testing.T) {
	f := &dfuse.File{Images: []*dfuse.Image{image(element(0x08000000, 16))}}
	if res := CheckFile(f, nil, nil); res.Compatible {
		t.Error("nil layout should be incompatible")
	}
	if res := CheckFile(&dfuse.File{}, layout(), nil); res.Compatible {
		t.Error("empty file should be incompatible")
	}
}
