package dfuse

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

const (
	prefixSignature = "DfuSe"
	targetSignature = "Target"
	suffixSignature = "UFD"

	prefixSize        = 11
	targetPrefixSize  = 274
	targetNameSize    = 255
	elementHeaderSize = 8
	suffixSize        = 16

	// Version is the only DfuSe container version in use.
	Version = 0x01

	// DFUVersion is the bcdDFU value of DfuSe files.
	DFUVersion = 0x011A
)

// File is a parsed DfuSe container.
type File struct {
	Version uint8
	Images  []*Image
	Suffix  Suffix
}

// Suffix holds the DFU file suffix fields.
type Suffix struct {
	DeviceVersion uint16
	ProductID     uint16
	VendorID      uint16
	DFUVersion    uint16
	CRC           uint32
}

// ID returns the vendor/product pair the file was built for. ok is false
// when the suffix uses the wildcard for both fields.
func (f *File) ID() (id usbid.ID, ok bool) {
	id = usbid.ID{Vendor: f.Suffix.VendorID, Product: f.Suffix.ProductID}
	return id, !id.IsWildcard()
}

// Image returns the image targeting the given alternate setting.
func (f *File) Image(alt uint8) (*Image, bool) {
	for _, img := range f.Images {
		if img.AltSetting == alt {
			return img, true
		}
	}
	return nil, false
}

// Size returns the total number of payload bytes across all images.
func (f *File) Size() int {
	n := 0
	for _, img := range f.Images {
		n += img.Size()
	}
	return n
}

// Image is one target section: the elements destined for one alternate
// setting of the device.
type Image struct {
	AltSetting uint8
	Name       string
	Elements   []Element
}

// Size returns the number of payload bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, el := range img.Elements {
		n += len(el.Data)
	}
	return n
}

// Ranges returns the address range of each element in file order.
func (img *Image) Ranges() []Range {
	out := make([]Range, len(img.Elements))
	for i, el := range img.Elements {
		out[i] = el.Range()
	}
	return out
}

// Element is a contiguous run of bytes to be written at Address.
type Element struct {
	Address uint32
	Data    []byte
}

// End returns the address one past the last byte of the element.
func (e Element) End() uint64 {
	return uint64(e.Address) + uint64(len(e.Data))
}

// Range returns the element's address range.
func (e Element) Range() Range {
	return Range{Start: e.Address, Size: uint32(len(e.Data))}
}

// Range is a half-open address range [Start, Start+Size).
type Range struct {
	Start uint32
	Size  uint32
}

// End returns the address one past the range.
func (r Range) End() uint64 {
	return uint64(r.Start) + uint64(r.Size)
}

// Overlaps reports whether two ranges share at least one address.
func (r Range) Overlaps(o Range) bool {
	return uint64(r.Start) < o.End() && uint64(o.Start) < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("0x%08X..0x%08X", r.Start, r.End())
}
