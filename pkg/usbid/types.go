package usbid

import "fmt"

// Wildcard is the value a DFU file suffix uses for "any vendor" or
// "any product".
const Wildcard uint16 = 0xFFFF

// ID is a USB vendor/product identifier pair.
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04X:%04X", id.Vendor, id.Product)
}

// Matches reports whether other names the same device as id. A wildcard on
// either side of a field matches anything.
func (id ID) Matches(other ID) bool {
	return fieldMatches(id.Vendor, other.Vendor) && fieldMatches(id.Product, other.Product)
}

func fieldMatches(a, b uint16) bool {
	return a == Wildcard || b == Wildcard || a == b
}

// IsWildcard reports whether both fields are the wildcard value, in which
// case the ID carries no information.
func (id ID) IsWildcard() bool {
	return id.Vendor == Wildcard && id.Product == Wildcard
}

// Vendor describes a USB-IF vendor entry.
type Vendor struct {
	ID           uint16
	Name         string
	Abbreviation string
}

// Bootloader describes a known DFU-mode product.
type Bootloader struct {
	ID          ID
	Name        string
	Family      string
	Description string
	// DfuSe is set for bootloaders that implement the ST DfuSe extensions.
	DfuSe bool
}
