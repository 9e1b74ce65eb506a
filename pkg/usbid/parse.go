package usbid

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads an identifier written as "VVVV:PPPP" in hexadecimal, with or
// without 0x prefixes.
func Parse(s string) (ID, error) {
	vendor, product, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ID{}, fmt.Errorf("usbid: %q is not in VID:PID form", s)
	}
	v, err := parseField(vendor)
	if err != nil {
		return ID{}, fmt.Errorf("usbid: vendor in %q: %w", s, err)
	}
	p, err := parseField(product)
	if err != nil {
		return ID{}, fmt.Errorf("usbid: product in %q: %w", s, err)
	}
	return ID{Vendor: v, Product: p}, nil
}

func parseField(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
