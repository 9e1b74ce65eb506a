package memmap

import (
	"encoding/binary"
	"fmt"
)

const (
	// FunctionalDescriptorType is bDescriptorType of the DFU functional descriptor.
	FunctionalDescriptorType = 0x21

	functionalLength   = 9
	functionalLengthV1 = 7
)

// Attributes is the bmAttributes bitmap of the DFU functional descriptor.
type Attributes uint8

const (
	CanDownload           Attributes = 0x01
	CanUpload             Attributes = 0x02
	ManifestationTolerant Attributes = 0x04
	WillDetach            Attributes = 0x08
)

func (a Attributes) String() string {
	names := []struct {
		bit  Attributes
		name string
	}{
		{CanDownload, "download"},
		{CanUpload, "upload"},
		{ManifestationTolerant, "manifestation-tolerant"},
		{WillDetach, "will-detach"},
	}
	s := ""
	for _, n := range names {
		if a&n.bit != 0 {
			if s != "" {
				s += ","
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// FunctionalDescriptor is the DFU functional descriptor of the interface.
type FunctionalDescriptor struct {
	Attributes    Attributes
	DetachTimeout uint16 // milliseconds
	TransferSize  uint16
	DFUVersion    uint16
}

// DecodeFunctional decodes a raw DFU functional descriptor. DFU 1.0 devices
// omit bcdDFUVersion; those report version 0x0100.
func DecodeFunctional(b []byte) (FunctionalDescriptor, error) {
	var fd FunctionalDescriptor
	if len(b) < functionalLengthV1 {
		return fd, &DescriptorError{Kind: BadFunctionalDescriptor, AltSetting: -1,
			Msg: fmt.Sprintf("%d bytes, need at least %d", len(b), functionalLengthV1)}
	}
	if b[1] != FunctionalDescriptorType {
		return fd, &DescriptorError{Kind: BadFunctionalDescriptor, AltSetting: -1,
			Msg: fmt.Sprintf("descriptor type 0x%02X", b[1])}
	}
	length := int(b[0])
	if length < functionalLengthV1 || length > len(b) {
		return fd, &DescriptorError{Kind: BadFunctionalDescriptor, AltSetting: -1,
			Msg: fmt.Sprintf("bLength %d with %d bytes available", length, len(b))}
	}

	fd.Attributes = Attributes(b[2])
	fd.DetachTimeout = binary.LittleEndian.Uint16(b[3:5])
	fd.TransferSize = binary.LittleEndian.Uint16(b[5:7])
	fd.DFUVersion = 0x0100
	if length >= functionalLength {
		fd.DFUVersion = binary.LittleEndian.Uint16(b[7:9])
	}
	return fd, nil
}

// Encode returns the 9-byte wire form of fd.
func (fd FunctionalDescriptor) Encode() []byte {
	b := make([]byte, functionalLength)
	b[0] = functionalLength
	b[1] = FunctionalDescriptorType
	b[2] = byte(fd.Attributes)
	binary.LittleEndian.PutUint16(b[3:5], fd.DetachTimeout)
	binary.LittleEndian.PutUint16(b[5:7], fd.TransferSize)
	binary.LittleEndian.PutUint16(b[7:9], fd.DFUVersion)
	return b
}

// FindFunctional scans a raw configuration descriptor for the first DFU
// functional descriptor.
func FindFunctional(config []byte) (FunctionalDescriptor, error) {
	for off := 0; off+2 <= len(config); {
		length := int(config[off])
		if length < 2 || off+length > len(config) {
			break
		}
		if config[off+1] == FunctionalDescriptorType {
			return DecodeFunctional(config[off : off+length])
		}
		off += length
	}
	return FunctionalDescriptor{}, &DescriptorError{Kind: BadFunctionalDescriptor, AltSetting: -1,
		Msg: "no DFU functional descriptor in configuration"}
}
