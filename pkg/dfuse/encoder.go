package dfuse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encode serializes f into a DfuSe container. Suffix.CRC is ignored and
// recomputed; a zero Suffix.DFUVersion is written as DFUVersion.
func Encode(f *File) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("dfuse: file is nil")
	}
	if len(f.Images) > 0xFF {
		return nil, fmt.Errorf("dfuse: %d images, at most 255 fit in a file", len(f.Images))
	}

	var buf bytes.Buffer
	buf.WriteString(prefixSignature)
	buf.WriteByte(Version)
	buf.Write(make([]byte, 4)) // image size, patched below
	buf.WriteByte(byte(len(f.Images)))

	for _, img := range f.Images {
		if err := encodeTarget(&buf, img); err != nil {
			return nil, err
		}
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(out)))

	dfuVersion := f.Suffix.DFUVersion
	if dfuVersion == 0 {
		dfuVersion = DFUVersion
	}
	suffix := make([]byte, suffixSize)
	binary.LittleEndian.PutUint16(suffix[0:2], f.Suffix.DeviceVersion)
	binary.LittleEndian.PutUint16(suffix[2:4], f.Suffix.ProductID)
	binary.LittleEndian.PutUint16(suffix[4:6], f.Suffix.VendorID)
	binary.LittleEndian.PutUint16(suffix[6:8], dfuVersion)
	copy(suffix[8:11], suffixSignature)
	suffix[11] = suffixSize

	out = append(out, suffix...)
	binary.LittleEndian.PutUint32(out[len(out)-4:], Checksum(out[:len(out)-4]))
	return out, nil
}

func encodeTarget(buf *bytes.Buffer, img *Image) error {
	if len(img.Name) >= targetNameSize {
		return fmt.Errorf("dfuse: target name %q longer than %d bytes", img.Name, targetNameSize-1)
	}

	hdr := make([]byte, targetPrefixSize)
	copy(hdr, targetSignature)
	hdr[6] = img.AltSetting
	if img.Name != "" {
		binary.LittleEndian.PutUint32(hdr[7:11], 1)
		copy(hdr[11:11+targetNameSize], img.Name)
	}

	var size uint64
	for _, el := range img.Elements {
		if len(el.Data) == 0 {
			return fmt.Errorf("dfuse: target %d: element at 0x%08X is empty", img.AltSetting, el.Address)
		}
		if el.End() > 1<<32 {
			return fmt.Errorf("dfuse: target %d: element at 0x%08X exceeds the 32-bit address space", img.AltSetting, el.Address)
		}
		size += elementHeaderSize + uint64(len(el.Data))
	}
	if size > 0xFFFFFFFF {
		return fmt.Errorf("dfuse: target %d is too large", img.AltSetting)
	}
	binary.LittleEndian.PutUint32(hdr[266:270], uint32(size))
	binary.LittleEndian.PutUint32(hdr[270:274], uint32(len(img.Elements)))
	buf.Write(hdr)

	var elHdr [elementHeaderSize]byte
	for _, el := range img.Elements {
		binary.LittleEndian.PutUint32(elHdr[0:4], el.Address)
		binary.LittleEndian.PutUint32(elHdr[4:8], uint32(len(el.Data)))
		buf.Write(elHdr[:])
		buf.Write(el.Data)
	}
	return nil
}
