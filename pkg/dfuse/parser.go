package dfuse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
)

// Parse decodes a DfuSe container held in data. The returned File does not
// alias data.
func Parse(data []byte) (*File, error) {
	if len(data) < prefixSize+suffixSize {
		return nil, parseErr(Truncated, len(data), "file is %d bytes, need at least %d", len(data), prefixSize+suffixSize)
	}
	if string(data[:len(prefixSignature)]) != prefixSignature {
		return nil, parseErr(BadSignature, 0, "missing %q prefix", prefixSignature)
	}
	version := data[5]
	if version != Version {
		return nil, parseErr(BadSignature, 5, "unsupported DfuSe version 0x%02X", version)
	}

	suffixAt := len(data) - suffixSize
	suffix, err := parseSuffix(data[suffixAt:], suffixAt)
	if err != nil {
		return nil, err
	}
	if crc := Checksum(data[:len(data)-4]); crc != suffix.CRC {
		return nil, parseErr(BadChecksum, len(data)-4, "stored CRC 0x%08X, computed 0x%08X", suffix.CRC, crc)
	}

	declared := binary.LittleEndian.Uint32(data[6:10])
	if uint64(declared) > uint64(suffixAt) {
		return nil, parseErr(Truncated, suffixAt, "prefix declares %d bytes, only %d present before suffix", declared, suffixAt)
	}
	if int(declared) < suffixAt {
		return nil, parseErr(BadLength, 6, "prefix declares %d bytes, %d present before suffix", declared, suffixAt)
	}

	r := &reader{buf: data[:declared], off: prefixSize}
	count := int(data[10])
	file := &File{
		Version: version,
		Images:  make([]*Image, 0, count),
		Suffix:  suffix,
	}
	for i := 0; i < count; i++ {
		img, err := parseTarget(r)
		if err != nil {
			return nil, err
		}
		file.Images = append(file.Images, img)
	}
	if r.remaining() != 0 {
		return nil, parseErr(BadLength, r.off, "%d unexpected bytes after the last target", r.remaining())
	}

	return file, nil
}

// ParseFile reads and parses a DfuSe file from disk.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Checksum computes the DFU suffix CRC over data.
func Checksum(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

func parseSuffix(b []byte, at int) (Suffix, error) {
	if string(b[8:11]) != suffixSignature {
		return Suffix{}, parseErr(BadSignature, at+8, "missing %q suffix signature", suffixSignature)
	}
	if b[11] != suffixSize {
		return Suffix{}, parseErr(BadSignature, at+11, "suffix length %d, want %d", b[11], suffixSize)
	}
	return Suffix{
		DeviceVersion: binary.LittleEndian.Uint16(b[0:2]),
		ProductID:     binary.LittleEndian.Uint16(b[2:4]),
		VendorID:      binary.LittleEndian.Uint16(b[4:6]),
		DFUVersion:    binary.LittleEndian.Uint16(b[6:8]),
		CRC:           binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

func parseTarget(r *reader) (*Image, error) {
	start := r.off
	hdr, ok := r.take(targetPrefixSize)
	if !ok {
		return nil, parseErr(Truncated, start, "target prefix needs %d bytes, %d remain", targetPrefixSize, r.remaining())
	}
	if string(hdr[:len(targetSignature)]) != targetSignature {
		return nil, parseErr(BadSignature, start, "missing %q target signature", targetSignature)
	}

	img := &Image{AltSetting: hdr[6]}
	if binary.LittleEndian.Uint32(hdr[7:11]) != 0 {
		name := hdr[11 : 11+targetNameSize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		img.Name = string(bytes.TrimRight(name, " "))
	}
	declared := binary.LittleEndian.Uint32(hdr[266:270])
	count := binary.LittleEndian.Uint32(hdr[270:274])

	// Every element needs at least a header plus one byte.
	if uint64(count)*(elementHeaderSize+1) > uint64(r.remaining()) {
		return nil, parseErr(Truncated, start+270, "target declares %d elements, only %d bytes remain", count, r.remaining())
	}

	img.Elements = make([]Element, 0, count)
	var consumed uint64
	for i := uint32(0); i < count; i++ {
		el, err := parseElement(r)
		if err != nil {
			return nil, err
		}
		consumed += elementHeaderSize + uint64(len(el.Data))
		img.Elements = append(img.Elements, el)
	}
	if consumed != uint64(declared) {
		return nil, parseErr(InvalidElement, start+266, "target declares %d bytes of elements, found %d", declared, consumed)
	}
	if err := checkOverlap(img, start); err != nil {
		return nil, err
	}

	return img, nil
}

func parseElement(r *reader) (Element, error) {
	start := r.off
	hdr, ok := r.take(elementHeaderSize)
	if !ok {
		return Element{}, parseErr(Truncated, start, "element header needs %d bytes, %d remain", elementHeaderSize, r.remaining())
	}
	addr := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size == 0 {
		return Element{}, parseErr(InvalidElement, start+4, "element at 0x%08X is empty", addr)
	}
	if uint64(addr)+uint64(size) > 1<<32 {
		return Element{}, parseErr(InvalidElement, start, "element at 0x%08X with %d bytes exceeds the 32-bit address space", addr, size)
	}
	data, ok := r.take(int(size))
	if !ok {
		return Element{}, parseErr(Truncated, start+elementHeaderSize, "element at 0x%08X needs %d bytes, %d remain", addr, size, r.remaining())
	}
	return Element{Address: addr, Data: bytes.Clone(data)}, nil
}

func checkOverlap(img *Image, offset int) error {
	ranges := img.Ranges()
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Overlaps(ranges[i]) {
			return parseErr(InvalidElement, offset, "target %d: element %s overlaps %s", img.AltSetting, ranges[i], ranges[i-1])
		}
	}
	return nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || n > r.remaining() {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}
