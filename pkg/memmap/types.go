package memmap

import (
	"fmt"
	"sort"
	"strings"
)

// Segment is a contiguous run of equally sized pages sharing the same
// permissions. End is the address of the last byte, so a segment may reach
// the top of the 32-bit address space.
type Segment struct {
	Name     string
	Start    uint32
	End      uint32
	PageSize uint32

	Erasable bool
	Readable bool
	Writable bool
}

// Size returns the number of bytes covered by the segment.
func (s Segment) Size() uint64 {
	return uint64(s.End) - uint64(s.Start) + 1
}

// Pages returns the number of pages in the segment.
func (s Segment) Pages() uint64 {
	if s.PageSize == 0 {
		return 0
	}
	return s.Size() / uint64(s.PageSize)
}

// Contains reports whether [start, start+size) lies entirely inside s.
func (s Segment) Contains(start uint32, size uint64) bool {
	if size == 0 {
		return start >= s.Start && start <= s.End
	}
	end := uint64(start) + size - 1
	return start >= s.Start && end <= uint64(s.End)
}

// Overlaps reports whether [start, start+size) shares any byte with s.
func (s Segment) Overlaps(start uint32, size uint64) bool {
	if size == 0 {
		return false
	}
	end := uint64(start) + size - 1
	return uint64(start) <= uint64(s.End) && end >= uint64(s.Start)
}

// PageStart returns the address of the page holding addr.
func (s Segment) PageStart(addr uint32) uint32 {
	if s.PageSize == 0 {
		return addr
	}
	return s.Start + (addr-s.Start)/s.PageSize*s.PageSize
}

// PageIndex returns the index of the page holding addr within s.
func (s Segment) PageIndex(addr uint32) uint {
	if s.PageSize == 0 {
		return 0
	}
	return uint((addr - s.Start) / s.PageSize)
}

// Flags renders the permissions in the "erw" mnemonic form.
func (s Segment) Flags() string {
	var b strings.Builder
	for _, f := range []struct {
		set bool
		c   byte
	}{{s.Erasable, 'e'}, {s.Readable, 'r'}, {s.Writable, 'w'}} {
		if f.set {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (s Segment) String() string {
	return fmt.Sprintf("0x%08X-0x%08X %s page %d", s.Start, s.End, s.Flags(), s.PageSize)
}

// MemoryMap is the ordered segment list of one alternate setting.
type MemoryMap struct {
	AltSetting uint8
	Name       string
	Segments   []Segment
}

// Find returns the segment holding addr.
func (m *MemoryMap) Find(addr uint32) (Segment, bool) {
	i := sort.Search(len(m.Segments), func(i int) bool {
		return m.Segments[i].End >= addr
	})
	if i < len(m.Segments) && m.Segments[i].Start <= addr {
		return m.Segments[i], true
	}
	return Segment{}, false
}

// Touching returns every segment overlapping [start, start+size).
func (m *MemoryMap) Touching(start uint32, size uint64) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Overlaps(start, size) {
			out = append(out, seg)
		}
	}
	return out
}

// Span returns the total number of bytes covered by the map.
func (m *MemoryMap) Span() uint64 {
	var n uint64
	for _, seg := range m.Segments {
		n += seg.Size()
	}
	return n
}
