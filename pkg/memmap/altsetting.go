package memmap

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const addressSpace = uint64(1) << 32

// ParseAltSetting decodes one DfuSe interface string into a memory map.
// The AltSetting field of the result is left zero; Interpret fills it in.
func ParseAltSetting(s string) (*MemoryMap, error) {
	ast, err := altSettingParser.ParseString("", s)
	if err != nil {
		return nil, &DescriptorError{Kind: UnparseableString, AltSetting: -1, Input: s, Err: err}
	}

	m := &MemoryMap{Name: strings.TrimSpace(ast.Name)}
	for _, r := range ast.Regions {
		segs, err := r.segments(m.Name)
		if err != nil {
			return nil, &DescriptorError{Kind: UnparseableString, AltSetting: -1, Input: s, Msg: err.Error()}
		}
		m.Segments = append(m.Segments, segs...)
	}

	sort.SliceStable(m.Segments, func(i, j int) bool {
		return m.Segments[i].Start < m.Segments[j].Start
	})
	for i := 1; i < len(m.Segments); i++ {
		if m.Segments[i].Start <= m.Segments[i-1].End {
			return nil, &DescriptorError{
				Kind: UnparseableString, AltSetting: -1, Input: s,
				Msg: fmt.Sprintf("segment at 0x%08X overlaps 0x%08X", m.Segments[i].Start, m.Segments[i-1].Start),
			}
		}
	}
	return m, nil
}

func (r *region) segments(name string) ([]Segment, error) {
	hex := strings.TrimPrefix(strings.TrimPrefix(r.Address, "0x"), "0X")
	addr, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("address %s: %w", r.Address, err)
	}

	cursor := addr
	var out []Segment
	for _, g := range r.Groups {
		count, err := strconv.ParseUint(g.Count, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("page count %s: %w", g.Count, err)
		}
		size, err := strconv.ParseUint(g.Size, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("page size %s: %w", g.Size, err)
		}
		unit, perm, err := decodeType(g.Type)
		if err != nil {
			return nil, err
		}

		pageSize := size * unit
		if pageSize == 0 {
			return nil, fmt.Errorf("zero page size in %s*%s%s", g.Count, g.Size, g.Type)
		}
		if pageSize > math.MaxUint32 {
			return nil, fmt.Errorf("page size %d does not fit 32 bits", pageSize)
		}
		if count == 0 {
			continue
		}
		span := count * pageSize
		if span > addressSpace || cursor+span > addressSpace {
			return nil, fmt.Errorf("%d pages of %d bytes at 0x%08X exceed the 32-bit address space", count, pageSize, cursor)
		}

		out = append(out, Segment{
			Name:     name,
			Start:    uint32(cursor),
			End:      uint32(cursor + span - 1),
			PageSize: uint32(pageSize),
			Erasable: perm&permErase != 0,
			Readable: perm&permRead != 0,
			Writable: perm&permWrite != 0,
		})
		cursor += span
	}
	return out, nil
}

type perm uint8

const (
	permRead perm = 1 << iota
	permErase
	permWrite
)

// um0290Types are the single-letter sector types of ST's UM0290.
var um0290Types = map[byte]perm{
	'a': permRead,
	'b': permErase,
	'c': permRead | permErase,
	'd': permWrite,
	'e': permRead | permWrite,
	'f': permErase | permWrite,
	'g': permRead | permErase | permWrite,
}

var mnemonics = map[byte]perm{
	'e': permErase,
	'r': permRead,
	'w': permWrite,
}

// decodeType splits a group suffix such as "Kg" or "Kerw" into the size
// multiplier and the permission bits. A lone letter a-g is a UM0290 sector
// type; anything longer must be made of the e/r/w mnemonics.
func decodeType(s string) (uint64, perm, error) {
	unit := uint64(1)
	if s != "" {
		switch s[0] {
		case 'K', 'k':
			unit, s = 1024, s[1:]
		case 'M', 'm':
			unit, s = 1024*1024, s[1:]
		case 'B':
			s = s[1:]
		}
	}

	if len(s) == 1 {
		if p, ok := um0290Types[s[0]]; ok {
			return unit, p, nil
		}
	}

	var p perm
	for i := 0; i < len(s); i++ {
		bit, ok := mnemonics[s[i]]
		if !ok {
			return 0, 0, fmt.Errorf("unknown sector type %q", s)
		}
		p |= bit
	}
	return unit, p, nil
}
