package flash

import (
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
)

// Page is one flash page to erase.
type Page struct {
	AltSetting uint8
	Address    uint32
	Size       uint32
}

// Chunk is one download block. Block counts from the first chunk of the
// same page and element; block 0 reloads the address pointer.
type Chunk struct {
	AltSetting uint8
	Address    uint32
	Data       []byte
	Block      uint16

	// Element is the index of the source element within its image, and
	// Last marks the final chunk of that element.
	Element int
	Last    bool
}

// sortedElements returns the element indexes of img in address order.
func sortedElements(img *dfuse.Image) []int {
	idx := make([]int, len(img.Elements))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return img.Elements[idx[a]].Address < img.Elements[idx[b]].Address
	})
	return idx
}

// ErasePlan returns every distinct erasable page touched by the image, in
// ascending address order. Pages of segments that cannot be erased are
// skipped; bytes outside the map are an error.
func ErasePlan(img *dfuse.Image, m *memmap.MemoryMap) ([]Page, error) {
	touched := make([]*bitset.BitSet, len(m.Segments))

	for _, el := range img.Elements {
		covered := uint64(0)
		for i, seg := range m.Segments {
			if !seg.Overlaps(el.Address, uint64(len(el.Data))) {
				continue
			}
			lo := max(uint64(el.Address), uint64(seg.Start))
			hi := min(el.End(), uint64(seg.End)+1) - 1
			covered += hi - lo + 1
			if !seg.Erasable {
				continue
			}
			if touched[i] == nil {
				touched[i] = bitset.New(uint(seg.Pages()))
			}
			for p := seg.PageIndex(uint32(lo)); p <= seg.PageIndex(uint32(hi)); p++ {
				touched[i].Set(p)
			}
		}
		if covered != uint64(len(el.Data)) {
			return nil, fmt.Errorf("element %s is not fully inside the memory map", el.Range())
		}
	}

	var pages []Page
	for i, set := range touched {
		if set == nil {
			continue
		}
		seg := m.Segments[i]
		for p, ok := set.NextSet(0); ok; p, ok = set.NextSet(p + 1) {
			pages = append(pages, Page{
				AltSetting: img.AltSetting,
				Address:    seg.Start + uint32(p)*seg.PageSize,
				Size:       seg.PageSize,
			})
		}
	}
	return pages, nil
}

// ChunkPlan splits the image into download blocks in ascending address
// order. A chunk never crosses a page boundary and holds at most
// min(transferSize, page size) bytes.
func ChunkPlan(img *dfuse.Image, m *memmap.MemoryMap, transferSize uint32) ([]Chunk, error) {
	if transferSize == 0 {
		return nil, fmt.Errorf("zero transfer size")
	}

	var chunks []Chunk
	for _, ei := range sortedElements(img) {
		el := img.Elements[ei]
		end := el.End()
		cur := uint64(el.Address)
		block := uint16(0)
		pageStart := uint64(0)

		for cur < end {
			seg, ok := m.Find(uint32(cur))
			if !ok {
				return nil, fmt.Errorf("address 0x%08X of element %s is outside the memory map", cur, el.Range())
			}
			size := uint64(min(transferSize, seg.PageSize))
			ps := uint64(seg.PageStart(uint32(cur)))
			pageEnd := ps + uint64(seg.PageSize)
			if cur == uint64(el.Address) || ps != pageStart {
				block, pageStart = 0, ps
			}

			n := min(size, end-cur, pageEnd-cur)
			off := cur - uint64(el.Address)
			chunks = append(chunks, Chunk{
				AltSetting: img.AltSetting,
				Address:    uint32(cur),
				Data:       el.Data[off : off+n],
				Block:      block,
				Element:    ei,
				Last:       cur+n == end,
			})
			cur += n
			block++
		}
	}
	return chunks, nil
}
