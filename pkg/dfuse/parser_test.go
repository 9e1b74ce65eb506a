package dfuse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func sampleFile() *File {
	return &File{
		Images: []*Image{
			{
				AltSetting: 0,
				Name:       "Internal Flash",
				Elements: []Element{
					{Address: 0x08000000, Data: bytes.Repeat([]byte{0xAA}, 4096)},
					{Address: 0x08001000, Data: bytes.Repeat([]byte{0x55}, 2048)},
				},
			},
		},
		Suffix: Suffix{DeviceVersion: 0x0200, VendorID: 0x0483, ProductID: 0xDF11},
	}
}

func mustEncode(t *testing.T, f *File) []byte {
	t.Helper()
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	return data
}

// reseal recomputes the trailing CRC after a test has edited the body.
func reseal(data []byte) []byte {
	binary.LittleEndian.PutUint32(data[len(data)-4:], Checksum(data[:len(data)-4]))
	return data
}

func wantKind(t *testing.T, err error, kind ErrorKind) *ParseError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if perr.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", perr.Kind, kind, err)
	}
	return perr
}

func TestParseSample(t *testing.T) {
	file, err := Parse(mustEncode(t, sampleFile()))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if len(file.Images) != 1 {
		t.Fatalf("len(Images) = %d, want 1", len(file.Images))
	}
	img := file.Images[0]
	if img.Name != "Internal Flash" {
		t.Errorf("Name = %q, want %q", img.Name, "Internal Flash")
	}
	if len(img.Elements) != 2 {
		t.Fatalf("len(Elements) = %d, want 2", len(img.Elements))
	}
	if img.Elements[1].Address != 0x08001000 || len(img.Elements[1].Data) != 2048 {
		t.Errorf("unexpected second element: 0x%08X/%d", img.Elements[1].Address, len(img.Elements[1].Data))
	}
	if file.Suffix.DFUVersion != DFUVersion {
		t.Errorf("DFUVersion = 0x%04X, want 0x%04X", file.Suffix.DFUVersion, DFUVersion)
	}

	id, ok := file.ID()
	if !ok || id.Vendor != 0x0483 || id.Product != 0xDF11 {
		t.Errorf("ID() = %v, %v", id, ok)
	}
	if file.Size() != 6144 {
		t.Errorf("Size() = %d, want 6144", file.Size())
	}
}

func TestParseWildcardID(t *testing.T) {
	f := sampleFile()
	f.Suffix.VendorID = 0xFFFF
	f.Suffix.ProductID = 0xFFFF

	file, err := Parse(mustEncode(t, f))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if _, ok := file.ID(); ok {
		t.Fatalf("wildcard suffix should report no ID")
	}
}

func TestParseUnnamedTarget(t *testing.T) {
	f := sampleFile()
	f.Images[0].Name = ""
	f.Images = append(f.Images, &Image{
		AltSetting: 1,
		Name:       "Option Bytes",
		Elements:   []Element{{Address: 0x1FFFF800, Data: []byte{1, 2, 3, 4}}},
	})

	file, err := Parse(mustEncode(t, f))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if file.Images[0].Name != "" {
		t.Errorf("unnamed target got name %q", file.Images[0].Name)
	}
	img, ok := file.Image(1)
	if !ok || img.Name != "Option Bytes" {
		t.Fatalf("Image(1) = %+v, %v", img, ok)
	}
	if _, ok := file.Image(7); ok {
		t.Fatalf("Image(7) should not exist")
	}
}

func TestParseRangesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 200; iter++ {
		f := &File{Suffix: Suffix{VendorID: 0xFFFF, ProductID: 0xFFFF}}
		for alt := 0; alt < 1+rng.Intn(3); alt++ {
			img := &Image{AltSetting: uint8(alt)}
			addr := uint32(0x08000000 + rng.Intn(0x1000))
			for n := 0; n < 1+rng.Intn(6); n++ {
				size := 1 + rng.Intn(300)
				data := make([]byte, size)
				rng.Read(data)
				img.Elements = append(img.Elements, Element{Address: addr, Data: data})
				addr += uint32(size + rng.Intn(64))
			}
			// File order need not be address order.
			rng.Shuffle(len(img.Elements), func(i, j int) {
				img.Elements[i], img.Elements[j] = img.Elements[j], img.Elements[i]
			})
			f.Images = append(f.Images, img)
		}

		parsed, err := Parse(mustEncode(t, f))
		if err != nil {
			t.Fatalf("iteration %d: Parse returned error: %v", iter, err)
		}
		if len(parsed.Images) != len(f.Images) {
			t.Fatalf("iteration %d: %d images, want %d", iter, len(parsed.Images), len(f.Images))
		}
		for i, img := range parsed.Images {
			got, want := img.Ranges(), f.Images[i].Ranges()
			if len(got) != len(want) {
				t.Fatalf("iteration %d image %d: %d ranges, want %d", iter, i, len(got), len(want))
			}
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("iteration %d image %d range %d = %s, want %s", iter, i, j, got[j], want[j])
				}
				if !bytes.Equal(img.Elements[j].Data, f.Images[i].Elements[j].Data) {
					t.Fatalf("iteration %d image %d element %d data differs", iter, i, j)
				}
			}
		}
	}
}

func TestParseBadChecksum(t *testing.T) {
	good := mustEncode(t, sampleFile())

	t.Run("stored crc", func(t *testing.T) {
		for _, flip := range []uint32{1, 0x80000000, 0xFFFFFFFF, 0x12345678} {
			data := bytes.Clone(good)
			crc := binary.LittleEndian.Uint32(data[len(data)-4:])
			binary.LittleEndian.PutUint32(data[len(data)-4:], crc^flip)

			file, err := Parse(data)
			wantKind(t, err, BadChecksum)
			if file != nil {
				t.Fatalf("no images may be produced on checksum failure")
			}
		}
	})

	t.Run("payload", func(t *testing.T) {
		rng := rand.New(rand.NewSource(2))
		for i := 0; i < 100; i++ {
			data := bytes.Clone(good)
			// Stay clear of the prefix and suffix signatures.
			pos := prefixSize + rng.Intn(len(data)-prefixSize-suffixSize)
			data[pos] ^= byte(1 + rng.Intn(255))
			_, err := Parse(data)
			wantKind(t, err, BadChecksum)
		}
	})
}

func TestParseSignatures(t *testing.T) {
	good := mustEncode(t, sampleFile())

	data := bytes.Clone(good)
	data[0] = 'X'
	wantKind(t, mustFail(Parse(reseal(data))), BadSignature)

	data = bytes.Clone(good)
	copy(data[len(data)-8:], "XYZ")
	wantKind(t, mustFail(Parse(reseal(data))), BadSignature)

	data = bytes.Clone(good)
	data[prefixSize] = 'Q'
	perr := wantKind(t, mustFail(Parse(reseal(data))), BadSignature)
	if perr.Offset != prefixSize {
		t.Fatalf("Offset = %d, want %d", perr.Offset, prefixSize)
	}
}

func mustFail(_ *File, err error) error { return err }

func TestParseTruncated(t *testing.T) {
	wantKind(t, mustFail(Parse([]byte("DfuSe"))), Truncated)

	// Inflate the first element's size so its data runs off the end.
	data := mustEncode(t, sampleFile())
	elementAt := prefixSize + targetPrefixSize
	binary.LittleEndian.PutUint32(data[elementAt+4:], 0x10000)
	perr := wantKind(t, mustFail(Parse(reseal(data))), Truncated)
	if perr.Offset != elementAt+elementHeaderSize {
		t.Fatalf("Offset = %d, want %d", perr.Offset, elementAt+elementHeaderSize)
	}

	// A prefix that claims more bytes than the file holds.
	data = mustEncode(t, sampleFile())
	binary.LittleEndian.PutUint32(data[6:], uint32(len(data)))
	wantKind(t, mustFail(Parse(reseal(data))), Truncated)
}

func TestParseBadLength(t *testing.T) {
	data := mustEncode(t, sampleFile())
	size := binary.LittleEndian.Uint32(data[6:])
	binary.LittleEndian.PutUint32(data[6:], size-1)
	wantKind(t, mustFail(Parse(reseal(data))), BadLength)
}

func TestParseInvalidElements(t *testing.T) {
	t.Run("overlap", func(t *testing.T) {
		f := sampleFile()
		f.Images[0].Elements[1].Address = 0x08000FFF
		wantKind(t, mustFail(Parse(mustEncode(t, f))), InvalidElement)
	})

	t.Run("adjacent is fine", func(t *testing.T) {
		if _, err := Parse(mustEncode(t, sampleFile())); err != nil {
			t.Fatalf("adjacent elements rejected: %v", err)
		}
	})

	t.Run("overlap across images is fine", func(t *testing.T) {
		f := sampleFile()
		f.Images = append(f.Images, &Image{
			AltSetting: 1,
			Elements:   []Element{{Address: 0x08000000, Data: []byte{1}}},
		})
		if _, err := Parse(mustEncode(t, f)); err != nil {
			t.Fatalf("elements of different targets must not be compared: %v", err)
		}
	})

	t.Run("empty element", func(t *testing.T) {
		data := mustEncode(t, sampleFile())
		elementAt := prefixSize + targetPrefixSize
		binary.LittleEndian.PutUint32(data[elementAt+4:], 0)
		wantKind(t, mustFail(Parse(reseal(data))), InvalidElement)
	})

	t.Run("target size mismatch", func(t *testing.T) {
		data := mustEncode(t, sampleFile())
		at := prefixSize + 266
		binary.LittleEndian.PutUint32(data[at:], binary.LittleEndian.Uint32(data[at:])+1)
		wantKind(t, mustFail(Parse(reseal(data))), InvalidElement)
	})
}

func TestEncodeRejectsBadInput(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil file")
	}

	f := sampleFile()
	f.Images[0].Elements = append(f.Images[0].Elements, Element{Address: 0x08002000})
	if _, err := Encode(f); err == nil {
		t.Fatalf("expected error for empty element")
	}

	f = sampleFile()
	f.Images[0].Elements = []Element{{Address: 0xFFFFFFFF, Data: []byte{1, 2}}}
	if _, err := Encode(f); err == nil {
		t.Fatalf("expected error for element past 4 GiB")
	}
}

func TestParseErrorIs(t *testing.T) {
	data := mustEncode(t, sampleFile())
	data[len(data)-1] ^= 0xFF
	_, err := Parse(data)
	if !errors.Is(err, &ParseError{Kind: BadChecksum}) {
		t.Fatalf("errors.Is should match on kind: %v", err)
	}
	if errors.Is(err, &ParseError{Kind: Truncated}) {
		t.Fatalf("errors.Is matched the wrong kind")
	}
}
