// Package samples builds deterministic synthetic container files used by
// tests and by the sample generator.
package samples

import (
	"fmt"
	"os"
	"path/filepath"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/container"
)

// BlockKind selects how a sample block is laid out.
type BlockKind int

const (
	Plain  BlockKind = iota // base64 gzip run padded with spaces
	Fallen                  // FLBK sub-header + UTF-16LE JSON + NUL padding + tail
	Opaque                  // raw bytes, listed in the table as opaque
)

const (
	// File names exposed for generator consumers.
	PlainFileName            = "memory_plain.dat"
	TableFileName            = "memory_table.dat"
	TableTwinFileName        = "memory_table_twin.dat"
	CoinsScenarioName        = "memory_coins.dat"
	sampleModTime     uint32 = 1_700_000_000
	blockGap                 = 64
)

// PlainMeta is the encoding used for generated base64 gzip blocks.
var PlainMeta = codec.Meta{Kind: codec.KindBase64Gzip, Padded: true, Level: 9, ModTime: sampleModTime}

// BlockSpec describes one block to place in a sample container.
type BlockSpec struct {
	Kind BlockKind
	JSON string
	// Raw is the content of an Opaque block.
	Raw []byte
	// Offset of the payload area; zero places the block automatically.
	Offset int
	// Allocation is the payload area length. Zero sizes it to fit.
	Allocation int
	// Capacity bounds the JSON payload of a Fallen block; the remainder of
	// the allocation holds Tail. Zero means Allocation-len(Tail).
	Capacity int
	Tail     []byte
	// Level overrides the gzip level of a Plain block.
	Level int
}

// Layout describes a whole sample container.
type Layout struct {
	Size   int
	Table  bool
	Blocks []BlockSpec
}

// Region records where a block landed.
type Region struct {
	Offset   int
	Length   int
	Capacity int
	Kind     BlockKind
	JSON     string
}

// Image is a built container.
type Image struct {
	Data    []byte
	Regions []Region
}

// Build lays out the blocks, fills the gaps with high-bit junk that can never
// form a marker, and writes the optional block table.
func Build(layout Layout) (Image, error) {
	var img Image
	if layout.Size <= 0 {
		return img, fmt.Errorf("layout size must be positive")
	}
	data := make([]byte, layout.Size)
	for i := range data {
		data[i] = byte(0x80 | (i*37)%128)
	}
	cursor := align(container.TableSize(len(layout.Blocks))+blockGap, 256)
	var entries []container.TableEntry
	for i, spec := range layout.Blocks {
		payload, capacity, tag, err := renderBlock(spec)
		if err != nil {
			return img, fmt.Errorf("block %d: %w", i, err)
		}
		offset := spec.Offset
		if offset == 0 {
			offset = cursor
			if spec.Kind == Fallen {
				offset += container.SubHeaderSize
			}
		}
		start := offset
		if spec.Kind == Fallen {
			start -= container.SubHeaderSize
		}
		end := offset + len(payload)
		if start < 0 || end+1 > len(data) {
			return img, fmt.Errorf("block %d at %d (%d bytes) does not fit in %d bytes", i, offset, len(payload), len(data))
		}
		// Guard bytes keep base64 runs and sub-headers from merging with junk.
		if start > 0 {
			data[start-1] = 0
		}
		data[end] = 0
		if spec.Kind == Fallen {
			copy(data[start:], container.EncodeSubHeader(uint32(len(payload)), uint32(capacity)))
		}
		copy(data[offset:], payload)
		entries = append(entries, container.TableEntry{Offset: uint32(offset), Length: uint32(len(payload)), Capacity: uint32(capacity), Tag: tag})
		img.Regions = append(img.Regions, Region{Offset: offset, Length: len(payload), Capacity: capacity, Kind: spec.Kind, JSON: spec.JSON})
		cursor = align(end+blockGap, 16)
	}
	if layout.Table {
		copy(data, container.EncodeTable(entries))
	}
	img.Data = data
	return img, nil
}

func renderBlock(spec BlockSpec) ([]byte, int, container.TableTag, error) {
	switch spec.Kind {
	case Plain:
		meta := PlainMeta
		if spec.Level != 0 {
			meta.Level = spec.Level
		}
		enc, err := codec.Encode([]byte(spec.JSON), meta, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		alloc := spec.Allocation
		if alloc == 0 {
			alloc = len(enc)
		}
		if len(enc) > alloc {
			return nil, 0, 0, fmt.Errorf("encoded block %d bytes exceeds allocation %d", len(enc), alloc)
		}
		out := make([]byte, alloc)
		copy(out, enc)
		for i := len(enc); i < alloc; i++ {
			out[i] = ' '
		}
		return out, alloc, container.TagBase64, nil
	case Fallen:
		enc, err := codec.Encode([]byte(spec.JSON), codec.Meta{Kind: codec.KindUTF16}, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		alloc := spec.Allocation
		if alloc == 0 {
			alloc = len(enc) + len(spec.Tail)
		}
		capacity := spec.Capacity
		if capacity == 0 {
			capacity = alloc - len(spec.Tail)
		}
		if capacity+len(spec.Tail) != alloc {
			return nil, 0, 0, fmt.Errorf("capacity %d + tail %d does not match allocation %d", capacity, len(spec.Tail), alloc)
		}
		if len(enc) > capacity {
			return nil, 0, 0, fmt.Errorf("encoded block %d bytes exceeds capacity %d", len(enc), capacity)
		}
		out := make([]byte, alloc)
		copy(out, enc)
		copy(out[capacity:], spec.Tail)
		return out, capacity, container.TagText, nil
	case Opaque:
		if len(spec.Raw) == 0 {
			return nil, 0, 0, fmt.Errorf("opaque block without content")
		}
		out := append([]byte{}, spec.Raw...)
		return out, len(out), container.TagOpaque, nil
	default:
		return nil, 0, 0, fmt.Errorf("unknown block kind %d", spec.Kind)
	}
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}

// StripTable returns a copy of a table-bearing image with the table bytes
// zeroed: the sentinel-only twin of the same save.
func StripTable(img Image) Image {
	data := append([]byte{}, img.Data...)
	n := container.TableSize(len(img.Regions))
	for i := 0; i < n && i < len(data); i++ {
		data[i] = 0
	}
	return Image{Data: data, Regions: img.Regions}
}

// PlainSave is a table-less save holding only base64 gzip blocks, the layout
// written by the game itself.
func PlainSave() (Image, error) {
	return Build(Layout{
		Size: 16 << 10,
		Blocks: []BlockSpec{
			{Kind: Plain, JSON: `{"profile":{"name":"Driver","level":12},"coins":100}`},
			{Kind: Plain, JSON: `{"cars":[{"id":101,"tune":"street"},{"id":205,"tune":"drift"}]}`, Allocation: 320},
			{Kind: Plain, JSON: `{"settings":{"units":"metric","camera":2}}`},
		},
	})
}

// TableSave is a save-manager layout with a block table, two text blocks
// (one with tail bytes), a base64 block and an opaque chunk.
func TableSave() (Image, error) {
	return Build(Layout{
		Size:  32 << 10,
		Table: true,
		Blocks: []BlockSpec{
			{Kind: Fallen, JSON: `{"coins":100,"xp":2500}`, Allocation: 200},
			{Kind: Fallen, JSON: `{"garage":[1,2,3]}`, Allocation: 160, Tail: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}},
			{Kind: Plain, JSON: `{"quests":{"done":[4,8,15],"active":16}}`, Allocation: 256},
			{Kind: Opaque, Raw: []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}},
		},
	})
}

// CoinsScenario is a 64 KiB save with a single table-described block at
// offset 4096 with a 256-byte allocation holding {"coins":100}.
func CoinsScenario() (Image, error) {
	return Build(Layout{
		Size:  64 << 10,
		Table: true,
		Blocks: []BlockSpec{
			{Kind: Fallen, JSON: `{"coins":100}`, Offset: 4096, Allocation: 256},
		},
	})
}

// WriteFiles writes every sample container into dir.
func WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	plain, err := PlainSave()
	if err != nil {
		return fmt.Errorf("plain save: %w", err)
	}
	table, err := TableSave()
	if err != nil {
		return fmt.Errorf("table save: %w", err)
	}
	coins, err := CoinsScenario()
	if err != nil {
		return fmt.Errorf("coins scenario: %w", err)
	}
	files := map[string][]byte{
		PlainFileName:     plain.Data,
		TableFileName:     table.Data,
		TableTwinFileName: StripTable(table).Data,
		CoinsScenarioName: coins.Data,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
