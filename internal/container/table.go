package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	tableHeaderSize = 16
	tableEntrySize  = 16
	tableVersion    = 1

	// SubHeaderSize is the encoded length of a block sub-header.
	SubHeaderSize = 12
)

var (
	tableMagic     = []byte("FALLENTB")
	subHeaderMagic = []byte("FLBK")
)

// TableTag identifies the payload kind of a table entry.
type TableTag uint8

const (
	TagText   TableTag = 1
	TagBase64 TableTag = 2
	TagOpaque TableTag = 3
)

func (t TableTag) String() string {
	switch t {
	case TagText:
		return "text"
	case TagBase64:
		return "base64"
	case TagOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// TableEntry is one decoded entry of the block table.
type TableEntry struct {
	Offset   uint32
	Length   uint32
	Capacity uint32
	Tag      TableTag
}

// HasTable reports whether data starts with the block table signature.
func HasTable(data []byte) bool {
	return len(data) >= tableHeaderSize && bytes.Equal(data[:len(tableMagic)], tableMagic)
}

// ParseTable decodes and validates the block table at the start of data.
func ParseTable(data []byte) ([]TableEntry, int64, error) {
	if !HasTable(data) {
		return nil, 0, ErrNoTable
	}
	size := int64(len(data))
	version := binary.LittleEndian.Uint16(data[8:10])
	count := int(binary.LittleEndian.Uint16(data[10:12]))
	tableSize := int64(binary.LittleEndian.Uint32(data[12:16]))
	if version != tableVersion {
		return nil, 0, &ScanError{Entry: -1, Reason: fmt.Sprintf("unsupported table version %d", version)}
	}
	if count == 0 {
		return nil, 0, &ScanError{Entry: -1, Reason: "table lists no entries"}
	}
	want := int64(tableHeaderSize + count*tableEntrySize)
	if tableSize != want {
		return nil, 0, &ScanError{Entry: -1, Reason: fmt.Sprintf("table size %d does not match %d entries (want %d)", tableSize, count, want)}
	}
	if tableSize > size {
		return nil, 0, &ScanError{Entry: -1, Reason: fmt.Sprintf("table size %d exceeds file length %d", tableSize, size)}
	}
	entries := make([]TableEntry, count)
	prevEnd := tableSize
	for i := range entries {
		raw := data[tableHeaderSize+i*tableEntrySize:]
		e := TableEntry{
			Offset:   binary.LittleEndian.Uint32(raw[0:4]),
			Length:   binary.LittleEndian.Uint32(raw[4:8]),
			Capacity: binary.LittleEndian.Uint32(raw[8:12]),
			Tag:      TableTag(raw[12]),
		}
		start, end := int64(e.Offset), int64(e.Offset)+int64(e.Length)
		switch {
		case e.Tag != TagText && e.Tag != TagBase64 && e.Tag != TagOpaque:
			return nil, 0, &ScanError{Entry: i, Reason: fmt.Sprintf("unknown tag %d", uint8(e.Tag))}
		case e.Length == 0:
			return nil, 0, &ScanError{Entry: i, Reason: "zero length"}
		case end > size:
			return nil, 0, &ScanError{Entry: i, Reason: fmt.Sprintf("range [%d, %d) exceeds file length %d", start, end, size)}
		case start < prevEnd:
			return nil, 0, &ScanError{Entry: i, Reason: fmt.Sprintf("offset %d overlaps the table or previous entry ending at %d", start, prevEnd)}
		case e.Capacity > e.Length:
			return nil, 0, &ScanError{Entry: i, Reason: fmt.Sprintf("capacity %d exceeds length %d", e.Capacity, e.Length)}
		case e.Tag == TagText && e.Capacity == 0:
			return nil, 0, &ScanError{Entry: i, Reason: "text entry without capacity"}
		}
		prevEnd = end
		entries[i] = e
	}
	return entries, tableSize, nil
}

// TableScanner trusts the offsets listed in a validated block table.
type TableScanner struct{}

func (TableScanner) Name() string { return "table" }

func (TableScanner) Scan(data []byte) (Result, error) {
	res := Result{Strategy: "table"}
	entries, tableSize, err := ParseTable(data)
	if err != nil {
		return res, err
	}
	res.Blocks = append(res.Blocks, &Auxiliary{Span: Span{Offset: 0, Length: tableSize}, Note: "block table"})
	prevEnd := tableSize
	for i, e := range entries {
		span := Span{Offset: int64(e.Offset), Length: int64(e.Length)}
		if hdr := span.Offset - SubHeaderSize; hdr >= prevEnd && bytes.Equal(data[hdr:hdr+int64(len(subHeaderMagic))], subHeaderMagic) {
			res.Blocks = append(res.Blocks, &Auxiliary{Span: Span{Offset: hdr, Length: SubHeaderSize}, Note: fmt.Sprintf("sub-header of entry %d", i)})
		}
		switch e.Tag {
		case TagText:
			res.Blocks = append(res.Blocks, &Editable{Span: span, Kind: FormatFallenTableEntry, Capacity: int64(e.Capacity)})
		case TagBase64:
			res.Blocks = append(res.Blocks, &Editable{Span: span, Kind: FormatPlainBase64Gzip, Capacity: span.Length})
		case TagOpaque:
			res.Blocks = append(res.Blocks, &Auxiliary{Span: span, Note: fmt.Sprintf("opaque entry %d", i)})
		}
		prevEnd = span.End()
	}
	if err := checkLayout(res.Blocks, int64(len(data))); err != nil {
		return res, err
	}
	return res, nil
}

// EncodeTable serialises entries into a block table image.
func EncodeTable(entries []TableEntry) []byte {
	size := tableHeaderSize + len(entries)*tableEntrySize
	out := make([]byte, size)
	copy(out, tableMagic)
	binary.LittleEndian.PutUint16(out[8:10], tableVersion)
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(entries)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(size))
	for i, e := range entries {
		raw := out[tableHeaderSize+i*tableEntrySize:]
		binary.LittleEndian.PutUint32(raw[0:4], e.Offset)
		binary.LittleEndian.PutUint32(raw[4:8], e.Length)
		binary.LittleEndian.PutUint32(raw[8:12], e.Capacity)
		raw[12] = byte(e.Tag)
	}
	return out
}

// TableSize returns the encoded size of a table with n entries.
func TableSize(n int) int {
	return tableHeaderSize + n*tableEntrySize
}

// EncodeSubHeader builds the 12-byte block sub-header preceding a payload
// area of the given allocation and capacity.
func EncodeSubHeader(allocation, capacity uint32) []byte {
	out := make([]byte, SubHeaderSize)
	copy(out, subHeaderMagic)
	binary.LittleEndian.PutUint32(out[4:8], allocation)
	binary.LittleEndian.PutUint32(out[8:12], capacity)
	return out
}
