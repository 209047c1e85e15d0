package container

import (
	"fmt"

	"example.com/slotpack/internal/codec"
)

// Format tags the on-disk layout of a block.
type Format string

const (
	FormatPlainBase64Gzip  Format = "plain_base64_gzip"
	FormatFallenTableEntry Format = "fallen_table_entry"
	FormatFallenAuxiliary  Format = "fallen_auxiliary"
	FormatUnknown          Format = "unknown"
)

// CodecKind returns the codec pipeline for editable formats.
func (f Format) CodecKind() (codec.Kind, bool) {
	switch f {
	case FormatPlainBase64Gzip:
		return codec.KindBase64Gzip, true
	case FormatFallenTableEntry:
		return codec.KindUTF16, true
	default:
		return "", false
	}
}

// PadByte is the filler written between a shorter re-encoded payload and the
// block capacity.
func (f Format) PadByte() byte {
	if f == FormatPlainBase64Gzip {
		return ' '
	}
	return 0
}

// Span is a byte range inside the container file.
type Span struct {
	Offset int64
	Length int64
}

func (s Span) End() int64 { return s.Offset + s.Length }

func (s Span) String() string {
	return fmt.Sprintf("[0x%08X, 0x%08X)", s.Offset, s.End())
}

// Block is one discovered region. The set of implementations is closed:
// *Editable, *Auxiliary and *Unrecognized.
type Block interface {
	Region() Span
	Format() Format
	Editable() bool
	sealed()
}

// Editable is a JSON-bearing block that may be re-encoded in place. Bytes in
// [Capacity, Length) of the region are tail bytes preserved verbatim.
type Editable struct {
	Span
	Kind     Format
	Capacity int64
}

func (b *Editable) Region() Span   { return b.Span }
func (b *Editable) Format() Format { return b.Kind }
func (b *Editable) Editable() bool { return true }
func (b *Editable) sealed()        {}

// TailLength is the number of bytes after the payload capacity.
func (b *Editable) TailLength() int64 { return b.Length - b.Capacity }

// Auxiliary is an opaque chunk (table header, block sub-header, opaque table
// entry) copied byte-for-byte.
type Auxiliary struct {
	Span
	Note string
}

func (b *Auxiliary) Region() Span   { return b.Span }
func (b *Auxiliary) Format() Format { return FormatFallenAuxiliary }
func (b *Auxiliary) Editable() bool { return false }
func (b *Auxiliary) sealed()        {}

// Unrecognized is a rejected sentinel match. It is copied verbatim and
// carries the reason it was rejected.
type Unrecognized struct {
	Span
	Warning string
}

func (b *Unrecognized) Region() Span   { return b.Span }
func (b *Unrecognized) Format() Format { return FormatUnknown }
func (b *Unrecognized) Editable() bool { return false }
func (b *Unrecognized) sealed()        {}

// Warning is a non-fatal scan finding.
type Warning struct {
	Offset  int64  `json:"offset"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("0x%08X: %s", w.Offset, w.Message)
}

// Result is the outcome of scanning one container file.
type Result struct {
	Strategy string
	Blocks   []Block
	Warnings []Warning
}
