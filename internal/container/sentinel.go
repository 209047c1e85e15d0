package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var plainMarker = []byte("H4sI")

// minPlainRun mirrors the codec's shortest decodable envelope; shorter runs
// starting with the marker are coincidental byte patterns, not blocks.
const minPlainRun = 16

type candidate struct {
	offset     int64
	end        int64 // declared end, may exceed the file
	sub        bool  // FLBK sub-header candidate
	capacity   int64
	malformed  string
	markerSpan int64
}

// SentinelScanner reconstructs block boundaries from in-band markers: FLBK
// sub-headers carrying allocation and capacity fields, and base64 gzip runs.
type SentinelScanner struct{}

func (SentinelScanner) Name() string { return "sentinel" }

func (SentinelScanner) Scan(data []byte) (Result, error) {
	res := Result{Strategy: "sentinel"}
	size := int64(len(data))
	cands := findCandidates(data)
	for i, c := range cands {
		next := size
		if i+1 < len(cands) {
			next = cands[i+1].offset
		}
		reason := c.malformed
		switch {
		case reason != "":
		case c.end > size:
			reason = fmt.Sprintf("declared range [%d, %d) exceeds file length %d", c.offset, c.end, size)
		case c.end > next:
			reason = fmt.Sprintf("declared range [%d, %d) overlaps the marker at %d", c.offset, c.end, next)
		}
		if reason != "" {
			end := min(c.end, next, size)
			if end <= c.offset {
				end = min(c.offset+c.markerSpan, next, size)
			}
			res.Blocks = append(res.Blocks, &Unrecognized{Span: Span{Offset: c.offset, Length: end - c.offset}, Warning: reason})
			res.Warnings = append(res.Warnings, Warning{Offset: c.offset, Message: reason})
			continue
		}
		if c.sub {
			payload := c.offset + SubHeaderSize
			res.Blocks = append(res.Blocks,
				&Auxiliary{Span: Span{Offset: c.offset, Length: SubHeaderSize}, Note: "block sub-header"},
				&Editable{Span: Span{Offset: payload, Length: c.end - payload}, Kind: FormatFallenTableEntry, Capacity: c.capacity},
			)
			continue
		}
		res.Blocks = append(res.Blocks, &Editable{Span: Span{Offset: c.offset, Length: c.end - c.offset}, Kind: FormatPlainBase64Gzip, Capacity: c.end - c.offset})
	}
	sortBlocks(res.Blocks)
	if err := checkLayout(res.Blocks, size); err != nil {
		return res, err
	}
	return res, nil
}

// findCandidates walks the file once, in offset order. Sub-header payloads
// are not skipped so a declared length that runs into the next marker can be
// detected; base64 runs are skipped because a run cannot contain a marker of
// its own that starts a different block.
func findCandidates(data []byte) []candidate {
	var out []candidate
	size := int64(len(data))
	pos := int64(0)
	for pos < size {
		sub := indexFrom(data, subHeaderMagic, pos)
		plain := indexFrom(data, plainMarker, pos)
		if sub < 0 && plain < 0 {
			break
		}
		if sub >= 0 && (plain < 0 || sub < plain) {
			out = append(out, subHeaderCandidate(data, sub))
			pos = sub + int64(len(subHeaderMagic))
			continue
		}
		end := plain
		stripped := 0
		for end < size && isBase64RegionByte(data[end]) {
			if !isBlank(data[end]) {
				stripped++
			}
			end++
		}
		if stripped >= minPlainRun {
			out = append(out, candidate{offset: plain, end: end, capacity: end - plain, markerSpan: end - plain})
		}
		pos = end
	}
	return out
}

func subHeaderCandidate(data []byte, at int64) candidate {
	c := candidate{offset: at, sub: true, markerSpan: int64(len(subHeaderMagic))}
	if at+SubHeaderSize > int64(len(data)) {
		c.end = int64(len(data))
		c.malformed = fmt.Sprintf("sub-header at %d is truncated by end of file", at)
		return c
	}
	allocation := int64(binary.LittleEndian.Uint32(data[at+4 : at+8]))
	c.capacity = int64(binary.LittleEndian.Uint32(data[at+8 : at+12]))
	c.end = at + SubHeaderSize + allocation
	c.markerSpan = SubHeaderSize
	switch {
	case allocation == 0:
		c.malformed = fmt.Sprintf("sub-header at %d declares an empty allocation", at)
	case c.capacity == 0 || c.capacity > allocation:
		c.malformed = fmt.Sprintf("sub-header at %d declares capacity %d for allocation %d", at, c.capacity, allocation)
	}
	return c
}

func indexFrom(data, marker []byte, from int64) int64 {
	i := bytes.Index(data[from:], marker)
	if i < 0 {
		return -1
	}
	return from + int64(i)
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isBase64RegionByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '/', c == '=':
		return true
	default:
		return isBlank(c)
	}
}
