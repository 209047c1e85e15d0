// Package container locates the embedded blocks of a save container.
//
// Two strategies exist. When the file starts with a save-manager block table
// the table is validated and trusted exactly; otherwise (or when validation
// fails) the file is scanned for block sub-headers and base64 gzip runs.
// Every strategy returns sorted, non-overlapping spans inside the file.
package container

import (
	"errors"
	"fmt"
	"sort"

	"example.com/slotpack/internal/common"
)

var (
	ErrNoTable = errors.New("no block table signature")
)

// ScanError reports a malformed block table or an unresolvable layout.
type ScanError struct {
	Entry  int
	Offset int64
	Reason string
}

func (e *ScanError) Error() string {
	if e.Entry >= 0 {
		return fmt.Sprintf("block table entry %d: %s", e.Entry, e.Reason)
	}
	return fmt.Sprintf("block table at 0x%08X: %s", e.Offset, e.Reason)
}

// Scanner discovers blocks in a container image.
type Scanner interface {
	Name() string
	Scan(data []byte) (Result, error)
}

// Scan picks the table scanner when a valid table is present and falls back
// to sentinel scanning otherwise.
func Scan(data []byte) (Result, error) {
	var warnings []Warning
	if HasTable(data) {
		res, err := TableScanner{}.Scan(data)
		if err == nil {
			return res, nil
		}
		common.Warnf("block table rejected, falling back to sentinel scan: %v", err)
		warnings = append(warnings, Warning{Offset: 0, Message: fmt.Sprintf("block table rejected: %v", err)})
	}
	res, err := SentinelScanner{}.Scan(data)
	if err != nil {
		return res, err
	}
	res.Warnings = append(warnings, res.Warnings...)
	return res, nil
}

// checkLayout verifies the ordering, overlap and bounds invariants.
func checkLayout(blocks []Block, size int64) error {
	var end int64
	for i, b := range blocks {
		span := b.Region()
		if span.Length <= 0 {
			return &ScanError{Entry: -1, Offset: span.Offset, Reason: fmt.Sprintf("block %d has empty span", i)}
		}
		if span.Offset < end {
			return &ScanError{Entry: -1, Offset: span.Offset, Reason: fmt.Sprintf("block %d %s overlaps previous block", i, span)}
		}
		if span.End() > size {
			return &ScanError{Entry: -1, Offset: span.Offset, Reason: fmt.Sprintf("block %d %s exceeds file length %d", i, span, size)}
		}
		end = span.End()
	}
	return nil
}

func sortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Region().Offset < blocks[j].Region().Offset
	})
}

// EditableBlocks filters the editable subset, keeping order.
func EditableBlocks(blocks []Block) []*Editable {
	var out []*Editable
	for _, b := range blocks {
		if e, ok := b.(*Editable); ok {
			out = append(out, e)
		}
	}
	return out
}
