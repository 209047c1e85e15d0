package repack

import (
	"fmt"
	"strings"
)

// BaseMismatchError means the base file is not the one the manifest was
// extracted from. Block is -1 for a whole-file mismatch, otherwise the index
// of the first region whose content drifted.
type BaseMismatchError struct {
	Block          int
	ExpectedHash   string
	ActualHash     string
	ExpectedLength int64
	ActualLength   int64
}

func (e *BaseMismatchError) Error() string {
	if e.Block >= 0 {
		return fmt.Sprintf("base mismatch: block %d content hash %s, manifest records %s", e.Block, short(e.ActualHash), short(e.ExpectedHash))
	}
	return fmt.Sprintf("base mismatch: file is %s (%d bytes), manifest records %s (%d bytes)",
		short(e.ActualHash), e.ActualLength, short(e.ExpectedHash), e.ExpectedLength)
}

// BlockTooLargeError means a re-encoded block does not fit its capacity.
type BlockTooLargeError struct {
	Index   int
	Offset  int64
	Allowed int64
	Actual  int64
}

func (e *BlockTooLargeError) Error() string {
	return fmt.Sprintf("block %d at 0x%08X too large: encoded %d bytes, allowed %d (over by %d)",
		e.Index, e.Offset, e.Actual, e.Allowed, e.Actual-e.Allowed)
}

// Failure ties a per-block error to its index.
type Failure struct {
	Index int
	Err   error
}

// RejectedError lists every block that stopped a repack. No output is
// written when it is returned.
type RejectedError struct {
	Failures []Failure
}

func (e *RejectedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Err.Error()
	}
	return fmt.Sprintf("repack rejected (%d block(s)): %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *RejectedError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Indices returns the failing block indices in order.
func (e *RejectedError) Indices() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Index
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
