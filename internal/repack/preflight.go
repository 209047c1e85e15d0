// Package repack puts edited block artifacts back into a copy of the base
// file. Every block is checked before anything is written: the base must be
// the file the manifest was extracted from and every changed block must fit
// its capacity, otherwise no output is produced.
package repack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/container"
	"example.com/slotpack/internal/manifest"
)

// Options tunes preflight and repack.
type Options struct {
	// Minify compacts edited documents before encoding.
	Minify bool
	// GzipLevel is used for blocks whose gzip header did not reveal a level.
	GzipLevel int
	// PatchLog, when set, records the before/after bytes of every written block.
	PatchLog *common.PatchLog
	Metrics  *common.Metrics
}

// DefaultOptions matches what the game writes: minified JSON at level 9.
func DefaultOptions() Options {
	return Options{Minify: true, GzipLevel: codec.DefaultLevel}
}

// Status is the preflight outcome for one editable block.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
	StatusRejected  Status = "rejected"
)

// Item is the preflight line for one editable block.
type Item struct {
	Index    int              `json:"index"`
	Offset   int64            `json:"offset"`
	Format   container.Format `json:"format"`
	Status   Status           `json:"status"`
	Allowed  int64            `json:"allowed"`
	Actual   int64            `json:"actual"`
	Headroom int64            `json:"headroom"`
	Note     string           `json:"note,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Plan is the result of a preflight: what would be written, and why not.
type Plan struct {
	Manifest manifest.Manifest
	Items    []Item

	encoded map[int][]byte
	docs    map[int][]byte
}

// Changed returns the indices of blocks that will be rewritten.
func (p Plan) Changed() []int {
	var out []int
	for _, it := range p.Items {
		if it.Status == StatusChanged {
			out = append(out, it.Index)
		}
	}
	return out
}

// Preflight validates base against m and encodes every changed artifact in
// workDir without writing anything. A *BaseMismatchError or *RejectedError is
// returned alongside the plan built so far.
func Preflight(ctx context.Context, base []byte, m manifest.Manifest, workDir string, opts Options) (Plan, error) {
	plan := Plan{Manifest: m, encoded: map[int][]byte{}, docs: map[int][]byte{}}
	if err := CheckBase(base, m); err != nil {
		return plan, err
	}
	var rejected []Failure
	for _, b := range m.Blocks {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		region := base[b.Offset : b.Offset+b.Length]
		if got := common.BlockDigest(region); got != b.ContentHash {
			return plan, &BaseMismatchError{Block: b.Index, ExpectedHash: b.ContentHash, ActualHash: got,
				ExpectedLength: b.Length, ActualLength: b.Length}
		}
		if !b.Editable {
			continue
		}
		item, encoded, doc, err := planBlock(b, region, workDir, opts)
		if err != nil {
			item.Status = StatusRejected
			item.Error = err.Error()
			rejected = append(rejected, Failure{Index: b.Index, Err: err})
		} else if encoded != nil {
			plan.encoded[b.Index] = encoded
			plan.docs[b.Index] = doc
		}
		plan.Items = append(plan.Items, item)
	}
	if len(rejected) > 0 {
		return plan, &RejectedError{Failures: rejected}
	}
	return plan, nil
}

// CheckBase compares the whole-file identity recorded in m.
func CheckBase(base []byte, m manifest.Manifest) error {
	sha := common.Sha256OfBytes(base)
	if int64(len(base)) != m.BaseFileLength || sha != m.BaseFileHash {
		return &BaseMismatchError{Block: -1, ExpectedHash: m.BaseFileHash, ActualHash: sha,
			ExpectedLength: m.BaseFileLength, ActualLength: int64(len(base))}
	}
	return nil
}

// planBlock decides whether one editable block changed and, if so, encodes
// it. A nil encoded slice with a nil error means unchanged.
func planBlock(b manifest.Block, region []byte, workDir string, opts Options) (Item, []byte, []byte, error) {
	item := Item{
		Index:   b.Index,
		Offset:  b.Offset,
		Format:  b.Format,
		Status:  StatusUnchanged,
		Allowed: b.Capacity,
		Actual:  usedBytes(b.Format, region[:b.Capacity]),
	}
	item.Headroom = item.Allowed - item.Actual

	raw, err := os.ReadFile(manifest.ArtifactPath(workDir, b))
	if errors.Is(err, os.ErrNotExist) {
		item.Note = "artifact missing, keeping original bytes"
		return item, nil, nil, nil
	}
	if err != nil {
		return item, nil, nil, fmt.Errorf("block %d: read artifact: %w", b.Index, err)
	}
	if common.BlockDigest(raw) == b.ArtifactHash {
		return item, nil, nil, nil
	}

	doc, err := codec.ReadArtifact(raw, b.Index)
	if err != nil {
		return item, nil, nil, fmt.Errorf("%s: %w", b.Artifact, err)
	}
	compact, err := codec.Compact(doc)
	if err != nil {
		return item, nil, nil, &codec.Error{Index: b.Index, Stage: codec.StageInvalidJSON, Err: err}
	}
	if common.BlockDigest(compact) == b.DecodedHash {
		item.Note = "formatting only"
		return item, nil, nil, nil
	}
	if opts.Minify {
		doc = compact
	}

	meta := *b.Encoding
	if meta.Kind == codec.KindBase64Gzip && meta.Level == 0 {
		meta.Level = opts.GzipLevel
	}
	encoded, err := codec.Encode(doc, meta, b.Index)
	if err != nil {
		return item, nil, nil, err
	}
	item.Status = StatusChanged
	item.Actual = int64(len(encoded))
	item.Headroom = item.Allowed - item.Actual
	if item.Actual > item.Allowed {
		return item, nil, nil, &BlockTooLargeError{Index: b.Index, Offset: b.Offset, Allowed: item.Allowed, Actual: item.Actual}
	}
	return item, encoded, doc, nil
}

// usedBytes measures the payload currently stored in a block, ignoring the
// padding the format allows.
func usedBytes(format container.Format, payload []byte) int64 {
	if format == container.FormatPlainBase64Gzip {
		return int64(len(bytes.TrimRight(payload, " \t\r\n")))
	}
	n := len(payload)
	for n >= 2 && payload[n-2] == 0 && payload[n-1] == 0 {
		n -= 2
	}
	return int64(n)
}
