// Package extract turns a base save file into a work directory of decoded
// block artifacts plus the manifest that maps them back to the file.
package extract

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/container"
	"example.com/slotpack/internal/manifest"
)

// Options tunes an extraction run. The zero value is usable.
type Options struct {
	Metrics *common.Metrics
	// OnBlock is called after each block artifact has been written.
	OnBlock func(Event)
}

// Event describes one processed block.
type Event struct {
	Index    int              `json:"index"`
	Offset   int64            `json:"offset"`
	Length   int64            `json:"length"`
	Format   container.Format `json:"format"`
	Editable bool             `json:"editable"`
	Artifact string           `json:"artifact"`
	Error    string           `json:"error,omitempty"`
}

// BlockFailure records an editable block that could not be decoded.
type BlockFailure struct {
	Index   int         `json:"index"`
	Offset  int64       `json:"offset"`
	Stage   codec.Stage `json:"stage"`
	Message string      `json:"message"`
}

// PartialExtractionError lists the blocks that were demoted to raw copies.
type PartialExtractionError struct {
	Failures []BlockFailure
}

func (e *PartialExtractionError) Error() string {
	idx := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		idx[i] = fmt.Sprint(f.Index)
	}
	return fmt.Sprintf("extraction partially failed: %d block(s) not decodable (%s)", len(e.Failures), strings.Join(idx, ", "))
}

// Indices returns the failed block indices in order.
func (e *PartialExtractionError) Indices() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Index
	}
	return out
}

// Result is the outcome of an extraction.
type Result struct {
	Manifest     manifest.Manifest
	ManifestPath string
	Failures     []BlockFailure
}

// Err reports decode failures as a *PartialExtractionError, nil otherwise.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialExtractionError{Failures: r.Failures}
}

// Extract scans basePath, writes one artifact per block into workDir/blocks
// and finally the manifest. Any previous manifest and artifacts are removed
// first. When ctx is cancelled between blocks the artifacts written so far
// remain but no manifest is produced.
func Extract(ctx context.Context, basePath, workDir string, opts Options) (Result, error) {
	var res Result
	data, err := os.ReadFile(basePath)
	if err != nil {
		return res, fmt.Errorf("read base file: %w", err)
	}
	if len(data) == 0 {
		return res, fmt.Errorf("base file %s is empty", basePath)
	}
	scan, err := container.Scan(data)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", basePath, err)
	}
	if err := resetWorkDir(workDir); err != nil {
		return res, err
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		absBase = basePath
	}
	m := manifest.New(absBase, int64(len(data)), common.Sha256OfBytes(data), scan.Strategy)
	m.Warnings = scan.Warnings
	for _, w := range scan.Warnings {
		common.Warnf("%s: %s", filepath.Base(basePath), w)
	}

	metrics := opts.Metrics
	metrics.SetTotalBytes(int64(len(data)))
	metrics.Start()
	defer metrics.Stop()

	for i, b := range scan.Blocks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		mb, content, failure := describeBlock(i, b, data)
		mb.Artifact = manifest.ArtifactName(i, mb.Offset, mb.Editable)
		mb.ArtifactHash = common.BlockDigest(content)
		if err := common.WriteFileAtomic(manifest.ArtifactPath(workDir, mb), content, 0o644); err != nil {
			return res, fmt.Errorf("write artifact for block %d: %w", i, err)
		}
		if failure != nil {
			common.Warnf("block %d at 0x%08X kept raw: %s", i, mb.Offset, failure.Message)
			res.Failures = append(res.Failures, *failure)
			metrics.IncFailure()
		}
		m.Blocks = append(m.Blocks, mb)
		metrics.AddBlock(mb.Length)
		if opts.OnBlock != nil {
			ev := Event{Index: i, Offset: mb.Offset, Length: mb.Length, Format: mb.Format, Editable: mb.Editable, Artifact: mb.Artifact}
			if failure != nil {
				ev.Error = failure.Message
			}
			opts.OnBlock(ev)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.ManifestPath = manifest.Path(workDir)
	if err := manifest.Save(m, res.ManifestPath); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	res.Manifest = m
	common.Logf("extracted %d block(s) (%d editable, %d failed) from %s using %s scan",
		len(m.Blocks), len(m.EditableBlocks()), len(res.Failures), filepath.Base(basePath), scan.Strategy)
	return res, nil
}

// describeBlock builds the manifest entry and artifact content for one
// scanned block. Editable blocks that fail to decode are demoted.
func describeBlock(index int, b container.Block, data []byte) (manifest.Block, []byte, *BlockFailure) {
	span := b.Region()
	region := data[span.Offset:span.End()]
	mb := manifest.Block{
		Index:       index,
		Offset:      span.Offset,
		Length:      span.Length,
		Format:      b.Format(),
		ContentHash: common.BlockDigest(region),
	}
	switch v := b.(type) {
	case *container.Auxiliary:
		mb.Note = v.Note
	case *container.Unrecognized:
		mb.Warning = v.Warning
	case *container.Editable:
		kind, _ := v.Kind.CodecKind()
		doc, meta, err := codec.Decode(region[:v.Capacity], kind, index)
		if err == nil {
			compact, cerr := codec.Compact(doc)
			if cerr != nil {
				err = cerr
			} else {
				mb.Editable = true
				mb.Capacity = v.Capacity
				if v.TailLength() > 0 {
					mb.TailBytes = hex.EncodeToString(region[v.Capacity:])
				}
				mb.Encoding = &meta
				mb.DecodedHash = common.BlockDigest(compact)
				return mb, doc, nil
			}
		}
		failure := &BlockFailure{Index: index, Offset: span.Offset, Stage: codec.StageInvalidJSON, Message: err.Error()}
		var cerr *codec.Error
		if errors.As(err, &cerr) {
			failure.Stage = cerr.Stage
		}
		mb.DecodeError = err.Error()
		return mb, region, failure
	}
	return mb, region, nil
}

func resetWorkDir(workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.Remove(manifest.Path(workDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old manifest: %w", err)
	}
	blocks := filepath.Join(workDir, manifest.BlocksDir)
	if err := os.RemoveAll(blocks); err != nil {
		return fmt.Errorf("clear blocks dir: %w", err)
	}
	return os.MkdirAll(blocks, 0o755)
}
