package repack

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/manifest"
)

// Result describes a completed repack.
type Result struct {
	Plan       Plan
	OutPath    string
	OutSha256  string
	OutLength  int64
	Changed    []int
	FinishedAt time.Time
}

// Repack loads the manifest from workDir, preflights basePath against it and
// writes the repacked save to outPath. The output always has the base length
// and differs from the base only inside changed blocks.
func Repack(ctx context.Context, basePath, workDir, outPath string, opts Options) (Result, error) {
	var res Result
	m, err := manifest.Load(manifest.Path(workDir))
	if err != nil {
		return res, fmt.Errorf("load manifest: %w", err)
	}
	base, err := os.ReadFile(basePath)
	if err != nil {
		return res, fmt.Errorf("read base file: %w", err)
	}
	plan, err := Preflight(ctx, base, m, workDir, opts)
	res.Plan = plan
	if err != nil {
		common.Warnf("repack of %s refused: %v", filepath.Base(basePath), err)
		return res, err
	}
	out, err := Apply(base, plan)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := common.WriteFileAtomic(outPath, out, 0o644); err != nil {
		return res, fmt.Errorf("write output: %w", err)
	}

	res.OutPath = outPath
	res.OutSha256 = common.Sha256OfBytes(out)
	res.OutLength = int64(len(out))
	res.Changed = plan.Changed()
	res.FinishedAt = time.Now().UTC()
	logOut, err := filepath.Abs(outPath)
	if err != nil {
		logOut = outPath
	}
	var entries []common.PatchEntry
	for _, idx := range res.Changed {
		b := m.Blocks[idx]
		opts.Metrics.AddBlock(b.Length)
		entries = append(entries, common.PatchEntry{
			Block:     idx,
			Output:    logOut,
			Offset:    b.Offset,
			Range:     b.Span().String(),
			BeforeHex: hex.EncodeToString(base[b.Offset : b.Offset+b.Length]),
			AfterHex:  hex.EncodeToString(out[b.Offset : b.Offset+b.Length]),
		})
	}
	if opts.PatchLog != nil && len(entries) > 0 {
		if err := opts.PatchLog.Append(entries...); err != nil {
			return res, fmt.Errorf("append patch log: %w", err)
		}
	}
	common.Logf("repacked %d of %d editable block(s) from %s into %s",
		len(res.Changed), len(m.EditableBlocks()), filepath.Base(basePath), outPath)
	return res, nil
}

// Apply writes the changed blocks of plan into a copy of base and verifies
// that every written region decodes back to the intended document.
func Apply(base []byte, plan Plan) ([]byte, error) {
	out := make([]byte, len(base))
	copy(out, base)
	for _, idx := range plan.Changed() {
		b := plan.Manifest.Blocks[idx]
		tail, err := b.Tail()
		if err != nil {
			return nil, fmt.Errorf("block %d: tail bytes: %w", idx, err)
		}
		writeBlock(out, b, plan.encoded[idx], tail)
	}
	if err := verify(base, out, plan); err != nil {
		return nil, err
	}
	return out, nil
}

// writeBlock stores payload at the start of the block region, pads up to the
// capacity and restores the tail bytes after it.
func writeBlock(out []byte, b manifest.Block, payload, tail []byte) {
	region := out[b.Offset : b.Offset+b.Length]
	n := copy(region[:b.Capacity], payload)
	pad := b.Format.PadByte()
	for i := int64(n); i < b.Capacity; i++ {
		region[i] = pad
	}
	copy(region[b.Capacity:], tail)
}

func verify(base, out []byte, plan Plan) error {
	if len(out) != len(base) {
		return fmt.Errorf("output length %d differs from base length %d", len(out), len(base))
	}
	changed := map[int]bool{}
	for _, idx := range plan.Changed() {
		changed[idx] = true
	}
	for _, b := range plan.Manifest.Blocks {
		span := b.Span()
		got := out[span.Offset:span.End()]
		if !changed[b.Index] {
			if !bytes.Equal(got, base[span.Offset:span.End()]) {
				return fmt.Errorf("block %d changed although it was not edited", b.Index)
			}
			continue
		}
		kind, _ := b.Format.CodecKind()
		doc, _, err := codec.Decode(got[:b.Capacity], kind, b.Index)
		if err != nil {
			return fmt.Errorf("verify block %d: %w", b.Index, err)
		}
		if !bytes.Equal(doc, plan.docs[b.Index]) {
			return fmt.Errorf("verify block %d: decoded document differs from the edit", b.Index)
		}
	}
	return nil
}
