package extract_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/extract"
	"example.com/slotpack/internal/manifest"
	"example.com/slotpack/internal/samples"
)

func writeBase(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.dat")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractTableSave(t *testing.T) {
	img, err := samples.TableSave()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	base := writeBase(t, img.Data)
	work := t.TempDir()
	metrics := common.NewMetrics()
	var events []extract.Event
	res, err := extract.Extract(context.Background(), base, work, extract.Options{
		Metrics: metrics,
		OnBlock: func(ev extract.Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("unexpected failures: %v", err)
	}
	m, err := manifest.Load(res.ManifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Strategy != "table" || m.BaseFileLength != int64(len(img.Data)) || m.BaseFileHash != common.Sha256OfBytes(img.Data) {
		t.Fatalf("unexpected base identity: %+v", m)
	}
	if len(events) != len(m.Blocks) {
		t.Fatalf("events = %d, blocks = %d", len(events), len(m.Blocks))
	}
	if snap := metrics.Snapshot(); snap.Blocks != int64(len(m.Blocks)) || snap.Failures != 0 {
		t.Fatalf("metrics snapshot = %+v", snap)
	}

	editable := m.EditableBlocks()
	if len(editable) != 3 {
		t.Fatalf("editable = %d, want 3", len(editable))
	}
	for i, b := range editable {
		got, err := os.ReadFile(manifest.ArtifactPath(work, b))
		if err != nil {
			t.Fatalf("read artifact: %v", err)
		}
		if string(got) != img.Regions[i].JSON {
			t.Errorf("block %d artifact = %s, want %s", b.Index, got, img.Regions[i].JSON)
		}
		if b.ArtifactHash != common.BlockDigest(got) {
			t.Errorf("block %d artifact hash mismatch", b.Index)
		}
	}
	if editable[1].TailBytes != "deadbeef01020304" {
		t.Errorf("tail bytes = %q", editable[1].TailBytes)
	}
	for _, b := range m.Blocks {
		if b.Editable {
			continue
		}
		got, err := os.ReadFile(manifest.ArtifactPath(work, b))
		if err != nil {
			t.Fatalf("read raw artifact: %v", err)
		}
		if !bytes.Equal(got, img.Data[b.Offset:b.Offset+b.Length]) {
			t.Errorf("raw artifact for block %d differs from region", b.Index)
		}
	}
}

func TestExtractReplacesPreviousRun(t *testing.T) {
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	base := writeBase(t, img.Data)
	work := t.TempDir()
	stale := filepath.Join(work, manifest.BlocksDir, "block_99_off_FFFFFFFF.json")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := extract.Extract(context.Background(), base, work, extract.Options{}); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale artifact survived re-extraction")
	}
	entries, err := os.ReadDir(filepath.Join(work, manifest.BlocksDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(img.Regions) {
		t.Fatalf("artifacts = %d, want %d", len(entries), len(img.Regions))
	}
}

func TestExtractCancelledLeavesNoManifest(t *testing.T) {
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	base := writeBase(t, img.Data)
	work := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := 0
	_, err = extract.Extract(ctx, base, work, extract.Options{
		OnBlock: func(extract.Event) {
			done++
			if done == 1 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(manifest.Path(work)); !os.IsNotExist(err) {
		t.Fatalf("manifest written after cancellation")
	}
	entries, err := os.ReadDir(filepath.Join(work, manifest.BlocksDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the first artifact, found %d entries", len(entries))
	}
}

func TestExtractReportsPartialFailure(t *testing.T) {
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bad := img.Regions[1]
	copy(img.Data[bad.Offset+20:], "AAAA")
	base := writeBase(t, img.Data)
	work := t.TempDir()
	res, err := extract.Extract(context.Background(), base, work, extract.Options{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var partial *extract.PartialExtractionError
	if !errors.As(res.Err(), &partial) {
		t.Fatalf("expected PartialExtractionError, got %v", res.Err())
	}
	if idx := partial.Indices(); len(idx) != 1 || idx[0] != 1 {
		t.Fatalf("failed indices = %v, want [1]", idx)
	}
	b := res.Manifest.Blocks[1]
	if b.Editable || b.DecodeError == "" || filepath.Ext(b.Artifact) != ".bin" {
		t.Fatalf("failed block not demoted: %+v", b)
	}
	// The neighbours still decode.
	if !res.Manifest.Blocks[0].Editable || !res.Manifest.Blocks[2].Editable {
		t.Fatalf("healthy blocks demoted")
	}
	if _, err := os.Stat(res.ManifestPath); err != nil {
		t.Fatalf("manifest missing after partial extraction: %v", err)
	}
}
