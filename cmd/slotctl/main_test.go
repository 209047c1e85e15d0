package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/manifest"
	"example.com/slotpack/internal/samples"
)

func runCmd(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), args, &out)
	return code, out.String()
}

func writeCoins(t *testing.T, dir string) string {
	t.Helper()
	img, err := samples.CoinsScenario()
	if err != nil {
		t.Fatalf("CoinsScenario: %v", err)
	}
	path := filepath.Join(dir, "memory.dat")
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func editFirstBlock(t *testing.T, work, doc string) {
	t.Helper()
	m, err := manifest.Load(manifest.Path(work))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	b := m.EditableBlocks()[0]
	if err := os.WriteFile(manifest.ArtifactPath(work, b), []byte(doc), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestExtractEditRepackUndo(t *testing.T) {
	dir := t.TempDir()
	base := writeCoins(t, dir)
	work := filepath.Join(dir, "work")
	out := filepath.Join(dir, "memory.out.dat")
	restored := filepath.Join(dir, "memory.restored.dat")
	audit := filepath.Join(dir, "audit.jsonl")

	if code, text := runCmd(t, "extract", "--in", base, "--work", work); code != 0 {
		t.Fatalf("extract exit %d:\n%s", code, text)
	}
	editFirstBlock(t, work, `{"coins": 999999}`)

	code, text := runCmd(t, "repack", "--in", base, "--out", out, "--work", work, "--audit", audit,
		"--json", filepath.Join(dir, "report.json"))
	if code != 0 {
		t.Fatalf("repack exit %d:\n%s", code, text)
	}
	if !strings.Contains(text, "Outcome:  repacked") {
		t.Fatalf("repack output:\n%s", text)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.json")); err != nil {
		t.Fatalf("json report missing: %v", err)
	}

	if code, text := runCmd(t, "undo", "--in", out, "--audit", audit, "--out", restored); code != 0 {
		t.Fatalf("undo exit %d:\n%s", code, text)
	}
	want, _, err := common.Sha256OfFile(base)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := common.Sha256OfFile(restored)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("restored hash %s, want %s", got, want)
	}
}

func TestRepackTooLargeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	base := writeCoins(t, dir)
	work := filepath.Join(dir, "work")
	out := filepath.Join(dir, "memory.out.dat")
	if code, _ := runCmd(t, "extract", "--in", base, "--work", work); code != 0 {
		t.Fatalf("extract failed")
	}
	editFirstBlock(t, work, `{"coins":"`+strings.Repeat("x", 138)+`"}`)

	code, text := runCmd(t, "repack", "--in", base, "--out", out, "--work", work)
	if code == 0 {
		t.Fatalf("expected failure:\n%s", text)
	}
	if !strings.Contains(text, "allowed 256") {
		t.Fatalf("report does not name the limit:\n%s", text)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output exists after rejection: %v", err)
	}
}

func TestVerifyAndManifest(t *testing.T) {
	dir := t.TempDir()
	if err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	work := filepath.Join(dir, "work")
	reportPath := filepath.Join(dir, "roundtrip_report.txt")
	code, text := runCmd(t, "verify", "--in", filepath.Join(dir, "memory_table.dat"), "--work", work, "--report", reportPath)
	if code != 0 || !strings.Contains(text, "PASS") {
		t.Fatalf("verify exit %d:\n%s", code, text)
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Fatalf("report missing: %v", err)
	}

	code, text = runCmd(t, "manifest", "--work", work)
	if code != 0 || !strings.Contains(text, "fallen_table_entry") {
		t.Fatalf("manifest exit %d:\n%s", code, text)
	}
}

func TestDefaultWorkDirIsPerBase(t *testing.T) {
	dir := t.TempDir()
	base := writeCoins(t, dir)
	if code, text := runCmd(t, "extract", "--in", base); code != 0 {
		t.Fatalf("extract exit %d:\n%s", code, text)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "memory_65536_*", manifest.FileName))
	if err != nil || len(matches) != 1 {
		t.Fatalf("manifest in default work dir: %v %v", matches, err)
	}
	if code, text := runCmd(t, "preflight", "--in", base); code != 0 || !strings.Contains(text, "Outcome:  ready") {
		t.Fatalf("preflight exit %d:\n%s", code, text)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"bogus"},
		{"extract"},
		{"repack", "--in", "x"},
		{"undo", "--in", "x"},
		{"preflight", "--in", "x", "--gzip-level", "12"},
	}
	for _, args := range cases {
		if code, _ := runCmd(t, args...); code == 0 {
			t.Errorf("run(%v) exit 0, want failure", args)
		}
	}
}
