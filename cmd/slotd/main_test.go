package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 8080 || cfg.Logs.MaxSizeMB != 25 || cfg.Logs.MaxBackups != 5 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Logs.Directory != filepath.Join("data", "logs") {
		t.Fatalf("log dir = %q", cfg.Logs.Directory)
	}
}

func TestLoadConfigResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slotd.yaml")
	body := []byte("port: 9090\nstorageDir: store\ngzipLevel: 6\nkeepWhitespace: true\npatchLog: audit/patches.jsonl\nlogs:\n  maxAgeDays: 3\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 9090 || cfg.GzipLevel != 6 || !cfg.KeepWhitespace {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.StorageDir != filepath.Join(dir, "store") {
		t.Fatalf("storage dir = %q", cfg.StorageDir)
	}
	if cfg.PatchLog != filepath.Join(dir, "audit", "patches.jsonl") {
		t.Fatalf("patch log = %q", cfg.PatchLog)
	}
	if cfg.Logs.Directory != filepath.Join(dir, "store", "logs") || cfg.Logs.MaxAgeDays != 3 {
		t.Fatalf("logs = %+v", cfg.Logs)
	}
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slotd.yaml")
	if err := os.WriteFile(path, []byte("gzipLevel: 11\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error")
	}
}
