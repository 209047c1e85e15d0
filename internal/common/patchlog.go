package common

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PatchEntry records the bytes of one block region before and after a
// repack wrote it.
type PatchEntry struct {
	Block     int       `json:"block"`
	Output    string    `json:"output,omitempty"`
	Offset    int64     `json:"offset"`
	Range     string    `json:"range,omitempty"`
	BeforeHex string    `json:"beforeHex"`
	AfterHex  string    `json:"afterHex"`
	Ts        time.Time `json:"ts"`
}

func (p PatchEntry) BeforeBytes() ([]byte, error) { return hex.DecodeString(p.BeforeHex) }

func (p PatchEntry) AfterBytes() ([]byte, error) { return hex.DecodeString(p.AfterHex) }

// PatchLog appends entries to a JSONL file. Writers in one process are
// serialised; each Append is synced before returning.
type PatchLog struct {
	path string
	mu   sync.Mutex
}

func NewPatchLog(path string) *PatchLog {
	return &PatchLog{path: path}
}

// Append writes entries as consecutive lines.
func (p *PatchLog) Append(entries ...PatchEntry) error {
	if p == nil {
		return errors.New("nil patch log")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.Block < 0 || entry.Offset < 0 {
			return fmt.Errorf("patch entry for block %d at %d is invalid", entry.Block, entry.Offset)
		}
		if entry.Ts.IsZero() {
			entry.Ts = now
		}
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadPatchLog loads every entry from path, skipping blank lines.
func ReadPatchLog(path string) ([]PatchEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []PatchEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<20)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry PatchEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode patch entry on line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// RestoreResult summarises a Restore call.
type RestoreResult struct {
	Applied    int
	Mismatches int
	Skipped    []string
}

// Restore writes the before bytes of entries back into data, newest entry
// first. A region whose current bytes differ from the recorded after bytes
// is still restored and counted as a mismatch.
func Restore(data []byte, entries []PatchEntry) RestoreResult {
	var res RestoreResult
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		before, err := entry.BeforeBytes()
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("entry %d: decode beforeHex: %v", i, err))
			continue
		}
		after, err := entry.AfterBytes()
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("entry %d: decode afterHex: %v", i, err))
			continue
		}
		end := entry.Offset + int64(len(before))
		if entry.Offset < 0 || end > int64(len(data)) {
			res.Skipped = append(res.Skipped, fmt.Sprintf("entry %d: range %s outside file", i, entry.Range))
			continue
		}
		region := data[entry.Offset:end]
		if !bytes.Equal(region, after) {
			res.Mismatches++
		}
		copy(region, before)
		res.Applied++
	}
	return res
}
