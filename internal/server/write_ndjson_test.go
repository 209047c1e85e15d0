package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"example.com/slotpack/internal/extract"
)

func TestExtractStreamRecords(t *testing.T) {
	rec := httptest.NewRecorder()
	st := newExtractStream(rec)
	if err := st.block(extract.Event{Index: 0, Offset: 4096, Length: 256, Editable: true, Artifact: "block_000.json"}); err != nil {
		t.Fatal(err)
	}
	if err := st.block(extract.Event{Index: 1, Offset: 8192, Length: 64, Error: "bad gzip"}); err != nil {
		t.Fatal(err)
	}
	if err := st.fail(errors.New("container truncated")); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	if !rec.Flushed {
		t.Fatalf("stream was not flushed")
	}

	var lines []map[string]any
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", scanner.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 3 {
		t.Fatalf("records = %d, want 3", len(lines))
	}
	if lines[0]["type"] != "block" || lines[0]["artifact"] != "block_000.json" || lines[0]["offset"] != float64(4096) {
		t.Fatalf("first record = %v", lines[0])
	}
	if _, ok := lines[0]["error"]; ok {
		t.Fatalf("clean block carries an error: %v", lines[0])
	}
	if lines[1]["error"] != "bad gzip" {
		t.Fatalf("second record = %v", lines[1])
	}
	if lines[2]["type"] != "error" || lines[2]["error"] != "container truncated" {
		t.Fatalf("last record = %v", lines[2])
	}
}
