package smoke

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/slotpack/internal/repack"
	"example.com/slotpack/internal/samples"
)

func TestRoundTripSamples(t *testing.T) {
	dir := t.TempDir()
	if err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	names := []string{"memory_plain.dat", "memory_table.dat", "memory_table_twin.dat", "memory_coins.dat"}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			base := filepath.Join(dir, name)
			before, err := os.ReadFile(base)
			if err != nil {
				t.Fatal(err)
			}
			res, err := RoundTrip(context.Background(), base, filepath.Join(t.TempDir(), "work"), repack.DefaultOptions())
			if err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			if !res.Pass() {
				t.Fatalf("round trip failed: diff at %d, failures %+v", res.FirstDiff, res.Failures)
			}
			if res.Editable == 0 {
				t.Fatalf("no editable blocks found in %s", name)
			}
			after, err := os.ReadFile(base)
			if err != nil {
				t.Fatal(err)
			}
			if string(before) != string(after) {
				t.Fatalf("base file was modified")
			}
		})
	}
}

func TestRoundTripReportsDecodeFailure(t *testing.T) {
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatal(err)
	}
	r := img.Regions[1]
	copy(img.Data[r.Offset+20:], "AAAA")
	base := filepath.Join(t.TempDir(), "memory.dat")
	if err := os.WriteFile(base, img.Data, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := RoundTrip(context.Background(), base, filepath.Join(t.TempDir(), "work"), repack.DefaultOptions())
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if res.FirstDiff != -1 {
		t.Fatalf("raw copy changed bytes at %d", res.FirstDiff)
	}
	if res.Pass() || len(res.Failures) != 1 {
		t.Fatalf("expected a single failure, got %+v", res.Failures)
	}

	out := filepath.Join(t.TempDir(), "roundtrip_report.txt")
	if err := SaveReport(res, out); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	text, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(text), "result:    FAIL") || !strings.Contains(string(text), "failure:   block 1") {
		t.Fatalf("report:\n%s", text)
	}
}

func TestFirstDiff(t *testing.T) {
	cases := []struct {
		a, b string
		want int64
	}{
		{"abc", "abc", -1},
		{"abc", "abd", 2},
		{"abc", "ab", 2},
		{"", "x", 0},
	}
	for _, tc := range cases {
		if got := firstDiff([]byte(tc.a), []byte(tc.b)); got != tc.want {
			t.Errorf("firstDiff(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
