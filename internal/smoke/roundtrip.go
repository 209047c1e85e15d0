// Package smoke runs the untouched extract/repack round trip used to check
// that a save layout is handled losslessly before anyone edits it.
package smoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/extract"
	"example.com/slotpack/internal/repack"
)

// Result is the outcome of one round trip.
type Result struct {
	BaseFile   string
	OutFile    string
	BaseSha256 string
	OutSha256  string
	BaseLength int64
	OutLength  int64
	Blocks     int
	Editable   int
	// FirstDiff is the first differing offset, -1 when the files match.
	FirstDiff int64
	Failures  []extract.BlockFailure
	Finished  time.Time
}

// Pass reports whether the output is byte-identical and every editable block
// decoded.
func (r Result) Pass() bool {
	return r.FirstDiff < 0 && len(r.Failures) == 0 && r.BaseSha256 == r.OutSha256
}

// RoundTrip extracts basePath into workDir and repacks it without edits to
// workDir/roundtrip_<name>. The base file is never modified.
func RoundTrip(ctx context.Context, basePath, workDir string, opts repack.Options) (Result, error) {
	res := Result{BaseFile: basePath, FirstDiff: -1}
	ext, err := extract.Extract(ctx, basePath, workDir, extract.Options{Metrics: opts.Metrics})
	if err != nil {
		return res, fmt.Errorf("extract: %w", err)
	}
	res.Failures = ext.Failures
	res.Blocks = len(ext.Manifest.Blocks)
	res.Editable = len(ext.Manifest.EditableBlocks())

	res.OutFile = filepath.Join(workDir, "roundtrip_"+filepath.Base(basePath))
	// The round trip never feeds an audit log.
	opts.PatchLog = nil
	if _, err := repack.Repack(ctx, basePath, workDir, res.OutFile, opts); err != nil {
		return res, fmt.Errorf("repack: %w", err)
	}

	base, err := os.ReadFile(basePath)
	if err != nil {
		return res, err
	}
	out, err := os.ReadFile(res.OutFile)
	if err != nil {
		return res, err
	}
	res.BaseSha256 = common.Sha256OfBytes(base)
	res.OutSha256 = common.Sha256OfBytes(out)
	res.BaseLength = int64(len(base))
	res.OutLength = int64(len(out))
	res.FirstDiff = firstDiff(base, out)
	res.Finished = time.Now().UTC()
	if res.Pass() {
		common.Logf("round trip of %s passed (%d blocks)", filepath.Base(basePath), res.Blocks)
	} else {
		common.Warnf("round trip of %s failed", filepath.Base(basePath))
	}
	return res, nil
}

func firstDiff(a, b []byte) int64 {
	if bytes.Equal(a, b) {
		return -1
	}
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int64(i)
		}
	}
	return int64(n)
}

// WriteReport renders res as the plain text round trip report.
func WriteReport(w io.Writer, res Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "base:      %s\n", res.BaseFile)
	fmt.Fprintf(&b, "output:    %s\n", res.OutFile)
	fmt.Fprintf(&b, "base sha:  %s (%d bytes)\n", res.BaseSha256, res.BaseLength)
	fmt.Fprintf(&b, "out sha:   %s (%d bytes)\n", res.OutSha256, res.OutLength)
	fmt.Fprintf(&b, "blocks:    %d (%d editable)\n", res.Blocks, res.Editable)
	if res.FirstDiff >= 0 {
		fmt.Fprintf(&b, "first diff: 0x%08X\n", res.FirstDiff)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(&b, "failure:   block %d at 0x%08X (%s): %s\n", f.Index, f.Offset, f.Stage, f.Message)
	}
	if res.Pass() {
		b.WriteString("result:    PASS\n")
	} else {
		b.WriteString("result:    FAIL\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// SaveReport writes the text report to path.
func SaveReport(res Result, path string) error {
	var buf bytes.Buffer
	if err := WriteReport(&buf, res); err != nil {
		return err
	}
	return common.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
