package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/extract"
	"example.com/slotpack/internal/manifest"
	"example.com/slotpack/internal/repack"
	"example.com/slotpack/internal/report"
	"example.com/slotpack/internal/session"
	"example.com/slotpack/internal/smoke"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// exitError carries a non-default exit status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	if len(args) < 1 {
		usage(stdout)
		return 1
	}
	var err error
	switch args[0] {
	case "extract":
		err = extractCmd(ctx, args[1:], stdout)
	case "preflight":
		err = preflightCmd(ctx, args[1:], stdout)
	case "repack":
		err = repackCmd(ctx, args[1:], stdout)
	case "verify":
		err = verifyCmd(ctx, args[1:], stdout)
	case "undo":
		err = undoCmd(args[1:], stdout)
	case "manifest":
		err = manifestCmd(args[1:], stdout)
	case "version":
		fmt.Fprintf(stdout, "slotctl %s (built %s)\n", version, buildDate)
	default:
		usage(stdout)
		return 1
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `slotctl %s (built %s) <command> [options]

Commands:
  extract   --in <save> [--work <dir>] [--progress] [--metrics]
  preflight --in <save> [--work <dir>] [--json <report.json>] [--pdf <report.pdf>] [--keep-whitespace]
  repack    --in <save> --out <save> [--work <dir>] [--audit <audit.jsonl>] [--json <report.json>] [--pdf <report.pdf>]
  verify    --in <save> [--work <dir>] [--report <roundtrip_report.txt>]
  undo      --in <repacked save> --audit <audit.jsonl> --out <restored save>
  manifest  --work <dir> [--json]
`, version, buildDate)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// workDirFor resolves --work, defaulting to a per-base directory next to the
// save so two different bases never share artifacts.
func workDirFor(in, work string) (string, error) {
	if work != "" {
		return work, nil
	}
	sess, err := session.New(in, filepath.Dir(in))
	if err != nil {
		return "", err
	}
	return sess.WorkDir, nil
}

func repackFlags(fs *pflag.FlagSet) (*bool, *int) {
	keep := fs.Bool("keep-whitespace", false, "encode edited documents as written instead of minified")
	level := fs.Int("gzip-level", 9, "gzip level for blocks whose header does not reveal one")
	return keep, level
}

func repackOptions(keep bool, level int) (repack.Options, error) {
	if level < 1 || level > 9 {
		return repack.Options{}, fmt.Errorf("--gzip-level %d outside 1..9", level)
	}
	opts := repack.DefaultOptions()
	opts.Minify = !keep
	opts.GzipLevel = level
	return opts, nil
}

func extractCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("extract")
	in := fs.String("in", "", "base save file")
	work := fs.String("work", "", "working folder (default <stem>_<size>_<sha8> next to the save)")
	progressFlag := fs.Bool("progress", false, "display extraction progress")
	metricsFlag := fs.Bool("metrics", false, "print extraction metrics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("required: --in")
	}
	workDir, err := workDirFor(*in, *work)
	if err != nil {
		return err
	}

	var metrics *common.Metrics
	if *progressFlag || *metricsFlag {
		metrics = common.NewMetrics()
	}
	var stopProgress func()
	if *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	res, err := extract.Extract(ctx, *in, workDir, extract.Options{Metrics: metrics})
	if stopProgress != nil {
		stopProgress()
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tRANGE\tFORMAT\tEDITABLE\tARTIFACT")
	for _, b := range res.Manifest.Blocks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", b.Index, b.Span(), b.Format, b.Editable, b.Artifact)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Manifest: %s\n", res.ManifestPath)
	if *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Fprintf(stdout, "Blocks: %d  Bytes: %s  Failures: %d  Elapsed: %s\n",
			snap.Blocks, common.FormatBytes(snap.Bytes), snap.Failures, snap.Duration.Round(time.Millisecond))
	}
	if perr := res.Err(); perr != nil {
		return &exitError{code: 3, msg: perr.Error()}
	}
	return nil
}

func preflightCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("preflight")
	in := fs.String("in", "", "base save file")
	work := fs.String("work", "", "working folder")
	jsonOut := fs.String("json", "", "write the report as JSON")
	pdfOut := fs.String("pdf", "", "write the report as PDF")
	keep, level := repackFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("required: --in")
	}
	opts, err := repackOptions(*keep, *level)
	if err != nil {
		return err
	}
	workDir, err := workDirFor(*in, *work)
	if err != nil {
		return err
	}
	m, err := manifest.Load(manifest.Path(workDir))
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	base, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	plan, perr := repack.Preflight(ctx, base, m, workDir, opts)
	rep := report.FromPlan(plan, perr)
	if err := emitReport(stdout, rep, *jsonOut, *pdfOut); err != nil {
		return err
	}
	return perr
}

func repackCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("repack")
	in := fs.String("in", "", "base save file")
	out := fs.String("out", "", "repacked save file")
	work := fs.String("work", "", "working folder")
	audit := fs.String("audit", "", "append before/after bytes of written blocks to this JSONL log")
	jsonOut := fs.String("json", "", "write the report as JSON")
	pdfOut := fs.String("pdf", "", "write the report as PDF")
	metricsFlag := fs.Bool("metrics", false, "print repack metrics")
	keep, level := repackFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("required: --in, --out")
	}
	if sameFile(*in, *out) {
		return errors.New("--out must differ from --in")
	}
	opts, err := repackOptions(*keep, *level)
	if err != nil {
		return err
	}
	if *audit != "" {
		opts.PatchLog = common.NewPatchLog(*audit)
	}
	if *metricsFlag {
		opts.Metrics = common.NewMetrics()
		opts.Metrics.Start()
	}
	workDir, err := workDirFor(*in, *work)
	if err != nil {
		return err
	}
	res, rerr := repack.Repack(ctx, *in, workDir, *out, opts)
	rep := report.FromResult(res, rerr)
	if err := emitReport(stdout, rep, *jsonOut, *pdfOut); err != nil {
		return err
	}
	if *metricsFlag {
		opts.Metrics.Stop()
		snap := opts.Metrics.Snapshot()
		fmt.Fprintf(stdout, "Rewritten blocks: %d  Bytes: %s  Elapsed: %s\n",
			snap.Blocks, common.FormatBytes(snap.Bytes), snap.Duration.Round(time.Millisecond))
	}
	return rerr
}

func emitReport(stdout io.Writer, rep report.Report, jsonOut, pdfOut string) error {
	if err := report.WriteText(stdout, rep); err != nil {
		return err
	}
	if jsonOut != "" {
		if err := report.SaveJSON(rep, jsonOut); err != nil {
			return fmt.Errorf("write json report: %w", err)
		}
	}
	if pdfOut != "" {
		if err := report.SavePDF(rep, pdfOut); err != nil {
			return fmt.Errorf("write pdf report: %w", err)
		}
	}
	return nil
}

func verifyCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("verify")
	in := fs.String("in", "", "base save file")
	work := fs.String("work", "", "working folder (default: a temporary directory)")
	reportPath := fs.String("report", "", "write the round trip report to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("required: --in")
	}
	workDir := *work
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "slotctl-verify-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}
	res, err := smoke.RoundTrip(ctx, *in, workDir, repack.DefaultOptions())
	if err != nil {
		return err
	}
	if err := smoke.WriteReport(stdout, res); err != nil {
		return err
	}
	if *reportPath != "" {
		if err := smoke.SaveReport(res, *reportPath); err != nil {
			return err
		}
	}
	if !res.Pass() {
		return &exitError{code: 2, msg: "round trip is not lossless"}
	}
	return nil
}

func undoCmd(args []string, stdout io.Writer) error {
	fs := newFlagSet("undo")
	in := fs.String("in", "", "repacked save file")
	audit := fs.String("audit", "", "audit log (jsonl)")
	out := fs.String("out", "", "restored output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *audit == "" || *out == "" {
		return errors.New("required: --in, --audit, --out")
	}

	entries, err := common.ReadPatchLog(*audit)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	inAbs, _ := filepath.Abs(*in)
	var relevant []common.PatchEntry
	for _, entry := range entries {
		if entry.Output == "" || sameFile(entry.Output, inAbs) {
			relevant = append(relevant, entry)
		}
	}
	if len(relevant) == 0 {
		return fmt.Errorf("audit log has no entries for %s", *in)
	}

	patchedHash, _, err := common.Sha256OfFile(*in)
	if err != nil {
		return fmt.Errorf("hash input: %w", err)
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	restore := common.Restore(data, relevant)
	for _, msg := range restore.Skipped {
		fmt.Fprintln(stdout, "skip", msg)
	}
	if err := common.WriteFileAtomic(*out, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	restoredHash := common.Sha256OfBytes(data)

	fmt.Fprintf(stdout, "Restored %d block(s) to %s\n", restore.Applied, *out)
	fmt.Fprintf(stdout, "Repacked SHA256: %s\n", patchedHash)
	fmt.Fprintf(stdout, "Restored SHA256: %s\n", restoredHash)
	if restore.Mismatches > 0 {
		fmt.Fprintf(stdout, "Warning: %d block(s) did not match the recorded repacked bytes; original bytes reapplied regardless.\n", restore.Mismatches)
	}
	return nil
}

func manifestCmd(args []string, stdout io.Writer) error {
	fs := newFlagSet("manifest")
	work := fs.String("work", "", "working folder holding manifest.json")
	asJSON := fs.Bool("json", false, "print the manifest as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *work == "" {
		return errors.New("required: --work")
	}
	m, err := manifest.Load(manifest.Path(*work))
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	fmt.Fprintf(stdout, "Base:     %s (%d bytes)\n", m.BaseFile, m.BaseFileLength)
	fmt.Fprintf(stdout, "SHA-256:  %s\n", m.BaseFileHash)
	fmt.Fprintf(stdout, "Scan:     %s\n", m.Strategy)
	fmt.Fprintf(stdout, "Created:  %s\n", m.CreatedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tRANGE\tFORMAT\tCAPACITY\tTAIL\tARTIFACT\tNOTE")
	for _, b := range m.Blocks {
		note := b.Note
		switch {
		case b.DecodeError != "":
			note = b.DecodeError
		case b.Warning != "":
			note = b.Warning
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			b.Index, b.Span(), b.Format, b.Capacity, len(b.TailBytes)/2, b.Artifact, strings.TrimSpace(note))
	}
	return tw.Flush()
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
