// Package report renders preflight and repack outcomes as text, JSON and PDF.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/container"
	"example.com/slotpack/internal/repack"
)

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeReady        Outcome = "ready"
	OutcomeRepacked     Outcome = "repacked"
	OutcomeRejected     Outcome = "rejected"
	OutcomeBaseMismatch Outcome = "base-mismatch"
	OutcomeFailed       Outcome = "failed"
)

// Report is the serialisable summary of a preflight or repack.
type Report struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	BaseFile    string              `json:"baseFile"`
	BaseSha256  string              `json:"baseSha256"`
	Strategy    string              `json:"strategy"`
	Outcome     Outcome             `json:"outcome"`
	OutFile     string              `json:"outFile,omitempty"`
	OutSha256   string              `json:"outSha256,omitempty"`
	Items       []repack.Item       `json:"items"`
	Failures    []string            `json:"failures,omitempty"`
	Warnings    []container.Warning `json:"warnings,omitempty"`
}

// FromPlan builds a report for a preflight. err is the error Preflight
// returned, if any.
func FromPlan(plan repack.Plan, err error) Report {
	m := plan.Manifest
	rep := Report{
		GeneratedAt: time.Now().UTC(),
		BaseFile:    m.BaseFile,
		BaseSha256:  m.BaseFileHash,
		Strategy:    m.Strategy,
		Outcome:     OutcomeReady,
		Items:       append([]repack.Item(nil), plan.Items...),
		Warnings:    m.Warnings,
	}
	var mismatch *repack.BaseMismatchError
	var rejected *repack.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &mismatch):
		rep.Outcome = OutcomeBaseMismatch
		rep.Failures = []string{mismatch.Error()}
	case errors.As(err, &rejected):
		rep.Outcome = OutcomeRejected
		for _, f := range rejected.Failures {
			rep.Failures = append(rep.Failures, f.Err.Error())
		}
	default:
		rep.Outcome = OutcomeFailed
		rep.Failures = []string{err.Error()}
	}
	sortWorstFirst(rep.Items)
	return rep
}

// FromResult builds a report for a repack run.
func FromResult(res repack.Result, err error) Report {
	rep := FromPlan(res.Plan, err)
	if err == nil {
		rep.Outcome = OutcomeRepacked
		rep.OutFile = res.OutPath
		rep.OutSha256 = res.OutSha256
	}
	return rep
}

// sortWorstFirst orders items by ascending headroom so blocks closest to
// (or over) their capacity come first.
func sortWorstFirst(items []repack.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Headroom < items[j].Headroom
	})
}

// WriteText prints the headroom table and failures.
func WriteText(w io.Writer, rep Report) error {
	fmt.Fprintf(w, "Base:     %s\n", rep.BaseFile)
	fmt.Fprintf(w, "SHA-256:  %s\n", rep.BaseSha256)
	fmt.Fprintf(w, "Scan:     %s\n", rep.Strategy)
	fmt.Fprintf(w, "Outcome:  %s\n", rep.Outcome)
	if rep.OutFile != "" {
		fmt.Fprintf(w, "Output:   %s (%s)\n", rep.OutFile, rep.OutSha256)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tOFFSET\tFORMAT\tSTATUS\tUSED\tALLOWED\tHEADROOM\tNOTE")
	for _, it := range rep.Items {
		note := it.Note
		if it.Error != "" {
			note = it.Error
		}
		fmt.Fprintf(tw, "%d\t0x%08X\t%s\t%s\t%d\t%d\t%d\t%s\n",
			it.Index, it.Offset, it.Format, it.Status, it.Actual, it.Allowed, it.Headroom, note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(rep.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures (%d):\n", len(rep.Failures))
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	if len(rep.Warnings) > 0 {
		fmt.Fprintf(w, "\nScan warnings (%d):\n", len(rep.Warnings))
		for _, warn := range rep.Warnings {
			fmt.Fprintf(w, "  - %s\n", warn)
		}
	}
	return nil
}

// Text returns WriteText output as a string.
func Text(rep Report) string {
	var b strings.Builder
	_ = WriteText(&b, rep)
	return b.String()
}

func SaveJSON(rep Report, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b, 0o644)
}

func LoadJSON(path string) (Report, error) {
	var rep Report
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
