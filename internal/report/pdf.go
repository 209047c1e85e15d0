package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// SavePDF renders rep into a PDF document. When the report names an output
// file its SHA-256 is printed as a QR code next to the summary.
func SavePDF(rep Report, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Repack Report", false)
	pdf.SetAuthor("slotctl", false)
	pdf.SetCreator("slotctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, titleFor(rep.Outcome))
	if err := addQRCode(pdf, rep.OutSha256); err != nil {
		return err
	}
	addSummarySection(pdf, rep)
	addHeadroomSection(pdf, rep)
	addFailuresSection(pdf, rep.Failures)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func titleFor(o Outcome) string {
	if o == OutcomeRepacked {
		return "Repack Report"
	}
	return "Preflight Report"
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addQRCode(pdf *gofpdf.Fpdf, hash string) error {
	if sanitizeHash(hash) == "" {
		return nil
	}
	png, err := HashToQR(hash, 256)
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("output-hash", opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions("output-hash", pageW-right-32, 18, 32, 32, false, opts, 0, "")
	return nil
}

func addSummarySection(pdf *gofpdf.Fpdf, rep Report) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	changed, rejected := 0, 0
	for _, it := range rep.Items {
		switch it.Status {
		case "changed":
			changed++
		case "rejected":
			rejected++
		}
	}
	pdf.SetFont("Helvetica", "", 10)
	items := []struct {
		label string
		value string
	}{
		{label: "Base File", value: emptyFallback(rep.BaseFile, "-")},
		{label: "Base SHA-256", value: shortHash(rep.BaseSha256)},
		{label: "Scan Strategy", value: emptyFallback(rep.Strategy, "-")},
		{label: "Editable Blocks", value: strconv.Itoa(len(rep.Items))},
		{label: "Changed", value: strconv.Itoa(changed)},
		{label: "Rejected", value: strconv.Itoa(rejected)},
		{label: "Outcome", value: strings.ToUpper(string(rep.Outcome))},
		{label: "Generated", value: rep.GeneratedAt.Format(time.RFC3339)},
	}
	if rep.OutFile != "" {
		items = append(items,
			struct {
				label string
				value string
			}{label: "Output", value: rep.OutFile},
			struct {
				label string
				value string
			}{label: "Output SHA-256", value: shortHash(rep.OutSha256)},
		)
	}
	for _, item := range items {
		pdf.CellFormat(40, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(100, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addHeadroomSection(pdf *gofpdf.Fpdf, rep Report) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Headroom")
	pdf.Ln(9)

	headers := []string{"Block", "Offset", "Format", "Status", "Used", "Allowed", "Headroom"}
	widths := []float64{16, 28, 40, 24, 22, 22, 28}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, it := range rep.Items {
		values := []string{
			strconv.Itoa(it.Index),
			fmt.Sprintf("0x%08X", it.Offset),
			string(it.Format),
			string(it.Status),
			strconv.FormatInt(it.Actual, 10),
			strconv.FormatInt(it.Allowed, 10),
			strconv.FormatInt(it.Headroom, 10),
		}
		renderTableRow(pdf, widths, values, 5)
	}
	pdf.Ln(4)
}

func addFailuresSection(pdf *gofpdf.Fpdf, failures []string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Failures")
	pdf.Ln(9)

	if len(failures) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No failures recorded.", "", "L", false)
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	for i, f := range failures {
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", i+1, f), "", "L", false)
		pdf.Ln(1)
	}
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return emptyFallback(h, "-")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
