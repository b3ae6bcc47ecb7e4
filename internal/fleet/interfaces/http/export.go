package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	fleet "edgefleet/internal/fleet/domain"
)

type row struct {
	label string
	value any
}

func summaryRows(s fleet.Summary) []row {
	return []row{
		{"Store", s.StoreID},
		{"Window (h)", s.WindowHours},
		{"Generated", s.GeneratedAt.Format(time.RFC3339)},
		{"Devices", s.Devices.Total},
		{"Healthy", s.Devices.Healthy},
		{"Warning", s.Devices.Warning},
		{"Critical", s.Devices.Critical},
		{"Unknown", s.Devices.Unknown},
		{"Inactive", s.Devices.Inactive},
		{"Open alerts", s.Alerts.Total},
		{"Warning alerts", s.Alerts.Warning},
		{"Critical alerts", s.Alerts.Critical},
		{"Checked", s.Readiness.Checked},
		{"Passed", s.Readiness.Passed},
		{"Failed", s.Readiness.Failed},
		{"Average score", s.Readiness.AverageScore},
	}
}

// BuildSummaryPDF renders a one-page store summary.
func BuildSummaryPDF(s fleet.Summary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Fleet Health Summary")
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, r := range summaryRows(s) {
		pdf.CellFormat(60, 6, r.label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(60, 6, fmt.Sprint(r.value), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSummaryXLSX renders the summary as a two-column sheet.
func BuildSummaryXLSX(s fleet.Summary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "summary"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "Metric")
	_ = f.SetCellValue(sheet, "B1", "Value")
	for i, r := range summaryRows(s) {
		line := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), r.label)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), r.value)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
