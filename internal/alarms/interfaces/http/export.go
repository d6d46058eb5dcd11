package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "sensorguard-cloud/internal/alarms/domain"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

const exportTimeLayout = "2006-01-02 15:04:05"

var exportColumns = []string{"Occurred", "Device", "Object", "Site", "Field", "Value", "Unit", "Level", "Status", "Updated By"}

func exportRow(rec alarms.EventRecord) []string {
	return []string{
		rec.OccurredAt.UTC().Format(exportTimeLayout),
		rec.DeviceID,
		rec.ObjectID,
		rec.SiteID,
		rec.FieldKey,
		rec.Value.String(),
		rec.Unit,
		string(rec.Level),
		rec.Status.Label(),
		rec.UpdatedBy,
	}
}

// BuildEventsXLSX renders event records as a workbook with a summary sheet.
func BuildEventsXLSX(records []alarms.EventRecord, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	eventsSheet := "events"
	summarySheet := "summary"
	if err := f.SetSheetName("Sheet1", eventsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	for i, title := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(eventsSheet, cell, title)
	}
	for i, rec := range records {
		row := i + 2
		for col, value := range exportRow(rec) {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(eventsSheet, cell, value)
		}
		if rec.Value.Kind == telemetry.ValueNumber {
			_ = f.SetCellValue(eventsSheet, fmt.Sprintf("F%d", row), rec.Value.Number)
		}
	}

	counts := countByLevel(records)
	_ = f.SetCellValue(summarySheet, "A1", "Sensor Alarm Events")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Total")
	_ = f.SetCellValue(summarySheet, "B4", len(records))
	for i, level := range []alarms.Level{alarms.LevelDanger, alarms.LevelWarning, alarms.LevelCaution} {
		row := i + 5
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), string(level))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), counts[level])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildEventsPDF renders event records as a landscape table.
func BuildEventsPDF(records []alarms.EventRecord, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Alarm Events")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total: %d", len(records)))
	pdf.Ln(8)

	widths := []float64{36, 30, 30, 26, 28, 22, 14, 24, 26, 28}
	pdf.SetFont("Arial", "B", 9)
	for i, title := range exportColumns {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	translate := pdf.UnicodeTranslatorFromDescriptor("")
	for _, rec := range records {
		for i, value := range exportRow(rec) {
			align := "L"
			if i == 5 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, translate(value), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func countByLevel(records []alarms.EventRecord) map[alarms.Level]int {
	counts := make(map[alarms.Level]int)
	for _, rec := range records {
		counts[rec.Level]++
	}
	return counts
}
