// Package export renders generation history as spreadsheets.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/xuri/excelize/v2"
)

const (
	// GenerationsSheet lists one row per generation.
	GenerationsSheet = "Generations"
	// OutputsSheet lists one row per output.
	OutputsSheet = "Outputs"

	maxPromptCell = 500
)

var (
	generationHeaders = []string{
		"ID", "Provider", "Slot", "Status", "Prompt", "Inputs", "Outputs",
		"Error Code", "Error", "Created", "Started", "Completed",
	}
	outputHeaders = []string{
		"Generation ID", "Index", "Location", "Mime Type", "Width", "Height", "Created",
	}
)

// XLSX returns a workbook with a Generations and an Outputs sheet.
func XLSX(gens models.Generations) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", GenerationsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(OutputsSheet); err != nil {
		return nil, err
	}

	if err := writeRow(f, GenerationsSheet, 1, toAny(generationHeaders)); err != nil {
		return nil, err
	}
	if err := writeRow(f, OutputsSheet, 1, toAny(outputHeaders)); err != nil {
		return nil, err
	}

	outRow := 2
	for i, g := range gens {
		row := []any{
			g.ID.String(),
			g.ProviderID,
			g.Slot,
			string(g.Status),
			truncate(g.Prompt, maxPromptCell),
			len(g.InputSources),
			len(g.Outputs),
			string(g.ErrorCode),
			g.ErrorMessage,
			formatTime(&g.CreatedAt),
			formatTime(g.StartedAt),
			formatTime(g.CompletedAt),
		}
		if err := writeRow(f, GenerationsSheet, i+2, row); err != nil {
			return nil, err
		}

		for _, o := range g.Outputs {
			row := []any{
				g.ID.String(),
				o.OutputIndex,
				o.Location(),
				o.MimeType,
				o.Width,
				o.Height,
				formatTime(&o.CreatedAt),
			}
			if err := writeRow(f, OutputsSheet, outRow, row); err != nil {
				return nil, err
			}
			outRow++
		}
	}

	_ = f.SetColWidth(GenerationsSheet, "A", "A", 38)
	_ = f.SetColWidth(GenerationsSheet, "E", "E", 60)
	_ = f.SetColWidth(GenerationsSheet, "J", "L", 22)
	_ = f.SetColWidth(OutputsSheet, "A", "A", 38)
	_ = f.SetColWidth(OutputsSheet, "C", "C", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
