// Package report builds the per-protein run summary.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/xuri/excelize/v2"

	"fovpipe/internal/fov"
	"fovpipe/internal/split"
	"fovpipe/internal/table"
)

const (
	CSVName  = "summary.csv"
	XLSXName = "summary.xlsx"
)

// Inputs are the stage outputs a summary is built from. Audit and Splits
// may be empty when the run stopped early.
type Inputs struct {
	Rows   []fov.Row
	Stats  table.Table
	Audit  table.Table
	Splits *split.Result
}

// Line is one protein's row in the summary.
type Line struct {
	Protein     string
	CellLines   []string
	Catalog     int
	Stats       int
	QCPass      int
	QCFail      int
	Splits      map[string]int
	MedianDepth float64
}

// Summary is the full report, one line per protein in name order.
type Summary struct {
	SplitNames []string
	Lines      []Line
}

// Build aggregates the inputs per protein.
func Build(in Inputs) (Summary, error) {
	lines := map[string]*Line{}
	get := func(p string) *Line {
		l, ok := lines[p]
		if !ok {
			l = &Line{Protein: p, Splits: map[string]int{}}
			lines[p] = l
		}
		return l
	}

	cellLines := map[string]map[string]bool{}
	for _, r := range in.Rows {
		get(r.ProteinDisplayName).Catalog++
		if r.CellLine == "" {
			continue
		}
		if cellLines[r.ProteinDisplayName] == nil {
			cellLines[r.ProteinDisplayName] = map[string]bool{}
		}
		cellLines[r.ProteinDisplayName][r.CellLine] = true
	}

	depths := map[string]stats.Float64Data{}
	protein := map[int64]string{}
	for _, r := range in.Stats.Records {
		get(r.ProteinDisplayName).Stats++
		depths[r.ProteinDisplayName] = append(depths[r.ProteinDisplayName], float64(r.Features.Depth()))
		protein[r.FOVId] = r.ProteinDisplayName
	}
	for _, r := range in.Audit.Records {
		l := get(r.ProteinDisplayName)
		if r.Passed() {
			l.QCPass++
		} else {
			l.QCFail++
		}
	}

	var s Summary
	if in.Splits != nil {
		s.SplitNames = append([]string(nil), in.Splits.Names...)
		for _, a := range in.Splits.Assignments() {
			p, ok := protein[a.FOVId]
			if !ok {
				p = a.Group
			}
			get(p).Splits[a.Split]++
		}
	}

	for p, l := range lines {
		for cl := range cellLines[p] {
			l.CellLines = append(l.CellLines, cl)
		}
		sort.Strings(l.CellLines)
		if d := depths[p]; len(d) > 0 {
			m, err := d.Median()
			if err != nil {
				return Summary{}, fmt.Errorf("median depth for %s: %w", p, err)
			}
			l.MedianDepth = m
		}
		s.Lines = append(s.Lines, *l)
	}
	sort.Slice(s.Lines, func(i, j int) bool { return s.Lines[i].Protein < s.Lines[j].Protein })
	return s, nil
}

// Headers lists the report columns.
func (s Summary) Headers() []string {
	h := []string{"ProteinDisplayName", "CellLines", "#fovs", "#stats", "#qc_pass", "#qc_fail", "median_z_depth"}
	for _, n := range s.SplitNames {
		h = append(h, fmt.Sprintf("%s (#fovs)", n))
	}
	return h
}

// Values returns the report body as typed cells.
func (s Summary) Values() [][]any {
	out := make([][]any, 0, len(s.Lines))
	for _, l := range s.Lines {
		row := []any{l.Protein, strings.Join(l.CellLines, ";"), l.Catalog, l.Stats, l.QCPass, l.QCFail, l.MedianDepth}
		for _, n := range s.SplitNames {
			row = append(row, l.Splits[n])
		}
		out = append(out, row)
	}
	return out
}

// WriteCSV writes the summary as CSV.
func WriteCSV(path string, s Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(s.Headers()); err != nil {
		return err
	}
	for _, row := range s.Values() {
		rec := make([]string, len(row))
		for i, v := range row {
			switch x := v.(type) {
			case string:
				rec[i] = x
			case int:
				rec[i] = strconv.Itoa(x)
			case float64:
				rec[i] = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				rec[i] = fmt.Sprint(x)
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteXLSX writes the summary to a single-sheet workbook.
func WriteXLSX(path string, s Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sheet1"
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		idx, err := f.NewSheet(sheet)
		if err != nil {
			return err
		}
		f.SetActiveSheet(idx)
	}

	for i, h := range s.Headers() {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range s.Values() {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

// Write stores both report files under dir and returns their paths.
func Write(dir string, s Summary) (csvPath, xlsxPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	csvPath = filepath.Join(dir, CSVName)
	if err := WriteCSV(csvPath, s); err != nil {
		return "", "", fmt.Errorf("write %s: %w", csvPath, err)
	}
	xlsxPath = filepath.Join(dir, XLSXName)
	if err := WriteXLSX(xlsxPath, s); err != nil {
		return "", "", fmt.Errorf("write %s: %w", xlsxPath, err)
	}
	return csvPath, xlsxPath, nil
}
