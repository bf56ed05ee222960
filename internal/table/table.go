// Package table is the consolidated statistics table: one typed Record per FOV
// with identity columns taken from the catalog and the FOV's features.
package table

import (
	"errors"
	"fmt"
	"strconv"

	"fovpipe/internal/fov"
	"fovpipe/internal/stats"
)

// Identity and audit column names.
const (
	ColFOVId    = fov.ColFOVId
	ColFOVIdRng = fov.ColFOVIdRng
	ColProtein  = fov.ColProtein
	ColPlateID  = fov.ColPlateID
	ColCellLine = fov.ColCellLine
	ColQC       = "QC"
)

// ErrUnknownColumn is returned when a column is not part of the table.
var ErrUnknownColumn = errors.New("unknown column")

// Record is one row of the statistics table.
type Record struct {
	FOVId              int64
	FOVIdRng           float64
	ProteinDisplayName string
	PlateID            string
	CellLine           string
	// QC is nil until the z-order check has run.
	QC       *bool
	Features stats.Features
}

// FromRow builds a record from catalog identity and computed features.
func FromRow(row fov.Row, f stats.Features) Record {
	return Record{
		FOVId:              row.FOVId,
		FOVIdRng:           row.Rand,
		ProteinDisplayName: row.ProteinDisplayName,
		PlateID:            row.PlateID,
		CellLine:           row.CellLine,
		Features:           f,
	}
}

// Passed reports whether the record passed QC. Unchecked records pass.
func (r Record) Passed() bool { return r.QC == nil || *r.QC }

// Text returns a scalar column formatted as text.
func (r Record) Text(col string) (string, error) {
	switch col {
	case ColFOVId:
		return strconv.FormatInt(r.FOVId, 10), nil
	case ColFOVIdRng:
		return strconv.FormatFloat(r.FOVIdRng, 'g', -1, 64), nil
	case ColProtein:
		return r.ProteinDisplayName, nil
	case ColPlateID:
		return r.PlateID, nil
	case ColCellLine:
		return r.CellLine, nil
	case ColQC:
		if r.QC == nil {
			return "", nil
		}
		return strconv.FormatBool(*r.QC), nil
	}
	if v, ok := r.percentile(col); ok {
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownColumn, col)
}

// Number returns a numeric scalar column.
func (r Record) Number(col string) (float64, error) {
	switch col {
	case ColFOVId:
		return float64(r.FOVId), nil
	case ColFOVIdRng:
		return r.FOVIdRng, nil
	}
	if v, ok := r.percentile(col); ok {
		return v, nil
	}
	s, err := r.Text(col)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s is not numeric: %w", col, err)
	}
	return v, nil
}

func (r Record) percentile(col string) (float64, bool) {
	for _, ch := range r.Features.Channels {
		for i, p := range ch.PercentileLevels {
			if stats.PercentileColumn(ch.Channel, p) == col && i < len(ch.Percentiles) {
				return ch.Percentiles[i], true
			}
		}
	}
	return 0, false
}

// Table is an ordered collection of records.
type Table struct {
	Records []Record
}

// Len returns the number of records.
func (t Table) Len() int { return len(t.Records) }

// Columns lists the header in canonical order. Feature columns follow the
// shape of the first record.
func (t Table) Columns() []string {
	cols := []string{ColFOVId, ColFOVIdRng, ColProtein, ColPlateID, ColCellLine}
	if t.hasQC() {
		cols = append(cols, ColQC)
	}
	if len(t.Records) == 0 {
		return cols
	}
	for _, ch := range t.Records[0].Features.Channels {
		cols = append(cols, stats.MeanColumn(ch.Channel), stats.StdColumn(ch.Channel))
		for _, p := range ch.PercentileLevels {
			cols = append(cols, stats.PercentileColumn(ch.Channel, p))
		}
		cols = append(cols, stats.ProfileColumn(ch.Channel))
	}
	return cols
}

// HasColumn reports whether col is part of the table. Identity columns are
// always present.
func (t Table) HasColumn(col string) bool {
	switch col {
	case ColFOVId, ColFOVIdRng, ColProtein, ColPlateID, ColCellLine:
		return true
	}
	for _, c := range t.Columns() {
		if c == col {
			return true
		}
	}
	return false
}

func (t Table) hasQC() bool {
	for _, r := range t.Records {
		if r.QC != nil {
			return true
		}
	}
	return false
}

// Filter returns the records for which keep is true.
func (t Table) Filter(keep func(Record) bool) Table {
	out := Table{Records: make([]Record, 0, len(t.Records))}
	for _, r := range t.Records {
		if keep(r) {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// IDs returns FOVIds in table order.
func (t Table) IDs() []int64 {
	ids := make([]int64, len(t.Records))
	for i, r := range t.Records {
		ids[i] = r.FOVId
	}
	return ids
}
