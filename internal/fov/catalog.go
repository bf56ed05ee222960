package fov

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Catalog column names.
const (
	ColFOVId          = "FOVId"
	ColFOVIdRng       = "FOVId_rng"
	ColProtein        = "ProteinDisplayName"
	ColSourceReadPath = "SourceReadPath"
	ColBrightfield    = "ChannelNumberBrightfield"
	ColDNA            = "ChannelNumber405"
	ColMembrane       = "ChannelNumber638"
	ColStructure      = "ChannelNumberStruct"
	ColPlateID        = "PlateId"
	ColCellLine       = "CellLine"
)

var requiredColumns = []string{
	ColFOVId, ColProtein, ColSourceReadPath,
	ColBrightfield, ColDNA, ColMembrane, ColStructure,
}

// ErrMissingColumn is returned when the catalog header lacks a required column.
var ErrMissingColumn = errors.New("catalog missing required column")

// LoadCatalog reads FOV rows from a .csv or .xlsx catalog. Rows without a
// FOVId_rng value get one derived from their FOVId.
func LoadCatalog(path string) ([]Row, error) {
	var (
		records [][]string
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		records, err = readCSV(path)
	case ".xlsx":
		records, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseRecords(records)
}

// ReadCSV parses catalog rows from r.
func ReadCSV(r io.Reader) ([]Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	return ParseRecords(records)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).ReadAll()
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

// ParseRecords converts a header row plus data rows into FOV rows.
func ParseRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, errors.New("catalog is empty")
	}
	idx := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]Row, 0, len(records)-1)
	for n, rec := range records[1:] {
		line := n + 2
		id, err := parseInt(get(rec, ColFOVId))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, ColFOVId, err)
		}
		row := Row{
			FOVId:              id,
			ProteinDisplayName: get(rec, ColProtein),
			SourceReadPath:     get(rec, ColSourceReadPath),
			PlateID:            trimFloatSuffix(get(rec, ColPlateID)),
			CellLine:           get(rec, ColCellLine),
		}
		channels := []struct {
			col string
			dst *int
		}{
			{ColBrightfield, &row.Channels.Brightfield},
			{ColDNA, &row.Channels.DNA},
			{ColMembrane, &row.Channels.Membrane},
			{ColStructure, &row.Channels.Structure},
		}
		for _, ch := range channels {
			v, err := parseInt(get(rec, ch.col))
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, ch.col, err)
			}
			*ch.dst = int(v)
		}
		if raw := get(rec, ColFOVIdRng); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, ColFOVIdRng, err)
			}
			row.Rand = v
		} else {
			row.Rand = IDToRand(id)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Unique drops repeated FOVIds, keeping the first occurrence. Per-cell
// catalogs list an FOV once for every segmented cell.
func Unique(rows []Row) []Row {
	seen := make(map[int64]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if _, dup := seen[r.FOVId]; dup {
			continue
		}
		seen[r.FOVId] = struct{}{}
		out = append(out, r)
	}
	return out
}

// WriteCSV writes rows in catalog layout.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	header := []string{
		ColFOVId, ColProtein, ColSourceReadPath,
		ColBrightfield, ColDNA, ColMembrane, ColStructure,
		ColPlateID, ColCellLine, ColFOVIdRng,
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.FOVId, 10),
			r.ProteinDisplayName,
			r.SourceReadPath,
			strconv.Itoa(r.Channels.Brightfield),
			strconv.Itoa(r.Channels.DNA),
			strconv.Itoa(r.Channels.Membrane),
			strconv.Itoa(r.Channels.Structure),
			r.PlateID,
			r.CellLine,
			strconv.FormatFloat(r.Rand, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// parseInt accepts plain integers and integral floats such as "3.0", which
// spreadsheet exports produce for numeric columns.
func parseInt(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int64(f), nil
}

func trimFloatSuffix(s string) string {
	return strings.TrimSuffix(s, ".0")
}
