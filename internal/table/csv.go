package table

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/xuri/excelize/v2"

	"fovpipe/internal/fsutil"
	"fovpipe/internal/stats"
)

var (
	meanRe       = regexp.MustCompile(`^Ch(\d+)_mean_by_z$`)
	stdRe        = regexp.MustCompile(`^Ch(\d+)_std_by_z$`)
	percentileRe = regexp.MustCompile(`^Ch(\d+)_Percentile(.+)$`)
	profileRe    = regexp.MustCompile(`^z_intensity_profile_Ch(\d+)$`)
)

// cells renders r in the order of cols. Array columns are JSON lists.
func (r Record) cells(cols []string) ([]string, error) {
	out := make([]string, len(cols))
	for i, col := range cols {
		if arr, ok := r.array(col); ok {
			if arr == nil {
				arr = []float64{}
			}
			b, err := json.Marshal(arr)
			if err != nil {
				return nil, fmt.Errorf("FOV %d column %s: %w", r.FOVId, col, err)
			}
			out[i] = string(b)
			continue
		}
		v, err := r.Text(col)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r Record) array(col string) ([]float64, bool) {
	for _, ch := range r.Features.Channels {
		switch col {
		case stats.MeanColumn(ch.Channel):
			return ch.MeanByZ, true
		case stats.StdColumn(ch.Channel):
			return ch.StdByZ, true
		case stats.ProfileColumn(ch.Channel):
			return ch.ZProfile, true
		}
	}
	return nil, false
}

// WriteCSV writes the header and one line per record.
func (t Table) WriteCSV(w io.Writer) error {
	cols := t.Columns()
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	for _, r := range t.Records {
		line, err := r.cells(cols)
		if err != nil {
			return err
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table as CSV, creating parent directories.
func (t Table) WriteFile(path string) error {
	if err := fsutil.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteXLSX exports the table to a single-sheet workbook.
func (t Table) WriteXLSX(path, sheet string) error {
	if err := fsutil.EnsureParent(path); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()
	if sheet == "" {
		sheet = "Sheet1"
	}
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return err
		}
	}
	cols := t.Columns()
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range t.Records {
		line, err := r.cells(cols)
		if err != nil {
			return err
		}
		row := make([]any, len(line))
		for j, v := range line {
			row[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

// ReadFile loads a table written by WriteFile.
func ReadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	t, err := ReadCSV(f)
	if err != nil {
		return Table{}, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

type columnKind int

const (
	kindMean columnKind = iota
	kindStd
	kindPercentile
	kindProfile
)

type featureColumn struct {
	idx     int
	channel int
	kind    columnKind
	level   float64
}

// ReadCSV parses a table from CSV. Feature columns are recognised by name.
func ReadCSV(r io.Reader) (Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Table{}, err
	}
	if len(records) == 0 {
		return Table{}, errors.New("empty table")
	}
	header := records[0]
	index := map[string]int{}
	var features []featureColumn
	nch := 0
	for i, name := range header {
		index[name] = i
		fc, ok := parseFeatureColumn(name)
		if !ok {
			continue
		}
		fc.idx = i
		features = append(features, fc)
		if fc.channel+1 > nch {
			nch = fc.channel + 1
		}
	}
	if _, ok := index[ColFOVId]; !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownColumn, ColFOVId)
	}

	out := Table{Records: make([]Record, 0, len(records)-1)}
	for line, rec := range records[1:] {
		row, err := parseRecord(rec, index, features, nch)
		if err != nil {
			return Table{}, fmt.Errorf("line %d: %w", line+2, err)
		}
		out.Records = append(out.Records, row)
	}
	return out, nil
}

func parseFeatureColumn(name string) (featureColumn, bool) {
	if m := meanRe.FindStringSubmatch(name); m != nil {
		c, _ := strconv.Atoi(m[1])
		return featureColumn{channel: c, kind: kindMean}, true
	}
	if m := stdRe.FindStringSubmatch(name); m != nil {
		c, _ := strconv.Atoi(m[1])
		return featureColumn{channel: c, kind: kindStd}, true
	}
	if m := profileRe.FindStringSubmatch(name); m != nil {
		c, _ := strconv.Atoi(m[1])
		return featureColumn{channel: c, kind: kindProfile}, true
	}
	if m := percentileRe.FindStringSubmatch(name); m != nil {
		c, _ := strconv.Atoi(m[1])
		p, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return featureColumn{}, false
		}
		return featureColumn{channel: c, kind: kindPercentile, level: p}, true
	}
	return featureColumn{}, false
}

func parseRecord(rec []string, index map[string]int, features []featureColumn, nch int) (Record, error) {
	get := func(col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var r Record
	id, err := strconv.ParseInt(get(ColFOVId), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("FOVId: %w", err)
	}
	r.FOVId = id
	if s := get(ColFOVIdRng); s != "" {
		if r.FOVIdRng, err = strconv.ParseFloat(s, 64); err != nil {
			return Record{}, fmt.Errorf("FOVId_rng: %w", err)
		}
	}
	r.ProteinDisplayName = get(ColProtein)
	r.PlateID = get(ColPlateID)
	r.CellLine = get(ColCellLine)
	if s := get(ColQC); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Record{}, fmt.Errorf("QC: %w", err)
		}
		r.QC = &b
	}

	if nch == 0 {
		return r, nil
	}
	r.Features.Channels = make([]stats.ChannelFeatures, nch)
	for c := range r.Features.Channels {
		r.Features.Channels[c].Channel = c
	}
	for _, fc := range features {
		cell := ""
		if fc.idx < len(rec) {
			cell = rec[fc.idx]
		}
		ch := &r.Features.Channels[fc.channel]
		if fc.kind == kindPercentile {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return Record{}, fmt.Errorf("%s: %w", stats.PercentileColumn(fc.channel, fc.level), err)
			}
			ch.PercentileLevels = append(ch.PercentileLevels, fc.level)
			ch.Percentiles = append(ch.Percentiles, v)
			continue
		}
		var arr []float64
		if err := json.Unmarshal([]byte(cell), &arr); err != nil {
			return Record{}, fmt.Errorf("channel %d array: %w", fc.channel, err)
		}
		switch fc.kind {
		case kindMean:
			ch.MeanByZ = arr
		case kindStd:
			ch.StdByZ = arr
		case kindProfile:
			ch.ZProfile = arr
		}
	}
	return r, nil
}
