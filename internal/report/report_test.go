package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fovpipe/internal/fov"
	"fovpipe/internal/split"
	"fovpipe/internal/stats"
	"fovpipe/internal/table"
)

func record(id int64, protein string, depth int) table.Record {
	return table.Record{
		FOVId:              id,
		ProteinDisplayName: protein,
		Features: stats.Features{Channels: []stats.ChannelFeatures{{
			MeanByZ: make([]float64, depth),
		}}},
	}
}

func sampleInputs() Inputs {
	rows := []fov.Row{
		{FOVId: 1, ProteinDisplayName: "LMNB1", CellLine: "AICS-13"},
		{FOVId: 2, ProteinDisplayName: "LMNB1", CellLine: "AICS-13"},
		{FOVId: 3, ProteinDisplayName: "LMNB1", CellLine: "AICS-99"},
		{FOVId: 4, ProteinDisplayName: "TOMM20", CellLine: "AICS-11"},
	}
	st := table.Table{Records: []table.Record{
		record(1, "LMNB1", 40), record(2, "LMNB1", 50), record(4, "TOMM20", 60),
	}}
	pass, fail := true, false
	audit := table.Table{Records: []table.Record{st.Records[0], st.Records[1], st.Records[2]}}
	audit.Records[0].QC = &pass
	audit.Records[1].QC = &fail
	audit.Records[2].QC = &pass

	res := &split.Result{
		Names:  []string{"train", "test"},
		Groups: []string{"LMNB1", "TOMM20"},
		Cells: []split.Cell{
			{Group: "LMNB1", Split: "train", Records: []table.Record{st.Records[0]}},
			{Group: "LMNB1", Split: "test"},
			{Group: "TOMM20", Split: "train"},
			{Group: "TOMM20", Split: "test", Records: []table.Record{st.Records[2]}},
		},
	}
	return Inputs{Rows: rows, Stats: st, Audit: audit, Splits: res}
}

func TestBuild(t *testing.T) {
	s, err := Build(sampleInputs())
	require.NoError(t, err)
	require.Len(t, s.Lines, 2)

	l := s.Lines[0]
	assert.Equal(t, "LMNB1", l.Protein)
	assert.Equal(t, []string{"AICS-13", "AICS-99"}, l.CellLines)
	assert.Equal(t, 3, l.Catalog)
	assert.Equal(t, 2, l.Stats)
	assert.Equal(t, 1, l.QCPass)
	assert.Equal(t, 1, l.QCFail)
	assert.Equal(t, 45.0, l.MedianDepth)
	assert.Equal(t, 1, l.Splits["train"])

	assert.Equal(t, 1, s.Lines[1].Splits["test"])
	assert.Equal(t, []string{"ProteinDisplayName", "CellLines", "#fovs", "#stats", "#qc_pass", "#qc_fail", "median_z_depth", "train (#fovs)", "test (#fovs)"}, s.Headers())
}

func TestBuildWithoutLaterStages(t *testing.T) {
	in := sampleInputs()
	in.Audit = table.Table{}
	in.Splits = nil
	s, err := Build(in)
	require.NoError(t, err)
	assert.Len(t, s.Headers(), 7)
	assert.Equal(t, 0, s.Lines[0].QCPass)
}

func TestWrite(t *testing.T) {
	s, err := Build(sampleInputs())
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "qc")
	csvPath, xlsxPath, err := Write(dir, s)
	require.NoError(t, err)

	b, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "LMNB1,AICS-13;AICS-99,3,2,1,1,45,1,0", lines[1])

	f, err := excelize.OpenFile(xlsxPath)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue("Sheet1", "A3")
	require.NoError(t, err)
	assert.Equal(t, "TOMM20", v)
}
