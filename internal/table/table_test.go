package table

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fovpipe/internal/fov"
	"fovpipe/internal/stats"
)

func sampleFeatures(depth int, base float64) stats.Features {
	f := stats.Features{}
	for c := 0; c < 2; c++ {
		ch := stats.ChannelFeatures{
			Channel:          c,
			PercentileLevels: []float64{5, 50, 95},
			Percentiles:      []float64{base, base + 1, base + 2.5},
		}
		for z := 0; z < depth; z++ {
			v := base + float64(c*10+z)
			ch.MeanByZ = append(ch.MeanByZ, v)
			ch.StdByZ = append(ch.StdByZ, v/10)
			ch.ZProfile = append(ch.ZProfile, v*100)
		}
		f.Channels = append(f.Channels, ch)
	}
	return f
}

func sampleTable() Table {
	rows := []fov.Row{
		{FOVId: 1, ProteinDisplayName: "LMNB1", PlateID: "3500001", CellLine: "AICS-13", Rand: 0.25},
		{FOVId: 2, ProteinDisplayName: "TOMM20", CellLine: "AICS-11", Rand: 0.75},
	}
	t := Table{}
	for i, r := range rows {
		t.Records = append(t.Records, FromRow(r, sampleFeatures(3, float64(i))))
	}
	return t
}

func TestColumnsCanonicalOrder(t *testing.T) {
	cols := sampleTable().Columns()
	want := []string{
		"FOVId", "FOVId_rng", "ProteinDisplayName", "PlateId", "CellLine",
		"Ch0_mean_by_z", "Ch0_std_by_z", "Ch0_Percentile5", "Ch0_Percentile50", "Ch0_Percentile95", "z_intensity_profile_Ch0",
		"Ch1_mean_by_z", "Ch1_std_by_z", "Ch1_Percentile5", "Ch1_Percentile50", "Ch1_Percentile95", "z_intensity_profile_Ch1",
	}
	assert.Equal(t, want, cols)
}

func TestQCColumnAppearsOnceChecked(t *testing.T) {
	tbl := sampleTable()
	assert.False(t, tbl.HasColumn(ColQC))
	ok := false
	tbl.Records[0].QC = &ok
	assert.True(t, tbl.HasColumn(ColQC))
	assert.False(t, tbl.Records[0].Passed())
	assert.True(t, tbl.Records[1].Passed())
}

func TestCSVRoundTrip(t *testing.T) {
	tbl := sampleTable()
	pass := true
	tbl.Records[1].QC = &pass

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))
	assert.Contains(t, buf.String(), `"[0,1,2]"`)

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	assert.Equal(t, tbl.Records[0].Features, got.Records[0].Features)
	assert.Equal(t, tbl.Records[1].FOVIdRng, got.Records[1].FOVIdRng)
	assert.Equal(t, "3500001", got.Records[0].PlateID)
	assert.Nil(t, got.Records[0].QC)
	require.NotNil(t, got.Records[1].QC)
	assert.True(t, *got.Records[1].QC)
}

func TestWriteFileAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc", "fov_stats.csv")
	require.NoError(t, sampleTable().WriteFile(path))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, got.IDs())
}

func TestRecordLookups(t *testing.T) {
	r := sampleTable().Records[0]

	v, err := r.Number("Ch1_Percentile95")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	s, err := r.Text(ColProtein)
	require.NoError(t, err)
	assert.Equal(t, "LMNB1", s)

	_, err = r.Text("Ch9_Percentile5")
	assert.True(t, errors.Is(err, ErrUnknownColumn))

	_, err = r.Number(ColProtein)
	assert.Error(t, err)
}

func TestReadCSVRequiresID(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("ProteinDisplayName\nLMNB1\n"))
	assert.True(t, errors.Is(err, ErrUnknownColumn))
}

func TestFilter(t *testing.T) {
	tbl := sampleTable().Filter(func(r Record) bool { return r.ProteinDisplayName == "TOMM20" })
	assert.Equal(t, []int64{2}, tbl.IDs())
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fov_stats.xlsx")
	require.NoError(t, sampleTable().WriteXLSX(path, "stats"))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("stats")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "FOVId", rows[0][0])
	assert.Equal(t, "TOMM20", rows[2][2])
}
