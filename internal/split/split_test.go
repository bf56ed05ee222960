package split

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fovpipe/internal/fov"
	"fovpipe/internal/table"
)

func gridTable(groups ...string) table.Table {
	var t table.Table
	id := int64(0)
	for _, g := range groups {
		for k := 0; k < 20; k++ {
			id++
			t.Records = append(t.Records, table.Record{
				FOVId:              id,
				FOVIdRng:           float64(k)/20 + 0.01,
				ProteinDisplayName: g,
			})
		}
	}
	return t
}

func TestSplitCountsPerGroup(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := s.Split(gridTable("TOMM20", "LMNB1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"LMNB1", "TOMM20"}, res.Groups)
	for _, g := range res.Groups {
		assert.Equal(t, map[string]int{"train": 16, "validate": 2, "test": 2}, res.Counts(g))
	}
	c, ok := res.Cell("TOMM20", "validate")
	require.True(t, ok)
	assert.Equal(t, []int64{17, 18}, c.IDs())
}

func TestSplitPartitionsEveryRecordOnce(t *testing.T) {
	var tbl table.Table
	for id := int64(1); id <= 200; id++ {
		tbl.Records = append(tbl.Records, table.Record{
			FOVId:              id,
			FOVIdRng:           fov.IDToRand(id),
			ProteinDisplayName: []string{"A", "B", "C"}[id%3],
		})
	}
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := s.Split(tbl)
	require.NoError(t, err)

	seen := map[int64]string{}
	for _, a := range res.Assignments() {
		_, dup := seen[a.FOVId]
		require.False(t, dup, "FOV %d assigned twice", a.FOVId)
		seen[a.FOVId] = a.Group
	}
	assert.Len(t, seen, 200)
	for _, r := range tbl.Records {
		assert.Equal(t, r.ProteinDisplayName, seen[r.FOVId])
	}

	again, err := s.Split(tbl)
	require.NoError(t, err)
	assert.Equal(t, res.Assignments(), again.Assignments())
}

func TestSplitRejectsBadAmounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Amounts = []float64{0.8, 0.1}
	_, err := New(cfg)
	assert.True(t, errors.Is(err, ErrInvalidSplitAmounts))

	cfg = DefaultConfig()
	cfg.Amounts = []float64{0.5, 0.3, 0.1}
	_, err = New(cfg)
	assert.True(t, errors.Is(err, ErrInvalidSplitAmounts))
}

func TestSplitRejectsDuplicateNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Names = []string{"train", "train"}
	cfg.Amounts = []float64{0.5, 0.5}
	_, err := New(cfg)
	assert.True(t, errors.Is(err, ErrInvalidSplitAmounts))
}

func TestSplitRejectsValueOutOfRange(t *testing.T) {
	tbl := gridTable("A")
	tbl.Records[3].FOVIdRng = 1.1
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = s.Split(tbl)
	assert.True(t, errors.Is(err, ErrSplitValueRange))
}

func TestSplitRejectsUnknownColumn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupColumn = "Organelle"
	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.Split(gridTable("A"))
	assert.True(t, errors.Is(err, ErrUnknownColumn))
}

func TestSplitValueNearOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Names = []string{"a", "b", "c"}
	cfg.Amounts = []float64{0.7, 0.2, 0.1}
	s, err := New(cfg)
	require.NoError(t, err)
	tbl := table.Table{Records: []table.Record{{FOVId: 1, FOVIdRng: 0.9999999999999999, ProteinDisplayName: "A"}}}
	res, err := s.Split(tbl)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts("A")["c"])
}

func TestWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qc", DirName)
	tbl := gridTable("A")
	tbl.Records = tbl.Records[:16] // nothing lands in validate or test
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := s.Split(tbl)
	require.NoError(t, err)
	require.NoError(t, WriteCSV(dir, &res))

	for _, c := range res.Cells {
		assert.Equal(t, filepath.Join(dir, FileName("A", c.Split)), c.Path)
	}
	train, err := table.ReadFile(filepath.Join(dir, "A_train.csv"))
	require.NoError(t, err)
	assert.Equal(t, 16, train.Len())

	b, err := os.ReadFile(filepath.Join(dir, "A_test.csv"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "\n"), "empty cell writes header only")
}

func TestDefaultConfigIsFresh(t *testing.T) {
	a := DefaultConfig()
	a.Amounts[0] = 0
	assert.Equal(t, 0.8, DefaultConfig().Amounts[0])
}
