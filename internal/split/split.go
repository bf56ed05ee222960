// Package split assigns every record of the statistics table to one named
// split (train/validate/test by default) within its group. Assignment depends
// only on each record's precomputed random value, so reruns are reproducible.
package split

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"fovpipe/internal/table"
)

// Tolerance bounds how far the split amounts may sum from 1.
const Tolerance = 1e-9

// DirName is the subdirectory of the QC output holding split files.
const DirName = "data_splits"

var (
	ErrInvalidSplitAmounts = errors.New("split: invalid split amounts")
	ErrSplitValueRange     = errors.New("split: value outside [0, 1)")
	ErrUnknownColumn       = table.ErrUnknownColumn
)

// Config describes one partition scheme.
type Config struct {
	Names       []string  `json:"names"`
	Amounts     []float64 `json:"amounts"`
	GroupColumn string    `json:"group_column"`
	SplitColumn string    `json:"split_column"`
	IDColumn    string    `json:"id_column"`
}

// DefaultConfig returns the 80/10/10 train/validate/test scheme grouped by
// protein.
func DefaultConfig() Config {
	return Config{
		Names:       []string{"train", "validate", "test"},
		Amounts:     []float64{0.8, 0.1, 0.1},
		GroupColumn: table.ColProtein,
		SplitColumn: table.ColFOVIdRng,
		IDColumn:    table.ColFOVId,
	}
}

// Validate checks the amounts against the names.
func (c Config) Validate() error {
	if len(c.Names) == 0 {
		return fmt.Errorf("%w: no splits configured", ErrInvalidSplitAmounts)
	}
	if len(c.Names) != len(c.Amounts) {
		return fmt.Errorf("%w: %d names but %d amounts", ErrInvalidSplitAmounts, len(c.Names), len(c.Amounts))
	}
	seen := make(map[string]bool, len(c.Names))
	for _, n := range c.Names {
		if seen[n] {
			return fmt.Errorf("%w: duplicate split name %q", ErrInvalidSplitAmounts, n)
		}
		seen[n] = true
	}
	sum := 0.0
	for _, a := range c.Amounts {
		if a < 0 || math.IsNaN(a) {
			return fmt.Errorf("%w: negative amount %v", ErrInvalidSplitAmounts, a)
		}
		sum += a
	}
	if math.Abs(sum-1) > Tolerance {
		return fmt.Errorf("%w: amounts sum to %v", ErrInvalidSplitAmounts, sum)
	}
	return nil
}

// bounds returns the cumulative boundaries. The last is pinned to 1 so
// rounding in the running sum cannot leave values near 1 unassigned.
func (c Config) bounds() []float64 {
	b := make([]float64, len(c.Amounts)+1)
	for i, a := range c.Amounts {
		b[i+1] = b[i] + a
	}
	b[len(b)-1] = 1
	return b
}

// Cell is the set of records one group contributes to one split.
type Cell struct {
	Group   string         `json:"group"`
	Split   string         `json:"split"`
	Records []table.Record `json:"-"`
	Path    string         `json:"path,omitempty"`
}

// IDs returns the FOVIds in the cell in table order.
func (c Cell) IDs() []int64 {
	return table.Table{Records: c.Records}.IDs()
}

// Assignment records where one FOV landed.
type Assignment struct {
	FOVId int64  `json:"fov_id"`
	Group string `json:"group"`
	Split string `json:"split"`
}

// Result is the full partition, ordered by group and then split name order.
type Result struct {
	Names  []string `json:"names"`
	Groups []string `json:"groups"`
	Cells  []Cell   `json:"cells"`
}

// Cell looks up one (group, split) cell.
func (r Result) Cell(group, split string) (Cell, bool) {
	for _, c := range r.Cells {
		if c.Group == group && c.Split == split {
			return c, true
		}
	}
	return Cell{}, false
}

// Assignments flattens the result into one entry per FOV.
func (r Result) Assignments() []Assignment {
	var out []Assignment
	for _, c := range r.Cells {
		for _, rec := range c.Records {
			out = append(out, Assignment{FOVId: rec.FOVId, Group: c.Group, Split: c.Split})
		}
	}
	return out
}

// Counts returns the number of records per split name for one group.
func (r Result) Counts(group string) map[string]int {
	out := make(map[string]int, len(r.Names))
	for _, c := range r.Cells {
		if c.Group == group {
			out[c.Split] = len(c.Records)
		}
	}
	return out
}

// Splitter partitions tables with a fixed configuration.
type Splitter struct {
	cfg    Config
	bounds []float64
}

// New validates cfg and returns a Splitter.
func New(cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Names = append([]string(nil), cfg.Names...)
	cfg.Amounts = append([]float64(nil), cfg.Amounts...)
	return &Splitter{cfg: cfg, bounds: cfg.bounds()}, nil
}

// Config returns a copy of the splitter configuration.
func (s *Splitter) Config() Config {
	c := s.cfg
	c.Names = append([]string(nil), s.cfg.Names...)
	c.Amounts = append([]float64(nil), s.cfg.Amounts...)
	return c
}

// Split assigns every record to exactly one split within its group.
func (s *Splitter) Split(t table.Table) (Result, error) {
	for _, col := range []string{s.cfg.GroupColumn, s.cfg.SplitColumn, s.cfg.IDColumn} {
		if !t.HasColumn(col) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
		}
	}

	type placed struct {
		group string
		split int
		rec   table.Record
	}
	rows := make([]placed, 0, len(t.Records))
	groups := map[string]bool{}
	for _, r := range t.Records {
		g, err := r.Text(s.cfg.GroupColumn)
		if err != nil {
			return Result{}, err
		}
		v, err := r.Number(s.cfg.SplitColumn)
		if err != nil {
			return Result{}, err
		}
		idx := s.index(v)
		if idx < 0 {
			return Result{}, fmt.Errorf("%w: FOV %d has %s=%v", ErrSplitValueRange, r.FOVId, s.cfg.SplitColumn, v)
		}
		groups[g] = true
		rows = append(rows, placed{group: g, split: idx, rec: r})
	}

	res := Result{Names: append([]string(nil), s.cfg.Names...)}
	for g := range groups {
		res.Groups = append(res.Groups, g)
	}
	sort.Strings(res.Groups)

	pos := map[string]int{}
	for _, g := range res.Groups {
		for _, name := range s.cfg.Names {
			pos[g+"\x00"+name] = len(res.Cells)
			res.Cells = append(res.Cells, Cell{Group: g, Split: name})
		}
	}
	for _, p := range rows {
		i := pos[p.group+"\x00"+s.cfg.Names[p.split]]
		res.Cells[i].Records = append(res.Cells[i].Records, p.rec)
	}
	return res, nil
}

// index returns the split whose half-open interval holds v, or -1.
func (s *Splitter) index(v float64) int {
	if !(v >= 0 && v < 1) {
		return -1
	}
	for i := 0; i < len(s.bounds)-1; i++ {
		if v >= s.bounds[i] && v < s.bounds[i+1] {
			return i
		}
	}
	return -1
}

// FileName is the CSV name for one cell.
func FileName(group, split string) string {
	g := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(group)
	return fmt.Sprintf("%s_%s.csv", g, split)
}

// WriteCSV writes one CSV per cell under dir and records each path in res.
// Empty cells produce a header-only file.
func WriteCSV(dir string, res *Result) error {
	for i := range res.Cells {
		c := &res.Cells[i]
		path := filepath.Join(dir, FileName(c.Group, c.Split))
		if err := (table.Table{Records: c.Records}).WriteFile(path); err != nil {
			return fmt.Errorf("write split %s/%s: %w", c.Group, c.Split, err)
		}
		c.Path = path
	}
	return nil
}
