package volume

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fovpipe/internal/fov"
)

func rampVolume(c, y, x, z int) *Volume {
	v := New(c, y, x, z)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func TestExtractReordersChannels(t *testing.T) {
	src := rampVolume(3, 2, 2, 2)
	m := ChannelMap{Brightfield: 2, DNA: 0, Membrane: 1, Structure: 1}

	out, err := Extract(src, m, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Shape[0] != 4 {
		t.Fatalf("expected 4 channels, got %v", out.Shape)
	}
	for i, raw := range []int{2, 0, 1, 1} {
		want, _ := src.Channel(raw)
		got, _ := out.Channel(i)
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("channel %d mismatch at %d: %v != %v", i, j, got[j], want[j])
			}
		}
	}
}

func TestExtractRepeatedLabelDuplicates(t *testing.T) {
	src := rampVolume(2, 3, 3, 4)
	out, err := Extract(src, MapFor(fov.ChannelIndex{Brightfield: 1}), []Label{Brightfield, Brightfield})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	a, _ := out.Channel(0)
	b, _ := out.Channel(1)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical slices, differ at %d", i)
		}
	}
	a[0] = -1
	if b[0] == -1 {
		t.Fatalf("duplicated channels must not alias each other")
	}
}

func TestExtractUnmappedLabel(t *testing.T) {
	src := rampVolume(2, 1, 1, 1)
	_, err := Extract(src, ChannelMap{Brightfield: 0}, []Label{Brightfield, DNA})
	if !errors.Is(err, ErrInvalidChannelLabel) {
		t.Fatalf("expected ErrInvalidChannelLabel, got %v", err)
	}
	_, err = Extract(src, ChannelMap{Brightfield: 0}, []Label{"Mito"})
	if !errors.Is(err, ErrInvalidChannelLabel) {
		t.Fatalf("expected ErrInvalidChannelLabel for unknown label, got %v", err)
	}
}

func TestExtractOutOfRange(t *testing.T) {
	src := rampVolume(2, 1, 1, 1)
	_, err := Extract(src, ChannelMap{Brightfield: 5}, []Label{Brightfield})
	if !errors.Is(err, ErrChannelOutOfRange) {
		t.Fatalf("expected ErrChannelOutOfRange, got %v", err)
	}
}

func TestExtractRejectsNon4D(t *testing.T) {
	v, err := FromData([]int{2, 2, 2}, make([]float64, 8))
	if err != nil {
		t.Fatalf("from data: %v", err)
	}
	if _, err := Extract(v, ChannelMap{Brightfield: 0}, nil); !errors.Is(err, ErrInvalidDimensionality) {
		t.Fatalf("expected ErrInvalidDimensionality, got %v", err)
	}
}

func TestDefaultChannelOrderIsFresh(t *testing.T) {
	a := DefaultChannelOrder()
	a[0] = "mutated"
	if DefaultChannelOrder()[0] != Brightfield {
		t.Fatalf("default order must not be shared")
	}
}

func TestParseLabels(t *testing.T) {
	got, err := ParseLabels([]string{"DNA", "Struct"})
	if err != nil || len(got) != 2 || got[1] != Structure {
		t.Fatalf("unexpected parse result %v %v", got, err)
	}
	if _, err := ParseLabels([]string{"GFP"}); !errors.Is(err, ErrInvalidChannelLabel) {
		t.Fatalf("expected invalid label error, got %v", err)
	}
}

func TestFromDataValidatesLength(t *testing.T) {
	if _, err := FromData([]int{2, 2}, make([]float64, 3)); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestPlaneDirRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fov")
	src := rampVolume(2, 3, 4, 5)
	if err := WritePlaneDir(dir, src); err != nil {
		t.Fatalf("write planes: %v", err)
	}
	got, err := PlaneDirReader{}.Read(context.Background(), dir)
	if err != nil {
		t.Fatalf("read planes: %v", err)
	}
	for i, s := range src.Shape {
		if got.Shape[i] != s {
			t.Fatalf("shape mismatch: %v vs %v", got.Shape, src.Shape)
		}
	}
	for i := range src.Data {
		if got.Data[i] != src.Data[i] {
			t.Fatalf("value mismatch at %d: %v != %v", i, got.Data[i], src.Data[i])
		}
	}
}

func TestPlaneDirIncompleteStack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fov")
	if err := WritePlaneDir(dir, rampVolume(2, 2, 2, 2)); err != nil {
		t.Fatalf("write planes: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "c1_z1.tif")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := (PlaneDirReader{}).Read(context.Background(), dir); err == nil {
		t.Fatalf("expected incomplete stack error")
	}
}

func TestPlaneDirIgnoresNestedCopies(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fov")
	if err := WritePlaneDir(dir, rampVolume(2, 2, 2, 2)); err != nil {
		t.Fatalf("write planes: %v", err)
	}
	old := filepath.Join(dir, "old")
	if err := os.MkdirAll(old, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"c0_z0.tif", "c1_z1.tif"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(old, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"c0_z1.tif", "c1_z0.tif"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := (PlaneDirReader{}).Read(context.Background(), dir); err == nil {
		t.Fatalf("expected missing planes to be reported")
	}
}

func TestPlaneDirRejectsDuplicatePlanes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fov")
	if err := WritePlaneDir(dir, rampVolume(2, 2, 2, 2)); err != nil {
		t.Fatalf("write planes: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "c0_z0.tif"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c0_z0.tiff"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = (PlaneDirReader{}).Read(context.Background(), dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate plane") {
		t.Fatalf("expected duplicate plane error, got %v", err)
	}
}

func TestAutoReaderDispatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "stack.tiff")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var planes, stacks int
	r := &AutoReader{
		Planes: ReaderFunc(func(ctx context.Context, path string) (*Volume, error) { planes++; return New(1, 1, 1, 1), nil }),
		Stack:  ReaderFunc(func(ctx context.Context, path string) (*Volume, error) { stacks++; return New(1, 1, 1, 1), nil }),
	}
	ctx := context.Background()
	if _, err := r.Read(ctx, dir); err != nil {
		t.Fatalf("dir read: %v", err)
	}
	if _, err := r.Read(ctx, file); err != nil {
		t.Fatalf("file read: %v", err)
	}
	if planes != 1 || stacks != 1 {
		t.Fatalf("expected one call each, got planes=%d stacks=%d", planes, stacks)
	}
	if _, err := r.Read(ctx, filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected stat error for missing path")
	}
}

func TestMagickPageIndex(t *testing.T) {
	zc := &MagickReader{Channels: 3, PageOrder: "ZC"}
	if c, z := zc.pageIndex(7, 4); c != 1 || z != 2 {
		t.Fatalf("ZC page 7: got c=%d z=%d", c, z)
	}
	cz := &MagickReader{Channels: 3, PageOrder: "CZ"}
	if c, z := cz.pageIndex(7, 4); c != 1 || z != 3 {
		t.Fatalf("CZ page 7: got c=%d z=%d", c, z)
	}
}
