// Package qc filters the consolidated statistics table. ZOrder rejects stacks
// whose DNA intensity peaks on the first slice (likely inverted); ZSize brings
// every z array to one common depth so the table can be stacked.
package qc

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"fovpipe/internal/table"
)

// DNAChannel is the channel whose z peak decides z-order QC.
const DNAChannel = 1

var (
	// ErrMissingChannel is returned when a record lacks a channel QC reads.
	ErrMissingChannel = errors.New("qc: record is missing a required channel")
	// ErrEmptyZ is returned when a z array has no values to resample.
	ErrEmptyZ = errors.New("qc: empty z array")
)

// Result holds both views of a QC pass.
type Result struct {
	// Audit keeps every input record with its QC flag set.
	Audit table.Table
	// Kept holds the passing records, resampled to TargetDepth.
	Kept        table.Table
	TargetDepth int
}

// Apply runs ZOrder and then ZSize on the surviving records.
func Apply(t table.Table) (Result, error) {
	kept, audit, err := ZOrder(t)
	if err != nil {
		return Result{}, err
	}
	sized, target, err := ZSize(kept)
	if err != nil {
		return Result{}, err
	}
	return Result{Audit: audit, Kept: sized, TargetDepth: target}, nil
}

// ZOrder flags each record by the position of its DNA mean-intensity peak.
// A peak at index 0 fails, including ties where index 0 is one of the maxima.
func ZOrder(t table.Table) (kept, audited table.Table, err error) {
	audited.Records = make([]table.Record, 0, len(t.Records))
	kept.Records = make([]table.Record, 0, len(t.Records))
	for _, r := range t.Records {
		if len(r.Features.Channels) <= DNAChannel {
			return table.Table{}, table.Table{}, fmt.Errorf("%w: FOV %d has %d channels", ErrMissingChannel, r.FOVId, len(r.Features.Channels))
		}
		pass := argmax(r.Features.Channels[DNAChannel].MeanByZ) > 0
		r.QC = &pass
		audited.Records = append(audited.Records, r)
		if pass {
			kept.Records = append(kept.Records, r)
		}
	}
	return kept, audited, nil
}

// argmax returns the first index of the maximum, or -1 for an empty slice.
// NaN compares above every number, so the first NaN wins.
func argmax(xs []float64) int {
	if len(xs) == 0 {
		return -1
	}
	for i, x := range xs {
		if math.IsNaN(x) {
			return i
		}
	}
	return floats.MaxIdx(xs)
}

// ZSize resamples every z array to the rounded median channel-0 depth.
// Records already at that depth are returned unchanged.
func ZSize(t table.Table) (table.Table, int, error) {
	if len(t.Records) == 0 {
		return t, 0, nil
	}
	depths := make(stats.Float64Data, 0, len(t.Records))
	for _, r := range t.Records {
		if len(r.Features.Channels) == 0 {
			return table.Table{}, 0, fmt.Errorf("%w: FOV %d has no channels", ErrMissingChannel, r.FOVId)
		}
		depths = append(depths, float64(r.Features.Depth()))
	}
	median, err := depths.Median()
	if err != nil {
		return table.Table{}, 0, fmt.Errorf("qc: median depth: %w", err)
	}
	target := int(math.Round(median))

	out := table.Table{Records: make([]table.Record, len(t.Records))}
	for i, r := range t.Records {
		if !needsResample(r, target) {
			out.Records[i] = r
			continue
		}
		f := r.Features.Clone()
		for c := range f.Channels {
			ch := &f.Channels[c]
			for _, arr := range []*[]float64{&ch.MeanByZ, &ch.StdByZ, &ch.ZProfile} {
				res, err := Resample(*arr, target)
				if err != nil {
					return table.Table{}, 0, fmt.Errorf("FOV %d channel %d: %w", r.FOVId, ch.Channel, err)
				}
				*arr = res
			}
		}
		r.Features = f
		out.Records[i] = r
	}
	return out, target, nil
}

func needsResample(r table.Record, target int) bool {
	for _, ch := range r.Features.Channels {
		if len(ch.MeanByZ) != target || len(ch.StdByZ) != target || len(ch.ZProfile) != target {
			return true
		}
	}
	return false
}

// Resample maps ys onto n evenly spaced positions spanning its own index
// range using piecewise-linear interpolation. A single value is broadcast.
func Resample(ys []float64, n int) ([]float64, error) {
	if n <= 0 {
		return []float64{}, nil
	}
	if len(ys) == n {
		return append([]float64(nil), ys...), nil
	}
	switch len(ys) {
	case 0:
		return nil, ErrEmptyZ
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = ys[0]
		}
		return out, nil
	}

	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	if n == 1 {
		return []float64{ys[0]}, nil
	}
	pos := floats.Span(make([]float64, n), 0, xs[len(xs)-1])
	out := make([]float64, n)
	for i, x := range pos {
		out[i] = pl.Predict(x)
	}
	return out, nil
}
