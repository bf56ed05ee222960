// Package stats computes the per-FOV intensity features: per-z mean and
// standard deviation, pooled percentiles and the summed z profile.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"fovpipe/internal/volume"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInvalidDimensionality aliases the volume error so callers can test either.
	ErrInvalidDimensionality = volume.ErrInvalidDimensionality
	// ErrEmptyStack is returned for volumes without z slices.
	ErrEmptyStack = errors.New("volume has no z slices")
	// ErrPercentileRange is returned for percentile levels outside [0, 100].
	ErrPercentileRange = errors.New("percentile must be within [0, 100]")
)

// DefaultPercentiles returns a fresh copy of the default percentile levels.
func DefaultPercentiles() []float64 {
	return []float64{5, 25, 50, 75, 95}
}

// planes returns the channel block and its dimensions after validating c.
func planes(v *volume.Volume, c int) (block []float64, area, nz int, err error) {
	_, ny, nx, nz, err := v.Dims()
	if err != nil {
		return nil, 0, 0, err
	}
	if nz == 0 {
		return nil, 0, 0, ErrEmptyStack
	}
	block, err = v.Channel(c)
	if err != nil {
		return nil, 0, 0, err
	}
	return block, ny * nx, nz, nil
}

// gather copies the (y, x) plane at z out of a channel block.
func gather(dst, block []float64, area, nz, z int) []float64 {
	dst = dst[:0]
	for i := 0; i < area; i++ {
		dst = append(dst, block[i*nz+z])
	}
	return dst
}

// ZIntensityStats returns the mean and population standard deviation of
// channel c for every z slice.
func ZIntensityStats(v *volume.Volume, c int) (mean, std []float64, err error) {
	block, area, nz, err := planes(v, c)
	if err != nil {
		return nil, nil, err
	}
	mean = make([]float64, nz)
	std = make([]float64, nz)
	buf := make([]float64, 0, area)
	for z := 0; z < nz; z++ {
		buf = gather(buf, block, area, nz, z)
		if len(buf) == 0 {
			mean[z], std[z] = math.NaN(), math.NaN()
			continue
		}
		mean[z], std[z] = stat.PopMeanStdDev(buf, nil)
	}
	return mean, std, nil
}

// Percentiles returns the requested percentile levels of all voxels of
// channel c, interpolating linearly between the closest ranks. A nil levels
// slice means DefaultPercentiles.
func Percentiles(v *volume.Volume, c int, levels []float64) ([]float64, error) {
	block, _, _, err := planes(v, c)
	if err != nil {
		return nil, err
	}
	if levels == nil {
		levels = DefaultPercentiles()
	}
	for _, p := range levels {
		if p < 0 || p > 100 || math.IsNaN(p) {
			return nil, fmt.Errorf("%w: %v", ErrPercentileRange, p)
		}
	}
	if len(block) == 0 {
		return nil, errors.New("channel has no voxels")
	}

	sorted := append([]float64(nil), block...)
	sort.Float64s(sorted)

	out := make([]float64, len(levels))
	last := float64(len(sorted) - 1)
	for i, p := range levels {
		rank := p / 100 * last
		lo := math.Floor(rank)
		hi := math.Ceil(rank)
		a, b := sorted[int(lo)], sorted[int(hi)]
		out[i] = a + (b-a)*(rank-lo)
	}
	return out, nil
}

// ZIntensityProfile sums every channel over y and x for each z slice. It is
// the whole-image entry point and rejects anything but a (c, y, x, z) array.
func ZIntensityProfile(v *volume.Volume) ([][]float64, error) {
	if v == nil || v.NDim() != 4 {
		return nil, ErrInvalidDimensionality
	}
	nc := v.Shape[0]
	out := make([][]float64, nc)
	for c := 0; c < nc; c++ {
		block, area, nz, err := planes(v, c)
		if err != nil {
			return nil, err
		}
		profile := make([]float64, nz)
		buf := make([]float64, 0, area)
		for z := 0; z < nz; z++ {
			buf = gather(buf, block, area, nz, z)
			profile[z] = floats.Sum(buf)
		}
		out[c] = profile
	}
	return out, nil
}
