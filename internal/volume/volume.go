// Package volume holds multi-channel z-stack intensity arrays and the readers
// that load them from disk.
package volume

import (
	"errors"
	"fmt"
)

// ErrInvalidDimensionality is returned when an array does not have the
// (channel, y, x, z) shape an operation requires.
var ErrInvalidDimensionality = errors.New("volume must have exactly 4 dimensions (c, y, x, z)")

// Volume is a dense float64 array stored in row-major order. A well-formed
// image volume has Shape (C, Y, X, Z), so z varies fastest.
type Volume struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed (c, y, x, z) volume.
func New(c, y, x, z int) *Volume {
	return &Volume{Shape: []int{c, y, x, z}, Data: make([]float64, c*y*x*z)}
}

// FromData wraps data with the given shape. The data length must equal the
// product of the shape.
func FromData(shape []int, data []float64) (*Volume, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Volume{Shape: append([]int(nil), shape...), Data: data}, nil
}

// NDim reports the number of dimensions.
func (v *Volume) NDim() int { return len(v.Shape) }

// Dims returns (C, Y, X, Z) or ErrInvalidDimensionality.
func (v *Volume) Dims() (c, y, x, z int, err error) {
	if v == nil || len(v.Shape) != 4 {
		return 0, 0, 0, 0, ErrInvalidDimensionality
	}
	return v.Shape[0], v.Shape[1], v.Shape[2], v.Shape[3], nil
}

func (v *Volume) offset(c, y, x, z int) int {
	return ((c*v.Shape[1]+y)*v.Shape[2]+x)*v.Shape[3] + z
}

// At returns the voxel at (c, y, x, z). The volume must be 4-D.
func (v *Volume) At(c, y, x, z int) float64 { return v.Data[v.offset(c, y, x, z)] }

// Set stores val at (c, y, x, z). The volume must be 4-D.
func (v *Volume) Set(c, y, x, z int, val float64) { v.Data[v.offset(c, y, x, z)] = val }

// Channel returns the contiguous (y, x, z) block for channel c. The returned
// slice aliases the volume.
func (v *Volume) Channel(c int) ([]float64, error) {
	nc, ny, nx, nz, err := v.Dims()
	if err != nil {
		return nil, err
	}
	if c < 0 || c >= nc {
		return nil, fmt.Errorf("%w: channel %d of %d", ErrChannelOutOfRange, c, nc)
	}
	size := ny * nx * nz
	return v.Data[c*size : (c+1)*size], nil
}
