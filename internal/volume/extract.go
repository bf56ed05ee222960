package volume

import (
	"errors"
	"fmt"

	"fovpipe/internal/fov"
)

// Label names an imaging modality independent of its raw channel number.
type Label string

const (
	Brightfield Label = "BF"
	DNA         Label = "DNA"
	Membrane    Label = "Cell"
	Structure   Label = "Struct"
)

var (
	// ErrInvalidChannelLabel is returned when a requested label has no raw channel.
	ErrInvalidChannelLabel = errors.New("invalid channel label")
	// ErrChannelOutOfRange is returned when a mapped raw channel does not exist in the image.
	ErrChannelOutOfRange = errors.New("channel index out of range")
)

// DefaultChannelOrder returns a fresh copy of the canonical order.
func DefaultChannelOrder() []Label {
	return []Label{Brightfield, DNA, Membrane, Structure}
}

// ParseLabels converts strings to labels, rejecting unknown names.
func ParseLabels(names []string) ([]Label, error) {
	out := make([]Label, 0, len(names))
	for _, n := range names {
		l := Label(n)
		switch l {
		case Brightfield, DNA, Membrane, Structure:
			out = append(out, l)
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidChannelLabel, n)
		}
	}
	return out, nil
}

// ChannelMap resolves labels to raw channel indices. Several labels may share
// an index.
type ChannelMap map[Label]int

// MapFor builds the channel map recorded on a catalog row.
func MapFor(idx fov.ChannelIndex) ChannelMap {
	return ChannelMap{
		Brightfield: idx.Brightfield,
		DNA:         idx.DNA,
		Membrane:    idx.Membrane,
		Structure:   idx.Structure,
	}
}

// Extract returns a new volume whose channels follow order. Repeated labels
// produce duplicated channel slices. A nil order means DefaultChannelOrder.
func Extract(src *Volume, m ChannelMap, order []Label) (*Volume, error) {
	nc, ny, nx, nz, err := src.Dims()
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = DefaultChannelOrder()
	}

	raw := make([]int, len(order))
	for i, label := range order {
		c, ok := m[label]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChannelLabel, label)
		}
		if c < 0 || c >= nc {
			return nil, fmt.Errorf("%w: %s maps to %d, image has %d channels", ErrChannelOutOfRange, label, c, nc)
		}
		raw[i] = c
	}

	out := New(len(order), ny, nx, nz)
	size := ny * nx * nz
	for i, c := range raw {
		copy(out.Data[i*size:(i+1)*size], src.Data[c*size:(c+1)*size])
	}
	return out, nil
}
