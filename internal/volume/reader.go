package volume

import (
	"context"
	"fmt"
	"os"
)

// Reader loads the raw (c, y, x, z) image referenced by a catalog path.
type Reader interface {
	Read(ctx context.Context, path string) (*Volume, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, path string) (*Volume, error)

func (f ReaderFunc) Read(ctx context.Context, path string) (*Volume, error) { return f(ctx, path) }

// AutoReader reads directories of plane files with Planes and single stack
// files with Stack.
type AutoReader struct {
	Planes Reader
	Stack  Reader
}

// NewAutoReader wires the default readers. channels and pageOrder describe
// how pages are laid out in multi-page stack files.
func NewAutoReader(channels int, pageOrder string, scale float64) *AutoReader {
	return &AutoReader{
		Planes: PlaneDirReader{},
		Stack:  &MagickReader{Channels: channels, PageOrder: pageOrder, Scale: scale},
	}
}

func (a *AutoReader) Read(ctx context.Context, path string) (*Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		if a.Planes == nil {
			return nil, fmt.Errorf("no plane reader configured for %s", path)
		}
		return a.Planes.Read(ctx, path)
	}
	if a.Stack == nil {
		return nil, fmt.Errorf("no stack reader configured for %s", path)
	}
	return a.Stack.Read(ctx, path)
}
