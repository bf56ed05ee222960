package volume

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	magickOnce sync.Once
	magickMu   sync.Mutex
	magickUp   bool
)

func initMagick() {
	magickOnce.Do(func() {
		imagick.Initialize()
		magickMu.Lock()
		magickUp = true
		magickMu.Unlock()
	})
}

// Shutdown releases ImageMagick if a stack file was ever read.
func Shutdown() {
	magickMu.Lock()
	defer magickMu.Unlock()
	if magickUp {
		imagick.Terminate()
		magickUp = false
	}
}

// MagickReader loads multi-page TIFF stacks through ImageMagick.
type MagickReader struct {
	// Channels is the number of channels interleaved in the page sequence.
	Channels int
	// PageOrder is "ZC" when the channel index varies fastest between pages
	// (the OME default) and "CZ" when z varies fastest.
	PageOrder string
	// Scale multiplies the normalised [0,1] pixel values; 65535 restores
	// 16-bit detector counts.
	Scale float64
}

func (r *MagickReader) Read(ctx context.Context, path string) (*Volume, error) {
	if r.Channels <= 0 {
		return nil, fmt.Errorf("stack reader needs a positive channel count, got %d", r.Channels)
	}
	initMagick()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read stack %s: %w", path, err)
	}
	pages := int(mw.GetNumberImages())
	if pages == 0 || pages%r.Channels != 0 {
		return nil, fmt.Errorf("stack %s has %d pages, not a multiple of %d channels", path, pages, r.Channels)
	}
	nz := pages / r.Channels

	mw.SetIteratorIndex(0)
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	vol := New(r.Channels, int(height), int(width), nz)

	scale := r.Scale
	if scale == 0 {
		scale = 1
	}

	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mw.SetIteratorIndex(p)
		if mw.GetImageWidth() != width || mw.GetImageHeight() != height {
			return nil, fmt.Errorf("page %d of %s has a different size", p, path)
		}
		pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
		if err != nil {
			return nil, fmt.Errorf("failed to export pixels from page %d: %w", p, err)
		}

		var floatPixels []float64
		switch v := pixels.(type) {
		case []float64:
			floatPixels = v
		case []float32:
			floatPixels = make([]float64, len(v))
			for j, val := range v {
				floatPixels[j] = float64(val)
			}
		default:
			return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
		}

		c, z := r.pageIndex(p, nz)
		w := int(width)
		for y := 0; y < int(height); y++ {
			for x := 0; x < w; x++ {
				vol.Set(c, y, x, z, floatPixels[y*w+x]*scale)
			}
		}
	}
	return vol, nil
}

func (r *MagickReader) pageIndex(page, nz int) (c, z int) {
	if strings.EqualFold(r.PageOrder, "CZ") {
		return page / nz, page % nz
	}
	return page % r.Channels, page / r.Channels
}
