package volume

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"fovpipe/internal/fsutil"

	"golang.org/x/image/tiff"
)

var planeName = regexp.MustCompile(`^c(\d+)_z(\d+)\.(tif|tiff|png)$`)

// PlaneDirReader reads a directory holding one grayscale image per
// (channel, z) plane, named c<channel>_z<z>.tif (or .tiff, .png).
type PlaneDirReader struct{}

type planeRef struct {
	c, z int
	path string
}

func (PlaneDirReader) Read(ctx context.Context, dir string) (*Volume, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, err
	}

	var planes []planeRef
	seen := make(map[[2]int]string)
	nc, nz := 0, 0
	for _, f := range files {
		m := planeName.FindStringSubmatch(strings.ToLower(filepath.Base(f)))
		if m == nil {
			continue
		}
		c, _ := strconv.Atoi(m[1])
		z, _ := strconv.Atoi(m[2])
		if prev, ok := seen[[2]int{c, z}]; ok {
			return nil, fmt.Errorf("duplicate plane c%d z%d in %s: %s and %s", c, z, dir, filepath.Base(prev), filepath.Base(f))
		}
		seen[[2]int{c, z}] = f
		planes = append(planes, planeRef{c: c, z: z, path: f})
		nc = max(nc, c+1)
		nz = max(nz, z+1)
	}
	if len(planes) == 0 {
		return nil, fmt.Errorf("no plane images in %s", dir)
	}
	for c := 0; c < nc; c++ {
		for z := 0; z < nz; z++ {
			if _, ok := seen[[2]int{c, z}]; !ok {
				return nil, fmt.Errorf("incomplete stack in %s: plane c%d z%d missing (%d channels x %d slices)", dir, c, z, nc, nz)
			}
		}
	}

	var vol *Volume
	for _, p := range planes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := decodePlane(p.path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.path, err)
		}
		b := img.Bounds()
		if vol == nil {
			vol = New(nc, b.Dy(), b.Dx(), nz)
		} else if b.Dy() != vol.Shape[1] || b.Dx() != vol.Shape[2] {
			return nil, fmt.Errorf("plane %s is %dx%d, expected %dx%d", p.path, b.Dx(), b.Dy(), vol.Shape[2], vol.Shape[1])
		}
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				vol.Set(p.c, y, x, p.z, float64(g.Y))
			}
		}
	}
	return vol, nil
}

func decodePlane(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return png.Decode(f)
	}
	return tiff.Decode(f)
}

// WritePlaneDir stores v as 16-bit TIFF planes readable by PlaneDirReader.
// Values are clamped to [0, 65535].
func WritePlaneDir(dir string, v *Volume) error {
	nc, ny, nx, nz, err := v.Dims()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for c := 0; c < nc; c++ {
		for z := 0; z < nz; z++ {
			img := image.NewGray16(image.Rect(0, 0, nx, ny))
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					val := min(max(v.At(c, y, x, z), 0), 65535)
					img.SetGray16(x, y, color.Gray16{Y: uint16(val)})
				}
			}
			if err := writeTIFF(filepath.Join(dir, fmt.Sprintf("c%d_z%d.tif", c, z)), img); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
