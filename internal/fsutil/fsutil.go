package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
}

var catalogExts = map[string]struct{}{
	".csv":  {},
	".xlsx": {},
}

// ListImages returns the image files directly inside dir, sorted by path.
// Subdirectories are not descended into.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsImageFile checks if a file is a supported plane or stack image.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsCatalogFile checks if a file is a supported FOV catalog.
func IsCatalogFile(path string) bool {
	_, ok := catalogExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
