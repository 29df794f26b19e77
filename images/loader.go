// Package images - Image decoding, rasterization and tensor conversion for records.
package images

import (
	"image"
	_ "image/gif"  // Register GIF decoder.
	_ "image/jpeg" // Register JPEG decoder.
	_ "image/png"  // Register PNG decoder.
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // Register BMP decoder.
	_ "golang.org/x/image/webp" // Register WebP decoder.
)

// Extensions lists the file extensions the loaders recognise as images.
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// Loader materialises pixel data for an image path.
type Loader interface {
	Load(path string) (image.Image, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (image.Image, error)

// Load calls f(path).
func (f LoaderFunc) Load(path string) (image.Image, error) {
	return f(path)
}

// FileLoader decodes images from the local filesystem.
type FileLoader struct{}

// Load opens and decodes the image at path.
//
// Arguments:
//   - path: Path to a JPEG, PNG, GIF, BMP or WebP file.
//
// Returns:
//   - The decoded image.
//   - An error if the file cannot be opened or decoded.
func (FileLoader) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", path)
	}
	return img, nil
}

// Size reads only the image header and returns the width and height.
func Size(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read image header %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// IsImage reports whether the file name carries a known image extension.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ListDirectory returns the image files directly inside dir, sorted by name.
func ListDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
