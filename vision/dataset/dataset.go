// Package dataset provides labelled image sources for binary classification:
// CSV manifests (filename, class) and directory-per-class folders.
package dataset

import (
	"errors"
	"sort"
)

var (
	// ErrNotBinary is returned when a binary dataset does not have exactly two classes
	ErrNotBinary = errors.New("binary class mode requires exactly two classes")

	// ErrNoImages is returned when a source yields no usable images
	ErrNoImages = errors.New("no images found")
)

// Dataset is the contract data loaders consume
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	ClassNames() []string
}

// DefaultExtensions are the image formats accepted when validating filenames
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// classIndex maps sorted class names to consecutive indices
func classIndex(names []string) ([]string, map[string]int) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	idx := make(map[string]int, len(sorted))
	for i, n := range sorted {
		idx[n] = i
	}
	return sorted, idx
}
