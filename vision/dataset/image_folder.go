package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
// Classes are the sorted subdirectory names; files are listed in name order.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		allowed[strings.ToLower(e)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}

	dataset := &ImageFolderDataset{}
	dataset.classNames, dataset.classToIdx = classIndex(classes)

	for idx, className := range dataset.classNames {
		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", className, err)
		}
		for _, f := range files {
			if f.IsDir() || !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(root, className, f.Name()))
			dataset.labels = append(dataset.labels, idx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}
	return dataset, nil
}

// NewBinaryImageFolderDataset is NewImageFolderDataset that insists on two classes
func NewBinaryImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	ds, err := NewImageFolderDataset(root, extensions)
	if err != nil {
		return nil, err
	}
	if ds.NumClasses() != 2 {
		return nil, fmt.Errorf("%w: %s has %d classes %v", ErrNotBinary, root, ds.NumClasses(), ds.classNames)
	}
	return ds, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Filenames returns the image paths in dataset order
func (d *ImageFolderDataset) Filenames() []string {
	return append([]string(nil), d.imagePaths...)
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split splits the dataset into train and validation sets. A nil rng keeps
// the original order.
func (d *ImageFolderDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// FilterByClass creates a new dataset containing only samples from specified classes
func (d *ImageFolderDataset) FilterByClass(classNames []string) *ImageFolderDataset {
	var keep []int
	wanted := make(map[int]bool)
	for _, className := range classNames {
		if idx, exists := d.classToIdx[className]; exists {
			wanted[idx] = true
		}
	}
	for i, label := range d.labels {
		if wanted[label] {
			keep = append(keep, i)
		}
	}
	return d.Subset(keep)
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	names := append([]string(nil), d.classNames...)
	sort.Strings(names)
	for _, className := range names {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}
	return sb.String()
}
