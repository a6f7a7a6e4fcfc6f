package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ManifestOptions configures how a CSV manifest is read
type ManifestOptions struct {
	// Renames is applied to header names before the filename and class
	// columns are looked up
	Renames        map[string]string
	FilenameColumn string
	ClassColumn    string

	// BaseDir resolves relative filenames; empty leaves them as written
	BaseDir string

	// ValidateFilenames drops rows whose file is missing or whose extension
	// is not an image format
	ValidateFilenames bool
	Extensions        []string

	Logger *zap.Logger
}

// DefaultManifestOptions renames Var1/Var2 to filename/class and validates filenames
func DefaultManifestOptions() ManifestOptions {
	return ManifestOptions{
		Renames:           map[string]string{"Var1": "filename", "Var2": "class"},
		FilenameColumn:    "filename",
		ClassColumn:       "class",
		ValidateFilenames: true,
		Extensions:        DefaultExtensions,
	}
}

// ManifestDataset is a binary dataset described by a CSV file. All values
// are kept as strings; classes are the sorted distinct values of the class
// column and map to 0 and 1.
type ManifestDataset struct {
	filenames  []string // as written in the manifest
	paths      []string // resolved against BaseDir
	labels     []int
	classNames []string
	classToIdx map[string]int
	invalid    int
}

// LoadManifest reads a CSV manifest from disk
func LoadManifest(path string, opts ManifestOptions) (*ManifestDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	ds, err := ParseManifest(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ParseManifest reads a CSV manifest with a header row
func ParseManifest(r io.Reader, opts ManifestOptions) (*ManifestDataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FilenameColumn == "" {
		opts.FilenameColumn = "filename"
	}
	if opts.ClassColumn == "" {
		opts.ClassColumn = "class"
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("manifest has no header row")
	}

	header := records[0]
	fileCol, classCol := -1, -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if renamed, ok := opts.Renames[name]; ok {
			name = renamed
		}
		switch name {
		case opts.FilenameColumn:
			fileCol = i
		case opts.ClassColumn:
			classCol = i
		}
	}
	if fileCol < 0 || classCol < 0 {
		return nil, fmt.Errorf("manifest header %v lacks %q and %q columns", header, opts.FilenameColumn, opts.ClassColumn)
	}

	type row struct{ filename, class string }
	var rows []row
	seen := map[string]bool{}
	for line, rec := range records[1:] {
		if len(rec) <= fileCol || len(rec) <= classCol {
			return nil, fmt.Errorf("row %d has %d fields", line+2, len(rec))
		}
		r := row{filename: rec[fileCol], class: rec[classCol]}
		rows = append(rows, r)
		seen[r.class] = true
	}

	// classes come from every row, before filename validation
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	if len(names) != 2 {
		sort.Strings(names)
		return nil, fmt.Errorf("%w: found %d %v", ErrNotBinary, len(names), names)
	}

	ds := &ManifestDataset{}
	ds.classNames, ds.classToIdx = classIndex(names)

	for _, r := range rows {
		path := r.filename
		if opts.BaseDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(opts.BaseDir, path)
		}
		if opts.ValidateFilenames && !validImageFile(path, opts.Extensions) {
			ds.invalid++
			continue
		}
		ds.filenames = append(ds.filenames, r.filename)
		ds.paths = append(ds.paths, path)
		ds.labels = append(ds.labels, ds.classToIdx[r.class])
	}

	if ds.invalid > 0 {
		logger.Warn("dropped manifest rows with invalid image filenames", zap.Int("invalid", ds.invalid))
	}
	if len(ds.paths) == 0 {
		return nil, ErrNoImages
	}
	logger.Debug("manifest loaded",
		zap.Int("images", len(ds.paths)),
		zap.Int("classes", len(ds.classNames)))
	return ds, nil
}

func validImageFile(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	ok := false
	for _, e := range extensions {
		if ext == e {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Len returns the number of items in the dataset
func (d *ManifestDataset) Len() int {
	return len(d.paths)
}

// GetItem returns the resolved image path and label at the given index
func (d *ManifestDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.paths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.paths))
	}
	return d.paths[index], d.labels[index], nil
}

// Filenames returns the filenames as written in the manifest, in row order
func (d *ManifestDataset) Filenames() []string {
	return append([]string(nil), d.filenames...)
}

// Classes returns the label of every row in order
func (d *ManifestDataset) Classes() []int {
	return append([]int(nil), d.labels...)
}

// ClassNames returns the sorted class names; index i is label i
func (d *ManifestDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassIndices maps class names to labels
func (d *ManifestDataset) ClassIndices() map[string]int {
	out := make(map[string]int, len(d.classToIdx))
	for k, v := range d.classToIdx {
		out[k] = v
	}
	return out
}

// ClassDistribution returns the number of samples per class
func (d *ManifestDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Invalid reports how many rows were dropped by filename validation
func (d *ManifestDataset) Invalid() int {
	return d.invalid
}

// Subset creates a dataset with the rows at indices, keeping class mapping
func (d *ManifestDataset) Subset(indices []int) *ManifestDataset {
	out := &ManifestDataset{classNames: d.classNames, classToIdx: d.classToIdx}
	for _, i := range indices {
		out.filenames = append(out.filenames, d.filenames[i])
		out.paths = append(out.paths, d.paths[i])
		out.labels = append(out.labels, d.labels[i])
	}
	return out
}

// String returns a summary of the dataset
func (d *ManifestDataset) String() string {
	dist := d.ClassDistribution()
	return fmt.Sprintf("ManifestDataset: %d images (%s: %d, %s: %d), %d invalid",
		d.Len(), d.classNames[0], dist[d.classNames[0]], d.classNames[1], dist[d.classNames[1]], d.invalid)
}
