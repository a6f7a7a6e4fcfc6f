package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// touch creates an empty file; manifests only check that files exist
func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestParseManifestRenamesAndSortsClasses(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.jpg", "c.png", "d.png"} {
		touch(t, filepath.Join(dir, name))
	}
	csv := "Var1,Var2\n" +
		"a.png,tumour\n" +
		"b.jpg,normal\n" +
		"missing.png,normal\n" +
		"notes.txt,tumour\n" +
		"c.png,tumour\n" +
		"d.png,normal\n"

	opts := DefaultManifestOptions()
	opts.BaseDir = dir
	ds, err := ParseManifest(strings.NewReader(csv), opts)
	require.NoError(t, err)

	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, 2, ds.Invalid())
	assert.Equal(t, []string{"normal", "tumour"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"normal": 0, "tumour": 1}, ds.ClassIndices())
	assert.Equal(t, []string{"a.png", "b.jpg", "c.png", "d.png"}, ds.Filenames())
	assert.Equal(t, []int{1, 0, 1, 0}, ds.Classes())
	assert.Equal(t, map[string]int{"normal": 2, "tumour": 2}, ds.ClassDistribution())

	path, label, err := ds.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.png"), path)
	assert.Equal(t, 1, label)

	_, _, err = ds.GetItem(4)
	assert.Error(t, err)
	assert.Contains(t, ds.String(), "2 invalid")
}

func TestParseManifestValuesAreStrings(t *testing.T) {
	// numeric class values keep their textual form and sort as strings
	csv := "filename,class\n/x/1.png,10\n/x/2.png,9\n"
	opts := DefaultManifestOptions()
	opts.ValidateFilenames = false

	ds, err := ParseManifest(strings.NewReader(csv), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "9"}, ds.ClassNames())
	assert.Equal(t, []int{0, 1}, ds.Classes())
}

func TestParseManifestErrors(t *testing.T) {
	opts := DefaultManifestOptions()
	opts.ValidateFilenames = false

	tests := []struct {
		name string
		csv  string
		is   error
	}{
		{"three_classes", "Var1,Var2\na.png,x\nb.png,y\nc.png,z\n", ErrNotBinary},
		{"one_class", "Var1,Var2\na.png,x\nb.png,x\n", ErrNotBinary},
		{"missing_column", "name,label\na.png,x\n", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(tt.csv), opts)
			require.Error(t, err)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}

	opts.ValidateFilenames = true
	_, err := ParseManifest(strings.NewReader("Var1,Var2\n/none/a.png,x\n/none/b.png,y\n"), opts)
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestLoadManifestAndSubset(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("Var1,Var2\n")
	for i := 0; i < 6; i++ {
		p := filepath.Join(dir, fmt.Sprintf("img_%d.png", i))
		touch(t, p)
		fmt.Fprintf(&b, "%s,%s\n", p, []string{"neg", "pos"}[i%2])
	}
	manifest := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(manifest, []byte(b.String()), 0o644))

	core, logs := observer.New(zap.DebugLevel)
	opts := DefaultManifestOptions()
	opts.Logger = zap.New(core)
	ds, err := LoadManifest(manifest, opts)
	require.NoError(t, err)
	require.Equal(t, 6, ds.Len())
	// the user-facing count line belongs to the caller
	assert.Zero(t, logs.FilterLevelExact(zap.InfoLevel).Len())
	loaded := logs.FilterMessage("manifest loaded").All()
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(6), loaded[0].ContextMap()["images"])

	sub := ds.Subset([]int{5, 0})
	if diff := cmp.Diff([]int{1, 0}, sub.Classes()); diff != "" {
		t.Errorf("subset labels (-want +got):\n%s", diff)
	}
	assert.Equal(t, ds.ClassNames(), sub.ClassNames())

	_, err = LoadManifest(filepath.Join(dir, "nope.csv"), DefaultManifestOptions())
	assert.Error(t, err)
}

func createImageFolder(t *testing.T, classes []string, imagesPerClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, className := range classes {
		for i := 0; i < imagesPerClass; i++ {
			touch(t, filepath.Join(root, className, fmt.Sprintf("image_%d.jpg", i)))
		}
		touch(t, filepath.Join(root, className, "README.md"))
	}
	return root
}

func TestImageFolderDataset(t *testing.T) {
	root := createImageFolder(t, []string{"dog", "cat", "bird"}, 3)

	ds, err := NewImageFolderDataset(root, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, ds.Len())
	assert.Equal(t, []string{"bird", "cat", "dog"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"bird": 3, "cat": 3, "dog": 3}, ds.ClassDistribution())

	path, label, err := ds.GetItem(3)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, filepath.Join(root, "cat", "image_0.jpg"), path)

	filtered := ds.FilterByClass([]string{"dog", "unknown"})
	assert.Equal(t, 3, filtered.Len())

	train, val := ds.Split(0.6, rand.New(rand.NewSource(123)))
	assert.Equal(t, 5, train.Len())
	assert.Equal(t, 4, val.Len())

	_, err = NewBinaryImageFolderDataset(root, nil)
	assert.ErrorIs(t, err, ErrNotBinary)

	binary, err := NewBinaryImageFolderDataset(createImageFolder(t, []string{"pos", "neg"}, 2), nil)
	require.NoError(t, err)
	assert.Contains(t, binary.String(), "neg: 2 samples")

	_, err = NewImageFolderDataset(t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNoImages)
}
