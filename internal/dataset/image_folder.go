// Package dataset loads labelled images from a class-per-directory tree
// and serves them as fixed-size tensor batches.
package dataset

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// DefaultExtensions are the image file extensions picked up by ImageFolder
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolder is a dataset where each subdirectory of the root is a class
// and the class label is the directory name.
type ImageFolder struct {
	root    string
	paths   []string
	labels  []string
	classes []string
}

// NewImageFolder scans root. Classes are sorted by name and images within
// a class by file name. When classes is non-empty only those
// subdirectories are read.
func NewImageFolder(root string, classes ...string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeEmptyDataset,
			fmt.Sprintf("failed to list classes in %s", root))
	}

	wanted := make(map[string]bool, len(classes))
	for _, c := range classes {
		wanted[c] = true
	}

	ds := &ImageFolder{root: root}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		class := entry.Name()
		if len(wanted) > 0 && !wanted[class] {
			continue
		}

		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeEmptyDataset,
				fmt.Sprintf("failed to list images of class %s", class))
		}

		found := false
		for _, f := range files {
			if f.IsDir() || !hasImageExtension(f.Name()) {
				continue
			}
			ds.paths = append(ds.paths, filepath.Join(root, class, f.Name()))
			ds.labels = append(ds.labels, class)
			found = true
		}
		if found {
			ds.classes = append(ds.classes, class)
		}
	}
	sort.Strings(ds.classes)

	for c := range wanted {
		if !contains(ds.classes, c) {
			return nil, errors.NewInsufficientDataError(c, fmt.Sprintf("class %s has no images in %s", c, root))
		}
	}
	if len(ds.paths) == 0 {
		return nil, errors.NewDataError(errors.CodeEmptyDataset, fmt.Sprintf("no images found in %s", root))
	}

	return ds, nil
}

func hasImageExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range DefaultExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Root returns the scanned directory
func (d *ImageFolder) Root() string {
	return d.root
}

// Len returns the number of images
func (d *ImageFolder) Len() int {
	return len(d.paths)
}

// Item returns the path and label of image i
func (d *ImageFolder) Item(i int) (string, string, error) {
	if i < 0 || i >= len(d.paths) {
		return "", "", errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("index %d out of range [0, %d)", i, len(d.paths)))
	}
	return d.paths[i], d.labels[i], nil
}

// Classes returns the sorted class labels
func (d *ImageFolder) Classes() []string {
	out := make([]string, len(d.classes))
	copy(out, d.classes)
	return out
}

// ClassDistribution returns the number of images per class
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classes))
	for _, label := range d.labels {
		dist[label]++
	}
	return dist
}

// Split partitions the images into two datasets, the first holding
// trainRatio of them. The permutation is drawn from seed.
func (d *ImageFolder) Split(trainRatio float64, seed uint64) (*ImageFolder, *ImageFolder, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("train ratio must be in (0, 1), got %g", trainRatio))
	}
	n := len(d.paths)
	trainSize := int(float64(n) * trainRatio)
	if trainSize == 0 || trainSize == n {
		return nil, nil, errors.NewDataError(errors.CodeEmptyDataset,
			fmt.Sprintf("cannot split %d images with ratio %g", n, trainRatio))
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(n)

	return d.subset(perm[:trainSize]), d.subset(perm[trainSize:]), nil
}

func (d *ImageFolder) subset(indices []int) *ImageFolder {
	out := &ImageFolder{root: d.root}
	seen := make(map[string]bool)
	for _, i := range indices {
		out.paths = append(out.paths, d.paths[i])
		out.labels = append(out.labels, d.labels[i])
		if !seen[d.labels[i]] {
			seen[d.labels[i]] = true
			out.classes = append(out.classes, d.labels[i])
		}
	}
	sort.Strings(out.classes)
	return out
}

// Filter returns the images of the given classes, in their current order
func (d *ImageFolder) Filter(classes ...string) (*ImageFolder, error) {
	var indices []int
	for i, label := range d.labels {
		if contains(classes, label) {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, errors.NewInsufficientDataError(strings.Join(classes, ","),
			fmt.Sprintf("no images of %v in %s", classes, d.root))
	}
	return d.subset(indices), nil
}
