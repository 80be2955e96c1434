// Package dataset reads labelled image collections laid out one directory
// per class:
//
//	<root>/<class>/<image>
//
// Class names are the sorted sub-directory names and a sample's label is
// its class's index in that order. Datasets are immutable once built.
package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// DefaultExtensions are the file extensions accepted as images.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp", ".gif"}

// Item is one (image path, label) pair.
type Item struct {
	Path  string
	Label int
}

// ImageFolder is an ordered collection of labelled image files.
type ImageFolder struct {
	root       string
	items      []Item
	classNames []string
}

// Option configures NewImageFolder.
type Option func(*folderOptions)

type folderOptions struct {
	extensions []string
}

// WithExtensions overrides DefaultExtensions. Matching is case-insensitive.
func WithExtensions(exts ...string) Option {
	return func(o *folderOptions) {
		o.extensions = exts
	}
}

// NewImageFolder scans root. Files are collected recursively below each
// class directory and sorted by path, so two scans of the same tree yield
// identical datasets. An empty class directory produces a warning; a tree
// without any image is an error.
func NewImageFolder(root string, opts ...Option) (*ImageFolder, error) {
	o := folderOptions{extensions: DefaultExtensions}
	for _, opt := range opts {
		opt(&o)
	}
	allowed := make(map[string]bool, len(o.extensions))
	for _, ext := range o.extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.NewDatasetError(root, "cannot read dataset root", err)
	}

	ds := &ImageFolder{root: root}
	for _, e := range entries {
		if e.IsDir() {
			ds.classNames = append(ds.classNames, e.Name())
		}
	}
	if len(ds.classNames) == 0 {
		return nil, errors.NewDatasetError(root, "no class directories found", nil)
	}
	sort.Strings(ds.classNames)

	for idx, className := range ds.classNames {
		var files []string
		classDir := filepath.Join(root, className)
		err := filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if allowed[strings.ToLower(filepath.Ext(d.Name()))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewDatasetError(root, fmt.Sprintf("cannot walk class %q", className), err)
		}
		if len(files) == 0 {
			errors.Warn(errors.NewEmptyClassWarning(root, className))
			continue
		}
		sort.Strings(files)
		for _, f := range files {
			ds.items = append(ds.items, Item{Path: f, Label: idx})
		}
	}

	if len(ds.items) == 0 {
		return nil, errors.NewDatasetError(root, "no images found", nil)
	}
	return ds, nil
}

// Root returns the directory the dataset was read from.
func (d *ImageFolder) Root() string {
	return d.root
}

// Len returns the number of items in the dataset.
func (d *ImageFolder) Len() int {
	return len(d.items)
}

// Item returns the item at index.
func (d *ImageFolder) Item(index int) (Item, error) {
	if index < 0 || index >= len(d.items) {
		return Item{}, errors.NewValueError("ImageFolder.Item",
			fmt.Sprintf("index %d out of range [0, %d)", index, len(d.items)))
	}
	return d.items[index], nil
}

// NumClasses returns the number of class directories.
func (d *ImageFolder) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the sorted class names; the label of a class is its index.
func (d *ImageFolder) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the number of samples per class name.
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, it := range d.items {
		dist[d.classNames[it.Label]]++
	}
	return dist
}

// String returns a short description with per-class counts.
func (d *ImageFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolder(%s): %d samples, %d classes\n", d.root, len(d.items), len(d.classNames))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d\n", className, dist[className])
	}
	return sb.String()
}

// LoadImage opens and decodes the image at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return img, nil
}
