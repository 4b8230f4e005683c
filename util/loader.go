package util

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/chai2010/webp"
	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"
)

// ImageExtensions are the file extensions accepted as test images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".tif", ".tiff"}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Name is the base name of the file.
	Name string
}

// IsImageFile reports whether name has an accepted extension, ignoring case.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadDirectoryImageFiles lists the image files of a directory.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: The images sorted by name; subdirectories are skipped.
// - error: Error if the directory cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() || !IsImageFile(file.Name()) {
			continue
		}
		images = append(images, ImageFile{
			Path: filepath.Join(dir, file.Name()),
			Name: file.Name(),
		})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Name < images[j].Name
	})

	return images, nil
}

// Decode reads and decodes the image file.
func (f ImageFile) Decode() (image.Image, error) {
	return DecodeImage(f.Path)
}

// DecodeImage decodes a JPEG, PNG, WebP or TIFF file.
func DecodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, errors.Errorf("decode %s: empty %s image", path, format)
	}
	return img, nil
}
