package signature

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/hyperjump/niteru/internal/models"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultExtensions lists the file extensions treated as images when no list is configured.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// DecodeError is returned when a file cannot be opened or decoded as an image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeOptions controls how image files are decoded.
type DecodeOptions struct {
	// AutoOrient applies the EXIF orientation tag before computing the signature.
	AutoOrient bool
}

// Decode opens and decodes the image at path. The file is closed before returning.
func Decode(path string, opts DecodeOptions) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// DecodeReader decodes an image from r.
func DecodeReader(r io.Reader, opts DecodeOptions) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return img, nil
}

// FromFile decodes the image at path and computes its signature.
func FromFile(path string, depth int, opts DecodeOptions) (models.Signature, error) {
	img, err := Decode(path, opts)
	if err != nil {
		return nil, err
	}
	return Compute(img, depth)
}

// FromReader decodes an image from r and computes its signature.
func FromReader(r io.Reader, depth int, opts DecodeOptions) (models.Signature, error) {
	img, err := DecodeReader(r, opts)
	if err != nil {
		return nil, err
	}
	return Compute(img, depth)
}

// IsImage reports whether path has one of the given extensions. Matching is
// case-insensitive and the leading dot is optional. An empty list matches everything.
func IsImage(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
