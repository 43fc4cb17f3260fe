// Package signature computes color signatures: a depth x depth grid of
// average colors covering the whole image.
package signature

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/hyperjump/niteru/internal/models"
)

// DefaultDepth is the split depth used when none is configured.
const DefaultDepth = 4

// InvalidImageError is returned when an image cannot be split into depth x depth
// non-empty cells.
type InvalidImageError struct {
	Width  int
	Height int
	Depth  int
}

func (e *InvalidImageError) Error() string {
	if e.Depth < 1 {
		return fmt.Sprintf("invalid split depth %d", e.Depth)
	}
	return fmt.Sprintf("image %dx%d is too small for split depth %d", e.Width, e.Height, e.Depth)
}

// Span is a half-open pixel range [From, To) along one axis.
type Span struct {
	From int
	To   int
}

// Len returns the number of pixels in the span.
func (s Span) Len() int { return s.To - s.From }

// Spans partitions an axis of n pixels into depth contiguous spans. Span i
// covers [floor(i*n/depth), floor((i+1)*n/depth)), so lengths differ by at
// most one and the last span ends at n.
func Spans(n, depth int) []Span {
	if depth < 1 {
		return nil
	}
	spans := make([]Span, depth)
	for i := range spans {
		spans[i] = Span{From: i * n / depth, To: (i + 1) * n / depth}
	}
	return spans
}

// Compute returns the signature of img at the given depth. Alpha is ignored;
// each cell holds the unrounded per-channel mean of its pixels.
func Compute(img image.Image, depth int) (models.Signature, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if depth < 1 || w < depth || h < depth {
		return nil, &InvalidImageError{Width: w, Height: h, Depth: depth}
	}

	// NRGBA keeps color channels un-premultiplied, so alpha can be dropped as is.
	src := imaging.Clone(img)
	rows := Spans(h, depth)
	cols := Spans(w, depth)

	sig := models.NewSignature(depth)
	for r, rs := range rows {
		for c, cs := range cols {
			var sum [3]float64
			for y := rs.From; y < rs.To; y++ {
				off := y*src.Stride + cs.From*4
				for x := cs.From; x < cs.To; x++ {
					sum[0] += float64(src.Pix[off])
					sum[1] += float64(src.Pix[off+1])
					sum[2] += float64(src.Pix[off+2])
					off += 4
				}
			}
			n := float64(rs.Len() * cs.Len())
			sig[r][c] = models.Color{sum[0] / n, sum[1] / n, sum[2] / n}
		}
	}
	return sig, nil
}
