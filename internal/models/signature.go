// Package models holds the types shared by the signature, storage, ranking and search packages.
package models

import "fmt"

// Color is the mean of one cell in R, G, B order. Channels are in [0,255].
type Color [3]float64

// Signature is a depth x depth grid of cell colors, indexed [row][col].
type Signature [][]Color

// NewSignature allocates a zeroed signature of the given depth.
func NewSignature(depth int) Signature {
	sig := make(Signature, depth)
	for i := range sig {
		sig[i] = make([]Color, depth)
	}
	return sig
}

// Depth returns the number of rows.
func (s Signature) Depth() int {
	return len(s)
}

// Validate checks that s is a square grid of the given depth.
func (s Signature) Validate(depth int) error {
	if len(s) != depth {
		return fmt.Errorf("signature has %d rows, want %d", len(s), depth)
	}
	for i, row := range s {
		if len(row) != depth {
			return fmt.Errorf("signature row %d has %d cells, want %d", i, len(row), depth)
		}
	}
	return nil
}

// Flatten returns the channels of every cell in row-major order.
func (s Signature) Flatten() []float64 {
	out := make([]float64, 0, len(s)*len(s)*3)
	for _, row := range s {
		for _, c := range row {
			out = append(out, c[0], c[1], c[2])
		}
	}
	return out
}

// Equal reports whether two signatures have the same shape and values.
func (s Signature) Equal(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if len(s[i]) != len(o[i]) {
			return false
		}
		for j := range s[i] {
			if s[i][j] != o[i][j] {
				return false
			}
		}
	}
	return true
}

// Record pairs an image path with its signature.
type Record struct {
	Path      string    `json:"path"`
	Signature Signature `json:"signature"`
}

// SplitDepthMismatchError is returned when two signatures or a signature and a
// storage with different split depths are combined.
type SplitDepthMismatchError struct {
	Want int
	Got  int
	Path string
}

func (e *SplitDepthMismatchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("split depth mismatch for %s: want %d, got %d", e.Path, e.Want, e.Got)
	}
	return fmt.Sprintf("split depth mismatch: want %d, got %d", e.Want, e.Got)
}
