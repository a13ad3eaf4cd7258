package compressor

import (
	"fmt"
)

// Factor controls how strongly an image is compressed: the JPEG quality in
// (0, 100] and the resize ratio in (0, 1] applied to both dimensions.
// The zero value is not a valid Factor; use NewFactor or DefaultFactor.
type Factor struct {
	quality   float64
	sizeRatio float64
}

// NewFactor validates quality and sizeRatio and returns a Factor.
// The recommended quality range is 60 to 80.
func NewFactor(quality, sizeRatio float64) (Factor, error) {
	if !(quality > 0 && quality <= 100) {
		return Factor{}, fmt.Errorf("%w: quality %v outside (0, 100]", ErrInvalidFactor, quality)
	}
	if !(sizeRatio > 0 && sizeRatio <= 1) {
		return Factor{}, fmt.Errorf("%w: size ratio %v outside (0, 1]", ErrInvalidFactor, sizeRatio)
	}
	return Factor{quality: quality, sizeRatio: sizeRatio}, nil
}

// DefaultFactor returns quality 80 with a 0.8 size ratio.
func DefaultFactor() Factor {
	return Factor{quality: 80, sizeRatio: 0.8}
}

// Quality returns the JPEG quality.
func (f Factor) Quality() float64 {
	return f.quality
}

// SizeRatio returns the resize ratio.
func (f Factor) SizeRatio() float64 {
	return f.sizeRatio
}

// IsZero reports whether f is the zero value.
func (f Factor) IsZero() bool {
	return f.quality == 0 && f.sizeRatio == 0
}

func (f Factor) String() string {
	return fmt.Sprintf("quality=%g ratio=%g", f.quality, f.sizeRatio)
}

// FactorFunc picks a Factor for one image from its pixel dimensions and its
// file size in bytes. It must be safe for concurrent use.
type FactorFunc func(width, height int, fileSize int64) Factor

// FixedFactor returns a FactorFunc that always yields f.
func FixedFactor(f Factor) FactorFunc {
	return func(int, int, int64) Factor {
		return f
	}
}

// sizeTier maps a file size upper bound to a Factor.
type sizeTier struct {
	maxBytes int64
	factor   Factor
}

var sizeTiers = []sizeTier{
	{maxBytes: 500 << 10, factor: Factor{quality: 85, sizeRatio: 1}},
	{maxBytes: 2 << 20, factor: Factor{quality: 80, sizeRatio: 0.8}},
	{maxBytes: 5 << 20, factor: Factor{quality: 75, sizeRatio: 0.7}},
}

// maxEdge is the longest side SizeBasedFactor lets through untouched.
const maxEdge = 4096

// SizeBasedFactor lowers quality as files get bigger and additionally shrinks
// images whose longest side exceeds 4096 pixels.
func SizeBasedFactor(width, height int, fileSize int64) Factor {
	f := Factor{quality: 70, sizeRatio: 0.6}
	for _, tier := range sizeTiers {
		if fileSize <= tier.maxBytes {
			f = tier.factor
			break
		}
	}

	edge := max(width, height)
	if edge > maxEdge {
		if limit := float64(maxEdge) / float64(edge); limit < f.sizeRatio {
			f.sizeRatio = limit
		}
	}
	return f
}
