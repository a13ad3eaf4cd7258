package compressor

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Codec is the image capability the Compressor depends on.
type Codec interface {
	// Decode reads and decodes the image stored at path.
	Decode(path string) (image.Image, error)
	// Resize scales both dimensions by ratio and returns an opaque image.
	Resize(img image.Image, ratio float64) image.Image
	// EncodeJPEG encodes img as JPEG at the given quality (0-100 scale).
	EncodeJPEG(img image.Image, quality float64) ([]byte, error)
}

// ImagingCodec implements Codec with github.com/disintegration/imaging.
type ImagingCodec struct{}

// NewImagingCodec returns an ImagingCodec.
func NewImagingCodec() *ImagingCodec {
	return &ImagingCodec{}
}

// Decode opens path, honouring the EXIF orientation tag of JPEG files.
func (ImagingCodec) Decode(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img with a triangle filter. Target dimensions are rounded
// toward zero but never drop below one pixel. Fully transparent pixels become
// white and every other pixel loses its alpha.
func (ImagingCodec) Resize(img image.Image, ratio float64) image.Image {
	b := img.Bounds()
	w := max(int(float64(b.Dx())*ratio), 1)
	h := max(int(float64(b.Dy())*ratio), 1)

	var out *image.NRGBA
	if w == b.Dx() && h == b.Dy() {
		out = imaging.Clone(img)
	} else {
		out = imaging.Resize(img, w, h, imaging.Linear)
	}
	flattenAlpha(out)
	return out
}

// EncodeJPEG encodes img at quality rounded to the nearest integer in [1, 100].
func (ImagingCodec) EncodeJPEG(img image.Image, quality float64) ([]byte, error) {
	q := int(math.Round(quality))
	q = min(max(q, 1), 100)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func flattenAlpha(img *image.NRGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			if row[i+3] == 0 {
				row[i], row[i+1], row[i+2] = 0xff, 0xff, 0xff
			}
			row[i+3] = 0xff
		}
	}
}
