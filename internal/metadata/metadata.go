package metadata

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
)

// Mark is written to the EXIF Software tag of every file whose metadata was
// carried over by ExifCopier.
const Mark = "ImageCompressor"

// copiedTags are the EXIF/XMP tags carried from a source image to its
// compressed output. Size, file and thumbnail tags describe the original
// file and are never copied.
var copiedTags = []string{
	"Make",
	"Model",
	"LensModel",
	"Artist",
	"Copyright",
	"ImageDescription",
	"DateTimeOriginal",
	"CreateDate",
	"ModifyDate",
	"OffsetTimeOriginal",
	"ExposureTime",
	"FNumber",
	"ISO",
	"FocalLength",
	"GPSLatitude",
	"GPSLatitudeRef",
	"GPSLongitude",
	"GPSLongitudeRef",
	"GPSAltitude",
	"GPSAltitudeRef",
}

// HasCompressedMark reports whether the EXIF Software tag of the file at path
// contains Mark. Files without readable EXIF data are reported as unmarked.
func HasCompressedMark(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return false
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return false
	}
	val, err := tag.StringVal()
	if err != nil {
		return false
	}
	return strings.Contains(val, Mark)
}

// MarkReader is the function-shaped implementation of a mark check.
type MarkReader func(path string) bool

// HasCompressedMark calls r(path).
func (r MarkReader) HasCompressedMark(path string) bool {
	return r(path)
}

// ExifCopier copies selected metadata between files with a long running
// exiftool process. It is safe for concurrent use.
type ExifCopier struct {
	mtx sync.Mutex
	et  *exiftool.Exiftool
}

// NewExifCopier starts exiftool. It fails when the exiftool binary is missing.
func NewExifCopier() (*ExifCopier, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &ExifCopier{et: et}, nil
}

// CopyAndMark copies the tags listed in copiedTags from src to dst and sets the
// Software tag of dst to Mark.
func (c *ExifCopier) CopyAndMark(src, dst string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	extracted := c.et.ExtractMetadata(src)
	if len(extracted) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", src)
	}
	if extracted[0].Err != nil {
		return fmt.Errorf("failed to read metadata from %s: %w", src, extracted[0].Err)
	}

	target := exiftool.EmptyFileMetadata()
	target.File = dst
	for _, tag := range copiedTags {
		if v, err := extracted[0].GetString(tag); err == nil && v != "" {
			target.SetString(tag, v)
		}
	}
	target.SetString("Software", Mark)

	out := []exiftool.FileMetadata{target}
	c.et.WriteMetadata(out)
	if out[0].Err != nil {
		return fmt.Errorf("failed to write metadata to %s: %w", dst, out[0].Err)
	}
	return nil
}

// Close stops the exiftool process.
func (c *ExifCopier) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.et == nil {
		return errors.New("exiftool already closed")
	}
	err := c.et.Close()
	c.et = nil
	return err
}
