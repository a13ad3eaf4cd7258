package compressor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metadata"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyExists means the target JPEG exists and overwriting is off.
	// Nothing was written or removed.
	ErrAlreadyExists = errors.New("compressed file already exists")
	// ErrUnsupportedFormat means the source could not be decoded as an image.
	// The source was copied verbatim into the destination directory.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrAlreadyCompressed means the source carries the metadata.Mark and
	// skipping such files is enabled. Nothing was written or removed.
	ErrAlreadyCompressed = errors.New("file already compressed")
	// ErrInvalidFactor is returned by NewFactor for out of range values.
	ErrInvalidFactor = errors.New("invalid factor")
)

// Action describes what a successful or partially successful call produced.
type Action string

const (
	ActionCompressed Action = "compressed"
	ActionCopied     Action = "copied"
)

// MarkReader reports whether a file was already produced by this tool.
type MarkReader interface {
	HasCompressedMark(path string) bool
}

// MetadataWriter carries metadata from a source image over to its output.
type MetadataWriter interface {
	CopyAndMark(src, dst string) error
}

// Options configures a Compressor.
type Options struct {
	Factor         Factor     // used when FactorFunc is nil; zero means DefaultFactor
	FactorFunc     FactorFunc // picks a Factor per image
	DeleteSource   bool
	Overwrite      bool
	SkipCompressed bool
	MarkReader     MarkReader     // defaults to metadata.HasCompressedMark
	MetadataWriter MetadataWriter // optional
	Logger         *logrus.Logger
}

// Result describes the outcome of one Compress call.
type Result struct {
	InputPath      string
	OutputPath     string
	Action         Action
	OriginalSize   int64
	CompressedSize int64
	Width          int
	Height         int
	Factor         Factor
	SourceDeleted  bool
}

// Compressor turns one source file into a JPEG inside a destination directory.
// It holds no per-call state and is safe for concurrent use.
type Compressor struct {
	codec Codec
	opts  Options
	log   *logrus.Logger
}

// New returns a Compressor using codec. A nil codec selects ImagingCodec.
func New(codec Codec, opts Options) *Compressor {
	if codec == nil {
		codec = NewImagingCodec()
	}
	if opts.Factor.IsZero() {
		opts.Factor = DefaultFactor()
	}
	if opts.FactorFunc == nil {
		opts.FactorFunc = FixedFactor(opts.Factor)
	}
	if opts.SkipCompressed && opts.MarkReader == nil {
		opts.MarkReader = metadata.MarkReader(metadata.HasCompressedMark)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Compressor{codec: codec, opts: opts, log: log}
}

// TargetPath returns destDir/<source stem>.jpg.
func TargetPath(source, destDir string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(destDir, stem+".jpg")
}

// Compress writes a compressed JPEG for source into destDir, which must exist.
//
// When the target exists and overwriting is off, ErrAlreadyExists is returned
// with no side effects. When source cannot be decoded it is copied verbatim
// into destDir and the error wraps ErrUnsupportedFormat; the returned Result
// then has Action ActionCopied. The source is only deleted after the
// compressed file has been fully written.
func (c *Compressor) Compress(source, destDir string) (*Result, error) {
	target := TargetPath(source, destDir)
	entry := logger.WithFileOperation(c.log, source, "compress")

	if !c.opts.Overwrite {
		if _, err := os.Lstat(target); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, filepath.Base(target))
		}
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	res := &Result{InputPath: source, OriginalSize: info.Size()}

	if c.opts.SkipCompressed && c.opts.MarkReader.HasCompressedMark(source) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompressed, filepath.Base(source))
	}

	img, err := c.codec.Decode(source)
	if err != nil {
		return c.copyVerbatim(res, destDir, err)
	}

	bounds := img.Bounds()
	res.Width, res.Height = bounds.Dx(), bounds.Dy()
	res.Factor = c.opts.FactorFunc(res.Width, res.Height, info.Size())

	resized := c.codec.Resize(img, res.Factor.SizeRatio())
	data, err := c.codec.EncodeJPEG(resized, res.Factor.Quality())
	if err != nil {
		return nil, err
	}

	if err := c.writeTarget(source, target, data); err != nil {
		return nil, err
	}
	res.OutputPath = target
	res.Action = ActionCompressed
	res.CompressedSize = int64(len(data))
	entry.WithFields(logrus.Fields{
		"output": target,
		"factor": res.Factor.String(),
	}).Debug("Image compressed")

	if c.opts.DeleteSource && !samePath(source, target) {
		if err := os.Remove(source); err != nil {
			return res, fmt.Errorf("compressed %s but could not delete the source: %w", filepath.Base(source), err)
		}
		res.SourceDeleted = true
	}
	return res, nil
}

// writeTarget writes data to a hidden temp file next to target, lets the
// metadata writer stamp it, then moves it into place. Without Overwrite the
// temp file is hard linked to target so a target created by a concurrent
// call is never replaced.
func (c *Compressor) writeTarget(source, target string, data []byte) error {
	dir := filepath.Dir(target)
	stem := strings.TrimSuffix(filepath.Base(target), ".jpg")

	tmp, err := os.CreateTemp(dir, "."+stem+"-*.jpg")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if c.opts.MetadataWriter != nil {
		if err := c.opts.MetadataWriter.CopyAndMark(source, tmpPath); err != nil {
			c.log.WithField("file", source).Warnf("Metadata not copied: %v", err)
		}
	}

	if c.opts.Overwrite {
		if err := os.Rename(tmpPath, target); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	}

	err = os.Link(tmpPath, target)
	os.Remove(tmpPath)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filepath.Base(target))
	}
	if err != nil {
		return fmt.Errorf("link temp file: %w", err)
	}
	return nil
}

// copyVerbatim copies the undecodable source into destDir unchanged.
func (c *Compressor) copyVerbatim(res *Result, destDir string, decodeErr error) (*Result, error) {
	name := filepath.Base(res.InputPath)
	unsupported := fmt.Errorf("%w: cannot convert file %s to jpg, just copy it: %v", ErrUnsupportedFormat, name, decodeErr)

	dst := filepath.Join(destDir, name)
	if samePath(res.InputPath, dst) {
		return nil, unsupported
	}
	if err := copyFile(res.InputPath, dst); err != nil {
		return nil, errors.Join(unsupported, fmt.Errorf("copy original: %w", err))
	}

	res.OutputPath = dst
	res.Action = ActionCopied
	res.CompressedSize = res.OriginalSize
	return res, unsupported
}

// copyFile copies file src to dst, keeping the source permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
