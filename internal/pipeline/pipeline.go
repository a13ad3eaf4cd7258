package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/crawler"
	"image-compressor-go/internal/dir"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/queue"
	"image-compressor-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyUsed is returned when Compress is called a second time on the
// same FolderCompressor.
var ErrAlreadyUsed = errors.New("folder compressor already used")

// FolderCompressor compresses every file below a source directory into a
// destination directory with the same layout. Configure it with the setters,
// then call Compress once. Setters called after Compress has started are
// ignored.
type FolderCompressor struct {
	src  string
	dest string

	factor         compressor.Factor
	factorFunc     compressor.FactorFunc
	threads        int
	deleteSource   bool
	overwrite      bool
	skipCompressed bool
	metaWriter     compressor.MetadataWriter
	codec          compressor.Codec
	sink           progress.Sink
	stats          *statistics.Statistics

	logger *logrus.Logger

	// created holds the output directories this run made.
	created sync.Map

	mtx  sync.Mutex
	used bool
}

// NewFolderCompressor returns a FolderCompressor with one thread and the
// default factor.
func NewFolderCompressor(src, dest string, log *logrus.Logger) *FolderCompressor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FolderCompressor{
		src:     src,
		dest:    dest,
		factor:  compressor.DefaultFactor(),
		threads: 1,
		logger:  log,
	}
}

// SetFactor sets the factor used for every image.
func (fc *FolderCompressor) SetFactor(f compressor.Factor) {
	fc.configure(func() {
		fc.factor = f
	})
}

// SetFactorFunc picks a factor per image. It takes precedence over SetFactor.
func (fc *FolderCompressor) SetFactorFunc(fn compressor.FactorFunc) {
	fc.configure(func() {
		fc.factorFunc = fn
	})
}

// SetThreadCount sets the number of workers. Zero workers process nothing.
func (fc *FolderCompressor) SetThreadCount(n int) {
	fc.configure(func() {
		fc.threads = n
	})
}

// SetDeleteSource removes each source file after it was compressed and prunes
// the source tree once all workers are done.
func (fc *FolderCompressor) SetDeleteSource(v bool) {
	fc.configure(func() {
		fc.deleteSource = v
	})
}

func (fc *FolderCompressor) SetOverwrite(v bool) {
	fc.configure(func() {
		fc.overwrite = v
	})
}

func (fc *FolderCompressor) SetSkipCompressed(v bool) {
	fc.configure(func() {
		fc.skipCompressed = v
	})
}

func (fc *FolderCompressor) SetMetadataWriter(w compressor.MetadataWriter) {
	fc.configure(func() {
		fc.metaWriter = w
	})
}

func (fc *FolderCompressor) SetCodec(c compressor.Codec) {
	fc.configure(func() {
		fc.codec = c
	})
}

// SetSink sets where progress messages go. Without a sink they are logged.
func (fc *FolderCompressor) SetSink(s progress.Sink) {
	fc.configure(func() {
		fc.sink = s
	})
}

// SetStatistics sets the counters updated during the run. Without it a fresh
// Statistics is created by Compress.
func (fc *FolderCompressor) SetStatistics(s *statistics.Statistics) {
	fc.configure(func() {
		fc.stats = s
	})
}

// configure applies set unless Compress has already started.
func (fc *FolderCompressor) configure(set func()) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	if fc.used {
		fc.logger.Warn("Folder compression already started, setting ignored")
		return
	}
	set()
}

// Compress runs the folder compression. A crawl failure aborts the run before
// any worker starts. Per-file failures and cleanup failures are reported
// through the sink and the returned statistics, never as the returned error.
func (fc *FolderCompressor) Compress() (*statistics.Statistics, error) {
	fc.mtx.Lock()
	if fc.used {
		fc.mtx.Unlock()
		return nil, ErrAlreadyUsed
	}
	fc.used = true
	fc.mtx.Unlock()

	stats := fc.stats
	if stats == nil {
		stats = statistics.NewStatistics()
	}

	fc.logger.WithFields(logrus.Fields{
		"source":  fc.src,
		"target":  fc.dest,
		"threads": fc.threads,
	}).Info("Starting folder compression")

	files, err := crawler.ListFiles(fc.src)
	if err != nil {
		return nil, fmt.Errorf("failed to list source files: %w", err)
	}

	jobs := queue.New(files...)
	stats.SetFilesFound(len(files))
	fc.report(progress.Total(len(files)))

	comp := compressor.New(fc.codec, compressor.Options{
		Factor:         fc.factor,
		FactorFunc:     fc.factorFunc,
		DeleteSource:   fc.deleteSource,
		Overwrite:      fc.overwrite,
		SkipCompressed: fc.skipCompressed,
		MetadataWriter: fc.metaWriter,
		Logger:         fc.logger,
	})

	var wg sync.WaitGroup
	for i := 0; i < fc.threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			fc.worker(id, jobs, comp, stats)
		}(i)
	}
	wg.Wait()

	fc.report(progress.Complete())

	if fc.deleteSource {
		if err := dir.Prune(fc.src); err != nil {
			fc.logger.WithField("directory", fc.src).Warnf("Source cleanup failed: %v", err)
			stats.SetCleanup(false)
			fc.report(progress.CleanupFailed(err))
		} else {
			stats.SetCleanup(true)
			fc.report(progress.Cleanup())
		}
	}

	stats.Finalize()
	fc.logger.Info("Folder compression completed")
	return stats, nil
}

// worker pops jobs until the queue is empty.
func (fc *FolderCompressor) worker(id int, jobs *queue.WorkQueue, comp *compressor.Compressor, stats *statistics.Statistics) {
	log := logger.WithWorker(fc.logger, id)
	for {
		job, ok := jobs.Pop()
		if !ok {
			log.Debug("Queue empty, worker exiting")
			return
		}
		fc.processJob(log, job, comp, stats)
	}
}

// processJob compresses one file. Panics are turned into a failed job so the
// worker keeps running.
func (fc *FolderCompressor) processJob(log *logrus.Entry, job string, comp *compressor.Compressor, stats *statistics.Statistics) {
	stats.IncrementFilesProcessed()
	log = log.WithField("file", job)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while compressing %s: %v", filepath.Base(job), r)
			log.Error(err)
			stats.IncrementFilesWithErrors()
			stats.AddError(job, "compress", err.Error())
			fc.report(progress.JobFailed(err))
		}
	}()

	outDir, err := fc.outputDir(job)
	if err != nil {
		log.Warn(err)
		stats.IncrementFilesWithErrors()
		stats.AddError(job, "output_path", err.Error())
		fc.report(progress.JobFailed(err))
		return
	}

	if err := fc.createDirectory(outDir, stats); err != nil {
		err = fmt.Errorf("cannot create the parent directory of file %s: %w", filepath.Base(job), err)
		log.Warn(err)
		stats.IncrementFilesWithErrors()
		stats.AddError(job, "directory_creation", err.Error())
		fc.report(progress.JobFailed(err))
		return
	}

	res, err := comp.Compress(job, outDir)
	if res != nil {
		stats.AddBytes(res.OriginalSize, res.CompressedSize)
		if res.SourceDeleted {
			stats.IncrementSourcesDeleted()
		}
	}
	if err != nil {
		fc.recordFailure(log, job, res, err, stats)
		fc.report(progress.JobFailed(err))
		return
	}

	stats.IncrementFilesCompressed()
	log.WithField("output", res.OutputPath).Debug("File compressed")
	fc.report(progress.JobDone(filepath.Base(res.OutputPath)))
}

func (fc *FolderCompressor) recordFailure(log *logrus.Entry, job string, res *compressor.Result, err error, stats *statistics.Statistics) {
	switch {
	case errors.Is(err, compressor.ErrAlreadyExists), errors.Is(err, compressor.ErrAlreadyCompressed):
		log.Info(err)
		stats.IncrementFilesSkipped()
		return
	case errors.Is(err, compressor.ErrUnsupportedFormat) && res != nil:
		log.Info(err)
		stats.IncrementFilesCopied()
		return
	case res != nil && res.Action == compressor.ActionCompressed:
		// Output written, source removal failed.
		stats.IncrementFilesCompressed()
	}
	log.Warn(err)
	stats.IncrementFilesWithErrors()
	stats.AddError(job, "compress", err.Error())
}

// outputDir maps the parent of job below the source root onto the
// destination root.
func (fc *FolderCompressor) outputDir(job string) (string, error) {
	rel, err := filepath.Rel(fc.src, filepath.Dir(job))
	if err != nil {
		return "", fmt.Errorf("cannot strip the prefix of file %s: %w", filepath.Base(job), err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %s is outside of %s", job, fc.src)
	}
	return filepath.Join(fc.dest, rel), nil
}

// createDirectory creates a directory and its parents if they do not exist.
// A directory is counted once even when several workers race to create it.
func (fc *FolderCompressor) createDirectory(dirPath string, stats *statistics.Statistics) error {
	if info, err := os.Stat(dirPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return err
	}
	if _, loaded := fc.created.LoadOrStore(dirPath, struct{}{}); !loaded {
		stats.IncrementDirectoriesCreated()
		fc.logger.Debugf("Created directory: %s", dirPath)
	}
	return nil
}

// report sends msg to the sink, or logs it when there is none. Send errors
// are logged and otherwise ignored.
func (fc *FolderCompressor) report(msg progress.Message) {
	if fc.sink == nil {
		fc.logger.WithField("progress", msg.Kind.String()).Info(msg.Text)
		return
	}
	if err := fc.sink.Send(msg); err != nil {
		fc.logger.Warnf("Cannot send progress message %q: %v", msg.Text, err)
	}
}
