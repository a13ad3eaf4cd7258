package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains all counters for one folder compression run.
// Counters are updated atomically by concurrent workers.
type Statistics struct {
	TotalFilesFound     int64
	TotalFilesProcessed int64
	FilesCompressed     int64
	FilesCopied         int64
	FilesSkipped        int64
	FilesWithErrors     int64
	SourcesDeleted      int64

	BytesIn  int64
	BytesOut int64

	DirectoriesCreated int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	CleanupAttempted bool
	CleanupSucceeded bool

	Errors []StatError

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file_path"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the counters, safe to serialize.
type Snapshot struct {
	TotalFilesFound     int64   `json:"total_found"`
	TotalFilesProcessed int64   `json:"total_processed"`
	FilesCompressed     int64   `json:"compressed"`
	FilesCopied         int64   `json:"copied"`
	FilesSkipped        int64   `json:"skipped"`
	FilesWithErrors     int64   `json:"errors"`
	SourcesDeleted      int64   `json:"sources_deleted"`
	BytesIn             int64   `json:"bytes_in"`
	BytesOut            int64   `json:"bytes_out"`
	DirectoriesCreated  int64   `json:"directories_created"`
	DurationSeconds     float64 `json:"duration_seconds"`
	FilesPerSecond      float64 `json:"files_per_second"`
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// SetFilesFound records how many jobs were queued.
func (s *Statistics) SetFilesFound(n int) {
	atomic.StoreInt64(&s.TotalFilesFound, int64(n))
}

// IncrementFilesProcessed increases the count of attempted files by 1.
func (s *Statistics) IncrementFilesProcessed() {
	atomic.AddInt64(&s.TotalFilesProcessed, 1)
}

// IncrementFilesCompressed increases the count of compressed files by 1.
func (s *Statistics) IncrementFilesCompressed() {
	atomic.AddInt64(&s.FilesCompressed, 1)
}

// IncrementFilesCopied increases the count of verbatim copies by 1.
func (s *Statistics) IncrementFilesCopied() {
	atomic.AddInt64(&s.FilesCopied, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementFilesWithErrors increases the count of failed files by 1.
func (s *Statistics) IncrementFilesWithErrors() {
	atomic.AddInt64(&s.FilesWithErrors, 1)
}

// IncrementSourcesDeleted increases the count of deleted source files by 1.
func (s *Statistics) IncrementSourcesDeleted() {
	atomic.AddInt64(&s.SourcesDeleted, 1)
}

// IncrementDirectoriesCreated increases the count of created directories by 1.
func (s *Statistics) IncrementDirectoriesCreated() {
	atomic.AddInt64(&s.DirectoriesCreated, 1)
}

// AddBytes adds the size of one input file and of the output written for it.
func (s *Statistics) AddBytes(in, out int64) {
	atomic.AddInt64(&s.BytesIn, in)
	atomic.AddInt64(&s.BytesOut, out)
}

// SetCleanup records the outcome of source directory pruning.
func (s *Statistics) SetCleanup(succeeded bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.CleanupAttempted = true
	s.CleanupSucceeded = succeeded
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(atomic.LoadInt64(&s.TotalFilesProcessed)) / s.Duration.Seconds()
	}
}

// SpaceSaved returns input bytes minus output bytes. Negative means the
// outputs grew.
func (s *Statistics) SpaceSaved() int64 {
	return atomic.LoadInt64(&s.BytesIn) - atomic.LoadInt64(&s.BytesOut)
}

// Snapshot returns a copy of the counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	duration := s.Duration
	fps := s.FilesPerSecond
	s.mutex.RUnlock()

	return Snapshot{
		TotalFilesFound:     atomic.LoadInt64(&s.TotalFilesFound),
		TotalFilesProcessed: atomic.LoadInt64(&s.TotalFilesProcessed),
		FilesCompressed:     atomic.LoadInt64(&s.FilesCompressed),
		FilesCopied:         atomic.LoadInt64(&s.FilesCopied),
		FilesSkipped:        atomic.LoadInt64(&s.FilesSkipped),
		FilesWithErrors:     atomic.LoadInt64(&s.FilesWithErrors),
		SourcesDeleted:      atomic.LoadInt64(&s.SourcesDeleted),
		BytesIn:             atomic.LoadInt64(&s.BytesIn),
		BytesOut:            atomic.LoadInt64(&s.BytesOut),
		DirectoriesCreated:  atomic.LoadInt64(&s.DirectoriesCreated),
		DurationSeconds:     duration.Seconds(),
		FilesPerSecond:      fps,
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()

	s.mutex.RLock()
	cleanup := "not requested"
	if s.CleanupAttempted {
		cleanup = "failed"
		if s.CleanupSucceeded {
			cleanup = "done"
		}
	}
	s.mutex.RUnlock()

	return fmt.Sprintf(`Image Compressor Statistics Summary:

Files:
		Total Found: %d
		Total Processed: %d
		Compressed: %d
		Copied Verbatim: %d
		Skipped: %d
		Errors: %d
		Sources Deleted: %d

Size:
		Input: %s
		Output: %s
		Saved: %s

Performance:
		Duration: %v
		Files/Second: %.2f

Directories:
		Created: %d
		Source Cleanup: %s`,
		snap.TotalFilesFound,
		snap.TotalFilesProcessed,
		snap.FilesCompressed,
		snap.FilesCopied,
		snap.FilesSkipped,
		snap.FilesWithErrors,
		snap.SourcesDeleted,
		humanize.IBytes(uint64(snap.BytesIn)),
		humanize.IBytes(uint64(snap.BytesOut)),
		formatSaved(s.SpaceSaved()),
		time.Duration(snap.DurationSeconds*float64(time.Second)).Round(time.Millisecond),
		snap.FilesPerSecond,
		snap.DirectoriesCreated,
		cleanup)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// GetErrors returns a copy of the recorded errors.
func (s *Statistics) GetErrors() []StatError {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]StatError(nil), s.Errors...)
}

func formatSaved(saved int64) string {
	if saved < 0 {
		return "-" + humanize.IBytes(uint64(-saved))
	}
	return humanize.IBytes(uint64(saved))
}
