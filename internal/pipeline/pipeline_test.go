package pipeline

import (
	"errors"
	"image"
	"image/color"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/progress"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := imaging.New(40, 30, color.NRGBA{R: 10, G: 120, B: 200, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// recorder is a concurrency safe progress sink.
type recorder struct {
	mtx  sync.Mutex
	msgs []progress.Message
}

func (r *recorder) Send(msg progress.Message) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) kinds() []progress.Kind {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]progress.Kind, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind
	}
	return out
}

func (r *recorder) count(k progress.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

// relFiles returns every file below root relative to it, sorted.
func relFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

func setupTree(t *testing.T) (src, dest string) {
	t.Helper()
	base := t.TempDir()
	src = filepath.Join(base, "src")
	dest = filepath.Join(base, "dest")
	writeImage(t, filepath.Join(src, "a.png"))
	writeFile(t, filepath.Join(src, "b.txt"), "not an image")
	writeImage(t, filepath.Join(src, "nested", "deeper", "c.jpg"))
	return src, dest
}

func TestCompress_MirrorsTree(t *testing.T) {
	src, dest := setupTree(t)
	rec := &recorder{}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(2)
	fc.SetSink(rec)

	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	want := []string{"a.jpg", "b.txt", "nested/deeper/c.jpg"}
	got := relFiles(t, dest)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("dest files = %v, want %v", got, want)
	}
	for _, p := range []string{"a.png", "b.txt", "nested/deeper/c.jpg"} {
		if !exists(filepath.Join(src, p)) {
			t.Errorf("source %s removed without delete flag", p)
		}
	}

	snap := stats.Snapshot()
	if snap.TotalFilesFound != 3 || snap.TotalFilesProcessed != 3 {
		t.Errorf("found/processed = %d/%d, want 3/3", snap.TotalFilesFound, snap.TotalFilesProcessed)
	}
	if snap.FilesCompressed != 2 || snap.FilesCopied != 1 {
		t.Errorf("compressed/copied = %d/%d, want 2/1", snap.FilesCompressed, snap.FilesCopied)
	}
	if rec.count(progress.KindJobDone) != 2 || rec.count(progress.KindJobFailed) != 1 {
		t.Errorf("unexpected job messages: %v", rec.kinds())
	}
	if rec.count(progress.KindCleanup)+rec.count(progress.KindCleanupFailed) != 0 {
		t.Errorf("cleanup reported without delete flag: %v", rec.kinds())
	}
}

func TestCompress_MessageOrder(t *testing.T) {
	src, dest := setupTree(t)
	rec := &recorder{}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(4)
	fc.SetDeleteSource(true)
	fc.SetSink(rec)

	if _, err := fc.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	kinds := rec.kinds()
	if len(kinds) != 6 {
		t.Fatalf("got %d messages, want 6: %v", len(kinds), kinds)
	}
	if kinds[0] != progress.KindTotal || rec.msgs[0].Total != 3 {
		t.Errorf("first message = %v, want total of 3", rec.msgs[0])
	}
	if kinds[4] != progress.KindComplete {
		t.Errorf("fifth message = %v, want complete", kinds[4])
	}
	// b.txt stays behind, so pruning must fail.
	if kinds[5] != progress.KindCleanupFailed {
		t.Errorf("last message = %v, want cleanup_failed", kinds[5])
	}
}

func TestCompress_DeleteSourceRemovesTree(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dest := filepath.Join(base, "dest")
	writeImage(t, filepath.Join(src, "one.png"))
	writeImage(t, filepath.Join(src, "sub", "two.bmp"))
	writeFile(t, filepath.Join(src, "sub", ".DS_Store"), "hidden")
	rec := &recorder{}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(3)
	fc.SetDeleteSource(true)
	fc.SetSink(rec)

	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if exists(src) {
		t.Errorf("source root %s should be pruned", src)
	}
	got := relFiles(t, dest)
	if strings.Join(got, ",") != "one.jpg,sub/two.jpg" {
		t.Errorf("dest files = %v", got)
	}
	if rec.count(progress.KindCleanup) != 1 {
		t.Errorf("expected one cleanup message: %v", rec.kinds())
	}
	snap := stats.Snapshot()
	if snap.SourcesDeleted != 2 {
		t.Errorf("sources deleted = %d, want 2", snap.SourcesDeleted)
	}
	if !stats.CleanupAttempted || !stats.CleanupSucceeded {
		t.Errorf("cleanup flags = %v/%v, want true/true", stats.CleanupAttempted, stats.CleanupSucceeded)
	}
}

func TestCompress_ThreadCountDoesNotChangeOutput(t *testing.T) {
	build := func(threads int) []string {
		base := t.TempDir()
		src := filepath.Join(base, "src")
		dest := filepath.Join(base, "dest")
		for _, dir := range []string{"", "x", "x/y", "z"} {
			for _, name := range []string{"p1.png", "p2.gif", "p3.jpg"} {
				writeImage(t, filepath.Join(src, dir, name))
			}
			writeFile(t, filepath.Join(src, dir, "notes.txt"), "text")
		}

		fc := NewFolderCompressor(src, dest, quietLogger())
		fc.SetThreadCount(threads)
		if _, err := fc.Compress(); err != nil {
			t.Fatalf("Compress with %d threads: %v", threads, err)
		}
		return relFiles(t, dest)
	}

	one := build(1)
	eight := build(8)
	if len(one) != 16 {
		t.Errorf("single thread produced %d files, want 16: %v", len(one), one)
	}
	if strings.Join(one, ",") != strings.Join(eight, ",") {
		t.Errorf("outputs differ:\n 1 thread: %v\n 8 threads: %v", one, eight)
	}
}

func TestCompress_ZeroThreadsProcessesNothing(t *testing.T) {
	src, dest := setupTree(t)
	rec := &recorder{}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(0)
	fc.SetSink(rec)

	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if exists(dest) {
		t.Errorf("destination should not be created")
	}
	if stats.Snapshot().TotalFilesProcessed != 0 {
		t.Errorf("processed = %d, want 0", stats.Snapshot().TotalFilesProcessed)
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != progress.KindTotal || kinds[1] != progress.KindComplete {
		t.Errorf("messages = %v, want [total complete]", kinds)
	}
}

func TestCompress_SingleUse(t *testing.T) {
	src, dest := setupTree(t)
	fc := NewFolderCompressor(src, dest, quietLogger())

	if _, err := fc.Compress(); err != nil {
		t.Fatalf("first Compress: %v", err)
	}
	if _, err := fc.Compress(); !errors.Is(err, ErrAlreadyUsed) {
		t.Errorf("second Compress error = %v, want ErrAlreadyUsed", err)
	}
}

func TestCompress_CrawlFailureIsFatal(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	fc := NewFolderCompressor(filepath.Join(base, "missing"), filepath.Join(base, "dest"), quietLogger())
	fc.SetSink(rec)

	if _, err := fc.Compress(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("error = %v, want fs.ErrNotExist", err)
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("no messages expected on crawl failure, got %v", rec.kinds())
	}
}

func TestCompress_ExistingTargetsAreSkipped(t *testing.T) {
	src, dest := setupTree(t)
	writeFile(t, filepath.Join(dest, "a.jpg"), "already here")

	fc := NewFolderCompressor(src, dest, quietLogger())
	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if stats.Snapshot().FilesSkipped != 1 {
		t.Errorf("skipped = %d, want 1", stats.Snapshot().FilesSkipped)
	}
	data, _ := os.ReadFile(filepath.Join(dest, "a.jpg"))
	if string(data) != "already here" {
		t.Errorf("existing target was modified")
	}
}

type panicCodec struct {
	*compressor.ImagingCodec
}

func (panicCodec) Decode(path string) (image.Image, error) {
	if strings.HasSuffix(path, ".png") {
		panic("decoder exploded")
	}
	return compressor.NewImagingCodec().Decode(path)
}

func TestCompress_PanicInJobIsRecovered(t *testing.T) {
	src, dest := setupTree(t)
	rec := &recorder{}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetCodec(panicCodec{compressor.NewImagingCodec()})
	fc.SetSink(rec)

	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !exists(filepath.Join(dest, "nested", "deeper", "c.jpg")) {
		t.Errorf("other jobs should still be processed")
	}
	if stats.Snapshot().FilesWithErrors != 1 {
		t.Errorf("errors = %d, want 1", stats.Snapshot().FilesWithErrors)
	}
	if rec.count(progress.KindComplete) != 1 {
		t.Errorf("run did not complete: %v", rec.kinds())
	}
}

func TestCompress_SinkErrorsDoNotAbort(t *testing.T) {
	src, dest := setupTree(t)
	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetSink(progress.SinkFunc(func(progress.Message) error {
		return progress.ErrClosed
	}))

	if _, err := fc.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !exists(filepath.Join(dest, "a.jpg")) {
		t.Errorf("a.jpg not produced")
	}
}

func TestCompress_FactorFuncIsUsed(t *testing.T) {
	src, dest := setupTree(t)
	var mtx sync.Mutex
	calls := 0

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(2)
	fc.SetFactorFunc(func(w, h int, size int64) compressor.Factor {
		mtx.Lock()
		calls++
		mtx.Unlock()
		return compressor.DefaultFactor()
	})

	if _, err := fc.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if calls != 2 {
		t.Errorf("factor func called %d times, want 2", calls)
	}
}

func TestOutputDir(t *testing.T) {
	fc := NewFolderCompressor(filepath.Join("root", "src"), filepath.Join("root", "dest"), quietLogger())

	got, err := fc.outputDir(filepath.Join("root", "src", "a", "b", "img.png"))
	if err != nil {
		t.Fatalf("outputDir: %v", err)
	}
	if want := filepath.Join("root", "dest", "a", "b"); got != want {
		t.Errorf("outputDir = %q, want %q", got, want)
	}

	if _, err := fc.outputDir(filepath.Join("root", "other", "img.png")); err == nil {
		t.Errorf("expected an error for a file outside the source root")
	}
}

func TestCompress_SameStemSourcesKeepOneOriginal(t *testing.T) {
	for _, threads := range []int{1, 8} {
		base := t.TempDir()
		src := filepath.Join(base, "src")
		dest := filepath.Join(base, "dest")
		writeImage(t, filepath.Join(src, "a.png"))
		writeImage(t, filepath.Join(src, "a.gif"))

		fc := NewFolderCompressor(src, dest, quietLogger())
		fc.SetThreadCount(threads)
		fc.SetDeleteSource(true)

		stats, err := fc.Compress()
		if err != nil {
			t.Fatalf("Compress with %d threads: %v", threads, err)
		}

		left := 0
		for _, name := range []string{"a.png", "a.gif"} {
			if exists(filepath.Join(src, name)) {
				left++
			}
		}
		if left != 1 {
			t.Errorf("%d threads: %d sources left, want 1", threads, left)
		}
		if got := relFiles(t, dest); strings.Join(got, ",") != "a.jpg" {
			t.Errorf("%d threads: dest files = %v, want [a.jpg]", threads, got)
		}
		snap := stats.Snapshot()
		if snap.FilesSkipped != 1 || snap.SourcesDeleted != 1 {
			t.Errorf("%d threads: skipped/deleted = %d/%d, want 1/1", threads, snap.FilesSkipped, snap.SourcesDeleted)
		}
	}
}

// gateCodec blocks the first Decode until release is closed.
type gateCodec struct {
	*compressor.ImagingCodec
	once    *sync.Once
	started chan struct{}
	release chan struct{}
}

func (g gateCodec) Decode(path string) (image.Image, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.ImagingCodec.Decode(path)
}

func TestCompress_SettersIgnoredWhileRunning(t *testing.T) {
	src, dest := setupTree(t)
	rec := &recorder{}
	late := &recorder{}
	gate := gateCodec{
		ImagingCodec: compressor.NewImagingCodec(),
		once:         &sync.Once{},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetCodec(gate)
	fc.SetSink(rec)

	done := make(chan error, 1)
	go func() {
		_, err := fc.Compress()
		done <- err
	}()

	<-gate.started
	fc.SetSink(late)
	fc.SetDeleteSource(true)
	fc.SetThreadCount(8)
	close(gate.release)

	if err := <-done; err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if n := len(late.kinds()); n != 0 {
		t.Errorf("sink set during the run got %d messages", n)
	}
	if rec.count(progress.KindComplete) != 1 {
		t.Errorf("original sink missed the completion: %v", rec.kinds())
	}
	if !exists(filepath.Join(src, "a.png")) {
		t.Errorf("delete flag set during the run was applied")
	}
	if fc.threads != 1 {
		t.Errorf("threads = %d, want 1", fc.threads)
	}
}

func TestCompress_SharedDirectoryCountedOnce(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dest := filepath.Join(base, "dest")
	for i := 0; i < 16; i++ {
		writeImage(t, filepath.Join(src, "x", "p"+strings.Repeat("i", i+1)+".png"))
	}

	fc := NewFolderCompressor(src, dest, quietLogger())
	fc.SetThreadCount(8)

	stats, err := fc.Compress()
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	snap := stats.Snapshot()
	if snap.FilesCompressed != 16 {
		t.Errorf("compressed = %d, want 16", snap.FilesCompressed)
	}
	if snap.DirectoriesCreated != 1 {
		t.Errorf("directories created = %d, want 1", snap.DirectoriesCreated)
	}
}
