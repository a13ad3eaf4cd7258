package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/crawler"
	"image-compressor-go/internal/dir"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/pipeline"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/web"

	"github.com/charmbracelet/fang"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	version = "dev"
	port    int
)

// rootCmd compresses a source tree into a target tree.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Compress a directory tree of images into JPEGs",
	Long: `image-compressor walks a source directory, converts every image it finds
into a resized JPEG and writes it to the same relative location under the
target directory.

Features:
- Parallel workers sharing one work queue
- Fixed or size based quality and resize factors
- Files that cannot be decoded are copied unchanged
- Optional deletion of the originals and pruning of emptied directories
- Optional EXIF metadata preservation (requires exiftool)
- Web interface with live progress over WebSocket`,
	Args:    cobra.NoArgs,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress()
	},
}

// scanCmd lists the files a compression run would queue.
var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "List the files a compression run would process",
	Long: `Walks the directory (or the configured source directory) the same way a
compression run does and prints every file that would be queued, followed
by the file count and total size. Hidden files are not listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args)
	},
}

// dirsCmd lists immediate subdirectories.
var dirsCmd = &cobra.Command{
	Use:   "dirs [directory]",
	Short: "List the immediate subdirectories of a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDirs(args)
	},
}

// pruneCmd removes a directory tree that holds nothing but hidden files.
var pruneCmd = &cobra.Command{
	Use:   "prune <directory>",
	Short: "Remove a directory tree that contains only hidden files",
	Long: `Removes the directory and everything below it, but only if no visible file
exists anywhere in the tree. Files whose names start with a dot do not
count. If any visible file is found nothing is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrune(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts an HTTP server exposing the compressor as a JSON API:
- GET  /api/status          current run state
- POST /api/compress        start a compression run
- GET  /api/directories     list subdirectories of ?path=
- GET  /api/files           count the files below ?path=
- GET  /api/statistics      statistics of the last run
- GET  /ws                  live progress messages`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	flags := rootCmd.Flags()
	flags.String("source", "", "source directory containing images")
	flags.String("target", "", "target directory for compressed images")
	flags.Int("threads", 1, "number of worker threads")
	flags.Float64("quality", 80, "JPEG quality in (0, 100]")
	flags.Float64("ratio", 0.8, "resize ratio in (0, 1]")
	flags.Bool("adaptive", false, "pick quality and ratio per image from its size")
	flags.Bool("delete-source", false, "delete originals after compression and prune emptied directories")
	flags.Bool("overwrite", false, "overwrite existing compressed files")
	flags.Bool("preserve-metadata", false, "copy EXIF metadata to the outputs (requires exiftool)")
	flags.Bool("skip-compressed", false, "skip files already marked as compressed by this tool")
	flags.Bool("progress", true, "show a progress bar")

	// Bound flags override file and environment values when set.
	for key, name := range map[string]string{
		"source_directory":         "source",
		"target_directory":         "target",
		"threads":                  "threads",
		"factor.quality":           "quality",
		"factor.size_ratio":        "ratio",
		"factor.adaptive":          "adaptive",
		"delete_source":            "delete-source",
		"overwrite":                "overwrite",
		"metadata.preserve":        "preserve-metadata",
		"metadata.skip_compressed": "skip-compressed",
		"show_progress":            "progress",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(dirsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress executes the folder compression.
func runCompress() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	log := setupLogger(cfg)
	factor, err := cfg.CompressionFactor()
	if err != nil {
		return err
	}

	fc := pipeline.NewFolderCompressor(cfg.SourceDirectory, cfg.TargetDirectory, log)
	fc.SetThreadCount(cfg.Threads)
	fc.SetFactor(factor)
	if fn := cfg.FactorFunc(); fn != nil {
		fc.SetFactorFunc(fn)
	}
	fc.SetDeleteSource(cfg.DeleteSource)
	if cfg.DeleteSource && cfg.IsInPlace() {
		log.Warn("Source and target are the same directory: originals are deleted but the source tree is kept")
	}
	fc.SetOverwrite(cfg.Overwrite)
	fc.SetSkipCompressed(cfg.Metadata.SkipCompressed)

	if cfg.Metadata.Preserve {
		copier, err := metadata.NewExifCopier()
		if err != nil {
			log.Warnf("Metadata will not be preserved: %v", err)
		} else {
			defer copier.Close()
			fc.SetMetadataWriter(copier)
		}
	}

	if cfg.ShowProgress && !quiet {
		fc.SetSink(progress.Multi(progress.NewBar(os.Stdout), progress.Log(log)))
	}

	stats, err := fc.Compress()
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
		if len(stats.GetErrors()) > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}
	return nil
}

// runScan prints the files below a directory and their total size.
func runScan(args []string) error {
	root, err := directoryArg(args)
	if err != nil {
		return err
	}

	files, err := crawler.ListFiles(root)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot stat %s: %v\n", f, err)
			continue
		}
		total += info.Size()
		if !quiet {
			fmt.Printf("%10s  %s\n", humanize.IBytes(uint64(info.Size())), f)
		}
	}

	fmt.Printf("\n%d files, %s total\n", len(files), humanize.IBytes(uint64(total)))
	return nil
}

// runDirs prints the immediate subdirectories of a directory.
func runDirs(args []string) error {
	root, err := directoryArg(args)
	if err != nil {
		return err
	}

	dirs, err := crawler.ListDirs(root)
	if err != nil {
		return fmt.Errorf("failed to list directories: %w", err)
	}
	for _, d := range dirs {
		fmt.Println(d)
	}
	return nil
}

// runPrune removes root when it holds no visible files.
func runPrune(root string) error {
	if err := dir.Prune(root); err != nil {
		if errors.Is(err, dir.ErrNotEmpty) {
			return fmt.Errorf("nothing removed: %w", err)
		}
		return err
	}
	if !quiet {
		fmt.Printf("Removed %s\n", root)
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if !cmd.Flags().Changed("port") && cfg.Server.Port > 0 {
		port = cfg.Server.Port
	}
	if _, err := compressor.NewFactor(cfg.Factor.Quality, cfg.Factor.SizeRatio); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Image compressor web interface started on http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Runs cannot be cancelled, so let the current one finish.
	fmt.Println("Waiting for running compression to finish...")
	server.Wait()

	fmt.Println("Server stopped gracefully")
	return nil
}

// directoryArg returns the directory argument or the configured source.
func directoryArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SourceDirectory != "" {
		return cfg.SourceDirectory, nil
	}
	return ".", nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
