package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"image-compressor-go/internal/compressor"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	SourceDirectory string         `mapstructure:"source_directory"`
	TargetDirectory string         `mapstructure:"target_directory"`
	Threads         int            `mapstructure:"threads"`
	Factor          FactorConfig   `mapstructure:"factor"`
	DeleteSource    bool           `mapstructure:"delete_source"`
	Overwrite       bool           `mapstructure:"overwrite"`
	Metadata        MetadataConfig `mapstructure:"metadata"`
	ShowProgress    bool           `mapstructure:"show_progress"`
	Server          ServerConfig   `mapstructure:"server"`
	Logging         LoggingConfig  `mapstructure:"logging"`
}

// FactorConfig contains the compression factor settings
type FactorConfig struct {
	Quality   float64 `mapstructure:"quality"`
	SizeRatio float64 `mapstructure:"size_ratio"`
	Adaptive  bool    `mapstructure:"adaptive"` // pick the factor per image from its size
}

// MetadataConfig contains EXIF handling settings
type MetadataConfig struct {
	Preserve       bool `mapstructure:"preserve"`
	SkipCompressed bool `mapstructure:"skip_compressed"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Threads: 1,
		Factor: FactorConfig{
			Quality:   80,
			SizeRatio: 0.8,
		},
		ShowProgress: true,
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("source_directory", d.SourceDirectory)
	v.SetDefault("target_directory", d.TargetDirectory)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("factor.quality", d.Factor.Quality)
	v.SetDefault("factor.size_ratio", d.Factor.SizeRatio)
	v.SetDefault("factor.adaptive", d.Factor.Adaptive)
	v.SetDefault("delete_source", d.DeleteSource)
	v.SetDefault("overwrite", d.Overwrite)
	v.SetDefault("metadata.preserve", d.Metadata.Preserve)
	v.SetDefault("metadata.skip_compressed", d.Metadata.SkipCompressed)
	v.SetDefault("show_progress", d.ShowProgress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// LoadConfig loads configuration from file and environment variables into the
// global viper instance, which also carries bound command line flags.
func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.GetViper(), configPath)
}

// Load reads configuration through v. The result is not validated, so
// commands that do not need a source directory can still use it.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.SourceDirectory = expandPath(config.SourceDirectory)
	config.TargetDirectory = expandPath(config.TargetDirectory)

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SourceDirectory == "" {
		return fmt.Errorf("source_directory is required")
	}
	if !isValidPath(c.SourceDirectory) {
		return fmt.Errorf("source_directory does not exist or is not accessible: %s", c.SourceDirectory)
	}
	if c.TargetDirectory == "" {
		return fmt.Errorf("target_directory is required")
	}

	// Zero threads is accepted and processes nothing.
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative: %d", c.Threads)
	}

	if _, err := c.CompressionFactor(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// CompressionFactor returns the configured fixed factor.
func (c *Config) CompressionFactor() (compressor.Factor, error) {
	return compressor.NewFactor(c.Factor.Quality, c.Factor.SizeRatio)
}

// FactorFunc returns the per-image factor selection, or nil when the fixed
// factor applies.
func (c *Config) FactorFunc() compressor.FactorFunc {
	if c.Factor.Adaptive {
		return compressor.SizeBasedFactor
	}
	return nil
}

// IsInPlace returns true if outputs are written next to the sources
func (c *Config) IsInPlace() bool {
	src, errSrc := filepath.Abs(c.SourceDirectory)
	dst, errDst := filepath.Abs(c.TargetDirectory)
	if errSrc != nil || errDst != nil {
		return c.SourceDirectory == c.TargetDirectory
	}
	return src == dst
}

// Helper functions

func expandPath(path string) string {
	if path == "" {
		return ""
	}
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}

func isValidPath(path string) bool {
	if path == "" {
		return false
	}
	stat, err := os.Stat(expandPath(path))
	return err == nil && stat.IsDir()
}
