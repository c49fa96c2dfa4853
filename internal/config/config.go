// Package config loads the bridge configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the server and the CLI.
type Config struct {
	Port string `yaml:"port"`

	// AssetsDir is the read-only directory model assets are bundled in.
	AssetsDir string `yaml:"assets_dir"`
	// ModelDir is where assets are copied before a session is opened.
	ModelDir string `yaml:"model_dir"`
	// Model is preloaded at startup when set.
	Model string `yaml:"model"`

	// ImageSize is used when a run call omits imgsz.
	ImageSize    int `yaml:"image_size"`
	// MaxImageSize is the largest imgsz a caller may request.
	MaxImageSize int `yaml:"max_image_size"`

	SharedLibraryPath string `yaml:"shared_library_path"`
	IntraOpThreads    int    `yaml:"intra_op_threads"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MaxUploadBytes bounds multipart uploads and JSON bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:           "8080",
		AssetsDir:      "assets",
		ModelDir:       "models",
		ImageSize:      640,
		MaxImageSize:   4096,
		LogLevel:       "info",
		LogFormat:      "text",
		MaxUploadBytes: 10 << 20,
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	vars := map[string]*string{
		"PORT":                            &c.Port,
		"HARUPAN_ASSETS_DIR":              &c.AssetsDir,
		"HARUPAN_MODEL_DIR":               &c.ModelDir,
		"HARUPAN_MODEL":                   &c.Model,
		"ONNXRUNTIME_SHARED_LIBRARY_PATH": &c.SharedLibraryPath,
		"LOG_LEVEL":                       &c.LogLevel,
	}
	for key, dst := range vars {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HARUPAN_IMAGE_SIZE":     &c.ImageSize,
		"HARUPAN_MAX_IMAGE_SIZE": &c.MaxImageSize,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("image_size must be positive, got %d", c.ImageSize))
	}
	if c.MaxImageSize < c.ImageSize {
		errs = append(errs, fmt.Errorf("max_image_size must be at least image_size (%d), got %d", c.ImageSize, c.MaxImageSize))
	}
	if c.AssetsDir == "" {
		errs = append(errs, errors.New("assets_dir is required"))
	}
	if c.ModelDir == "" {
		errs = append(errs, errors.New("model_dir is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by the config.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
