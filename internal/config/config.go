// Package config loads the optional project file .cimatrix.yaml.
//
// The file sets defaults for the run log, artifact and work roots, the
// engine-wide parallelism limit and the lint policy. Command-line flags
// override every value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cimatrix/internal/compiler"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".cimatrix.yaml"

// Config is the resolved project configuration.
type Config struct {
	Store       string          `yaml:"store"`        // SQLite run log path
	Artifacts   string          `yaml:"artifacts"`    // Artifact root
	Work        string          `yaml:"work"`         // Root for per-entry working directories
	MaxParallel int             `yaml:"max_parallel"` // Engine-wide entry limit, 0 = unbounded
	Addr        string          `yaml:"addr"`         // Listen address for serve
	Policy      compiler.Policy `yaml:"policy"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Store:     filepath.Join(".cimatrix", "runs.db"),
		Artifacts: filepath.Join(".cimatrix", "artifacts"),
		Work:      filepath.Join(".cimatrix", "work"),
		Addr:      "127.0.0.1:8080",
	}
}

// Load reads the config at path on top of Default.
//
// An empty path means FileName in the current directory; that file is
// optional and Default is returned when it is absent. An explicitly named
// file must exist. Relative paths in the file resolve against the file's
// directory.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes config YAML on top of Default. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the engine would reject later.
func (c Config) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0, got %d", c.MaxParallel)
	}
	for i, r := range c.Policy.Artifacts {
		if r.Job == "" || r.Name == "" {
			return fmt.Errorf("policy.artifacts[%d]: job and name are required", i)
		}
	}
	return nil
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Store, &c.Artifacts, &c.Work} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}
