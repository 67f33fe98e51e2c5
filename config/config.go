// Package config holds the options of a run, read from an optional YAML file
// and completed with defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Error means the configuration is missing or invalid. Nothing has been processed yet.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	// Dst is the directory the tile shards are written to
	Dst string `yaml:"dst" validate:"required"`
	// Z is the zoom level of the tiles the features are partitioned into
	Z uint `yaml:"z" default:"10" validate:"max=24"`
	// Src are the directories that are walked for source files
	Src    []string `yaml:"src" validate:"required,min=1,dive,dir"`
	Suffix string   `yaml:"suffix" default:"ndjson.gz" validate:"required"`
	// SourceFromRoot tags features with the name of the source directory instead of the file name
	SourceFromRoot bool `yaml:"sourceFromRoot"`
	// NoClassify writes the features as they are, without layer and zoom range
	NoClassify bool `yaml:"noClassify"`
	// Strict stops the run at the first malformed record instead of skipping it
	Strict bool `yaml:"strict"`

	Concurrency int `yaml:"concurrency" default:"8" validate:"min=1"`
	// HighWaterMark is the number of bytes buffered per shard before writers have to wait
	HighWaterMark int           `yaml:"highWaterMark" default:"16384" validate:"min=1"`
	Grace         time.Duration `yaml:"grace" default:"30s" validate:"min=0"`
	// MaxLineSize is the longest record in bytes, longer lines are malformed
	MaxLineSize      int    `yaml:"maxLineSize" default:"67108864" validate:"min=1"`
	ProgressInterval uint64 `yaml:"progressInterval" default:"1000" validate:"min=1"`
	MetricsAddr      string `yaml:"metricsAddr" validate:"omitempty,hostname_port"`

	Build Build `yaml:"build"`
}

// Build holds the options of building tile archives from the shards.
type Build struct {
	// OutDir receives one archive per shard
	OutDir string `yaml:"outDir" default:"mbtiles" validate:"required"`
	// MinAge protects shards that may still be appended to
	MinAge      time.Duration `yaml:"minAge" default:"5m" validate:"min=0"`
	MinZoom     uint          `yaml:"minZoom" default:"10" validate:"max=24"`
	MaxZoom     uint          `yaml:"maxZoom" default:"15" validate:"max=24,gtefield=MinZoom"`
	BaseZoom    uint          `yaml:"baseZoom" default:"15" validate:"max=24"`
	Concurrency int           `yaml:"concurrency" default:"3" validate:"min=1"`
	Command     string        `yaml:"command" default:"tippecanoe" validate:"required"`
	// Classify classifies while building, for shards that were written without classification
	Classify bool `yaml:"classify"`
}

// New returns a Config with all defaults set.
func New() *Config {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		panic(err)
	}
	return c
}

// Load reads the YAML file at path over the defaults. The result is not validated yet,
// flags may still be applied on top of it.
func Load(path string) (*Config, error) {
	c := New()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err = decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Err: fmt.Errorf("%s: %w", path, err)}
	}
	return c, nil
}

// Validate checks everything needed to partition the source files.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return &Error{Err: err}
	}
	return nil
}

// ValidateBuild only checks what is needed to build archives from existing shards.
func (c *Config) ValidateBuild() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Var(c.Dst, "required,dir"); err != nil {
		return &Error{Err: fmt.Errorf("dst: %w", err)}
	}
	if err := validate.Struct(&c.Build); err != nil {
		return &Error{Err: err}
	}
	return nil
}
