// Package config loads nasctl settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nasfront/internal/evo"
)

const DefaultPath = "nasctl.yaml"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Space is the path of the search space definition.
	Space   string        `yaml:"space"`
	Sampler SamplerConfig `yaml:"sampler"`
	Search  SearchConfig  `yaml:"search"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type SamplerConfig struct {
	Name           string  `yaml:"name" validate:"required,sampler"`
	PopulationSize int     `yaml:"population_size" validate:"min=1"`
	SampleSize     int     `yaml:"sample_size" validate:"min=1"`
	Eps            float64 `yaml:"eps" validate:"gte=0,lte=1"`
	MaxRetries     int     `yaml:"max_retries" validate:"min=1"`
	Seed           int64   `yaml:"seed"`
}

type SearchConfig struct {
	Budget          int                `yaml:"budget" validate:"min=1"`
	Workers         int                `yaml:"workers" validate:"min=1"`
	Bounds          map[string]float64 `yaml:"bounds" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
	Presample       bool               `yaml:"presample"`
	PresampleFactor float64            `yaml:"presample_factor" validate:"gt=0"`
	// ConstraintPolicy decides what happens when sampled output channels
	// cannot be made consistent.
	ConstraintPolicy string `yaml:"constraint_policy" validate:"oneof=reject coerce"`
	MaxIdleRounds    int    `yaml:"max_idle_rounds" validate:"min=1"`
}

type StorageConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory file badger sqlite"`
	Path string `yaml:"path" validate:"required_if=Kind file,required_if=Kind sqlite"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto json console"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("sampler", func(fl validator.FieldLevel) bool {
		return slices.Contains(evo.ListSamplers(), fl.Field().String())
	})
}

func Default() *Config {
	return &Config{
		Sampler: SamplerConfig{
			Name:           evo.AgingEvolutionName,
			PopulationSize: 100,
			SampleSize:     10,
			Eps:            0.1,
			MaxRetries:     evo.DefaultMaxRetries,
		},
		Search: SearchConfig{
			Budget:           500,
			Workers:          1,
			Bounds:           map[string]float64{"weights": 1e6},
			Presample:        true,
			PresampleFactor:  1.2,
			ConstraintPolicy: "reject",
			MaxIdleRounds:    10,
		},
		Storage: StorageConfig{
			Kind: "file",
			Path: "runs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	defaultBounds := cfg.Search.Bounds
	cfg.Search.Bounds = nil
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Bounds replace the defaults rather than merging into them.
	if cfg.Search.Bounds == nil {
		cfg.Search.Bounds = defaultBounds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
