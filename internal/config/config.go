package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go-pixel-quality/internal/conditions"
	"go-pixel-quality/internal/lumi"
	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/publish"
)

// DefaultTag is the prompt-reconstruction quality tag.
const DefaultTag = "SiPixelQuality_byPCL_prompt_v2"

type Config struct {
	Traversal   TraversalConfig         `yaml:"traversal"`
	Conditions  conditions.SourceConfig `yaml:"conditions"`
	Luminosity  model.LuminosityOptions `yaml:"luminosity"`
	Aggregation AggregationConfig       `yaml:"aggregation"`
	Output      OutputConfig            `yaml:"output"`
	Store       StoreConfig             `yaml:"store"`
	Server      ServerConfig            `yaml:"server"`
	Logging     LoggingConfig           `yaml:"logging"`
}

type TraversalConfig struct {
	Tag      string    `yaml:"tag"`
	FirstRun model.Run `yaml:"first_run"`
	LSPerRun int       `yaml:"ls_per_run"`
	Runs     int       `yaml:"runs"`
}

type AggregationConfig struct {
	Checkpoint model.CheckpointPolicy `yaml:"checkpoint"`
}

type OutputConfig struct {
	Dir     string         `yaml:"dir"`
	Formats []string       `yaml:"formats"`
	Publish publish.Config `yaml:"publish"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// LumiDir lets API clients name luminosity files inside it.
	LumiDir string `yaml:"lumi_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Traversal.Tag == "" {
		c.Traversal.Tag = DefaultTag
	}
	if c.Traversal.FirstRun == 0 {
		c.Traversal.FirstRun = 1
	}
	if c.Traversal.LSPerRun == 0 {
		c.Traversal.LSPerRun = 1
	}
	if c.Traversal.Runs == 0 {
		c.Traversal.Runs = 1
	}
	if c.Conditions.Driver == "" {
		c.Conditions.Driver = conditions.DriverSQLite
	}
	if c.Conditions.DSN == "" && c.Conditions.Driver == conditions.DriverSQLite {
		c.Conditions.DSN = "conditions.db"
	}
	if c.Conditions.Retry.MaxAttempts == 0 {
		c.Conditions.Retry = conditions.DefaultRetryConfig
	}
	if c.Luminosity.File == "" {
		c.Luminosity.File = "./luminosityDB.csv"
	}
	if c.Luminosity.MaxMalformedFraction == 0 {
		c.Luminosity.MaxMalformedFraction = lumi.DefaultMaxMalformedFraction
	}
	if c.Aggregation.Checkpoint == "" {
		c.Aggregation.Checkpoint = model.CheckpointFlush
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if len(c.Output.Formats) == 0 {
		c.Output.Formats = []string{"csv"}
	}
	if c.Store.Path == "" {
		c.Store.Path = "pixelquality.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.JobTimeout == 0 {
		c.Server.JobTimeout = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Conditions.Driver {
	case conditions.DriverSQLite, conditions.DriverPostgres, conditions.DriverFile:
	default:
		return fmt.Errorf("conditions.driver %q is not one of sqlite3, pgx, file", c.Conditions.Driver)
	}
	if c.Conditions.DSN == "" {
		return fmt.Errorf("conditions.dsn is required")
	}
	switch c.Aggregation.Checkpoint {
	case model.CheckpointFlush, model.CheckpointAccumulate:
	default:
		return fmt.Errorf("aggregation.checkpoint %q is not one of flush, accumulate", c.Aggregation.Checkpoint)
	}
	for _, f := range c.Output.Formats {
		if f != "csv" && f != "json" {
			return fmt.Errorf("output.formats: unsupported format %q", f)
		}
	}
	if c.Output.Publish.Enabled() {
		if err := c.Output.Publish.Validate(); err != nil {
			return fmt.Errorf("output.publish: %w", err)
		}
	}
	if c.Luminosity.MaxMalformedFraction < 0 || c.Luminosity.MaxMalformedFraction > 1 {
		return fmt.Errorf("luminosity.max_malformed_fraction must be within [0, 1]")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// Spec builds the traversal described by the file.
func (c *Config) Spec() model.TraversalSpec {
	return model.TraversalSpec{
		Tag:              c.Traversal.Tag,
		FirstRun:         c.Traversal.FirstRun,
		LumiBlocksPerRun: c.Traversal.LSPerRun,
		RunCount:         c.Traversal.Runs,
		Checkpoint:       c.Aggregation.Checkpoint,
		Luminosity:       c.Luminosity,
		Output: model.OutputOptions{
			Dir:     c.Output.Dir,
			Formats: append([]string(nil), c.Output.Formats...),
		},
	}
}

// NewLogger builds the slog logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
