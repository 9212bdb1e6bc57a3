// Package config loads the annometa configuration file.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/cascade"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/service"
)

// Error is the error class for configuration problems.
var Error = errs.Class("config")

// Blob backends.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Config is the whole configuration file.
type Config struct {
	// Database is the path of the SQLite store.
	Database string `yaml:"database"`
	// Index is the path of the SQLite search index.
	Index string `yaml:"index"`

	Blob    BlobConfig        `yaml:"blob"`
	Sync    search.SyncConfig `yaml:"sync"`
	Reaper  cascade.Config    `yaml:"reaper"`
	Service service.Config    `yaml:"service"`
	Log     LogConfig         `yaml:"log"`
	Metrics MetricsConfig     `yaml:"metrics"`
}

// BlobConfig selects the object store.
type BlobConfig struct {
	Backend string        `yaml:"backend"`
	S3      blob.S3Config `yaml:"s3"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint of serve.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "annometa.db",
		Index:    "annometa-index.db",
		Blob:     BlobConfig{Backend: BackendMemory},
		Sync: search.SyncConfig{
			Interval:     time.Second,
			BatchSize:    500,
			MaxStaleness: 30 * time.Second,
		},
		Reaper: cascade.Config{
			Interval:    time.Minute,
			Concurrency: 4,
			BatchSize:   200,
			ClaimTTL:    10 * time.Minute,
		},
		Service: service.Config{
			PresignTTL: 24 * time.Hour,
			MaxClone:   500,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Listen: ":9090"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so a typo
// does not silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, Error.Wrap(err)
	}
	if err := Decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode decodes data onto cfg and validates the result.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return Error.New("parse: %v", err)
	}
	return cfg.Validate()
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var group errs.Group
	if c.Database == "" {
		group.Add(Error.New("database path is empty"))
	}
	if c.Index == "" {
		group.Add(Error.New("index path is empty"))
	}
	switch c.Blob.Backend {
	case BackendMemory:
	case BackendS3:
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			group.Add(Error.New("s3 backend needs an endpoint and a bucket"))
		}
	default:
		group.Add(Error.New("unknown blob backend %q", c.Blob.Backend))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"sync.interval", c.Sync.Interval},
		{"reaper.interval", c.Reaper.Interval},
		{"reaper.claim_ttl", c.Reaper.ClaimTTL},
		{"service.presign_ttl", c.Service.PresignTTL},
	} {
		if d.value <= 0 {
			group.Add(Error.New("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.Sync.BatchSize <= 0 || c.Reaper.BatchSize <= 0 {
		group.Add(Error.New("batch sizes must be positive"))
	}
	if c.Reaper.Concurrency <= 0 {
		group.Add(Error.New("reaper.concurrency must be positive"))
	}
	if c.Service.MaxClone <= 0 {
		group.Add(Error.New("service.max_clone must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		group.Add(Error.New("log.level: %v", err))
	}
	return group.Err()
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	log, err := zc.Build()
	if err != nil {
		return nil, Error.New("build logger: %v", err)
	}
	return log, nil
}
