// Package config loads engagementcore settings from a YAML file with
// ENGAGEMENTCORE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENGAGEMENTCORE_"

// Pipeline definitions selectable by name.
const (
	PipelineAudit = "audit"
	PipelineRD    = "rd"
)

// Config is the full process configuration.
type Config struct {
	EngagementID string           `yaml:"engagement_id"`
	Pipeline     string           `yaml:"pipeline"`
	Storage      StorageConfig    `yaml:"storage"`
	Blob         BlobConfig       `yaml:"blob"`
	Autosave     AutosaveConfig   `yaml:"autosave"`
	Analysis     AnalysisConfig   `yaml:"analysis"`
	Providers    []ProviderConfig `yaml:"providers"`
	Log          LogConfig        `yaml:"log"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres|redis
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// BlobConfig selects the document content store.
type BlobConfig struct {
	Driver string       `yaml:"driver"` // fs|s3|memory
	FSRoot string       `yaml:"fs_root"`
	S3     BlobS3Config `yaml:"s3"`
}

// BlobS3Config holds bucket settings. Credentials come from the AWS default
// chain unless set here.
type BlobS3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AutosaveConfig tunes the autosave controller.
type AutosaveConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

// AnalysisConfig points at the analysis backend.
type AnalysisConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig describes one payroll or accounting provider.
type ProviderConfig struct {
	Name              string   `yaml:"name"`
	BaseURL           string   `yaml:"base_url"`
	TokenURL          string   `yaml:"token_url"`
	Scopes            []string `yaml:"scopes"`
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// LogConfig selects level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		EngagementID: "default",
		Pipeline:     PipelineAudit,
		Storage:      StorageConfig{Driver: "sqlite", SQLitePath: "./engagementcore.db", RedisPrefix: "engagementcore:"},
		Blob:         BlobConfig{Driver: "fs", FSRoot: "./blobdata"},
		Autosave:     AutosaveConfig{Debounce: 2 * time.Second, SaveTimeout: 30 * time.Second},
		Analysis:     AnalysisConfig{Timeout: 2 * time.Minute},
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects unknown drivers and non-positive durations.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", "fs", "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	if c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "" {
		errs = append(errs, errors.New("blob.s3.bucket: required for the s3 driver"))
	}
	switch c.Pipeline {
	case PipelineAudit, PipelineRD:
	default:
		errs = append(errs, fmt.Errorf("pipeline: unknown definition %q", c.Pipeline))
	}
	if c.EngagementID == "" {
		errs = append(errs, errors.New("engagement_id: required"))
	}
	if c.Autosave.Debounce <= 0 {
		errs = append(errs, errors.New("autosave.debounce: must be positive"))
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name: required", i))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("providers[%d].name: duplicate %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" || p.TokenURL == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: base_url and token_url are required", i))
		}
	}
	return errors.Join(errs...)
}

// Provider returns the named provider.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	str("ENGAGEMENT_ID", &cfg.EngagementID)
	str("PIPELINE", &cfg.Pipeline)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("REDIS_URL", &cfg.Storage.RedisURL)
	str("REDIS_PREFIX", &cfg.Storage.RedisPrefix)
	str("BLOB_DRIVER", &cfg.Blob.Driver)
	str("BLOB_FS_ROOT", &cfg.Blob.FSRoot)
	str("BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	boolean("BLOB_S3_PATH_STYLE", &cfg.Blob.S3.PathStyle)
	dur("AUTOSAVE_DEBOUNCE", &cfg.Autosave.Debounce)
	dur("AUTOSAVE_SAVE_TIMEOUT", &cfg.Autosave.SaveTimeout)
	str("ANALYSIS_URL", &cfg.Analysis.BaseURL)
	str("ANALYSIS_TOKEN", &cfg.Analysis.Token)
	dur("ANALYSIS_TIMEOUT", &cfg.Analysis.Timeout)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	// Secrets stay out of files: ENGAGEMENTCORE_PROVIDER_<NAME>_CLIENT_ID / _CLIENT_SECRET.
	for i := range cfg.Providers {
		name := envName(cfg.Providers[i].Name)
		str("PROVIDER_"+name+"_CLIENT_ID", &cfg.Providers[i].ClientID)
		str("PROVIDER_"+name+"_CLIENT_SECRET", &cfg.Providers[i].ClientSecret)
	}
	return errors.Join(errs...)
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
