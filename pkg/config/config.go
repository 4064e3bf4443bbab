package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend names accepted in VCPKG_STORAGE_TYPE.
const (
	StorageFile  = "file"
	StorageMinIO = "minio"
	StorageS3    = "s3"
	StorageGCS   = "gcs"
)

// FileEnvVar names the optional YAML file applied before the environment.
const FileEnvVar = "VCPKG_CONFIG_FILE"

// Config holds server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadOnly        bool          `yaml:"read_only"`
	WriteOnly       bool          `yaml:"write_only"`
	RateLimitRPS    int           `yaml:"rate_limit_rps"` // 0 disables limiting
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"` // optional, appended to alongside stdout
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type StorageConfig struct {
	Type  string            `yaml:"type"`
	File  FileStorageConfig `yaml:"file"`
	MinIO MinIOConfig       `yaml:"minio"`
	GCS   GCSConfig         `yaml:"gcs"`
}

type FileStorageConfig struct {
	Path      string `yaml:"path"`
	WorkDir   string `yaml:"work_dir"` // defaults to <path>/.work
	ChunkSize int    `yaml:"chunk_size"`
}

// MinIOConfig configures the S3-compatible backend (MinIO or AWS S3).
type MinIOConfig struct {
	Endpoint       string        `yaml:"endpoint"` // host:port or URL; empty means AWS
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Prefix         string        `yaml:"prefix"`
	Secure         bool          `yaml:"secure"`
	StagingDir     string        `yaml:"staging_dir"` // empty stages uploads in memory
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type GCSConfig struct {
	Bucket     string `yaml:"bucket"`
	Project    string `yaml:"project"` // needed only to create a missing bucket
	Prefix     string `yaml:"prefix"`
	StagingDir string `yaml:"staging_dir"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "15151",
			RateLimitBurst:  50,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "INFO",
			JSON:  true,
		},
		Storage: StorageConfig{
			Type: StorageFile,
			File: FileStorageConfig{
				Path:      "./cache",
				ChunkSize: 8192,
			},
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				AccessKey:      "minioadmin",
				SecretKey:      "minioadmin",
				Bucket:         "vcpkg-harbor",
				Region:         "us-east-1",
				Secure:         true,
				ConnectTimeout: 10 * time.Second,
				ReadTimeout:    30 * time.Second,
			},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "vcpkg-harbor",
			SampleRate:  1.0,
		},
	}
}

// Load loads configuration from the file named by VCPKG_CONFIG_FILE (if any)
// and then from environment variables.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(FileEnvVar))
}

// LoadFrom is Load with an explicit config file path. An empty path skips the
// file layer.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str("VCPKG_HOST", &c.Server.Host)
	e.str("VCPKG_PORT", &c.Server.Port)
	e.boolean("VCPKG_READ_ONLY", &c.Server.ReadOnly)
	e.boolean("VCPKG_WRITE_ONLY", &c.Server.WriteOnly)
	e.integer("VCPKG_RATE_LIMIT_RPS", &c.Server.RateLimitRPS)
	e.integer("VCPKG_RATE_LIMIT_BURST", &c.Server.RateLimitBurst)
	e.duration("VCPKG_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	e.str("VCPKG_LOG_LEVEL", &c.Log.Level)
	e.boolean("VCPKG_LOG_JSON", &c.Log.JSON)
	e.str("VCPKG_LOG_FILE", &c.Log.File)

	e.str("VCPKG_STORAGE_TYPE", &c.Storage.Type)
	e.str("VCPKG_STORAGE_PATH", &c.Storage.File.Path)
	e.str("VCPKG_STORAGE_WORK_DIR", &c.Storage.File.WorkDir)
	e.integer("VCPKG_CHUNK_SIZE", &c.Storage.File.ChunkSize)

	e.str("VCPKG_MINIO_ENDPOINT", &c.Storage.MinIO.Endpoint)
	e.str("VCPKG_MINIO_ACCESS_KEY", &c.Storage.MinIO.AccessKey)
	e.str("VCPKG_MINIO_SECRET_KEY", &c.Storage.MinIO.SecretKey)
	e.str("VCPKG_MINIO_BUCKET", &c.Storage.MinIO.Bucket)
	e.str("VCPKG_MINIO_REGION", &c.Storage.MinIO.Region)
	e.str("VCPKG_MINIO_PREFIX", &c.Storage.MinIO.Prefix)
	e.boolean("VCPKG_MINIO_SECURE", &c.Storage.MinIO.Secure)
	e.str("VCPKG_MINIO_STAGING_DIR", &c.Storage.MinIO.StagingDir)
	e.duration("VCPKG_MINIO_CONNECT_TIMEOUT", &c.Storage.MinIO.ConnectTimeout)
	e.duration("VCPKG_MINIO_READ_TIMEOUT", &c.Storage.MinIO.ReadTimeout)

	e.str("VCPKG_GCS_BUCKET", &c.Storage.GCS.Bucket)
	e.str("VCPKG_GCS_PROJECT", &c.Storage.GCS.Project)
	e.str("VCPKG_GCS_PREFIX", &c.Storage.GCS.Prefix)
	e.str("VCPKG_GCS_STAGING_DIR", &c.Storage.GCS.StagingDir)

	e.integer("VCPKG_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.duration("VCPKG_RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	e.duration("VCPKG_RETRY_MAX_DELAY", &c.Retry.MaxDelay)

	e.boolean("VCPKG_OTEL_ENABLED", &c.Telemetry.Enabled)
	e.str("VCPKG_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	e.boolean("VCPKG_OTEL_INSECURE", &c.Telemetry.Insecure)
	e.str("VCPKG_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	e.float("VCPKG_OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)

	return errors.Join(e.errs...)
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToUpper(strings.TrimSpace(c.Log.Level))
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	if c.Storage.File.WorkDir == "" && c.Storage.File.Path != "" {
		c.Storage.File.WorkDir = filepath.Join(c.Storage.File.Path, ".work")
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.ReadOnly && c.Server.WriteOnly {
		errs = append(errs, errors.New("read-only and write-only modes are mutually exclusive"))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate limit rps must not be negative"))
	}

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "CRITICAL":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}

	switch c.Storage.Type {
	case StorageFile:
		if c.Storage.File.Path == "" {
			errs = append(errs, errors.New("VCPKG_STORAGE_PATH is required for file storage"))
		}
	case StorageMinIO, StorageS3:
		if c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("VCPKG_MINIO_BUCKET is required for minio storage"))
		}
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("VCPKG_GCS_BUCKET is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type %q (want file, minio, s3 or gcs)", c.Storage.Type))
	}

	if c.Storage.File.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// envReader collects parse failures instead of stopping at the first one.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (e *envReader) float(name string, dst *float64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = f
}

// duration accepts Go durations ("30s") and bare integers as seconds.
func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
