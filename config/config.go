package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// MinHashFloor is the smallest input TLSH produces a meaningful digest for.
	MinHashFloor = 512

	defaultAPIURL = "https://mb-api.abuse.ch/api/v1/"

	envAPIKey       = "MALWARE_BAZAAR_API_KEY"
	envSevenZipPath = "SEVENZIP_PATH"
	envPrefix       = "FUZZYCOLLECTOR_"
)

type Config struct {
	APIURL             string            `json:"api_url" yaml:"api_url"`
	APIKey             string            `json:"api_key" yaml:"api_key"`
	SevenZipPath       string            `json:"sevenzip_path" yaml:"sevenzip_path"`
	ArchivePassword    string            `json:"archive_password" yaml:"archive_password"`
	FileType           string            `json:"file_type" yaml:"file_type"`
	Limit              int               `json:"limit" yaml:"limit"`
	BaseDir            string            `json:"base_dir" yaml:"base_dir"`
	StagingDir         string            `json:"staging_dir" yaml:"staging_dir"`
	ArchiveDir         string            `json:"archive_dir" yaml:"archive_dir"`
	LedgerDir          string            `json:"ledger_dir" yaml:"ledger_dir"`
	MetadataDir        string            `json:"metadata_dir" yaml:"metadata_dir"`
	RequiresExtraction bool              `json:"requires_extraction" yaml:"requires_extraction"`
	KeepFailedArchives bool              `json:"keep_failed_archives" yaml:"keep_failed_archives"`
	MetadataNaming     string            `json:"metadata_naming" yaml:"metadata_naming"`
	MinHashSize        int               `json:"min_hash_size" yaml:"min_hash_size"`
	MaxPayloadSize     int64             `json:"max_payload_size" yaml:"max_payload_size"`
	RequestTimeout     time.Duration     `json:"request_timeout" yaml:"request_timeout"`
	RateLimit          float64           `json:"rate_limit" yaml:"rate_limit"`
	RateBurst          int               `json:"rate_burst" yaml:"rate_burst"`
	LogLevel           string            `json:"log_level" yaml:"log_level"`
	Progress           bool              `json:"progress" yaml:"progress"`
	EnvFile            string            `json:"env_file" yaml:"env_file"`
	OtelEndpoint       string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelHeaders        map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName    string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout        time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`
	TraceFile          string            `json:"trace_file" yaml:"trace_file"`
	ConfigFile         string            `json:"-" yaml:"-"`
}

// ConfigError reports a configuration problem detected before any stage runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		APIURL:             defaultAPIURL,
		ArchivePassword:    "infected",
		FileType:           "elf",
		Limit:              5,
		BaseDir:            "retrieved_files",
		RequiresExtraction: true,
		KeepFailedArchives: true,
		MetadataNaming:     "dated",
		MinHashSize:        MinHashFloor,
		MaxPayloadSize:     64 * 1024 * 1024,
		RequestTimeout:     60 * time.Second,
		RateLimit:          2,
		RateBurst:          1,
		LogLevel:           "info",
		Progress:           true,
		EnvFile:            ".env",
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "fuzzycollector",
		OtelTimeout:        5 * time.Second,
	}
}

// BindFlags registers the configuration flags on the given set.
func BindFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String("config", "", "Path to a JSON or YAML configuration file.")
	flags.String("env-file", def.EnvFile, "Path to a .env file with MALWARE_BAZAAR_API_KEY and SEVENZIP_PATH.")
	flags.String("api-url", def.APIURL, "Sample sharing API endpoint.")
	flags.String("sevenzip", "", "Path to the 7-Zip executable (overrides SEVENZIP_PATH).")
	flags.StringP("file-type", "t", def.FileType, "File type class to collect and hash (e.g. elf, exe).")
	flags.IntP("limit", "n", def.Limit, "Maximum number of catalog entries to request.")
	flags.String("base-dir", def.BaseDir, "Root directory for staging, ledger and metadata files.")
	flags.String("staging-dir", "", "Staging directory for hashable samples (default: <base-dir>/samples/<type>_samples).")
	flags.String("archive-dir", "", "Staging directory for downloaded archives (default: <base-dir>/zip_samples/zipped_<type>_samples).")
	flags.String("ledger-dir", "", "Directory holding <type>_fuzzy_hash.csv (default: <base-dir>/fuzzy_hash).")
	flags.String("metadata-dir", "", "Directory for catalog metadata snapshots (default: <base-dir>/metadata).")
	flags.Bool("extract", def.RequiresExtraction, "Downloaded payloads are password-protected archives that must be extracted.")
	flags.Bool("keep-failed-archives", def.KeepFailedArchives, "Leave archives that failed to extract in the archive directory.")
	flags.String("metadata-naming", def.MetadataNaming, "Metadata snapshot naming: dated, fixed or digest.")
	flags.Int64("max-payload-size", def.MaxPayloadSize, "Maximum payload size in bytes accepted from the API.")
	flags.Duration("timeout", def.RequestTimeout, "Per-request HTTP timeout.")
	flags.Float64("rate-limit", def.RateLimit, "Maximum API requests per second (0 means unlimited).")
	flags.String("log-level", def.LogLevel, "Log level: debug, info, warn, error, fatal, or panic.")
	flags.Bool("progress", def.Progress, "Show progress bars.")
	flags.String("otel-endpoint", "", "OTLP/HTTP logs endpoint to mirror ledger records to (default: off).")
	flags.String("otel-headers", "", "Comma-separated key=value headers for the OTLP exporter.")
	flags.String("trace-file", "", "Runtime trace output path (only used in builds with -tags trace).")
}

// Load resolves the configuration from defaults, an optional config file,
// the .env file, the environment and explicitly set flags, in that order.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if flags != nil {
		if path, err := flags.GetString("config"); err == nil && path != "" {
			cfg.ConfigFile = path
			if err := cfg.loadFromFile(path); err != nil {
				return nil, err
			}
		}
		if f := flags.Lookup("env-file"); f != nil && f.Changed {
			cfg.EnvFile = f.Value.String()
		}
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if flags != nil {
		cfg.applyFlags(flags)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// loadEnvFile populates the environment from a .env file without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not load env file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envAPIKey)); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envSevenZipPath)); v != "" {
		cfg.SevenZipPath = v
	}
	if v := envValue("API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := envValue("FILE_TYPE"); v != "" {
		cfg.FileType = v
	}
	if v := envValue("BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := envValue("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envValue("OTEL_ENDPOINT"); v != "" {
		cfg.OtelEndpoint = v
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func (cfg *Config) applyFlags(flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL, _ = flags.GetString(f.Name)
		case "sevenzip":
			cfg.SevenZipPath, _ = flags.GetString(f.Name)
		case "file-type":
			cfg.FileType, _ = flags.GetString(f.Name)
		case "limit":
			cfg.Limit, _ = flags.GetInt(f.Name)
		case "base-dir":
			cfg.BaseDir, _ = flags.GetString(f.Name)
		case "staging-dir":
			cfg.StagingDir, _ = flags.GetString(f.Name)
		case "archive-dir":
			cfg.ArchiveDir, _ = flags.GetString(f.Name)
		case "ledger-dir":
			cfg.LedgerDir, _ = flags.GetString(f.Name)
		case "metadata-dir":
			cfg.MetadataDir, _ = flags.GetString(f.Name)
		case "extract":
			cfg.RequiresExtraction, _ = flags.GetBool(f.Name)
		case "keep-failed-archives":
			cfg.KeepFailedArchives, _ = flags.GetBool(f.Name)
		case "metadata-naming":
			cfg.MetadataNaming, _ = flags.GetString(f.Name)
		case "max-payload-size":
			cfg.MaxPayloadSize, _ = flags.GetInt64(f.Name)
		case "timeout":
			cfg.RequestTimeout, _ = flags.GetDuration(f.Name)
		case "rate-limit":
			cfg.RateLimit, _ = flags.GetFloat64(f.Name)
		case "log-level":
			cfg.LogLevel, _ = flags.GetString(f.Name)
		case "progress":
			cfg.Progress, _ = flags.GetBool(f.Name)
		case "otel-endpoint":
			cfg.OtelEndpoint, _ = flags.GetString(f.Name)
		case "trace-file":
			cfg.TraceFile, _ = flags.GetString(f.Name)
		case "otel-headers":
			value, _ := flags.GetString(f.Name)
			cfg.OtelHeaders = parseHeaders(value)
		}
	})
}

func (cfg *Config) normalize() {
	cfg.FileType = strings.ToLower(strings.TrimSpace(cfg.FileType))
	cfg.MetadataNaming = strings.ToLower(strings.TrimSpace(cfg.MetadataNaming))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.SevenZipPath = strings.TrimSpace(cfg.SevenZipPath)
	if cfg.MetadataNaming == "" {
		cfg.MetadataNaming = "dated"
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(cfg.BaseDir, "samples", cfg.FileType+"_samples")
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.BaseDir, "zip_samples", "zipped_"+cfg.FileType+"_samples")
	}
	if cfg.LedgerDir == "" {
		cfg.LedgerDir = filepath.Join(cfg.BaseDir, "fuzzy_hash")
	}
	if cfg.MetadataDir == "" {
		cfg.MetadataDir = filepath.Join(cfg.BaseDir, "metadata")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.OtelHeaders == nil {
		cfg.OtelHeaders = map[string]string{}
	}
}

// Validate checks that the configuration can drive a pipeline run.
func (cfg *Config) Validate() error {
	if cfg.APIKey == "" {
		return &ConfigError{Field: "api_key", Reason: envAPIKey + " is not set"}
	}
	if cfg.RequiresExtraction && cfg.SevenZipPath == "" {
		return &ConfigError{Field: "sevenzip_path", Reason: envSevenZipPath + " is not set"}
	}
	if !validFileType(cfg.FileType) {
		return &ConfigError{Field: "file_type", Reason: fmt.Sprintf("invalid file type %q", cfg.FileType)}
	}
	if cfg.FileType == "zip" && cfg.RequiresExtraction {
		return &ConfigError{Field: "file_type", Reason: "zip collides with the archive staging suffix"}
	}
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		return &ConfigError{Field: "api_url", Reason: "must include scheme (http or https)"}
	}
	if cfg.Limit < 1 || cfg.Limit > 1000 {
		return &ConfigError{Field: "limit", Reason: "must be between 1 and 1000"}
	}
	if cfg.MinHashSize < MinHashFloor {
		return &ConfigError{Field: "min_hash_size", Reason: fmt.Sprintf("must be at least %d bytes", MinHashFloor)}
	}
	if cfg.MaxPayloadSize <= 0 {
		return &ConfigError{Field: "max_payload_size", Reason: "must be positive"}
	}
	if cfg.RequestTimeout <= 0 {
		return &ConfigError{Field: "request_timeout", Reason: "must be positive"}
	}
	if cfg.RateLimit < 0 {
		return &ConfigError{Field: "rate_limit", Reason: "must be zero or positive"}
	}
	switch cfg.MetadataNaming {
	case "dated", "fixed", "digest":
	default:
		return &ConfigError{Field: "metadata_naming", Reason: fmt.Sprintf("invalid value %q", cfg.MetadataNaming)}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return &ConfigError{Field: "log_level", Reason: fmt.Sprintf("invalid value %q", cfg.LogLevel)}
	}
	if cfg.OtelEndpoint != "" && !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
		return &ConfigError{Field: "otel_endpoint", Reason: "must include scheme (http or https)"}
	}
	return nil
}

// LedgerPath is the CSV ledger for the configured file type.
func (cfg *Config) LedgerPath() string {
	return filepath.Join(cfg.LedgerDir, cfg.FileType+"_fuzzy_hash.csv")
}

// SnapshotDir is where catalog metadata snapshots for the file type land.
func (cfg *Config) SnapshotDir() string {
	return filepath.Join(cfg.MetadataDir, cfg.FileType+"_metadata")
}

func validFileType(ft string) bool {
	if ft == "" || len(ft) > 16 {
		return false
	}
	for _, r := range ft {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
