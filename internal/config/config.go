package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Hasher modes.
const (
	HasherLocal  = "local"
	HasherRemote = "remote"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds everything the gateway reads from the environment at start.
type Config struct {
	APIKey  string
	BaseURL string

	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxUploadSize   int64

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr string
	CacheTTL  time.Duration

	JWTSecret   string
	JWTAudience string

	HasherMode string
	HasherAddr string

	TracingEnabled bool

	AzureAccount   string
	AzureKey       string
	AzureContainer string
}

// GRPCDisabled is the GRPC_ADDR value that turns the gRPC hasher off.
const GRPCDisabled = "off"

// LoadFromEnv reads and validates the configuration. Unset or blank
// variables take their defaults; set but malformed values are errors.
func LoadFromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{
		APIKey:          strings.TrimSpace(os.Getenv("FUZZYSEARCH_API_KEY")),
		BaseURL:         getEnvOrDefault("FUZZYSEARCH_BASE_URL", "https://api.fuzzysearch.net"),
		HTTPAddr:        getEnvOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr:        grpcAddr(getEnvOrDefault("GRPC_ADDR", ":50051")),
		ShutdownTimeout: parseDurationOrDefault("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		RequestTimeout:  parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second, &errs),
		MaxUploadSize:   parseIntOrDefault("MAX_UPLOAD_SIZE", 10<<20, &errs),
		DatabaseDriver:  strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", DriverPostgres)),
		DatabaseDSN:     getEnvOrDefault("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=fuzzysearch port=5432 sslmode=disable"),
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "redis:6379"),
		CacheTTL:        parseDurationOrDefault("CACHE_TTL", 10*time.Minute, &errs),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		HasherMode:      strings.ToLower(getEnvOrDefault("HASHER_MODE", HasherLocal)),
		HasherAddr:      getEnvOrDefault("HASHER_ADDR", "hasher:50051"),
		TracingEnabled:  parseBoolOrDefault("TRACING_ENABLED", false, &errs),
		AzureAccount:    os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureKey:        os.Getenv("AZURE_STORAGE_KEY"),
		AzureContainer:  getEnvOrDefault("AZURE_STORAGE_CONTAINER", "lookups"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GRPCEnabled reports whether the gRPC hasher should be served.
func (c *Config) GRPCEnabled() bool {
	return c.GRPCAddr != ""
}

func grpcAddr(value string) string {
	if strings.EqualFold(value, GRPCDisabled) {
		return ""
	}
	return value
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("FUZZYSEARCH_API_KEY is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.HasherMode {
	case HasherLocal, HasherRemote:
	default:
		return fmt.Errorf("unsupported HASHER_MODE %q", c.HasherMode)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0 (got %d)", c.MaxUploadSize)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"REQUEST_TIMEOUT", c.RequestTimeout},
		{"CACHE_TTL", c.CacheTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %s)", d.name, d.value)
		}
	}
	if (c.AzureAccount == "") != (c.AzureKey == "") {
		return errors.New("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY must be set together")
	}
	return nil
}

// ArchiveEnabled reports whether uploaded images are copied to blob storage.
func (c *Config) ArchiveEnabled() bool {
	return c.AzureAccount != "" && c.AzureKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return duration
}

func parseIntOrDefault(key string, defaultValue int64, errs *[]error) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return intValue
}

func parseBoolOrDefault(key string, defaultValue bool, errs *[]error) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}
