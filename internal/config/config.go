package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPDS                 = "bsky.social"
	DefaultCacheURL            = "redis://redis:6379"
	DefaultMutationConcurrency = 4
	DefaultHTTPTimeout         = 15 * time.Second
	DefaultShutdownGrace       = 10 * time.Second
)

// Config is the service configuration assembled from the environment.
type Config struct {
	Handle    string
	Password  string
	DID       string
	PDS       string
	StreamURL string
	// CacheURL selects the idempotency cache backend by scheme.
	CacheURL  string
	ListsFile string
	// Lists is an inline registry, "label=rkey,label=rkey".
	Lists string

	MutationConcurrency int
	MutationRate        float64
	HTTPTimeout         time.Duration
	ShutdownGrace       time.Duration

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	// OpsJWTSecret enables the authenticated membership routes on the ops listener.
	OpsJWTSecret string

	// Warnings lists values that could not be parsed and were replaced by defaults.
	Warnings []string
}

// MissingError reports every required setting that was empty.
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Fields, ", ")
}

// Load reads the given dotenv files (".env" when none are named; absent files are
// skipped) without overriding variables already set, then builds a Config from the
// process environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates a Config using lookup for every variable.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	env := &environment{lookup: lookup}
	cfg := Config{
		Handle:              env.str("BSKY_HANDLE", ""),
		Password:            env.raw("BSKY_PASSWORD"),
		DID:                 env.str("DID", ""),
		PDS:                 env.str("PDS", DefaultPDS),
		StreamURL:           env.str("WSS_URL", ""),
		CacheURL:            env.str("REDIS_URL", DefaultCacheURL),
		ListsFile:           env.str("LISTS_FILE", ""),
		Lists:               env.str("LISTS", ""),
		MutationConcurrency: env.integer("MUTATION_CONCURRENCY", DefaultMutationConcurrency),
		MutationRate:        env.float("MUTATION_RATE", 0),
		HTTPTimeout:         env.duration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		ShutdownGrace:       env.duration("SHUTDOWN_GRACE", DefaultShutdownGrace),
		LogLevel:            env.str("LOG_LEVEL", "info"),
		LogFormat:           env.str("LOG_FORMAT", "json"),
		MetricsAddr:         env.str("METRICS_ADDR", ""),
		OpsJWTSecret:        env.raw("OPS_JWT_SECRET"),
	}
	if cfg.MutationConcurrency <= 0 {
		env.warn("MUTATION_CONCURRENCY must be positive, using %d", DefaultMutationConcurrency)
		cfg.MutationConcurrency = DefaultMutationConcurrency
	}
	if cfg.MutationRate < 0 {
		env.warn("MUTATION_RATE must not be negative, disabling rate limiting")
		cfg.MutationRate = 0
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	cfg.Warnings = env.warnings
	return cfg, cfg.Validate()
}

// Validate checks the credentials and endpoints the service cannot start without.
func (c Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"BSKY_HANDLE", c.Handle},
		{"BSKY_PASSWORD", c.Password},
		{"DID", c.DID},
		{"WSS_URL", c.StreamURL},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Fields: missing}
	}
	return nil
}

type environment struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (e *environment) warn(format string, args ...any) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *environment) raw(name string) string {
	value, _ := e.lookup(name)
	return value
}

func (e *environment) str(name, fallback string) string {
	value := strings.TrimSpace(e.raw(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e *environment) integer(name string, fallback int) int {
	raw := strings.TrimSpace(e.raw(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.warn("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func (e *environment) float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(e.raw(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.warn("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func (e *environment) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.raw(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.warn("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
