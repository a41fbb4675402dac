// Package config resolves service settings from the environment, an optional .env file
// and an optional ini defaults file. Environment variables win over the ini file, which
// wins over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/lars-t-hansen/ini"
)

// Config is the resolved service configuration.
type Config struct {
	MongoURI           string   `validate:"required"`
	Port               string   `validate:"required,numeric"`
	Workers            int      `validate:"min=1"`
	BinWidth           int64    `validate:"min=1"`
	Policy             string   `validate:"oneof=strict-overlap arrival-only"`
	CachePath          string   `validate:"required"`
	UploadDir          string   `validate:"required"`
	RateLimitPerMinute int      `validate:"min=1"`
	RateLimitBurst     int      `validate:"min=1"`
	CORSAllowedOrigins []string `validate:"min=1,dive,required"`
	LogLevel           string   `validate:"oneof=debug info warn error"`
}

type setting struct {
	env     string
	section string
	key     string
	def     string
}

var settings = []setting{
	{"MONGODB_URI", "mongodb", "uri", "mongodb://localhost:27017"},
	{"PORT", "server", "port", "8080"},
	{"UPLOAD_DIR", "server", "upload-dir", "uploads"},
	{"CORS_ALLOWED_ORIGINS", "server", "cors-allowed-origins", "http://localhost:3000"},
	{"LOG_LEVEL", "server", "log-level", "info"},
	{"RATE_LIMIT_PER_MINUTE", "rate-limit", "per-minute", "6000"},
	{"RATE_LIMIT_BURST", "rate-limit", "burst", "10"},
	{"ANALYZER_WORKERS", "analyzer", "workers", "0"}, // 0 means one per CPU
	{"ANALYZER_BIN_WIDTH", "analyzer", "bin-width", "1000"},
	{"ANALYZER_POLICY", "analyzer", "policy", "strict-overlap"},
	{"CACHE_PATH", "analyzer", "cache-path", "lock-contention-cache.db"},
}

var sections = []string{"mongodb", "server", "rate-limit", "analyzer"}

// Lookup reads one environment variable, as os.LookupEnv does.
type Lookup func(key string) (string, bool)

// DefaultsFile returns the ini defaults path: $CONTENTION_CONFIG, else ~/.lockcontention.
func DefaultsFile() string {
	if fn := os.Getenv("CONTENTION_CONFIG"); fn != "" {
		return fn
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(filepath.Clean(home), ".lockcontention")
}

// Load reads .env (if any), the ini defaults file (if any) and the process environment.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	var defaults io.Reader
	if fn := DefaultsFile(); fn != "" {
		f, err := os.Open(fn)
		switch {
		case err == nil:
			defer f.Close()
			defaults = f
			logger.Info("reading configuration defaults", "path", fn)
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to open %s: %w", fn, err)
		}
	}
	return Resolve(os.LookupEnv, defaults)
}

// Resolve builds a Config from lookup and an optional ini document.
func Resolve(lookup Lookup, defaults io.Reader) (*Config, error) {
	p := ini.NewParser()
	fields := make([]*ini.Field, len(settings))
	for _, name := range sections {
		sec := p.AddSection(name)
		for i, s := range settings {
			if s.section == name {
				fields[i] = sec.AddString(s.key)
			}
		}
	}

	var store *ini.Store
	if defaults != nil {
		var err error
		if store, err = p.Parse(defaults); err != nil {
			return nil, fmt.Errorf("failed to parse configuration defaults: %w", err)
		}
	}

	values := make(map[string]string, len(settings))
	for i, s := range settings {
		v := s.def
		if store != nil && fields[i].Present(store) {
			v = os.ExpandEnv(fields[i].StringVal(store))
		}
		if env, ok := lookup(s.env); ok && env != "" {
			v = env
		}
		values[s.env] = strings.TrimSpace(v)
	}
	return build(values)
}

func build(values map[string]string) (*Config, error) {
	var errs []error
	atoi := func(key string) int {
		n, err := strconv.Atoi(values[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cfg := &Config{
		MongoURI:           values["MONGODB_URI"],
		Port:               values["PORT"],
		Workers:            atoi("ANALYZER_WORKERS"),
		BinWidth:           int64(atoi("ANALYZER_BIN_WIDTH")),
		Policy:             values["ANALYZER_POLICY"],
		CachePath:          values["CACHE_PATH"],
		UploadDir:          values["UPLOAD_DIR"],
		RateLimitPerMinute: atoi("RATE_LIMIT_PER_MINUTE"),
		RateLimitBurst:     atoi("RATE_LIMIT_BURST"),
		CORSAllowedOrigins: splitList(values["CORS_ALLOWED_ORIGINS"]),
		LogLevel:           strings.ToLower(values["LOG_LEVEL"]),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct constraints of cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
