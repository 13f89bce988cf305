package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AIAleph/wallet_features/internal/features"
)

const (
	// DefaultExplorerURL is the Etherscan-compatible account API.
	DefaultExplorerURL = "https://api.etherscan.io/api"

	maxPageSize    = 10000 // explorer result window
	minPageSize    = 1
	maxWorkers     = 64
	minWorkers     = 1
	maxRateLimit   = 200
	minRateLimit   = 0
	maxHTTPRetries = 10
	minHTTPTimeout = 100 * time.Millisecond
	maxHTTPTimeout = 5 * time.Minute
	maxCacheSize   = 1 << 20
)

// Config holds 12-factor configuration for the extractor. Precedence is
// defaults < YAML file < environment < command-line flags.
type Config struct {
	APIKey          string        `yaml:"api_key"`
	ExplorerURL     string        `yaml:"explorer_url"`
	AddressFile     string        `yaml:"address_file"`
	OutputFile      string        `yaml:"output_file"`
	PageSize        int           `yaml:"page_size"`
	Workers         int           `yaml:"workers"`
	RateLimit       int           `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	HTTPRetries     int           `yaml:"http_retries"`
	HTTPBackoffBase time.Duration `yaml:"http_backoff_base"`
	HTTPBackoffMax  time.Duration `yaml:"http_backoff_max"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	TimeRateMode    string        `yaml:"time_rate_mode"`
	DefaultFlag     int           `yaml:"default_flag"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	ClickHouseDSN   string        `yaml:"clickhouse_dsn"`
	ClickHouseTable string        `yaml:"clickhouse_table"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	KafkaBrokers    string        `yaml:"kafka_brokers"`
	KafkaTopic      string        `yaml:"kafka_topic"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ExplorerURL:     DefaultExplorerURL,
		AddressFile:     "addresses.csv",
		OutputFile:      "address_features.csv",
		PageSize:        1000,
		Workers:         4,
		RateLimit:       5, // explorer free tier
		RateBurst:       1,
		HTTPRetries:     3,
		HTTPBackoffBase: 200 * time.Millisecond,
		HTTPBackoffMax:  5 * time.Second,
		HTTPTimeout:     30 * time.Second,
		TimeRateMode:    features.TimeRateMeanGap,
		CacheSize:       4096,
		CacheTTL:        time.Hour,
		ClickHouseTable: "address_features",
		KafkaTopic:      "address.features",
		LogLevel:        "info",
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// LoadDotEnv populates the process environment from a dotenv file without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables over Defaults.
func Load() Config {
	return applyEnv(Defaults())
}

// LoadFile overlays a YAML file on Defaults, then applies the environment.
// Unknown keys in the file are rejected.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	cfg.APIKey = env("ETHERSCAN_API_KEY", cfg.APIKey)
	cfg.ExplorerURL = env("ETHERSCAN_URL", cfg.ExplorerURL)
	cfg.AddressFile = env("ADDRESS_FILE", cfg.AddressFile)
	cfg.OutputFile = env("OUTPUT_FILE", cfg.OutputFile)
	cfg.PageSize = parseIntEnv("PAGE_SIZE", cfg.PageSize)
	cfg.Workers = parseIntEnv("WORKERS", cfg.Workers)
	cfg.RateLimit = parseIntEnv("RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = parseIntEnv("RATE_BURST", cfg.RateBurst)
	cfg.HTTPRetries = parseIntEnv("HTTP_RETRIES", cfg.HTTPRetries)
	cfg.HTTPBackoffBase = parseDurEnv("HTTP_BACKOFF_BASE", cfg.HTTPBackoffBase)
	cfg.HTTPBackoffMax = parseDurEnv("HTTP_BACKOFF_MAX", cfg.HTTPBackoffMax)
	cfg.HTTPTimeout = parseDurEnv("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.TimeRateMode = strings.ToLower(env("TIME_RATE_MODE", cfg.TimeRateMode))
	cfg.DefaultFlag = parseIntEnv("DEFAULT_FLAG", cfg.DefaultFlag)
	cfg.CacheSize = parseIntEnv("CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = parseDurEnv("CACHE_TTL", cfg.CacheTTL)
	if dsn := BuildClickHouseDSN(); dsn != "" {
		cfg.ClickHouseDSN = dsn
	}
	cfg.ClickHouseTable = env("CLICKHOUSE_TABLE", cfg.ClickHouseTable)
	cfg.PostgresDSN = env("PG_DSN", cfg.PostgresDSN)
	cfg.KafkaBrokers = env("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = env("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.MetricsAddr = env("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = env("LOG_FILE", cfg.LogFile)
	return cfg.Clamped()
}

// Clamped bounds numeric settings to their supported ranges.
func (c Config) Clamped() Config {
	c.PageSize = clampInt(c.PageSize, minPageSize, maxPageSize)
	c.Workers = clampInt(c.Workers, minWorkers, maxWorkers)
	c.RateLimit = clampInt(c.RateLimit, minRateLimit, maxRateLimit)
	c.RateBurst = clampInt(c.RateBurst, 1, maxRateLimit)
	c.HTTPRetries = clampInt(c.HTTPRetries, 0, maxHTTPRetries)
	c.HTTPTimeout = clampDuration(c.HTTPTimeout, minHTTPTimeout, maxHTTPTimeout)
	c.CacheSize = clampInt(c.CacheSize, 0, maxCacheSize)
	if c.HTTPBackoffBase <= 0 {
		c.HTTPBackoffBase = 200 * time.Millisecond
	}
	if c.HTTPBackoffMax < c.HTTPBackoffBase {
		c.HTTPBackoffMax = c.HTTPBackoffBase
	}
	return c
}

// Validate reports configuration that cannot produce a run.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("ETHERSCAN_API_KEY is required"))
	}
	if strings.TrimSpace(c.ExplorerURL) == "" {
		errs = append(errs, errors.New("ETHERSCAN_URL is required"))
	}
	if c.AddressFile == "" {
		errs = append(errs, errors.New("address file is required"))
	}
	if c.OutputFile == "" {
		errs = append(errs, errors.New("output file is required"))
	}
	if c.TimeRateMode != features.TimeRateMeanGap && c.TimeRateMode != features.TimeRateLegacy {
		errs = append(errs, fmt.Errorf("unknown time rate mode %q (use %s|%s)", c.TimeRateMode, features.TimeRateMeanGap, features.TimeRateLegacy))
	}
	if c.DefaultFlag != 0 && c.DefaultFlag != 1 {
		errs = append(errs, fmt.Errorf("default flag must be 0 or 1, got %d", c.DefaultFlag))
	}
	return errors.Join(errs...)
}

// KafkaBrokerList splits the comma-separated broker list.
func (c Config) KafkaBrokerList() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildClickHouseDSN assembles a ClickHouse DSN from individual env vars if provided.
// Prefers CLICKHOUSE_DSN if set; otherwise tries CLICKHOUSE_URL/DB/USER/PASS.
func BuildClickHouseDSN() string {
	if dsn := env("CLICKHOUSE_DSN", ""); dsn != "" {
		return dsn
	}
	base := env("CLICKHOUSE_URL", "") // e.g., http://localhost:8123
	db := env("CLICKHOUSE_DB", "")
	user := env("CLICKHOUSE_USER", "")
	pass := env("CLICKHOUSE_PASS", "")
	if base == "" || db == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + db
	}
	if user != "" {
		if pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	p := strings.TrimRight(u.Path, "/")
	switch {
	case p == "":
		u.Path = "/" + db
	case strings.HasSuffix(p, "/"+db):
		u.Path = p
	default:
		u.Path = p + "/" + db
	}
	return u.String()
}

// RedactDSN hides credentials in DSN-like URLs to avoid logging secrets.
func RedactDSN(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.User != nil {
		if name := u.User.Username(); name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
		return u.String()
	}
	// Unparsable or credentials outside the authority: scan for user:pass@.
	i := strings.Index(s, "//")
	if i < 0 {
		return s
	}
	j := strings.Index(s[i+2:], "@")
	if j <= 0 {
		return s
	}
	creds := s[i+2 : i+2+j]
	if !strings.Contains(creds, ":") {
		return s
	}
	user := strings.SplitN(creds, ":", 2)[0]
	return s[:i+2] + user + ":***@" + s[i+2+j+1:]
}
