package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the matchd process consumes, nested per subsystem.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Cache    CacheConfig    `koanf:"cache"`
	Matching MatchingConfig `koanf:"matching"`
}

// ServerConfig collects the bootstrap knobs for the thin HTTP adapter.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig describes the backing store and the bounded connection pool
// sitting in front of it.
type StoreConfig struct {
	DSN string `koanf:"dsn"`

	Pool    PoolConfig    `koanf:"pool"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// PoolConfig carries the pool sizing, timeout and retry budget knobs.
type PoolConfig struct {
	MinSize            int           `koanf:"minSize"`
	MaxSize            int           `koanf:"maxSize"`
	AcquireTimeout     time.Duration `koanf:"acquireTimeout"`
	ConnectTimeout     time.Duration `koanf:"connectTimeout"`
	QueryTimeout       time.Duration `koanf:"queryTimeout"`
	IdleTimeout        time.Duration `koanf:"idleTimeout"`
	MaxRetries         int           `koanf:"maxRetries"`
	RetryDelay         time.Duration `koanf:"retryDelay"`
	HealthInterval     time.Duration `koanf:"healthInterval"`
	QueryCacheTTL      time.Duration `koanf:"queryCacheTTL"`
	QueryCacheDisabled bool          `koanf:"queryCacheDisabled"`
}

// BreakerConfig tunes the circuit breaker wrapped around backing-store calls.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failureThreshold"`
	SuccessThreshold int           `koanf:"successThreshold"`
	OpenInterval     time.Duration `koanf:"openInterval"`
}

// CacheConfig describes the two cache tiers and the per-category TTL policy.
type CacheConfig struct {
	Valkey ValkeyConfig    `koanf:"valkey"`
	L1     L1Config        `koanf:"l1"`
	TTL    CacheTTLConfig  `koanf:"ttl"`
	Tags   CacheTagsConfig `koanf:"tags"`
}

// ValkeyConfig points the L2 tier at the shared remote cache.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// L1Config bounds the in-process tier. Entries are only admitted (on set) or
// promoted (on an L2 hit) when their TTL is under the respective threshold, so
// the L1 budget is spent on hot short-lived data.
type L1Config struct {
	MemoryBudgetBytes  int64         `koanf:"memoryBudgetBytes"`
	AdmitThreshold     time.Duration `koanf:"admitThreshold"`
	PromotionThreshold time.Duration `koanf:"promotionThreshold"`
}

// CacheTTLConfig assigns a TTL per data category.
type CacheTTLConfig struct {
	Profile       time.Duration `koanf:"profile"`
	Candidates    time.Duration `koanf:"candidates"`
	Compatibility time.Duration `koanf:"compatibility"`
	Response      time.Duration `koanf:"response"`
}

// CacheTagsConfig controls how long tag indexes outlive the data they track.
type CacheTagsConfig struct {
	TTLExtension time.Duration `koanf:"ttlExtension"`
}

// MatchingConfig bounds the pipeline's fan-out and candidate volume.
type MatchingConfig struct {
	MaxCandidates  int `koanf:"maxCandidates"`
	ScoreBatchSize int `koanf:"scoreBatchSize"`
	MaxConcurrency int `koanf:"maxConcurrency"`
	DefaultLimit   int `koanf:"defaultLimit"`
	MaxLimit       int `koanf:"maxLimit"`
	HookQueueDepth int `koanf:"hookQueueDepth"`
}

// DefaultConfig returns the baseline applied before file and env overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Store: StoreConfig{
			Pool: PoolConfig{
				MinSize:        2,
				MaxSize:        10,
				AcquireTimeout: 10 * time.Second,
				ConnectTimeout: 5 * time.Second,
				QueryTimeout:   30 * time.Second,
				IdleTimeout:    5 * time.Minute,
				MaxRetries:     3,
				RetryDelay:     time.Second,
				HealthInterval: time.Minute,
				QueryCacheTTL:  30 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenInterval:     30 * time.Second,
			},
		},
		Cache: CacheConfig{
			L1: L1Config{
				MemoryBudgetBytes:  64 << 20,
				AdmitThreshold:     5 * time.Minute,
				PromotionThreshold: 5 * time.Minute,
			},
			TTL: CacheTTLConfig{
				Profile:       10 * time.Minute,
				Candidates:    5 * time.Minute,
				Compatibility: time.Hour,
				Response:      2 * time.Minute,
			},
			Tags: CacheTagsConfig{TTLExtension: time.Hour},
		},
		Matching: MatchingConfig{
			MaxCandidates:  500,
			ScoreBatchSize: 50,
			MaxConcurrency: 5,
			DefaultLimit:   20,
			MaxLimit:       100,
			HookQueueDepth: 64,
		},
	}
}

// Validate rejects configurations the process cannot run with. Store DSN and
// cache address are checked at first use rather than here so a cache-less or
// store-less test wiring remains possible.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port))
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log level %q", c.Server.Logging.Level))
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log format %q", c.Server.Logging.Format))
	}

	if c.Store.Pool.MinSize < 0 {
		errs = append(errs, errors.New("config: pool minSize must not be negative"))
	}
	if c.Store.Pool.MaxSize <= 0 {
		errs = append(errs, errors.New("config: pool maxSize must be positive"))
	}
	if c.Store.Pool.MaxSize > 0 && c.Store.Pool.MinSize > c.Store.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("config: pool minSize %d exceeds maxSize %d", c.Store.Pool.MinSize, c.Store.Pool.MaxSize))
	}
	if c.Store.Pool.MaxRetries < 0 {
		errs = append(errs, errors.New("config: pool maxRetries must not be negative"))
	}

	if c.Cache.L1.MemoryBudgetBytes <= 0 {
		errs = append(errs, errors.New("config: l1 memory budget must be positive"))
	}

	if c.Matching.MaxCandidates <= 0 {
		errs = append(errs, errors.New("config: matching maxCandidates must be positive"))
	}
	if c.Matching.ScoreBatchSize <= 0 {
		errs = append(errs, errors.New("config: matching scoreBatchSize must be positive"))
	}
	if c.Matching.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("config: matching maxConcurrency must be positive"))
	}
	if c.Matching.MaxLimit > 0 && c.Matching.DefaultLimit > c.Matching.MaxLimit {
		errs = append(errs, fmt.Errorf("config: matching defaultLimit %d exceeds maxLimit %d", c.Matching.DefaultLimit, c.Matching.MaxLimit))
	}

	return errors.Join(errs...)
}
