package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"store.pool.minsize":             "store.pool.minSize",
			"store.pool.maxsize":             "store.pool.maxSize",
			"store.pool.acquiretimeout":      "store.pool.acquireTimeout",
			"store.pool.connecttimeout":      "store.pool.connectTimeout",
			"store.pool.querytimeout":        "store.pool.queryTimeout",
			"store.pool.idletimeout":         "store.pool.idleTimeout",
			"store.pool.maxretries":          "store.pool.maxRetries",
			"store.pool.retrydelay":          "store.pool.retryDelay",
			"store.pool.healthinterval":      "store.pool.healthInterval",
			"store.pool.querycachettl":       "store.pool.queryCacheTTL",
			"store.pool.querycachedisabled":  "store.pool.queryCacheDisabled",
			"store.breaker.failurethreshold": "store.breaker.failureThreshold",
			"store.breaker.successthreshold": "store.breaker.successThreshold",
			"store.breaker.openinterval":     "store.breaker.openInterval",
			"cache.valkey.tls.cafile":        "cache.valkey.tls.caFile",
			"cache.l1.memorybudgetbytes":     "cache.l1.memoryBudgetBytes",
			"cache.l1.admitthreshold":        "cache.l1.admitThreshold",
			"cache.l1.promotionthreshold":    "cache.l1.promotionThreshold",
			"cache.tags.ttlextension":        "cache.tags.ttlExtension",
			"matching.maxcandidates":         "matching.maxCandidates",
			"matching.scorebatchsize":        "matching.scoreBatchSize",
			"matching.maxconcurrency":        "matching.maxConcurrency",
			"matching.defaultlimit":          "matching.defaultLimit",
			"matching.maxlimit":              "matching.maxLimit",
			"matching.hookqueuedepth":        "matching.hookQueueDepth",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (STORE__POOL__MAXSIZE -> store.pool.maxsize).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so MAX_SIZE collapses into maxsize when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserFor picks the koanf parser by file extension so operators can keep
// whichever format their deployment tooling emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format %q", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"store": map[string]any{
			"dsn": cfg.Store.DSN,
			"pool": map[string]any{
				"minSize":            cfg.Store.Pool.MinSize,
				"maxSize":            cfg.Store.Pool.MaxSize,
				"acquireTimeout":     cfg.Store.Pool.AcquireTimeout,
				"connectTimeout":     cfg.Store.Pool.ConnectTimeout,
				"queryTimeout":       cfg.Store.Pool.QueryTimeout,
				"idleTimeout":        cfg.Store.Pool.IdleTimeout,
				"maxRetries":         cfg.Store.Pool.MaxRetries,
				"retryDelay":         cfg.Store.Pool.RetryDelay,
				"healthInterval":     cfg.Store.Pool.HealthInterval,
				"queryCacheTTL":      cfg.Store.Pool.QueryCacheTTL,
				"queryCacheDisabled": cfg.Store.Pool.QueryCacheDisabled,
			},
			"breaker": map[string]any{
				"failureThreshold": cfg.Store.Breaker.FailureThreshold,
				"successThreshold": cfg.Store.Breaker.SuccessThreshold,
				"openInterval":     cfg.Store.Breaker.OpenInterval,
			},
		},
		"cache": map[string]any{
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
			"l1": map[string]any{
				"memoryBudgetBytes":  cfg.Cache.L1.MemoryBudgetBytes,
				"admitThreshold":     cfg.Cache.L1.AdmitThreshold,
				"promotionThreshold": cfg.Cache.L1.PromotionThreshold,
			},
			"ttl": map[string]any{
				"profile":       cfg.Cache.TTL.Profile,
				"candidates":    cfg.Cache.TTL.Candidates,
				"compatibility": cfg.Cache.TTL.Compatibility,
				"response":      cfg.Cache.TTL.Response,
			},
			"tags": map[string]any{
				"ttlExtension": cfg.Cache.Tags.TTLExtension,
			},
		},
		"matching": map[string]any{
			"maxCandidates":  cfg.Matching.MaxCandidates,
			"scoreBatchSize": cfg.Matching.ScoreBatchSize,
			"maxConcurrency": cfg.Matching.MaxConcurrency,
			"defaultLimit":   cfg.Matching.DefaultLimit,
			"maxLimit":       cfg.Matching.MaxLimit,
			"hookQueueDepth": cfg.Matching.HookQueueDepth,
		},
	}
}
