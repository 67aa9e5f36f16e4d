// Package config loads recall settings from defaults, an optional JSON file
// and RECALL_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, e.g. RECALL_SEARCH__MAX_TOKENS.
const EnvPrefix = "RECALL_"

// EnvConfigFile names a config file when --config is not given.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Config holds all recall configuration.
type Config struct {
	DBPath     string           `koanf:"db_path"`
	Log        LogConfig        `koanf:"log"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Vector     VectorConfig     `koanf:"vector"`
	Search     SearchConfig     `koanf:"search"`
	Graph      GraphConfig      `koanf:"graph"`
	History    HistoryConfig    `koanf:"history"`
	Reflection ReflectionConfig `koanf:"reflection"`
	Server     ServerConfig     `koanf:"server"`
	Pending    PendingConfig    `koanf:"pending"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type EmbeddingConfig struct {
	Provider   string        `koanf:"provider"` // hash, openai, ollama
	Model      string        `koanf:"model"`
	Dimensions int           `koanf:"dimensions"`
	BaseURL    string        `koanf:"base_url"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	CacheSize  int           `koanf:"cache_size"`
}

type VectorConfig struct {
	Metric string `koanf:"metric"` // cosine, dot, euclidean
}

type SearchConfig struct {
	RRFK       int           `koanf:"rrf_k"`
	CandidateK int           `koanf:"candidate_k"`
	MaxResults int           `koanf:"max_results"`
	MaxTokens  int           `koanf:"max_tokens"`
	Timeout    time.Duration `koanf:"timeout"`
}

type GraphConfig struct {
	TopN      int     `koanf:"top_n"`
	Threshold float64 `koanf:"threshold"`
	Async     bool    `koanf:"async"`
}

type HistoryConfig struct {
	Retention time.Duration `koanf:"retention"`
}

type ReflectionConfig struct {
	MinSamples    int    `koanf:"min_samples"`
	FallbackModel string `koanf:"fallback_model"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type PendingConfig struct {
	Interval time.Duration `koanf:"interval"` // Zero disables the background re-embed loop
}

// defaults mirrors Default as a flat koanf map.
func defaults() map[string]any {
	return map[string]any{
		"db_path":                   "",
		"log.level":                 "info",
		"embedding.provider":        "hash",
		"embedding.model":           "",
		"embedding.dimensions":      256,
		"embedding.base_url":        "",
		"embedding.api_key":         "",
		"embedding.timeout":         "10s",
		"embedding.cache_size":      1000,
		"vector.metric":             "cosine",
		"search.rrf_k":              60,
		"search.candidate_k":        50,
		"search.max_results":        10,
		"search.max_tokens":         2000,
		"search.timeout":            "2s",
		"graph.top_n":               5,
		"graph.threshold":           0.7,
		"graph.async":               false,
		"history.retention":         "2160h",
		"reflection.min_samples":    3,
		"reflection.fallback_model": "sonnet",
		"server.addr":               "127.0.0.1:8765",
		"pending.interval":          "1m",
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load(defaults(), "", nil)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load builds the configuration. path may be empty, in which case RECALL_CONFIG
// is consulted; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	return load(defaults(), path, os.Environ)
}

func load(base map[string]any, path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(base, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if environ != nil {
		provider := env.Provider(".", env.Opt{
			Prefix:        EnvPrefix,
			TransformFunc: transformEnv,
			EnvironFunc:   environ,
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("load environment: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// transformEnv maps RECALL_SEARCH__MAX_TOKENS to search.max_tokens. The
// config-file variable itself is not a setting and is dropped.
func transformEnv(key, value string) (string, any) {
	if key == EnvConfigFile {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", "."), value
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := ParseLevel(c.Log.Level)
	check(levelErr == nil, "log.level: unknown level %q", c.Log.Level)
	check(oneOf(c.Embedding.Provider, "hash", "openai", "ollama"), "embedding.provider: unknown provider %q", c.Embedding.Provider)
	check(c.Embedding.Dimensions >= 0, "embedding.dimensions: must not be negative")
	check(c.Embedding.Timeout > 0, "embedding.timeout: must be positive")
	check(c.Embedding.CacheSize > 0, "embedding.cache_size: must be positive")
	check(oneOf(c.Vector.Metric, "cosine", "dot", "euclidean"), "vector.metric: unknown metric %q", c.Vector.Metric)
	check(c.Search.RRFK > 0, "search.rrf_k: must be positive")
	check(c.Search.CandidateK > 0, "search.candidate_k: must be positive")
	check(c.Search.MaxResults > 0 && c.Search.MaxResults <= 100, "search.max_results: must be within [1, 100]")
	check(c.Search.MaxTokens > 0, "search.max_tokens: must be positive")
	check(c.Search.Timeout > 0, "search.timeout: must be positive")
	check(c.Graph.TopN > 0, "graph.top_n: must be positive")
	check(c.Graph.Threshold > 0 && c.Graph.Threshold < 1, "graph.threshold: must be within (0, 1)")
	check(c.History.Retention > 0, "history.retention: must be positive")
	check(c.Reflection.MinSamples > 0, "reflection.min_samples: must be positive")
	check(c.Reflection.FallbackModel != "", "reflection.fallback_model: must not be empty")
	check(c.Pending.Interval >= 0, "pending.interval: must not be negative")
	return errors.Join(errs...)
}

// ResolveDBPath returns DBPath, or the default location under the user's
// data directory when it is unset.
func (c *Config) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(dir, ".recall", "recall.db"), nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(level))
	return l, err
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
