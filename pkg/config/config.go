package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/agentmem/pkg/memory"
)

// Config is the deployment configuration surface. Values come from an
// optional JSON file overlaid by AGENTMEM_* environment variables.
type Config struct {
	StorePath string `json:"store_path" env:"AGENTMEM_STORE_PATH"`

	ShortTerm ShortTermConfig `json:"short_term"`
	Promotion PromotionConfig `json:"promotion"`
	Retrieval RetrievalConfig `json:"retrieval"`

	// JanitorSpec is a cron expression for background maintenance sweeps.
	// Empty disables the janitor.
	JanitorSpec string `json:"janitor_spec" env:"AGENTMEM_JANITOR_SPEC"`
}

type ShortTermConfig struct {
	TokenBudget  int  `json:"token_budget" env:"AGENTMEM_SHORT_TERM_TOKEN_BUDGET"`
	MaxQueueSize int  `json:"max_queue_size" env:"AGENTMEM_SHORT_TERM_MAX_QUEUE_SIZE"`
	MaxAccessLog int  `json:"max_access_log_size" env:"AGENTMEM_SHORT_TERM_MAX_ACCESS_LOG_SIZE"`
	RejectOnFull bool `json:"reject_on_full" env:"AGENTMEM_SHORT_TERM_REJECT_ON_FULL"`
}

type PromotionConfig struct {
	MinImportance float64 `json:"min_importance" env:"AGENTMEM_PROMOTION_MIN_IMPORTANCE"`
	MinConfidence float64 `json:"min_confidence" env:"AGENTMEM_PROMOTION_MIN_CONFIDENCE"`
	MaxAgeSeconds int     `json:"max_age_seconds" env:"AGENTMEM_PROMOTION_MAX_AGE_SECONDS"`
	BatchSize     int     `json:"batch_size" env:"AGENTMEM_PROMOTION_BATCH_SIZE"`
}

type RetrievalConfig struct {
	CandidateLimit  int `json:"candidate_limit" env:"AGENTMEM_RETRIEVAL_CANDIDATE_LIMIT"`
	CacheTTLSeconds int `json:"cache_ttl_seconds" env:"AGENTMEM_RETRIEVAL_CACHE_TTL_SECONDS"`
	MaxCacheSize    int `json:"max_cache_size" env:"AGENTMEM_RETRIEVAL_MAX_CACHE_SIZE"`
}

// DefaultConfig returns the reference deployment defaults.
func DefaultConfig() *Config {
	return &Config{
		StorePath: "~/.agentmem/state/memory.db",
		ShortTerm: ShortTermConfig{
			TokenBudget:  4096,
			MaxQueueSize: 100,
			MaxAccessLog: 1000,
			RejectOnFull: false,
		},
		Promotion: PromotionConfig{
			MinImportance: 0.5,
			MinConfidence: 0.3,
			MaxAgeSeconds: 300,
			BatchSize:     10,
		},
		Retrieval: RetrievalConfig{
			CandidateLimit:  200,
			CacheTTLSeconds: 300,
			MaxCacheSize:    100,
		},
		JanitorSpec: "",
	}
}

// LoadConfig reads the JSON file at path (missing file is fine) and applies
// environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the config as indented JSON.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// MemoryConfig converts the deployment surface into the service config.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{
		StorePath:    expandHome(c.StorePath),
		TokenBudget:  c.ShortTerm.TokenBudget,
		MaxQueueSize: c.ShortTerm.MaxQueueSize,
		MaxAccessLog: c.ShortTerm.MaxAccessLog,
		RejectOnFull: c.ShortTerm.RejectOnFull,
		Promotion: memory.Options{
			MinImportance: c.Promotion.MinImportance,
			MinConfidence: c.Promotion.MinConfidence,
			MaxAge:        time.Duration(c.Promotion.MaxAgeSeconds) * time.Second,
			BatchSize:     c.Promotion.BatchSize,
		},
		CandidateLimit: c.Retrieval.CandidateLimit,
		CacheTTL:       time.Duration(c.Retrieval.CacheTTLSeconds) * time.Second,
		MaxCacheSize:   c.Retrieval.MaxCacheSize,
		JanitorSpec:    c.JanitorSpec,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
