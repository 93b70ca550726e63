package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiy/chatmem/pkg/types"
)

// DefaultSystemPrompt is the persona preamble used when none is configured.
const DefaultSystemPrompt = "You are a casual, playful Discord user chatting with friends."

// Config contains runtime configuration for chatmem.
type Config struct {
	ServerName string          `yaml:"server_name"`
	DBPath     string          `yaml:"db_path"`
	LogLevel   string          `yaml:"log_level"`
	AgentID    string          `yaml:"agent_id"`
	ShortTerm  ShortTermConfig `yaml:"short_term"`
	LongTerm   LongTermConfig  `yaml:"long_term"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`
	Prompt     PromptConfig    `yaml:"prompt"`
	Manager    ManagerConfig   `yaml:"manager"`
}

// ShortTermConfig sizes the per-conversation window.
type ShortTermConfig struct {
	Capacity              int `yaml:"capacity"`
	SummaryInterval       int `yaml:"summary_interval"`
	SummaryMaxLength      int `yaml:"summary_max_length"`
	SummaryTimeoutSeconds int `yaml:"summary_timeout_seconds"`
}

// LongTermConfig controls the persistent store and ranking.
type LongTermConfig struct {
	VectorBackend        string            `yaml:"vector_backend"`
	ChromemPath          string            `yaml:"chromem_path"`
	CandidatePool        int               `yaml:"candidate_pool"`
	Weights              types.RankWeights `yaml:"weights"`
	RecentContextWeights types.RankWeights `yaml:"recent_context_weights"`
	RecencyHalfLifeHours float64           `yaml:"recency_half_life_hours"`
	IndexWorkers         int               `yaml:"index_workers"`
	EmbedTimeoutSeconds  int               `yaml:"embed_timeout_seconds"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Dimensions    int    `yaml:"dimensions"`
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	ONNXModelPath string `yaml:"onnx_model_path"`
	ONNXTokenizer string `yaml:"onnx_tokenizer_path"`
	ONNXLibrary   string `yaml:"onnx_library_path"`
	CacheEntries  int64  `yaml:"cache_entries"`
}

// LLMConfig configures summarization and generation.
type LLMConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// PromptConfig sets the token budget and fixed allocations.
type PromptConfig struct {
	TokenBudget     int    `yaml:"token_budget"`
	PreambleTokens  int    `yaml:"preamble_tokens"`
	UtteranceTokens int    `yaml:"utterance_tokens"`
	MinBlockTokens  int    `yaml:"min_block_tokens"`
	SystemPrompt    string `yaml:"system_prompt"`
}

// ManagerConfig tunes the conversation registry.
type ManagerConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	IdleAfterMins int    `yaml:"idle_after_minutes"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName: "chatmem",
		DBPath:     filepath.Join(userHomeDir(), ".chatmem", "memories.db"),
		LogLevel:   "info",
		AgentID:    "chatmem-bot",
		ShortTerm: ShortTermConfig{
			Capacity:              20,
			SummaryInterval:       5,
			SummaryMaxLength:      150,
			SummaryTimeoutSeconds: 20,
		},
		LongTerm: LongTermConfig{
			VectorBackend:        "sqlite",
			ChromemPath:          filepath.Join(userHomeDir(), ".chatmem", "vectors"),
			CandidatePool:        200,
			Weights:              types.RankWeights{Similarity: 0.60, Recency: 0.25, Engagement: 0.15},
			RecentContextWeights: types.RankWeights{Similarity: 0.40, Recency: 0.50, Engagement: 0.10},
			RecencyHalfLifeHours: 24 * 14,
			IndexWorkers:         4,
			EmbedTimeoutSeconds:  10,
		},
		Embeddings: EmbeddingConfig{
			Provider:     "hash",
			Model:        "text-embedding-3-small",
			Dimensions:   384,
			APIKeyEnv:    "OPENAI_API_KEY",
			CacheEntries: 10000,
		},
		LLM: LLMConfig{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 256,
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Prompt: PromptConfig{
			TokenBudget:     384,
			PreambleTokens:  48,
			UtteranceTokens: 64,
			MinBlockTokens:  16,
			SystemPrompt:    DefaultSystemPrompt,
		},
		Manager: ManagerConfig{
			QueueSize:     64,
			IdleAfterMins: 60,
			SweepSchedule: "@every 1m",
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
// A .env file in the working directory is loaded first so secrets and
// CHATMEM_* overrides can live outside the YAML file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("CHATMEM_DB_PATH")); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATMEM_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATMEM_EMBEDDINGS_PROVIDER")); v != "" {
		c.Embeddings.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATMEM_VECTOR_BACKEND")); v != "" {
		c.LongTerm.VectorBackend = v
	}
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if strings.TrimSpace(c.AgentID) == "" {
		return errors.New("agent_id must not be empty")
	}
	if c.ShortTerm.Capacity <= 0 {
		return errors.New("short_term.capacity must be > 0")
	}
	if c.ShortTerm.SummaryInterval <= 0 {
		return errors.New("short_term.summary_interval must be > 0")
	}
	if c.ShortTerm.SummaryMaxLength <= 0 {
		return errors.New("short_term.summary_max_length must be > 0")
	}
	if c.ShortTerm.SummaryTimeoutSeconds <= 0 {
		return errors.New("short_term.summary_timeout_seconds must be > 0")
	}
	switch c.LongTerm.VectorBackend {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("long_term.vector_backend %q must be sqlite or chromem", c.LongTerm.VectorBackend)
	}
	if c.LongTerm.CandidatePool <= 0 {
		return errors.New("long_term.candidate_pool must be > 0")
	}
	if err := validateWeights("long_term.weights", c.LongTerm.Weights); err != nil {
		return err
	}
	if err := validateWeights("long_term.recent_context_weights", c.LongTerm.RecentContextWeights); err != nil {
		return err
	}
	if c.LongTerm.RecencyHalfLifeHours <= 0 {
		return errors.New("long_term.recency_half_life_hours must be > 0")
	}
	if c.LongTerm.IndexWorkers <= 0 {
		return errors.New("long_term.index_workers must be > 0")
	}
	if c.LongTerm.EmbedTimeoutSeconds <= 0 {
		return errors.New("long_term.embed_timeout_seconds must be > 0")
	}
	switch c.Embeddings.Provider {
	case "hash", "openai", "onnx":
	default:
		return fmt.Errorf("embeddings.provider %q must be hash, openai or onnx", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.New("embeddings.dimensions must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return errors.New("llm.max_tokens must be > 0")
	}
	if c.Prompt.PreambleTokens < 0 || c.Prompt.UtteranceTokens <= 0 {
		return errors.New("prompt.preamble_tokens must be >= 0 and prompt.utterance_tokens > 0")
	}
	if c.Prompt.TokenBudget <= c.Prompt.PreambleTokens+c.Prompt.UtteranceTokens {
		return fmt.Errorf("prompt.token_budget (%d) must exceed preamble_tokens + utterance_tokens (%d)",
			c.Prompt.TokenBudget, c.Prompt.PreambleTokens+c.Prompt.UtteranceTokens)
	}
	if c.Prompt.MinBlockTokens < 0 {
		return errors.New("prompt.min_block_tokens must be >= 0")
	}
	if c.Manager.QueueSize <= 0 {
		return errors.New("manager.queue_size must be > 0")
	}
	if c.Manager.IdleAfterMins <= 0 {
		return errors.New("manager.idle_after_minutes must be > 0")
	}
	if strings.TrimSpace(c.Manager.SweepSchedule) == "" {
		return errors.New("manager.sweep_schedule must not be empty")
	}
	return nil
}

func validateWeights(name string, w types.RankWeights) error {
	if w.Similarity < 0 || w.Recency < 0 || w.Engagement < 0 {
		return fmt.Errorf("%s must be non-negative", name)
	}
	sum := w.Similarity + w.Recency + w.Engagement
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%s must sum to 1, got %.3f", name, sum)
	}
	return nil
}

// SummaryTimeout is the bound on one summarization call.
func (c Config) SummaryTimeout() time.Duration {
	return time.Duration(c.ShortTerm.SummaryTimeoutSeconds) * time.Second
}

// EmbedTimeout is the bound on one embedding call.
func (c Config) EmbedTimeout() time.Duration {
	return time.Duration(c.LongTerm.EmbedTimeoutSeconds) * time.Second
}

// RecencyHalfLife converts the configured half-life to a duration.
func (c Config) RecencyHalfLife() time.Duration {
	return time.Duration(c.LongTerm.RecencyHalfLifeHours * float64(time.Hour))
}

// IdleAfter is how long a conversation may stay quiet before it is retired.
func (c Config) IdleAfter() time.Duration {
	return time.Duration(c.Manager.IdleAfterMins) * time.Minute
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	c.LongTerm.ChromemPath = ExpandPath(c.LongTerm.ChromemPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
