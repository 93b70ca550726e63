package embeddings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/internal/config"
	"github.com/xiy/chatmem/internal/fault"
)

// Provider turns text into a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// New builds the configured provider wrapped in a cache.
func New(cfg config.EmbeddingConfig, logger *log.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "hash", "":
		p = NewHash(cfg.Dimensions)
	case "openai":
		key := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
		if key == "" {
			return nil, fault.Invalid("embeddings", fmt.Sprintf("%s is not set", cfg.APIKeyEnv))
		}
		p = NewOpenAI(OpenAIOptions{
			APIKey:     key,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "onnx":
		p, err = NewONNX(ONNXOptions{
			ModelPath:     cfg.ONNXModelPath,
			TokenizerPath: cfg.ONNXTokenizer,
			LibraryPath:   cfg.ONNXLibrary,
			Dimensions:    cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	if cfg.CacheEntries <= 0 {
		return p, nil
	}
	cached, err := NewCached(p, cfg.CacheEntries)
	if err != nil {
		logger.Warn("embedding cache disabled", "error", err)
		return p, nil
	}
	return cached, nil
}
