package embeddings

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xiy/chatmem/internal/fault"
)

// OpenAIOptions configures the OpenAI-compatible embeddings client.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

type embeddingsAPI interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	api   embeddingsAPI
	model string
	dims  int
}

// NewOpenAI constructs an OpenAIProvider.
func NewOpenAI(o OpenAIOptions) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if strings.TrimSpace(o.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(o.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := strings.TrimSpace(o.Model)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIProvider{api: &client.Embeddings, model: model, dims: o.Dimensions}
}

func (p *OpenAIProvider) Dimensions() int { return p.dims }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.dims > 0 {
		params.Dimensions = openai.Int(int64(p.dims))
	}
	resp, err := p.api.New(ctx, params)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderUnavailable, "openai embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, fault.Wrap(fault.ProviderUnavailable, "openai embed", errors.New("empty embedding response"))
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
