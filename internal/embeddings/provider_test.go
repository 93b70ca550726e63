package embeddings

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/internal/config"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider_DeterministicAndSimilar(t *testing.T) {
	t.Parallel()
	p := NewHash(128)
	ctx := context.Background()

	a1, _ := p.Embed(ctx, "the tournament last night was wild")
	a2, _ := p.Embed(ctx, "the tournament last night was wild")
	near, _ := p.Embed(ctx, "that tournament last night")
	far, _ := p.Embed(ctx, "pineapple pizza recipe")

	if len(a1) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a1))
	}
	if cosine(a1, a2) < 0.9999 {
		t.Fatalf("expected identical vectors, cosine = %f", cosine(a1, a2))
	}
	if cosine(a1, near) <= cosine(a1, far) {
		t.Fatalf("expected overlapping text to be closer: near=%f far=%f", cosine(a1, near), cosine(a1, far))
	}
}

type countingProvider struct {
	calls atomic.Int64
}

func (c *countingProvider) Dimensions() int { return 4 }
func (c *countingProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{1, 0, 0, 0}, nil
}

func TestCached_ReusesVectors(t *testing.T) {
	t.Parallel()
	next := &countingProvider{}
	c, err := NewCached(next, 100)
	if err != nil {
		t.Fatalf("NewCached() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	c.Wait()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := c.Embed(ctx, "hello")
			if err != nil {
				t.Errorf("Embed() error = %v", err)
				return
			}
			vec[0] = 42
		}()
	}
	wg.Wait()

	again, _ := c.Embed(ctx, "hello")
	if again[0] != 1 {
		t.Fatalf("cached vector was mutated by a caller: %v", again)
	}
	if got := next.calls.Load(); got > 2 {
		t.Fatalf("expected upstream to be called at most twice, got %d", got)
	}
}

func TestNew_UnknownAndMissingKey(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	if _, err := New(config.EmbeddingConfig{Provider: "bogus", Dimensions: 8}, logger); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	_, err := New(config.EmbeddingConfig{Provider: "openai", APIKeyEnv: "CHATMEM_TEST_UNSET_KEY", Dimensions: 8}, logger)
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	p, err := New(config.EmbeddingConfig{Provider: "hash", Dimensions: 8, CacheEntries: 10}, logger)
	if err != nil {
		t.Fatalf("New(hash) error = %v", err)
	}
	if p.Dimensions() != 8 {
		t.Fatalf("Dimensions() = %d, want 8", p.Dimensions())
	}
}
