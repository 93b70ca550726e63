// Package llm adapts the Anthropic Messages API to the summarizer and
// generator roles.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/xiy/chatmem/internal/fault"
)

// minSummaryWords is the floor below which input is returned unsummarized.
const minSummaryWords = 40

type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Options configures the client.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	System    string
}

// Client summarizes conversation windows and generates replies.
type Client struct {
	messages  messageCreator
	model     string
	maxTokens int
	system    string
}

// New builds a Client. A blank API key yields a ProviderUnavailable error.
func New(o Options) (*Client, error) {
	key := strings.TrimSpace(o.APIKey)
	if key == "" {
		return nil, fault.Wrap(fault.ProviderUnavailable, "llm", errors.New("anthropic api key not set"))
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if strings.TrimSpace(o.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(o.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newClient(&client.Messages, o), nil
}

func newClient(m messageCreator, o Options) *Client {
	maxTokens := o.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	model := strings.TrimSpace(o.Model)
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Client{messages: m, model: model, maxTokens: maxTokens, system: o.System}
}

// Summarize condenses lines into at most maxLen words.
func (c *Client) Summarize(ctx context.Context, lines []string, maxLen int) (string, error) {
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if joined == "" {
		return "", fault.Invalid("summarize", "nothing to summarize")
	}
	if len(strings.Fields(joined)) < minSummaryWords {
		return joined, nil
	}
	instruction := fmt.Sprintf(
		"Summarize this chat excerpt in at most %d words. Keep names, running jokes and open questions. Reply with the summary only.\n\n%s",
		maxLen, joined)
	return c.complete(ctx, "summarize", "You write terse, factual summaries of group chats.", instruction)
}

// Generate produces the agent's reply to an assembled prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fault.Invalid("generate", "empty prompt")
	}
	return c.complete(ctx, "generate", c.system, prompt)
}

func (c *Client) complete(ctx context.Context, op, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fault.Wrap(fault.ProviderUnavailable, op, err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fault.Wrap(fault.ProviderUnavailable, op, errors.New("empty completion"))
	}
	return text, nil
}
