package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/internal/memory"
	"github.com/xiy/chatmem/internal/prompt"
	"github.com/xiy/chatmem/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

const schemaBaseURL = "https://chatmem.invalid/tools/"

func utteranceProperties() map[string]any {
	return map[string]any{
		"conversation_id": propString("Channel or thread the message belongs to."),
		"external_id":     propString("Platform message id; indexing is idempotent on it."),
		"author_id":       propString("Stable author id."),
		"author_display":  propString("Display name shown in prompts."),
		"text":            propNonEmpty("Message text."),
		"timestamp":       propString("RFC 3339 send time; defaults to now."),
		"reaction_count":  propCount("Reactions on the message."),
		"reply_count":     propCount("Replies to the message."),
		"pinned":          propBoolean("Whether the message is pinned."),
		"is_agent":        propBoolean("Whether the agent itself wrote the message."),
	}
}

var utteranceRequired = []string{"conversation_id", "external_id", "author_id", "text"}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "memory_ingest",
			Description: "Record a chat message in short-term memory and queue it for long-term indexing.",
			InputSchema: jsonSchema(utteranceProperties(), utteranceRequired),
		},
		{
			Name:        "memory_build_prompt",
			Description: "Record a message and assemble the token-budgeted prompt for replying to it.",
			InputSchema: jsonSchema(utteranceProperties(), utteranceRequired),
		},
		{
			Name:        "chat_respond",
			Description: "Build the prompt for a message, generate the agent's reply and remember it.",
			InputSchema: jsonSchema(utteranceProperties(), utteranceRequired),
		},
		{
			Name:        "memory_search",
			Description: "Rank long-term memories by similarity, recency and engagement.",
			InputSchema: jsonSchema(map[string]any{
				"query":               propNonEmpty("Search text."),
				"k":                   propIntRange("Maximum results.", 1, 20),
				"conversation_id":     propString("Optional conversation filter."),
				"exclude_external_id": propString("Optional message id to leave out."),
				"weights": jsonSchema(map[string]any{
					"similarity": propRange("Similarity weight.", 0, 1),
					"recency":    propRange("Recency weight.", 0, 1),
					"engagement": propRange("Engagement weight.", 0, 1),
				}, []string{"similarity", "recency", "engagement"}),
			}, []string{"query"}),
		},
		{
			Name:        "memory_analyze",
			Description: "Classify intent and tone of a message and show the memory split it would get.",
			InputSchema: jsonSchema(map[string]any{
				"text": propString("Message text."),
			}, []string{"text"}),
		},
		{
			Name:        "memory_reset",
			Description: "Clear a conversation's short-term window. Long-term memory is kept.",
			InputSchema: jsonSchema(map[string]any{
				"conversation_id": propNonEmpty("Conversation to reset."),
			}, []string{"conversation_id"}),
		},
		{
			Name:        "memory_stats",
			Description: "Report stored record counts, live conversation counters and server counters.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
	}
}

func compileSchemas(defs []ToolDefinition) (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, d := range defs {
		raw, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", d.Name, err)
		}
		if err := c.AddResource(schemaBaseURL+d.Name+".json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", d.Name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(defs))
	for _, d := range defs {
		sch, err := c.Compile(schemaBaseURL + d.Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", d.Name, err)
		}
		out[d.Name] = sch
	}
	return out, nil
}

func (s *Server) validate(tool string, args json.RawMessage) error {
	sch, ok := s.schemas[tool]
	if !ok {
		return fault.Invalid("tools/call", fmt.Sprintf("unknown tool %q", tool))
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fault.Wrap(fault.InvalidInput, tool, err)
	}
	if err := sch.Validate(v); err != nil {
		return fault.Wrap(fault.InvalidInput, tool, err)
	}
	return nil
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (toolResult, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return toolResult{}, fault.Wrap(fault.InvalidInput, "tools/call", fmt.Errorf("invalid params: %w", err))
	}
	if err := s.validate(p.Name, p.Arguments); err != nil {
		return toolResult{}, err
	}

	var (
		out any
		err error
	)
	switch p.Name {
	case "memory_ingest":
		out, err = s.ingest(ctx, p.Arguments)
	case "memory_build_prompt":
		out, err = s.buildPrompt(ctx, p.Arguments)
	case "chat_respond":
		out, err = s.respond(ctx, p.Arguments)
	case "memory_search":
		out, err = s.search(ctx, p.Arguments)
	case "memory_analyze":
		out, err = s.analyze(p.Arguments)
	case "memory_reset":
		out, err = s.reset(ctx, p.Arguments)
	case "memory_stats":
		out, err = s.stats(ctx)
	default:
		err = fault.Invalid("tools/call", fmt.Sprintf("unknown tool %q", p.Name))
	}
	if err != nil {
		return toolResult{}, err
	}
	return toolSuccess(out)
}

func (s *Server) decodeUtterance(tool string, args json.RawMessage) (types.Utterance, error) {
	var u types.Utterance
	if err := json.Unmarshal(args, &u); err != nil {
		return u, fault.Wrap(fault.InvalidInput, tool, err)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now()
	}
	return u, nil
}

func (s *Server) ingest(ctx context.Context, args json.RawMessage) (any, error) {
	u, err := s.decodeUtterance("memory_ingest", args)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Conversations.Ingest(ctx, u); err != nil {
		return nil, err
	}
	return map[string]any{"status": "queued", "conversation_id": u.ConversationID, "external_id": u.ExternalID}, nil
}

type promptOutput struct {
	memory.TurnResult
	Rendered        string `json:"rendered"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

func (s *Server) buildPrompt(ctx context.Context, args json.RawMessage) (any, error) {
	u, err := s.decodeUtterance("memory_build_prompt", args)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Conversations.BuildPrompt(ctx, u)
	if err != nil {
		return nil, err
	}
	return promptOutput{TurnResult: res, Rendered: res.Prompt.Render(), EstimatedTokens: res.Prompt.EstimatedTokens()}, nil
}

func (s *Server) respond(ctx context.Context, args json.RawMessage) (any, error) {
	if s.deps.Generator == nil {
		return nil, fault.Wrap(fault.ProviderUnavailable, "chat_respond", errors.New("no language model configured"))
	}
	u, err := s.decodeUtterance("chat_respond", args)
	if err != nil {
		return nil, err
	}
	return s.deps.Conversations.Respond(ctx, u, s.deps.Generator)
}

func (s *Server) search(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query             string             `json:"query"`
		K                 int                `json:"k"`
		ConversationID    string             `json:"conversation_id"`
		ExcludeExternalID string             `json:"exclude_external_id"`
		Weights           *types.RankWeights `json:"weights"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "memory_search", err)
	}
	if in.K <= 0 {
		in.K = 5
	}
	if w := in.Weights; w != nil {
		if sum := w.Similarity + w.Recency + w.Engagement; sum < 0.999 || sum > 1.001 {
			return nil, fault.Invalid("memory_search", fmt.Sprintf("weights must sum to 1, got %.3f", sum))
		}
	}
	return s.deps.Archive.Retrieve(ctx, strings.TrimSpace(in.Query), in.K, memory.RetrieveOptions{
		Weights:           in.Weights,
		ExcludeExternalID: in.ExcludeExternalID,
		ConversationID:    in.ConversationID,
	})
}

func (s *Server) analyze(args json.RawMessage) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "memory_analyze", err)
	}
	a := s.deps.Analyzer.Analyze(in.Text)
	p := prompt.Prioritize(a)
	return map[string]any{
		"analysis":    a,
		"priority":    p,
		"primary":     p.Primary(),
		"excerpt_cap": prompt.ExcerptCap(p),
	}, nil
}

func (s *Server) reset(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "memory_reset", err)
	}
	if err := s.deps.Conversations.Reset(ctx, in.ConversationID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "cleared", "conversation_id": in.ConversationID}, nil
}

func (s *Server) stats(ctx context.Context) (any, error) {
	st, err := s.deps.Archive.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return map[string]any{
		"store":         st,
		"conversations": s.deps.Conversations.Stats(),
		"server":        s.Snapshot(),
	}, nil
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propNonEmpty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description, "minLength": 1}
}

func propCount(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description, "minimum": 0}
}

func propIntRange(description string, lo, hi int) map[string]any {
	return map[string]any{"type": "integer", "description": description, "minimum": lo, "maximum": hi}
}

func propRange(description string, lo, hi float64) map[string]any {
	return map[string]any{"type": "number", "description": description, "minimum": lo, "maximum": hi}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
