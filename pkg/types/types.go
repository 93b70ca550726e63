package types

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Utterance is one chat message as delivered by the event layer.
type Utterance struct {
	AuthorID       string    `json:"author_id"`
	AuthorDisplay  string    `json:"author_display,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	ExternalID     string    `json:"external_id"`
	ReactionCount  int       `json:"reaction_count,omitempty"`
	ReplyCount     int       `json:"reply_count,omitempty"`
	Pinned         bool      `json:"pinned,omitempty"`
	IsAgent        bool      `json:"is_agent,omitempty"`
}

// Speaker returns the display name, falling back to the author id.
func (u Utterance) Speaker() string {
	if s := strings.TrimSpace(u.AuthorDisplay); s != "" {
		return s
	}
	if s := strings.TrimSpace(u.AuthorID); s != "" {
		return s
	}
	return "unknown"
}

// Validate reports whether the utterance carries the fields memory needs.
func (u Utterance) Validate() error {
	if strings.TrimSpace(u.ConversationID) == "" {
		return errors.New("conversation_id is required")
	}
	if strings.TrimSpace(u.ExternalID) == "" {
		return errors.New("external_id is required")
	}
	if strings.TrimSpace(u.Text) == "" {
		return errors.New("text must not be empty")
	}
	if u.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if u.ReactionCount < 0 || u.ReplyCount < 0 {
		return errors.New("reaction_count and reply_count must be >= 0")
	}
	return nil
}

// LoreCategory is a coarse label attached to a long-term record.
type LoreCategory string

const (
	LoreInsideJoke       LoreCategory = "inside_joke"
	LoreEvent            LoreCategory = "event"
	LorePersonalityTrait LoreCategory = "personality_trait"
	LoreUserInfo         LoreCategory = "user_info"
	LoreRegular          LoreCategory = "regular"
)

// LoreCategories lists every category in display order.
var LoreCategories = []LoreCategory{LoreInsideJoke, LoreEvent, LorePersonalityTrait, LoreUserInfo, LoreRegular}

// MemoryRecord is one persisted long-term memory.
type MemoryRecord struct {
	RecordID       string       `json:"record_id"`
	ExternalID     string       `json:"external_id"`
	ConversationID string       `json:"conversation_id"`
	AuthorID       string       `json:"author_id"`
	AuthorDisplay  string       `json:"author_display,omitempty"`
	Text           string       `json:"text"`
	Embedding      []float32    `json:"-"`
	Lore           LoreCategory `json:"lore_category"`
	Engagement     float64      `json:"engagement_score"`
	IsAgent        bool         `json:"is_agent_utterance"`
	Timestamp      time.Time    `json:"timestamp"`
	IndexedAt      time.Time    `json:"indexed_at"`
}

// Speaker mirrors Utterance.Speaker for stored records.
func (r MemoryRecord) Speaker() string {
	if s := strings.TrimSpace(r.AuthorDisplay); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.AuthorID); s != "" {
		return s
	}
	return "unknown"
}

// IndexStatus is the outcome of an index call.
type IndexStatus string

const (
	Indexed IndexStatus = "indexed"
	Skipped IndexStatus = "skipped"
)

// IndexResult reports what an index call did.
type IndexResult struct {
	Status   IndexStatus `json:"status"`
	RecordID string      `json:"record_id,omitempty"`
}

// RankWeights are the coefficients of the combined retrieval score.
type RankWeights struct {
	Similarity float64 `yaml:"similarity" json:"similarity"`
	Recency    float64 `yaml:"recency" json:"recency"`
	Engagement float64 `yaml:"engagement" json:"engagement"`
}

// ScoredRecord is a ranked item from retrieval.
type ScoredRecord struct {
	Record     MemoryRecord `json:"record"`
	Score      float64      `json:"score"`
	Similarity float64      `json:"similarity"`
	Recency    float64      `json:"recency"`
	Engagement float64      `json:"engagement"`
}

// Intent classifies what an utterance is doing.
type Intent string

const (
	IntentReference    Intent = "reference"
	IntentQuestion     Intent = "question"
	IntentGreeting     Intent = "greeting"
	IntentJoke         Intent = "joke"
	IntentAgreement    Intent = "agreement"
	IntentDisagreement Intent = "disagreement"
	IntentStatement    Intent = "statement"
)

// Tone is the register an utterance is written in.
type Tone string

const (
	ToneCasual   Tone = "casual"
	TonePlayful  Tone = "playful"
	ToneSerious  Tone = "serious"
	ToneEmphatic Tone = "emphatic"
	TonePolite   Tone = "polite"
)

// UtteranceAnalysis is derived per turn and never stored.
type UtteranceAnalysis struct {
	Intent             Intent `json:"intent"`
	Tone               Tone   `json:"tone"`
	Tones              []Tone `json:"tones,omitempty"`
	NeedsRecentContext bool   `json:"needs_recent_context"`
	WordCount          int    `json:"word_count"`
}

// Source names which memory a priority favors.
type Source string

const (
	SourceShortTerm Source = "short_term"
	SourceLongTerm  Source = "long_term"
	SourceBalanced  Source = "balanced"
)

// ContextPriority splits the flexible budget between short- and long-term memory.
type ContextPriority struct {
	ShortTermWeight float64 `json:"short_term_weight"`
	LongTermWeight  float64 `json:"long_term_weight"`
	Hint            string  `json:"hint,omitempty"`
}

// Primary returns the favored source.
func (p ContextPriority) Primary() Source {
	switch {
	case p.ShortTermWeight > p.LongTermWeight:
		return SourceShortTerm
	case p.LongTermWeight > p.ShortTermWeight:
		return SourceLongTerm
	default:
		return SourceBalanced
	}
}

// BlockKind identifies a section of an assembled prompt.
type BlockKind string

const (
	BlockPreamble  BlockKind = "preamble"
	BlockLongTerm  BlockKind = "long_term"
	BlockShortTerm BlockKind = "short_term"
	BlockUtterance BlockKind = "utterance"
)

// PromptBlock is one rendered section.
type PromptBlock struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text"`
}

// BlockSeparator joins blocks in the rendered prompt.
const BlockSeparator = "\n\n"

// AssembledPrompt holds ordered blocks whose rendering fits the budget.
type AssembledPrompt struct {
	Blocks []PromptBlock `json:"blocks"`
	Budget int           `json:"token_budget"`
}

// Render concatenates the non-empty blocks.
func (p AssembledPrompt) Render() string {
	parts := make([]string, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		if b.Text == "" {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, BlockSeparator)
}

// Has reports whether a block of the given kind is present.
func (p AssembledPrompt) Has(kind BlockKind) bool {
	for _, b := range p.Blocks {
		if b.Kind == kind && b.Text != "" {
			return true
		}
	}
	return false
}

// EstimatedTokens applies the 4 characters per token heuristic to Render.
func (p AssembledPrompt) EstimatedTokens() int {
	return EstimateTokens(p.Render())
}

// CharsPerToken is the budgeting heuristic used throughout.
const CharsPerToken = 4

// EstimateTokens is a rough approximation for prompt budgeting.
func EstimateTokens(s string) int {
	runes := len([]rune(s))
	return int(math.Ceil(float64(runes) / CharsPerToken))
}
