package prompt

import (
	"fmt"
	"math"
	"strings"

	"github.com/xiy/chatmem/pkg/types"
)

// ShortTermSource renders short-term context within a token budget.
type ShortTermSource interface {
	GetContext(tokenBudget int) string
}

// Assembler splits a token budget across the prompt blocks.
type Assembler struct {
	Preamble        string
	PreambleTokens  int
	UtteranceTokens int
	// MinBlockTokens is the smallest share worth rendering a memory block for.
	MinBlockTokens int
}

const (
	longTermHeader  = "Relevant memories:"
	shortTermHeader = "Recent conversation:"
)

// Assemble renders preamble, long-term excerpts, short-term context and the
// current utterance, in that order, so that the rendered prompt never
// exceeds budget tokens. A missing source drops its block without handing
// its share to the others.
func (a Assembler) Assemble(
	u types.Utterance,
	analysis types.UtteranceAnalysis,
	priority types.ContextPriority,
	stm ShortTermSource,
	ltm []types.ScoredRecord,
	budget int,
) types.AssembledPrompt {
	out := types.AssembledPrompt{Budget: budget}
	if budget <= 0 {
		return out
	}

	preTok := clamp(a.PreambleTokens, 0, budget)
	uttTok := clamp(a.UtteranceTokens, 0, budget-preTok)
	flex := budget - preTok - uttTok
	ltmTok := int(math.Floor(float64(flex) * clampWeight(priority.LongTermWeight)))
	stmTok := flex - ltmTok

	// Every block gives up room for the separator that may precede it, so
	// the sum of blocks plus separators stays within budget*CharsPerToken.
	allowance := func(tokens int) int {
		return tokens*types.CharsPerToken - len(types.BlockSeparator)
	}

	add := func(kind types.BlockKind, text string, tokens int) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		text = truncate(text, allowance(tokens))
		if text == "" {
			return
		}
		out.Blocks = append(out.Blocks, types.PromptBlock{Kind: kind, Text: text})
	}

	add(types.BlockPreamble, a.preamble(priority), preTok)

	if len(ltm) > 0 && ltmTok >= a.MinBlockTokens {
		add(types.BlockLongTerm, renderLongTerm(ltm, ExcerptCap(priority), allowance(ltmTok)), ltmTok)
	}

	if stm != nil && stmTok >= a.MinBlockTokens {
		headerTok := types.EstimateTokens(shortTermHeader + "\n")
		if body := strings.TrimSpace(stm.GetContext(stmTok - headerTok - 1)); body != "" {
			add(types.BlockShortTerm, shortTermHeader+"\n"+body, stmTok)
		}
	}

	add(types.BlockUtterance, fmt.Sprintf("%s: %s", u.Speaker(), strings.TrimSpace(u.Text)), uttTok)
	return out
}

func (a Assembler) preamble(p types.ContextPriority) string {
	text := strings.TrimSpace(a.Preamble)
	if p.Hint == "" {
		return text
	}
	if text == "" {
		return "(" + p.Hint + ")"
	}
	return text + "\n(" + p.Hint + ")"
}

// renderLongTerm lists up to limit excerpts in rank order, giving each an
// equal slice of chars.
func renderLongTerm(recs []types.ScoredRecord, limit, chars int) string {
	if limit > len(recs) {
		limit = len(recs)
	}
	if limit <= 0 {
		return ""
	}
	body := chars - len([]rune(longTermHeader))
	per := body/limit - 1 // newline before each excerpt
	if per < 12 {
		// Too thin to be useful; keep fewer, longer excerpts.
		limit = max(1, body/13)
		if limit > len(recs) {
			limit = len(recs)
		}
		per = body/limit - 1
	}
	if per <= 0 {
		return ""
	}
	lines := make([]string, 0, limit+1)
	lines = append(lines, longTermHeader)
	for _, r := range recs[:limit] {
		line := fmt.Sprintf("- [%s] %s", r.Record.Speaker(), compact(r.Record.Text))
		lines = append(lines, truncate(line, per))
	}
	return strings.Join(lines, "\n")
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit < 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampWeight(w float64) float64 {
	if w < 0 || math.IsNaN(w) {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
