// Package shortterm keeps the recent turns of one conversation plus a
// rolling summary.
package shortterm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/pkg/types"
)

// recentTurns is how many raw utterances GetContext renders after the summary.
const recentTurns = 3

// Summarizer condenses "speaker: text" lines into at most maxLen words.
type Summarizer interface {
	Summarize(ctx context.Context, lines []string, maxLen int) (string, error)
}

// Options sizes a Window.
type Options struct {
	Capacity         int
	SummaryInterval  int
	SummaryMaxLength int
	Timeout          time.Duration
}

// Window is a bounded FIFO of utterances with a rolling summary.
// It is not safe for concurrent use; callers serialize access per conversation.
type Window struct {
	opts         Options
	summarizer   Summarizer
	logger       *log.Logger
	items        []types.Utterance
	summary      string
	sinceSummary int
	summaries    int
}

// New builds an empty window. A nil summarizer always uses the extractive fallback.
func New(opts Options, summarizer Summarizer, logger *log.Logger) (*Window, error) {
	if opts.Capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	if opts.SummaryInterval <= 0 {
		return nil, errors.New("summary interval must be > 0")
	}
	if opts.SummaryMaxLength <= 0 {
		opts.SummaryMaxLength = 150
	}
	return &Window{
		opts:       opts,
		summarizer: summarizer,
		logger:     logger,
		items:      make([]types.Utterance, 0, opts.Capacity),
	}, nil
}

// Append adds u, evicting the oldest entry past capacity, and resummarizes
// every SummaryInterval appends.
func (w *Window) Append(ctx context.Context, u types.Utterance) error {
	if err := u.Validate(); err != nil {
		return fault.Wrap(fault.InvalidInput, "stm append", err)
	}
	w.items = append(w.items, u)
	if over := len(w.items) - w.opts.Capacity; over > 0 {
		copy(w.items, w.items[over:])
		clear(w.items[len(w.items)-over:])
		w.items = w.items[:w.opts.Capacity]
	}
	w.sinceSummary++
	if w.sinceSummary >= w.opts.SummaryInterval {
		w.Resummarize(ctx)
		w.sinceSummary = 0
	}
	return nil
}

// Resummarize replaces the rolling summary with one covering the most recent
// SummaryInterval utterances. Provider failures fall back to an extractive
// summary; an empty window keeps the previous summary.
func (w *Window) Resummarize(ctx context.Context) {
	recent := w.recent(w.opts.SummaryInterval)
	if len(recent) == 0 {
		return
	}
	w.summaries++

	lines := make([]string, len(recent))
	for i, u := range recent {
		lines[i] = FormatLine(u)
	}

	if w.summarizer != nil {
		cctx := ctx
		if w.opts.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
			defer cancel()
		}
		text, err := w.summarizer.Summarize(cctx, lines, w.opts.SummaryMaxLength)
		if err == nil && strings.TrimSpace(text) != "" {
			w.summary = strings.TrimSpace(text)
			return
		}
		if err == nil {
			err = errors.New("empty summary")
		}
		w.logger.Warn("summarizer failed; using extractive summary",
			"kind", fault.KindOf(err).String(), "error", err)
	}

	if fallback := Extractive(recent); fallback != "" {
		w.summary = fallback
	}
}

// GetContext renders the summary and the last few turns within tokenBudget.
func (w *Window) GetContext(tokenBudget int) string {
	return w.render(tokenBudget, "")
}

// ContextExcluding is GetContext without the utterance carrying externalID,
// so a prompt does not repeat the message it is answering.
func (w *Window) ContextExcluding(externalID string, tokenBudget int) string {
	return w.render(tokenBudget, externalID)
}

func (w *Window) render(tokenBudget int, skipID string) string {
	if tokenBudget <= 0 {
		return ""
	}
	var b strings.Builder
	if w.summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(w.summary)
	}

	turns := make([]types.Utterance, 0, recentTurns)
	for i := len(w.items) - 1; i >= 0 && len(turns) < recentTurns; i-- {
		if skipID != "" && w.items[i].ExternalID == skipID {
			continue
		}
		turns = append(turns, w.items[i])
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(FormatLine(turns[i]))
	}
	return Truncate(b.String(), tokenBudget*types.CharsPerToken)
}

// Clear empties the window, summary and counter.
func (w *Window) Clear() {
	clear(w.items)
	w.items = w.items[:0]
	w.summary = ""
	w.sinceSummary = 0
}

// Len is the number of buffered utterances.
func (w *Window) Len() int { return len(w.items) }

// Summary is the current rolling summary.
func (w *Window) Summary() string { return w.summary }

// Snapshot is a copy of the window state.
type Snapshot struct {
	Items        []types.Utterance `json:"items"`
	Summary      string            `json:"summary"`
	SinceSummary int               `json:"since_summary"`
	Summaries    int               `json:"summaries"`
}

// Snapshot copies the current state.
func (w *Window) Snapshot() Snapshot {
	items := make([]types.Utterance, len(w.items))
	copy(items, w.items)
	return Snapshot{Items: items, Summary: w.summary, SinceSummary: w.sinceSummary, Summaries: w.summaries}
}

func (w *Window) recent(n int) []types.Utterance {
	if n > len(w.items) {
		n = len(w.items)
	}
	return w.items[len(w.items)-n:]
}

// FormatLine renders u as "speaker: text".
func FormatLine(u types.Utterance) string {
	return fmt.Sprintf("%s: %s", u.Speaker(), strings.TrimSpace(u.Text))
}

// Truncate clips s to limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
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
