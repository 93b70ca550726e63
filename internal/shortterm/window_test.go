package shortterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/pkg/types"
)

type countingSummarizer struct {
	calls int
	lines [][]string
	err   error
}

func (c *countingSummarizer) Summarize(_ context.Context, lines []string, _ int) (string, error) {
	c.calls++
	c.lines = append(c.lines, append([]string(nil), lines...))
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("summary #%d", c.calls), nil
}

func discard() *log.Logger { return log.NewWithOptions(io.Discard, log.Options{}) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func utt(id, author, text string) types.Utterance {
	return types.Utterance{
		AuthorID:       author,
		AuthorDisplay:  author,
		Text:           text,
		Timestamp:      t0,
		ConversationID: "c1",
		ExternalID:     id,
	}
}

func newWindow(t *testing.T, capacity, interval int, s Summarizer) *Window {
	t.Helper()
	w, err := New(Options{Capacity: capacity, SummaryInterval: interval, SummaryMaxLength: 150}, s, discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func TestAppend_EvictsOldestFIFO(t *testing.T) {
	t.Parallel()
	w := newWindow(t, 3, 100, nil)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C", "D"} {
		if err := w.Append(ctx, utt(id, "alice", "msg "+id)); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
	}
	snap := w.Snapshot()
	var got []string
	for _, u := range snap.Items {
		got = append(got, u.ExternalID)
	}
	if strings.Join(got, ",") != "B,C,D" {
		t.Fatalf("window = %v, want [B C D]", got)
	}
}

func TestAppend_WindowHoldsLastNInOrder(t *testing.T) {
	t.Parallel()
	const capacity = 5
	w := newWindow(t, capacity, 1000, nil)
	ctx := context.Background()
	for i := 1; i <= 23; i++ {
		id := fmt.Sprintf("m%d", i)
		if err := w.Append(ctx, utt(id, "bob", "hello "+id)); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
		snap := w.Snapshot()
		if len(snap.Items) > capacity {
			t.Fatalf("len(window) = %d exceeds capacity", len(snap.Items))
		}
		first := i - len(snap.Items) + 1
		for j, u := range snap.Items {
			if want := fmt.Sprintf("m%d", first+j); u.ExternalID != want {
				t.Fatalf("after %d appends window[%d] = %s, want %s", i, j, u.ExternalID, want)
			}
		}
	}
}

func TestAppend_ResummarizesOnMultiplesOfInterval(t *testing.T) {
	t.Parallel()
	s := &countingSummarizer{}
	w := newWindow(t, 20, 5, s)
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		if err := w.Append(ctx, utt(fmt.Sprintf("m%d", i), "alice", "line")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		want := i / 5
		if s.calls != want {
			t.Fatalf("after %d appends summarizer calls = %d, want %d", i, s.calls, want)
		}
	}
	if len(s.lines[0]) != 5 {
		t.Fatalf("expected 5 lines per summary, got %d", len(s.lines[0]))
	}
	if w.Summary() != "summary #3" {
		t.Fatalf("expected latest summary to replace older ones, got %q", w.Summary())
	}
}

func TestResummarize_FallsBackToExtractive(t *testing.T) {
	t.Parallel()
	s := &countingSummarizer{err: fault.Wrap(fault.ProviderUnavailable, "summarize", errors.New("down"))}
	w := newWindow(t, 10, 3, s)
	ctx := context.Background()
	_ = w.Append(ctx, utt("1", "alice", "what time is the match?"))
	_ = w.Append(ctx, utt("2", "bob", "lol no idea"))
	_ = w.Append(ctx, utt("3", "alice", "classic bob"))

	got := w.Summary()
	for _, want := range []string{"2 speakers", "questions", "humor", `last: alice said "classic bob"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary %q missing %q", got, want)
		}
	}
}

func TestResummarize_EmptyWindowKeepsPriorSummary(t *testing.T) {
	t.Parallel()
	s := &countingSummarizer{}
	w := newWindow(t, 10, 1, s)
	ctx := context.Background()
	_ = w.Append(ctx, utt("1", "alice", "hi"))
	prior := w.Summary()
	w.items = w.items[:0]
	w.Resummarize(ctx)
	if w.Summary() != prior {
		t.Fatalf("summary changed to %q, want %q", w.Summary(), prior)
	}
}

func TestGetContext_RendersSummaryAndLastThree(t *testing.T) {
	t.Parallel()
	w := newWindow(t, 10, 4, &countingSummarizer{})
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three", "four", "five"} {
		_ = w.Append(ctx, utt(fmt.Sprintf("m%d", i), "carol", text))
	}
	got := w.GetContext(1000)
	want := "Summary: summary #1\ncarol: three\ncarol: four\ncarol: five"
	if got != want {
		t.Fatalf("GetContext() = %q, want %q", got, want)
	}

	clipped := w.GetContext(3)
	if len([]rune(clipped)) > 12 || !strings.HasSuffix(clipped, "...") {
		t.Fatalf("expected clipped context with marker, got %q", clipped)
	}
	if w.GetContext(0) != "" {
		t.Fatal("expected empty context for zero budget")
	}

	excluding := w.ContextExcluding("m4", 1000)
	if strings.Contains(excluding, "five") || !strings.Contains(excluding, "carol: two") {
		t.Fatalf("ContextExcluding() = %q", excluding)
	}
}

func TestAppend_RejectsMalformed(t *testing.T) {
	t.Parallel()
	w := newWindow(t, 3, 2, nil)
	err := w.Append(context.Background(), types.Utterance{ConversationID: "c1", ExternalID: "x", Timestamp: t0})
	if !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("rejected utterance was stored")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	w := newWindow(t, 3, 1, &countingSummarizer{})
	_ = w.Append(context.Background(), utt("1", "alice", "hey"))
	w.Clear()
	snap := w.Snapshot()
	if len(snap.Items) != 0 || snap.Summary != "" || snap.SinceSummary != 0 {
		t.Fatalf("expected cleared window, got %+v", snap)
	}
}

// stallingSummarizer never answers before its context ends.
type stallingSummarizer struct{}

func (stallingSummarizer) Summarize(ctx context.Context, _ []string, _ int) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestResummarize_TimeoutFallsBackToExtractive(t *testing.T) {
	t.Parallel()
	w, err := New(Options{Capacity: 10, SummaryInterval: 2, SummaryMaxLength: 150, Timeout: 20 * time.Millisecond},
		stallingSummarizer{}, discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	first := utt("1", "alice", "who is bringing snacks?")
	second := utt("2", "bob", "not me haha")

	started := time.Now()
	_ = w.Append(ctx, first)
	_ = w.Append(ctx, second)
	if took := time.Since(started); took > 5*time.Second {
		t.Fatalf("Append() waited %s for a stalled summarizer", took)
	}
	if got, want := w.Summary(), Extractive([]types.Utterance{first, second}); got != want {
		t.Fatalf("Summary() = %q, want extractive %q", got, want)
	}
}
