package types

import (
	"strings"
	"testing"
	"time"
)

func TestUtteranceValidate(t *testing.T) {
	t.Parallel()

	ok := Utterance{
		AuthorID:       "u1",
		Text:           "hello",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ConversationID: "c1",
		ExternalID:     "m1",
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := map[string]func(u *Utterance){
		"no conversation":  func(u *Utterance) { u.ConversationID = " " },
		"no external id":   func(u *Utterance) { u.ExternalID = "" },
		"blank text":       func(u *Utterance) { u.Text = "\n\t" },
		"zero timestamp":   func(u *Utterance) { u.Timestamp = time.Time{} },
		"negative replies": func(u *Utterance) { u.ReplyCount = -1 },
	}
	for name, mutate := range cases {
		u := ok
		mutate(&u)
		if err := u.Validate(); err == nil {
			t.Fatalf("%s: Validate() expected error", name)
		}
	}
}

func TestUtteranceSpeaker(t *testing.T) {
	t.Parallel()

	if got := (Utterance{AuthorID: "u1", AuthorDisplay: "Ana"}).Speaker(); got != "Ana" {
		t.Fatalf("Speaker() = %q, want Ana", got)
	}
	if got := (Utterance{AuthorID: "u1"}).Speaker(); got != "u1" {
		t.Fatalf("Speaker() = %q, want u1", got)
	}
	if got := (Utterance{}).Speaker(); got != "unknown" {
		t.Fatalf("Speaker() = %q, want unknown", got)
	}
}

func TestAssembledPromptRender(t *testing.T) {
	t.Parallel()

	p := AssembledPrompt{Budget: 10, Blocks: []PromptBlock{
		{Kind: BlockPreamble, Text: "be nice"},
		{Kind: BlockLongTerm, Text: ""},
		{Kind: BlockUtterance, Text: "ana: hi"},
	}}
	if got, want := p.Render(), "be nice\n\nana: hi"; got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
	if p.Has(BlockLongTerm) {
		t.Fatal("Has(long_term) = true for an empty block")
	}
	if !p.Has(BlockUtterance) {
		t.Fatal("Has(utterance) = false")
	}
	// 16 runes -> 4 tokens.
	if got := p.EstimatedTokens(); got != 4 {
		t.Fatalf("EstimatedTokens() = %d, want 4", got)
	}
}

func TestEstimateTokens_CountsRunes(t *testing.T) {
	t.Parallel()

	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(\"\") = %d", got)
	}
	if got := EstimateTokens(strings.Repeat("é", 5)); got != 2 {
		t.Fatalf("EstimateTokens(5 runes) = %d, want 2", got)
	}
}

func TestContextPriorityPrimary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p    ContextPriority
		want Source
	}{
		{ContextPriority{ShortTermWeight: 0.8, LongTermWeight: 0.2}, SourceShortTerm},
		{ContextPriority{ShortTermWeight: 0.3, LongTermWeight: 0.7}, SourceLongTerm},
		{ContextPriority{ShortTermWeight: 0.5, LongTermWeight: 0.5}, SourceBalanced},
	}
	for _, tc := range cases {
		if got := tc.p.Primary(); got != tc.want {
			t.Fatalf("Primary(%+v) = %s, want %s", tc.p, got, tc.want)
		}
	}
}
