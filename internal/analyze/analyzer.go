// Package analyze classifies an utterance's intent and tone.
package analyze

import (
	"strings"
	"unicode"

	"github.com/xiy/chatmem/pkg/types"
)

// Text is a normalized view of an utterance shared by all matchers.
type Text struct {
	Raw   string
	Lower string
	Words []string // lowercased, punctuation trimmed
}

func newText(raw string) Text {
	lower := strings.ToLower(strings.TrimSpace(raw))
	fields := strings.Fields(lower)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && r != '\''
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return Text{Raw: raw, Lower: lower, Words: words}
}

func (t Text) first() string {
	if len(t.Words) == 0 {
		return ""
	}
	return t.Words[0]
}

// Matcher reports whether a rule applies.
type Matcher func(Text) bool

// IntentRule pairs an intent with its matcher.
type IntentRule struct {
	Intent types.Intent
	Match  Matcher
}

// ToneRule pairs a tone with its matcher.
type ToneRule struct {
	Tone  types.Tone
	Match Matcher
}

var interrogative = or(hasSuffix("?"), leadsWith("what", "who", "when", "where", "why", "how", "is", "are", "can", "could", "do", "does", "did", "will", "would", "should"))

// IsQuestion reports whether raw ends in a question mark or opens with an
// interrogative word.
func IsQuestion(raw string) bool {
	return interrogative(newText(raw))
}

// DefaultIntentRules is evaluated top to bottom; the first match wins.
// A backward-looking question is a reference, a joking question is still a
// question, and anything unmatched is a statement.
var DefaultIntentRules = []IntentRule{
	{types.IntentReference, containsAny("earlier", "before", "you said", "did you say", "remember when", "last time", "that thing", "mentioned", "again?")},
	{types.IntentQuestion, interrogative},
	{types.IntentGreeting, leadsWith("hi", "hey", "hello", "yo", "sup", "hiya", "morning", "gm", "evening", "howdy")},
	{types.IntentJoke, or(hasWord("lol", "lmao", "rofl", "haha", "hahaha", "hehe", "xd"), containsAny("😂", "🤣", "💀"))},
	{types.IntentAgreement, leadsWith("yes", "yeah", "yep", "yup", "agreed", "true", "exactly", "same", "fr", "facts")},
	{types.IntentDisagreement, or(leadsWith("no", "nah", "nope", "disagree", "wrong", "cap"), containsAny("not really"))},
}

// DefaultToneRules are scanned in order; the first match is the primary tone.
var DefaultToneRules = []ToneRule{
	{types.TonePolite, or(hasWord("please", "pls", "plz", "thanks", "thx", "ty"), containsAny("thank you"))},
	{types.ToneEmphatic, or(containsAny("!"), hasShouting, hasWord("literally", "absolutely", "definitely"))},
	{types.TonePlayful, or(hasWord("lol", "lmao", "haha", "hehe", "jk", "xd"), containsAny("😂", "😜", "😆", ":p", ";)"))},
	{types.ToneSerious, hasWord("honestly", "seriously", "important", "actually", "concerned", "concern")},
}

// Analyzer applies ordered intent and tone rules.
type Analyzer struct {
	intents []IntentRule
	tones   []ToneRule
}

// New returns an Analyzer using the default rule tables.
func New() *Analyzer {
	return &Analyzer{intents: DefaultIntentRules, tones: DefaultToneRules}
}

// NewWithRules returns an Analyzer with custom tables.
func NewWithRules(intents []IntentRule, tones []ToneRule) *Analyzer {
	return &Analyzer{intents: intents, tones: tones}
}

// Analyze classifies text. It never fails; empty input yields the defaults.
func (a *Analyzer) Analyze(raw string) types.UtteranceAnalysis {
	out := types.UtteranceAnalysis{Intent: types.IntentStatement, Tone: types.ToneCasual}
	t := newText(raw)
	if t.Lower == "" {
		return out
	}
	out.WordCount = len(strings.Fields(raw))

	for _, r := range a.intents {
		if r.Match(t) {
			out.Intent = r.Intent
			break
		}
	}
	for _, r := range a.tones {
		if r.Match(t) {
			out.Tones = append(out.Tones, r.Tone)
		}
	}
	if len(out.Tones) > 0 {
		out.Tone = out.Tones[0]
	}
	out.NeedsRecentContext = out.Intent == types.IntentReference
	return out
}

func containsAny(needles ...string) Matcher {
	return func(t Text) bool {
		for _, n := range needles {
			if strings.Contains(t.Lower, n) {
				return true
			}
		}
		return false
	}
}

func hasSuffix(s string) Matcher {
	return func(t Text) bool { return strings.HasSuffix(t.Lower, s) }
}

func leadsWith(words ...string) Matcher {
	return func(t Text) bool {
		first := t.first()
		for _, w := range words {
			if first == w {
				return true
			}
		}
		return false
	}
}

func hasWord(words ...string) Matcher {
	return func(t Text) bool {
		for _, tw := range t.Words {
			for _, w := range words {
				if tw == w {
					return true
				}
			}
		}
		return false
	}
}

func hasShouting(t Text) bool {
	for _, f := range strings.Fields(t.Raw) {
		letters := 0
		upper := true
		for _, r := range f {
			if !unicode.IsLetter(r) {
				continue
			}
			letters++
			if !unicode.IsUpper(r) {
				upper = false
				break
			}
		}
		if upper && letters >= 3 {
			return true
		}
	}
	return false
}

func or(ms ...Matcher) Matcher {
	return func(t Text) bool {
		for _, m := range ms {
			if m(t) {
				return true
			}
		}
		return false
	}
}
