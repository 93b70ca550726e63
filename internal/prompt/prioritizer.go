// Package prompt weighs short- against long-term memory for a turn and
// renders the budgeted prompt.
package prompt

import "github.com/xiy/chatmem/pkg/types"

type priorityRule struct {
	match    func(types.UtteranceAnalysis) bool
	priority types.ContextPriority
}

// First match wins.
var priorityTable = []priorityRule{
	{
		match:    func(a types.UtteranceAnalysis) bool { return a.NeedsRecentContext },
		priority: types.ContextPriority{ShortTermWeight: 0.8, LongTermWeight: 0.2, Hint: "focus on the recent conversation"},
	},
	{
		match:    func(a types.UtteranceAnalysis) bool { return a.Intent == types.IntentQuestion },
		priority: types.ContextPriority{ShortTermWeight: 0.3, LongTermWeight: 0.7, Hint: "draw on long-term memory to answer"},
	},
	{
		match:    func(a types.UtteranceAnalysis) bool { return a.Tone == types.TonePlayful || a.Intent == types.IntentJoke },
		priority: types.ContextPriority{ShortTermWeight: 0.6, LongTermWeight: 0.4, Hint: "keep it light and playful"},
	},
}

var balanced = types.ContextPriority{ShortTermWeight: 0.5, LongTermWeight: 0.5}

// Prioritize maps an analysis to a weight split.
func Prioritize(a types.UtteranceAnalysis) types.ContextPriority {
	for _, r := range priorityTable {
		if r.match(a) {
			return r.priority
		}
	}
	return balanced
}

// ExcerptCap is the most long-term excerpts a prompt may carry for p.
func ExcerptCap(p types.ContextPriority) int {
	switch p.Primary() {
	case types.SourceShortTerm:
		return 2
	case types.SourceLongTerm:
		return 5
	default:
		return 3
	}
}
