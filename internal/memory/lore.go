package memory

import (
	"math"
	"strings"
	"time"

	"github.com/xiy/chatmem/internal/analyze"
	"github.com/xiy/chatmem/pkg/types"
)

type loreRule struct {
	category types.LoreCategory
	markers  []string
}

// Questions are never lore; after that the first rule with a marker wins.
var loreRules = []loreRule{
	{types.LoreUserInfo, []string{"my name is", "i live in", "i live at", "i work at", "i work as", "my birthday", "i'm from", "im from", "my job"}},
	{types.LorePersonalityTrait, []string{"always", "never", "every time", "everytime", "classic", "typical", "of course he", "of course she"}},
	{types.LoreEvent, []string{"yesterday", "last night", "last week", "tonight", "tournament", "party", "happened", "raid", "stream", "birthday party", "meetup"}},
	{types.LoreInsideJoke, []string{"lol", "lmao", "rofl", "haha", "hehe", "😂", "🤣", "💀", "inside joke", "the incident"}},
}

// ClassifyLore assigns a coarse lore category from text markers.
func ClassifyLore(text string) types.LoreCategory {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || strings.Contains(lower, "?") || analyze.IsQuestion(lower) {
		return types.LoreRegular
	}
	for _, r := range loreRules {
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				return r.category
			}
		}
	}
	return types.LoreRegular
}

const (
	replyWeight     = 1.5
	pinnedBonus     = 5.0
	engagementScale = 10.0
)

// Engagement maps social signal onto [0,1): monotone in reactions and
// replies, with a fixed bonus for pinned messages.
func Engagement(reactions, replies int, pinned bool) float64 {
	raw := float64(max(reactions, 0)) + replyWeight*float64(max(replies, 0))
	if pinned {
		raw += pinnedBonus
	}
	return 1 - math.Exp(-raw/engagementScale)
}

// RecencyDecay halves every halfLife; future timestamps count as fresh.
func RecencyDecay(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
