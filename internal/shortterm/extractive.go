package shortterm

import (
	"fmt"
	"strings"

	"github.com/xiy/chatmem/pkg/types"
)

const excerptRunes = 80

var laughterMarkers = []string{"lol", "lmao", "rofl", "haha", "hehe", "xd", "😂", "🤣", "💀"}

var interrogativeLeads = []string{"what", "who", "when", "where", "why", "how"}

// Extractive builds a deterministic summary: speaker count, coarse topics
// and an excerpt of the last utterance.
func Extractive(us []types.Utterance) string {
	if len(us) == 0 {
		return ""
	}
	speakers := map[string]struct{}{}
	var questions, humor bool
	for _, u := range us {
		speakers[u.Speaker()] = struct{}{}
		lower := strings.ToLower(u.Text)
		if !questions && isInterrogative(lower) {
			questions = true
		}
		if !humor && hasLaughter(lower) {
			humor = true
		}
	}

	noun := "speakers"
	if len(speakers) == 1 {
		noun = "speaker"
	}
	parts := []string{fmt.Sprintf("%d %s", len(speakers), noun)}
	var topics []string
	if questions {
		topics = append(topics, "questions")
	}
	if humor {
		topics = append(topics, "humor")
	}
	if len(topics) > 0 {
		parts = append(parts, "topics: "+strings.Join(topics, ", "))
	}
	last := us[len(us)-1]
	parts = append(parts, fmt.Sprintf("last: %s said %q", last.Speaker(), Truncate(strings.TrimSpace(last.Text), excerptRunes)))
	return strings.Join(parts, "; ")
}

func isInterrogative(lower string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return false
	}
	first := strings.Trim(fields[0], ",.!")
	for _, w := range interrogativeLeads {
		if first == w {
			return true
		}
	}
	return false
}

func hasLaughter(lower string) bool {
	for _, m := range laughterMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
