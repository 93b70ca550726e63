// Package importer backfills long-term memory from exported chat history.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/pkg/types"
)

// maxLineBytes bounds one exported message line.
const maxLineBytes = 1 << 20

// Indexer is the long-term memory write path.
type Indexer interface {
	Index(ctx context.Context, u types.Utterance) (types.IndexResult, error)
}

// Message is one line of a raw_messages.jsonl export. Single-channel exports
// leave out channel_id and the engagement fields.
type Message struct {
	ID                string `json:"id"`
	ChannelID         string `json:"channel_id"`
	AuthorID          string `json:"author_id"`
	AuthorName        string `json:"author_name"`
	AuthorDisplayName string `json:"author_display_name"`
	Content           string `json:"content"`
	Timestamp         string `json:"timestamp"`
	Reactions         int    `json:"reactions"`
	ReplyCount        int    `json:"reply_count"`
	Pinned            bool   `json:"pinned"`
	IsBot             bool   `json:"is_bot"`
	Type              string `json:"type,omitempty"`
}

// Result counts what a run did with each line.
type Result struct {
	Read     int64 `json:"read"`
	Indexed  int64 `json:"indexed"`
	Skipped  int64 `json:"skipped"`
	Rejected int64 `json:"rejected"`
	// Filtered counts system messages and bot commands.
	Filtered int64 `json:"filtered"`
}

// Options tunes a run.
type Options struct {
	// Workers bounds concurrent Index calls.
	Workers int
	// Conversation is used for lines without a channel_id.
	Conversation string
}

// Importer streams an export into an Indexer.
type Importer struct {
	idx    Indexer
	opts   Options
	logger *log.Logger
}

// New returns an Importer.
func New(idx Indexer, opts Options, logger *log.Logger) *Importer {
	opts.Workers = max(opts.Workers, 1)
	opts.Conversation = strings.TrimSpace(opts.Conversation)
	return &Importer{idx: idx, opts: opts, logger: logger}
}

// Run reads r line by line. Malformed lines are rejected and the run goes on;
// a provider failure stops it.
func (im *Importer) Run(ctx context.Context, r io.Reader) (Result, error) {
	var read, indexed, skipped, rejected, filtered atomic.Int64
	result := func() Result {
		return Result{
			Read:     read.Load(),
			Indexed:  indexed.Load(),
			Skipped:  skipped.Load(),
			Rejected: rejected.Load(),
			Filtered: filtered.Load(),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.opts.Workers)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		read.Add(1)

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			rejected.Add(1)
			im.logger.Warn("rejected malformed line", "line", line, "error", err)
			continue
		}
		if Filtered(msg) {
			filtered.Add(1)
			continue
		}
		u, err := msg.Utterance(im.opts.Conversation)
		if err != nil {
			rejected.Add(1)
			im.logger.Warn("rejected message", "line", line, "id", msg.ID, "error", err)
			continue
		}

		lineNo := line
		g.Go(func() error {
			res, err := im.idx.Index(gctx, u)
			switch {
			case fault.Is(err, fault.InvalidInput):
				rejected.Add(1)
				im.logger.Warn("rejected message", "line", lineNo, "id", msg.ID, "error", err)
				return nil
			case err != nil:
				return fmt.Errorf("index line %d: %w", lineNo, err)
			case res.Status == types.Skipped:
				skipped.Add(1)
			default:
				indexed.Add(1)
			}
			return nil
		})
	}
	scanErr := sc.Err()
	if err := g.Wait(); err != nil {
		return result(), err
	}
	if scanErr != nil {
		return result(), fmt.Errorf("read export: %w", scanErr)
	}
	if err := ctx.Err(); err != nil {
		return result(), err
	}
	return result(), nil
}

// Filtered reports whether msg is noise that never becomes memory.
func Filtered(msg Message) bool {
	switch strings.TrimPrefix(strings.TrimSpace(msg.Type), "MessageType.") {
	case "", "default", "reply":
	default:
		return true
	}
	content := strings.TrimSpace(msg.Content)
	return strings.HasPrefix(content, "!") || strings.HasPrefix(content, "/") || strings.HasPrefix(content, "$")
}

// Utterance converts an exported message, placing it in conversation when
// the line carries no channel_id.
func (m Message) Utterance(conversation string) (types.Utterance, error) {
	ts, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return types.Utterance{}, err
	}
	display := strings.TrimSpace(m.AuthorDisplayName)
	if display == "" {
		display = strings.TrimSpace(m.AuthorName)
	}
	channel := strings.TrimSpace(m.ChannelID)
	if channel == "" {
		channel = conversation
	}
	u := types.Utterance{
		AuthorID:       strings.TrimSpace(m.AuthorID),
		AuthorDisplay:  display,
		Text:           m.Content,
		Timestamp:      ts,
		ConversationID: channel,
		ExternalID:     strings.TrimSpace(m.ID),
		ReactionCount:  m.Reactions,
		ReplyCount:     m.ReplyCount,
		Pinned:         m.Pinned,
		IsAgent:        m.IsBot,
	}
	if err := u.Validate(); err != nil {
		return types.Utterance{}, err
	}
	return u, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
