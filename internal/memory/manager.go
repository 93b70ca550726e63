package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/chatmem/internal/analyze"
	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/internal/prompt"
	"github.com/xiy/chatmem/internal/shortterm"
	"github.com/xiy/chatmem/pkg/types"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("memory manager closed")

// errRetired means the conversation was retired between lookup and send.
var errRetired = errors.New("conversation retired")

// LongTermMemory is the persistent half of the memory system.
type LongTermMemory interface {
	Index(ctx context.Context, u types.Utterance) (types.IndexResult, error)
	Retrieve(ctx context.Context, query string, k int, opts RetrieveOptions) ([]types.ScoredRecord, error)
}

// Generator turns a rendered prompt into the agent's reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Window     shortterm.Options
	Summarizer shortterm.Summarizer
	Assembler  prompt.Assembler
	// TokenBudget is the whole prompt budget handed to the assembler.
	TokenBudget   int
	RecentWeights types.RankWeights
	AgentID       string
	AgentDisplay  string
	QueueSize     int
	IndexWorkers  int
	IdleAfter     time.Duration
}

// TurnResult is everything derived while preparing one reply.
type TurnResult struct {
	Prompt    types.AssembledPrompt   `json:"prompt"`
	Analysis  types.UtteranceAnalysis `json:"analysis"`
	Priority  types.ContextPriority   `json:"priority"`
	Retrieved []types.ScoredRecord    `json:"retrieved"`
	// Degraded names sources that failed and were left out.
	Degraded []string `json:"degraded,omitempty"`
}

// Reply is a generated agent turn.
type Reply struct {
	TurnResult
	Text       string `json:"reply"`
	ExternalID string `json:"reply_external_id"`
}

// ManagerStats are live counters for dashboards and the stats tool.
type ManagerStats struct {
	Conversations int   `json:"conversations"`
	PendingIndex  int64 `json:"pending_index_jobs"`
	Ingested      int64 `json:"ingested"`
	Indexed       int64 `json:"indexed"`
	Skipped       int64 `json:"skipped"`
	IndexFailures int64 `json:"index_failures"`
	Prompts       int64 `json:"prompts"`
	Degraded      int64 `json:"degraded_prompts"`
	Retired       int64 `json:"retired_conversations"`
}

type task func(w *shortterm.Window)

type conversation struct {
	id       string
	window   *shortterm.Window
	tasks    chan task
	done     chan struct{}
	closing  chan struct{}
	stop     sync.Once
	lastSeen atomic.Int64

	// sendMu is held shared by senders and exclusively while tasks is closed,
	// so a send never races the close.
	sendMu sync.RWMutex
	closed bool
}

func (c *conversation) run() {
	defer close(c.done)
	for t := range c.tasks {
		t(c.window)
	}
}

// shutdown wakes blocked senders, closes the queue and waits for the
// consumer to drain it.
func (c *conversation) shutdown() {
	c.stop.Do(func() { close(c.closing) })
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.tasks)
	}
	c.sendMu.Unlock()
	<-c.done
}

// Manager owns one short-term window per conversation and the shared
// long-term store. Work for a conversation runs on that conversation's
// single consumer, in submission order; conversations proceed independently.
type Manager struct {
	ltm      LongTermMemory
	analyzer *analyze.Analyzer
	opts     ManagerOptions
	logger   *log.Logger
	now      func() time.Time

	mu     sync.RWMutex
	convs  map[string]*conversation
	closed bool

	index errgroup.Group

	pending       atomic.Int64
	ingested      atomic.Int64
	indexed       atomic.Int64
	skipped       atomic.Int64
	indexFailures atomic.Int64
	prompts       atomic.Int64
	degraded      atomic.Int64
	retired       atomic.Int64
}

// NewManager validates options and returns an empty registry.
func NewManager(ltm LongTermMemory, opts ManagerOptions, logger *log.Logger) (*Manager, error) {
	if ltm == nil {
		return nil, errors.New("long-term memory is required")
	}
	if opts.TokenBudget <= 0 {
		return nil, errors.New("token budget must be > 0")
	}
	if strings.TrimSpace(opts.AgentID) == "" {
		return nil, errors.New("agent id is required")
	}
	// Fail on bad window options now rather than on first use.
	if _, err := shortterm.New(opts.Window, nil, logger); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.IndexWorkers <= 0 {
		opts.IndexWorkers = 4
	}
	m := &Manager{
		ltm:      ltm,
		analyzer: analyze.New(),
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		convs:    map[string]*conversation{},
	}
	m.index.SetLimit(opts.IndexWorkers)
	return m, nil
}

// Ingest records u in its conversation's window and queues it for long-term
// indexing. It returns once the append is queued.
func (m *Manager) Ingest(ctx context.Context, u types.Utterance) error {
	if err := u.Validate(); err != nil {
		return fault.Wrap(fault.InvalidInput, "ingest", err)
	}
	err := m.enqueue(ctx, u.ConversationID, func(w *shortterm.Window) {
		if err := w.Append(ctx, u); err != nil {
			m.logger.Warn("stm append failed", "conversation", u.ConversationID, "external_id", u.ExternalID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	m.ingested.Add(1)
	m.submitIndex(ctx, u)
	return nil
}

// BuildPrompt appends u and assembles the prompt for replying to it.
func (m *Manager) BuildPrompt(ctx context.Context, u types.Utterance) (TurnResult, error) {
	if err := u.Validate(); err != nil {
		return TurnResult{}, fault.Wrap(fault.InvalidInput, "build prompt", err)
	}
	var (
		res    TurnResult
		runErr error
	)
	done := make(chan struct{})
	err := m.enqueue(ctx, u.ConversationID, func(w *shortterm.Window) {
		defer close(done)
		if err := w.Append(ctx, u); err != nil {
			runErr = err
			return
		}
		res = m.turn(ctx, w, u)
	})
	if err != nil {
		return TurnResult{}, err
	}
	// Once queued the utterance will reach the window, so it is indexed even
	// if the caller stops waiting for the prompt.
	m.ingested.Add(1)
	m.submitIndex(ctx, u)

	if err := wait(ctx, "build prompt", done); err != nil {
		return TurnResult{}, err
	}
	if runErr != nil {
		return TurnResult{}, runErr
	}
	return res, nil
}

func (m *Manager) turn(ctx context.Context, w *shortterm.Window, u types.Utterance) TurnResult {
	analysis := m.analyzer.Analyze(u.Text)
	priority := prompt.Prioritize(analysis)

	ro := RetrieveOptions{ExcludeExternalID: u.ExternalID}
	if analysis.NeedsRecentContext {
		weights := m.opts.RecentWeights
		ro.Weights = &weights
	}
	res := TurnResult{Analysis: analysis, Priority: priority}
	recs, err := m.ltm.Retrieve(ctx, u.Text, prompt.ExcerptCap(priority), ro)
	if err != nil {
		m.logger.Warn("continuing without long-term memory",
			"conversation", u.ConversationID, "kind", fault.KindOf(err), "error", err)
		res.Degraded = append(res.Degraded, string(types.SourceLongTerm))
		recs = nil
	}
	res.Retrieved = recs
	if res.Retrieved == nil {
		res.Retrieved = []types.ScoredRecord{}
	}

	stm := excludingView{window: w, externalID: u.ExternalID}
	res.Prompt = m.opts.Assembler.Assemble(u, analysis, priority, stm, res.Retrieved, m.opts.TokenBudget)

	m.prompts.Add(1)
	if len(res.Degraded) > 0 {
		m.degraded.Add(1)
	}
	return res
}

// Respond builds the prompt for u, asks gen for a reply and records the
// reply as an agent utterance.
func (m *Manager) Respond(ctx context.Context, u types.Utterance, gen Generator) (Reply, error) {
	if gen == nil {
		return Reply{}, fault.Wrap(fault.ProviderUnavailable, "respond", errors.New("no generator configured"))
	}
	turn, err := m.BuildPrompt(ctx, u)
	if err != nil {
		return Reply{}, err
	}
	out := Reply{TurnResult: turn}
	text, err := gen.Generate(ctx, turn.Prompt.Render())
	if err != nil {
		return out, fault.Wrap(fault.ProviderUnavailable, "respond", err)
	}
	out.Text = strings.TrimSpace(text)

	agent := types.Utterance{
		AuthorID:       m.opts.AgentID,
		AuthorDisplay:  m.opts.AgentDisplay,
		Text:           out.Text,
		Timestamp:      m.now(),
		ConversationID: u.ConversationID,
		ExternalID:     u.ExternalID + ":reply",
		IsAgent:        true,
	}
	if err := m.Ingest(ctx, agent); err != nil {
		return out, err
	}
	out.ExternalID = agent.ExternalID
	return out, nil
}

// Reset clears a conversation's window. Long-term memory is untouched.
func (m *Manager) Reset(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fault.Invalid("reset", "conversation_id is required")
	}
	return m.do(ctx, conversationID, func(w *shortterm.Window) { w.Clear() })
}

// Sync returns once every task queued for the conversation before it has run.
func (m *Manager) Sync(ctx context.Context, conversationID string) error {
	return m.do(ctx, conversationID, func(*shortterm.Window) {})
}

// Snapshot reports a conversation's window after all queued work.
func (m *Manager) Snapshot(ctx context.Context, conversationID string) (shortterm.Snapshot, error) {
	var snap shortterm.Snapshot
	err := m.do(ctx, conversationID, func(w *shortterm.Window) { snap = w.Snapshot() })
	return snap, err
}

// SweepIdle retires conversations with no activity for IdleAfter and an
// empty queue. Conversations with a sender in flight are left for the next
// sweep. It returns how many were retired.
func (m *Manager) SweepIdle(context.Context) (int, error) {
	if m.opts.IdleAfter <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.opts.IdleAfter).UnixNano()
	idle := func(c *conversation) bool {
		return c.lastSeen.Load() < cutoff && len(c.tasks) == 0
	}

	m.mu.RLock()
	var candidates []*conversation
	for _, c := range m.convs {
		if idle(c) {
			candidates = append(candidates, c)
		}
	}
	m.mu.RUnlock()

	retired := 0
	for _, c := range candidates {
		if !c.sendMu.TryLock() {
			continue
		}
		if c.closed || !idle(c) {
			c.sendMu.Unlock()
			continue
		}
		m.mu.Lock()
		if m.convs[c.id] == c {
			delete(m.convs, c.id)
		}
		m.mu.Unlock()
		c.closed = true
		c.stop.Do(func() { close(c.closing) })
		close(c.tasks)
		c.sendMu.Unlock()

		<-c.done
		retired++
		m.logger.Debug("retired idle conversation", "conversation", c.id)
	}
	m.retired.Add(int64(retired))
	return retired, nil
}

// Conversations lists active conversation ids in sorted order.
func (m *Manager) Conversations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitIndexed blocks until every queued index job has finished.
func (m *Manager) WaitIndexed() {
	_ = m.index.Wait()
}

// Stats returns a snapshot of the live counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	n := len(m.convs)
	m.mu.RUnlock()
	return ManagerStats{
		Conversations: n,
		PendingIndex:  m.pending.Load(),
		Ingested:      m.ingested.Load(),
		Indexed:       m.indexed.Load(),
		Skipped:       m.skipped.Load(),
		IndexFailures: m.indexFailures.Load(),
		Prompts:       m.prompts.Load(),
		Degraded:      m.degraded.Load(),
		Retired:       m.retired.Load(),
	}
}

// Close drains every conversation queue and waits for pending index jobs.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	convs := make([]*conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.convs = map[string]*conversation{}
	m.mu.Unlock()

	for _, c := range convs {
		c.shutdown()
	}
	return m.index.Wait()
}

func (m *Manager) submitIndex(ctx context.Context, u types.Utterance) {
	// Indexing outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	m.index.Go(func() error {
		defer m.pending.Add(-1)
		res, err := m.ltm.Index(ctx, u)
		if err != nil {
			m.indexFailures.Add(1)
			m.logger.Warn("ltm index failed", "external_id", u.ExternalID, "kind", fault.KindOf(err), "error", err)
			return nil
		}
		if res.Status == types.Skipped {
			m.skipped.Add(1)
		} else {
			m.indexed.Add(1)
		}
		return nil
	})
}

// do runs fn on the conversation's consumer and waits for it.
func (m *Manager) do(ctx context.Context, conversationID string, fn task) error {
	done := make(chan struct{})
	if err := m.enqueue(ctx, conversationID, func(w *shortterm.Window) {
		defer close(done)
		fn(w)
	}); err != nil {
		return err
	}
	return wait(ctx, "conversation "+conversationID, done)
}

func wait(ctx context.Context, op string, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, op, ctx.Err())
	}
}

// enqueue hands t to the conversation's consumer. The registry lock only
// covers the lookup; a full queue blocks this caller and nobody else.
func (m *Manager) enqueue(ctx context.Context, conversationID string, t task) error {
	if strings.TrimSpace(conversationID) == "" {
		return fault.Invalid("enqueue", "conversation_id is required")
	}
	for {
		m.mu.RLock()
		closed := m.closed
		c := m.convs[conversationID]
		m.mu.RUnlock()
		if closed {
			return ErrClosed
		}
		if c == nil {
			if err := m.register(conversationID); err != nil {
				return err
			}
			continue
		}
		err := m.send(ctx, c, t)
		if errors.Is(err, errRetired) {
			continue
		}
		return err
	}
}

func (m *Manager) send(ctx context.Context, c *conversation, t task) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return errRetired
	}
	c.lastSeen.Store(m.now().UnixNano())
	select {
	case c.tasks <- t:
		return nil
	case <-c.closing:
		return errRetired
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, "enqueue", ctx.Err())
	}
}

func (m *Manager) register(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.convs[conversationID]; ok {
		return nil
	}
	w, err := shortterm.New(m.opts.Window, m.opts.Summarizer,
		m.logger.With("conversation", conversationID))
	if err != nil {
		return err
	}
	c := &conversation{
		id:      conversationID,
		window:  w,
		tasks:   make(chan task, m.opts.QueueSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	c.lastSeen.Store(m.now().UnixNano())
	m.convs[conversationID] = c
	go c.run()
	m.logger.Debug("registered conversation", "conversation", conversationID)
	return nil
}

type excludingView struct {
	window     *shortterm.Window
	externalID string
}

func (v excludingView) GetContext(tokenBudget int) string {
	return v.window.ContextExcluding(v.externalID, tokenBudget)
}
