// Package admin renders a local dashboard over the memory database.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/chatmem/internal/store"
	"github.com/xiy/chatmem/pkg/types"
)

const refreshEvery = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Source is what the dashboard reads on every refresh.
type Source interface {
	Stats(ctx context.Context) (store.Stats, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentMemories(ctx context.Context, limit int) ([]store.RecentMemory, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	stats    store.Stats
	requests []store.MCPRequestLog
	memories []store.RecentMemory
	err      error
	took     time.Duration
}

type model struct {
	ctx      context.Context
	src      Source
	stats    store.Stats
	requests []store.MCPRequestLog
	memories []store.RecentMemory
	lastErr  error
	lastTick time.Time
	events   []string
	limits   limits
	width    int
	height   int
}

type limits struct {
	events, requests, memories int
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source) error {
	m := model{ctx: ctx, src: src, limits: limits{events: 10, requests: 8, memories: 8}}
	m = m.event("dashboard started")
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m.event("manual refresh"), m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(m.fetch(), tick())
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.event("refresh failed: " + oneLine(msg.err.Error(), 80)), nil
		}
		m.stats, m.requests, m.memories = msg.stats, msg.requests, msg.memories
		m = m.event(fmt.Sprintf("refreshed %d records, %d requests in %s",
			msg.stats.Total, msg.stats.Requests, shortDuration(msg.took)))
	}
	return m, nil
}

func (m model) View() string {
	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Memory", m.statsBody(), w, h), " ",
		pane("Lore", loreBody(m.stats, w-6), w, h))
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("MCP Requests", requestsBody(m.requests), w, h), " ",
		pane("Recent Memories", memoriesBody(m.memories), w, h))
	events := pane("Events", strings.Join(m.events, "\n"), 2*w+1, min(h, len(m.events)+4))

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("chatmem admin"),
		metaStyle.Render(fmt.Sprintf("q quit • r refresh • auto every %s", refreshEvery)),
		"",
		top,
		bottom,
		events,
	)
}

func (m model) statsBody() string {
	agentShare := 0.0
	if m.stats.Total > 0 {
		agentShare = 100 * float64(m.stats.Agent) / float64(m.stats.Total)
	}
	lines := []string{
		fmt.Sprintf("Records:        %d", m.stats.Total),
		fmt.Sprintf("Agent replies:  %d (%.1f%%)", m.stats.Agent, agentShare),
		fmt.Sprintf("Conversations:  %d", m.stats.Conversations),
		fmt.Sprintf("MCP requests:   %d", m.stats.Requests),
		fmt.Sprintf("Last refresh:   %s", clock(m.lastTick)),
	}
	if m.lastErr != nil {
		lines = append(lines, "", errStyle.Render(oneLine(m.lastErr.Error(), 100)))
	}
	return strings.Join(lines, "\n")
}

func loreBody(st store.Stats, width int) string {
	if st.Total == 0 {
		return "(no records yet)"
	}
	barMax := max(4, width-28)
	lines := make([]string, 0, len(types.LoreCategories))
	for _, c := range types.LoreCategories {
		n := st.ByLore[c]
		filled := int(float64(barMax) * float64(n) / float64(st.Total))
		lines = append(lines, fmt.Sprintf("%-18s %6d %s", c, n, barStyle.Render(strings.Repeat("█", filled))))
	}
	return strings.Join(lines, "\n")
}

func requestsBody(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		name := r.Method
		if r.ToolName != "" {
			name = r.ToolName
		}
		status := "ok "
		if !r.Success {
			status = "err"
		}
		line := fmt.Sprintf("%s %s %-20s %5dms", clock(r.CreatedAt), status, oneLine(name, 20), max(0, r.DurationMS))
		if !r.Success && r.ErrorText != "" {
			line += " " + oneLine(r.ErrorText, 40)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func memoriesBody(rows []store.RecentMemory) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		who := r.Speaker
		if r.IsAgent {
			who += "*"
		}
		lines = append(lines, fmt.Sprintf("%s %-4s %-12s %s",
			clock(r.Timestamp), loreTag(r.Lore), oneLine(who, 12), oneLine(r.Text, 60)))
	}
	return strings.Join(lines, "\n")
}

func loreTag(c types.LoreCategory) string {
	switch c {
	case types.LoreInsideJoke:
		return "joke"
	case types.LoreEvent:
		return "evt"
	case types.LorePersonalityTrait:
		return "trt"
	case types.LoreUserInfo:
		return "info"
	default:
		return "-"
	}
}

func (m model) fetch() tea.Cmd {
	ctx, src, l := m.ctx, m.src, m.limits
	return func() tea.Msg {
		start := time.Now()
		var out snapshotMsg
		if out.stats, out.err = src.Stats(ctx); out.err != nil {
			out.took = time.Since(start)
			return out
		}
		if out.requests, out.err = src.RecentMCPRequestLogs(ctx, l.requests); out.err != nil {
			out.took = time.Since(start)
			return out
		}
		out.memories, out.err = src.RecentMemories(ctx, l.memories)
		out.took = time.Since(start)
		return out
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) event(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	m.events = append(m.events, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if n := m.limits.events; n > 0 && len(m.events) > n {
		m.events = m.events[len(m.events)-n:]
	}
	return m
}

func pane(title, body string, width, height int) string {
	style := paneStyle
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

// oneLine collapses whitespace and clips to limit runes.
func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
