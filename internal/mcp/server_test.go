package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/internal/memory"
	"github.com/xiy/chatmem/internal/store"
	"github.com/xiy/chatmem/pkg/types"
)

type fakeConversations struct {
	ingested []types.Utterance
	resets   []string
}

func (f *fakeConversations) Ingest(_ context.Context, u types.Utterance) error {
	f.ingested = append(f.ingested, u)
	return nil
}

func (f *fakeConversations) BuildPrompt(_ context.Context, u types.Utterance) (memory.TurnResult, error) {
	return memory.TurnResult{
		Prompt: types.AssembledPrompt{Budget: 64, Blocks: []types.PromptBlock{
			{Kind: types.BlockUtterance, Text: u.Speaker() + ": " + u.Text},
		}},
		Retrieved: []types.ScoredRecord{},
	}, nil
}

func (f *fakeConversations) Respond(ctx context.Context, u types.Utterance, gen memory.Generator) (memory.Reply, error) {
	turn, _ := f.BuildPrompt(ctx, u)
	text, err := gen.Generate(ctx, turn.Prompt.Render())
	if err != nil {
		return memory.Reply{}, err
	}
	return memory.Reply{TurnResult: turn, Text: text, ExternalID: u.ExternalID + ":reply"}, nil
}

func (f *fakeConversations) Reset(_ context.Context, id string) error {
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeConversations) Stats() memory.ManagerStats {
	return memory.ManagerStats{Conversations: 1, Ingested: int64(len(f.ingested))}
}

type fakeArchive struct {
	lastK    int
	lastOpts memory.RetrieveOptions
	err      error
}

func (f *fakeArchive) Retrieve(_ context.Context, q string, k int, opts memory.RetrieveOptions) ([]types.ScoredRecord, error) {
	f.lastK, f.lastOpts = k, opts
	if f.err != nil {
		return []types.ScoredRecord{}, f.err
	}
	return []types.ScoredRecord{{Record: types.MemoryRecord{RecordID: "r1", Text: "about " + q}, Score: 0.7}}, nil
}

func (f *fakeArchive) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Total: 3, ByLore: map[types.LoreCategory]int64{types.LoreEvent: 3}}, nil
}

type captureSink struct {
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

type staticGenerator string

func (g staticGenerator) Generate(context.Context, string) (string, error) { return string(g), nil }

func discard() *log.Logger { return log.NewWithOptions(io.Discard, log.Options{}) }

func newTestServer(t *testing.T, deps Deps, sink RequestLogSink) *Server {
	t.Helper()
	if deps.Conversations == nil {
		deps.Conversations = &fakeConversations{}
	}
	if deps.Archive == nil {
		deps.Archive = &fakeArchive{}
	}
	srv, err := NewServer("chatmem", deps, discard(), sink)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func callTool(t *testing.T, srv *Server, name, args string) toolResult {
	t.Helper()
	params := json.RawMessage(`{"name":"` + name + `","arguments":` + args + `}`)
	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	if !ok {
		t.Fatal("expected response")
	}
	res, ok := resp.Result.(toolResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return res
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Deps{}, nil)

	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok {
		t.Fatal("expected tool definitions")
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := "memory_ingest,memory_build_prompt,chat_respond,memory_search,memory_analyze,memory_reset,memory_stats"
	if strings.Join(names, ",") != want {
		t.Fatalf("tools = %v", names)
	}
}

func TestToolCall_ValidatesArguments(t *testing.T) {
	t.Parallel()
	conv := &fakeConversations{}
	srv := newTestServer(t, Deps{Conversations: conv}, nil)

	cases := map[string]struct{ tool, args string }{
		"missing text":     {"memory_ingest", `{"conversation_id":"c1","external_id":"m1","author_id":"u1"}`},
		"empty text":       {"memory_ingest", `{"conversation_id":"c1","external_id":"m1","author_id":"u1","text":""}`},
		"unknown field":    {"memory_ingest", `{"conversation_id":"c1","external_id":"m1","author_id":"u1","text":"hi","mood":"sad"}`},
		"negative count":   {"memory_build_prompt", `{"conversation_id":"c1","external_id":"m1","author_id":"u1","text":"hi","reaction_count":-1}`},
		"k out of range":   {"memory_search", `{"query":"pizza","k":50}`},
		"fractional k":     {"memory_search", `{"query":"pizza","k":2.5}`},
		"missing argument": {"memory_reset", `{}`},
		"unknown tool":     {"memory_promote", `{}`},
	}
	for name, tc := range cases {
		res := callTool(t, srv, tc.tool, tc.args)
		if !res.IsError {
			t.Fatalf("%s: expected tool error", name)
		}
		if !strings.Contains(res.Content[0].Text, "invalid_input") {
			t.Fatalf("%s: error should be classified, got %q", name, res.Content[0].Text)
		}
	}
	if len(conv.ingested) != 0 {
		t.Fatalf("invalid calls must not reach memory, got %d", len(conv.ingested))
	}
}

func TestToolCall_IngestAndBuildPrompt(t *testing.T) {
	t.Parallel()
	conv := &fakeConversations{}
	srv := newTestServer(t, Deps{Conversations: conv}, nil)

	res := callTool(t, srv, "memory_ingest", `{"conversation_id":"c1","external_id":"m1","author_id":"u1","author_display":"alice","text":"hi all","timestamp":"2026-03-01T12:00:00Z","reaction_count":2}`)
	if res.IsError {
		t.Fatalf("memory_ingest failed: %s", res.Content[0].Text)
	}
	if len(conv.ingested) != 1 || conv.ingested[0].ReactionCount != 2 || conv.ingested[0].Timestamp.Year() != 2026 {
		t.Fatalf("ingested = %+v", conv.ingested)
	}

	res = callTool(t, srv, "memory_build_prompt", `{"conversation_id":"c1","external_id":"m2","author_id":"u2","author_display":"bob","text":"yo"}`)
	if res.IsError {
		t.Fatalf("memory_build_prompt failed: %s", res.Content[0].Text)
	}
	out, ok := res.StructuredContent.(promptOutput)
	if !ok {
		t.Fatalf("unexpected structured content %T", res.StructuredContent)
	}
	if out.Rendered != "bob: yo" || out.EstimatedTokens != 2 {
		t.Fatalf("unexpected prompt output %+v", out)
	}
}

func TestToolCall_SearchPassesOptions(t *testing.T) {
	t.Parallel()
	arch := &fakeArchive{}
	srv := newTestServer(t, Deps{Archive: arch}, nil)

	res := callTool(t, srv, "memory_search", `{"query":"pizza","k":3,"exclude_external_id":"m9","weights":{"similarity":0.5,"recency":0.5,"engagement":0}}`)
	if res.IsError {
		t.Fatalf("memory_search failed: %s", res.Content[0].Text)
	}
	if arch.lastK != 3 || arch.lastOpts.ExcludeExternalID != "m9" || arch.lastOpts.Weights == nil || arch.lastOpts.Weights.Recency != 0.5 {
		t.Fatalf("unexpected retrieve call k=%d opts=%+v", arch.lastK, arch.lastOpts)
	}

	res = callTool(t, srv, "memory_search", `{"query":"pizza","weights":{"similarity":0.5,"recency":0.2,"engagement":0}}`)
	if !res.IsError {
		t.Fatal("expected weights that do not sum to 1 to be rejected")
	}
}

func TestToolCall_RespondNeedsGenerator(t *testing.T) {
	t.Parallel()
	args := `{"conversation_id":"c1","external_id":"m1","author_id":"u1","text":"pizza?"}`

	res := callTool(t, newTestServer(t, Deps{}, nil), "chat_respond", args)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "provider_unavailable") {
		t.Fatalf("expected provider_unavailable, got %+v", res)
	}

	res = callTool(t, newTestServer(t, Deps{Generator: staticGenerator("always")}, nil), "chat_respond", args)
	if res.IsError {
		t.Fatalf("chat_respond failed: %s", res.Content[0].Text)
	}
	if reply, ok := res.StructuredContent.(memory.Reply); !ok || reply.Text != "always" {
		t.Fatalf("unexpected reply %#v", res.StructuredContent)
	}
}

func TestToolCall_AnalyzeResetAndStats(t *testing.T) {
	t.Parallel()
	conv := &fakeConversations{}
	srv := newTestServer(t, Deps{Conversations: conv}, nil)

	res := callTool(t, srv, "memory_analyze", `{"text":"remember when we went to the beach"}`)
	if res.IsError {
		t.Fatalf("memory_analyze failed: %s", res.Content[0].Text)
	}
	out := res.StructuredContent.(map[string]any)
	if out["primary"] != types.SourceShortTerm || out["excerpt_cap"] != 2 {
		t.Fatalf("unexpected analysis %+v", out)
	}

	if res := callTool(t, srv, "memory_reset", `{"conversation_id":"c1"}`); res.IsError {
		t.Fatalf("memory_reset failed: %s", res.Content[0].Text)
	}
	if len(conv.resets) != 1 || conv.resets[0] != "c1" {
		t.Fatalf("resets = %v", conv.resets)
	}

	res = callTool(t, srv, "memory_stats", `{}`)
	if res.IsError {
		t.Fatalf("memory_stats failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, `"total": 3`) || !strings.Contains(res.Content[0].Text, `"event": 3`) {
		t.Fatalf("stats text missing store counters:\n%s", res.Content[0].Text)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Deps{}, nil)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	line := bytes.TrimSpace(out.Bytes())
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	info := resp["result"].(map[string]any)["serverInfo"].(map[string]any)
	if info["name"] != "chatmem" {
		t.Fatalf("unexpected serverInfo %v", info)
	}
}

func TestServe_FramedRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Deps{}, nil)

	body := `{"jsonrpc":"2.0","id":"a","method":"ping"}`
	in := bytes.NewBufferString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	c := newConn(&out, io.Discard)
	payload, err := c.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if c.mode != wireModeFramed {
		t.Fatal("expected framed reply")
	}
	var resp map[string]any
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if resp["id"] != "a" {
		t.Fatalf("unexpected id %v", resp["id"])
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv := newTestServer(t, Deps{Archive: &fakeArchive{err: fault.Wrap(fault.ProviderUnavailable, "embed", errors.New("down"))}}, sink)

	in := bytes.NewBufferString(
		"{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_search\",\"arguments\":{\"query\":\"deploy\"}}}\n" +
			"not json\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 request log rows, got %d", len(sink.rows))
	}
	got := sink.rows[0]
	if got.Method != "tools/call" || got.ToolName != "memory_search" {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.Success || !strings.Contains(got.ErrorText, "provider_unavailable") {
		t.Fatalf("expected failed search, got %+v", got)
	}
	if sink.rows[1].Method != "parse_error" || sink.rows[1].Success {
		t.Fatalf("unexpected parse error row %+v", sink.rows[1])
	}
	if snap := srv.Snapshot(); snap["requests"] != uint64(1) || snap["errors"] != uint64(1) {
		t.Fatalf("unexpected counters %v", snap)
	}
}
