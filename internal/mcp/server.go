// Package mcp exposes conversational memory as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiy/chatmem/internal/analyze"
	"github.com/xiy/chatmem/internal/memory"
	"github.com/xiy/chatmem/internal/store"
	"github.com/xiy/chatmem/pkg/types"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverVersion   = "0.2.0"
)

// Conversations is the per-conversation half of the memory system.
type Conversations interface {
	Ingest(ctx context.Context, u types.Utterance) error
	BuildPrompt(ctx context.Context, u types.Utterance) (memory.TurnResult, error)
	Respond(ctx context.Context, u types.Utterance, gen memory.Generator) (memory.Reply, error)
	Reset(ctx context.Context, conversationID string) error
	Stats() memory.ManagerStats
}

// Archive is the long-term half used for direct search and stats.
type Archive interface {
	Retrieve(ctx context.Context, query string, k int, opts memory.RetrieveOptions) ([]types.ScoredRecord, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// Deps are the collaborators tools call into. Generator may be nil, in
// which case chat_respond reports the provider as unavailable.
type Deps struct {
	Conversations Conversations
	Archive       Archive
	Generator     memory.Generator
	Analyzer      *analyze.Analyzer
}

// Server handles MCP JSON-RPC messages over stdio.
type Server struct {
	name    string
	deps    Deps
	tools   []ToolDefinition
	schemas map[string]*jsonschema.Schema
	logger  *log.Logger
	sink    RequestLogSink
	now     func() time.Time

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewServer compiles the tool schemas and returns a ready server.
func NewServer(name string, deps Deps, logger *log.Logger, sink RequestLogSink) (*Server, error) {
	if deps.Conversations == nil || deps.Archive == nil {
		return nil, errors.New("conversations and archive are required")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyze.New()
	}
	if strings.TrimSpace(name) == "" {
		name = "chatmem"
	}
	defs := toolDefinitions()
	schemas, err := compileSchemas(defs)
	if err != nil {
		return nil, err
	}
	return &Server{
		name:    name,
		deps:    deps,
		tools:   defs,
		schemas: schemas,
		logger:  logger,
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Serve handles requests until in is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newConn(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, -32700, "parse error", err.Error())
			s.recordRequest(ctx, request{Method: "parse_error"}, resp, 0)
			if werr := c.write(resp); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, shouldRespond := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !shouldRespond {
			continue
		}
		if err := c.write(resp); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)

	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = protocolVersion
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{
			"protocolVersion": pv,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{"name": s.name, "version": serverVersion},
		}}, hasID
	case "ping":
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{}}, hasID
	case "tools/list":
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{"tools": s.tools}}, hasID
	case "tools/call":
		res, err := s.handleToolCall(ctx, req.Params)
		if err != nil {
			s.errors.Add(1)
			return response{JSONRPC: jsonRPCVersion, ID: id, Result: toolFailure(err)}, hasID
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: res}, hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, -32601, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, duration time.Duration) {
	if s.sink == nil {
		return
	}
	rec := store.MCPRequestLog{
		Method:     strings.TrimSpace(req.Method),
		ToolName:   toolNameFromParams(req.Method, req.Params),
		Success:    responseSuccessful(resp),
		ErrorText:  responseErrorText(resp),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  s.now(),
	}
	if rec.Method == "" {
		rec.Method = "unknown"
	}
	if err := s.sink.InsertMCPRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

func toolNameFromParams(method string, params json.RawMessage) string {
	if method != "tools/call" || len(params) == 0 {
		return ""
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Name)
}

// toolResult is the tools/call result envelope.
type toolResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func toolSuccess(v any) (toolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		Content:           []toolContent{{Type: "text", Text: string(b)}},
		StructuredContent: v,
	}, nil
}

func toolFailure(err error) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: err.Error()}}, IsError: true}
}

func responseSuccessful(resp response) bool {
	if resp.Error != nil {
		return false
	}
	if res, ok := resp.Result.(toolResult); ok {
		return !res.IsError
	}
	return true
}

func responseErrorText(resp response) string {
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	res, ok := resp.Result.(toolResult)
	if !ok || !res.IsError {
		return ""
	}
	if len(res.Content) == 0 || strings.TrimSpace(res.Content[0].Text) == "" {
		return "tool call failed"
	}
	return strings.TrimSpace(res.Content[0].Text)
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns server counters for dashboards and the stats tool.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.errors.Load(),
		"ts":       s.now(),
	}
}
