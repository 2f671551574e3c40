package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ToolHandler executes a tool call and returns the textual result.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ServerTool is a tool registered with a Server: its advertised
// definition plus the handler that runs it.
type ServerTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// Server implements the tool-host side of the protocol over
// newline-delimited JSON on a reader/writer pair (normally stdin and
// stdout). One server instance serves one connection.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]ServerTool
	order []string
}

// NewServer creates a tool host server with the given identity.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:    name,
		version: version,
		logger:  logger,
		tools:   make(map[string]ServerTool),
	}
}

// RegisterTool adds a tool to the server's catalog. Registering the
// same name twice replaces the earlier handler.
func (s *Server) RegisterTool(def ToolDefinition, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[def.Name]; !ok {
		s.order = append(s.order, def.Name)
	}
	s.tools[def.Name] = ServerTool{Definition: def, Handler: handler}
}

// Serve reads newline-delimited JSON-RPC messages from r and writes
// responses to w until r is exhausted or ctx is cancelled. Notifications
// (no id) are acknowledged silently; malformed lines are skipped.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req incomingRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("skipping malformed message", "error", err)
			continue
		}

		// Notifications carry no id and expect no response.
		if req.ID == nil {
			s.logger.Debug("notification received", "method", req.Method)
			continue
		}

		resp := s.handle(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// incomingRequest is the wire form of a request as read by the server.
// A pointer ID distinguishes requests from notifications.
type incomingRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (s *Server) handle(ctx context.Context, req *incomingRequest) *Response {
	s.logger.Debug("handling request", "method", req.Method, "id", *req.ID)

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return result(*req.ID, map[string]any{})
	default:
		return rpcError(*req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *incomingRequest) *Response {
	return result(*req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		Capabilities:    serverCapabilities{Tools: &struct{}{}},
	})
}

func (s *Server) handleToolsList(req *incomingRequest) *Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name].Definition)
	}
	return result(*req.ID, toolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *incomingRequest) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(*req.ID, codeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return rpcError(*req.ID, codeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	s.logger.Info("executing tool", "tool", params.Name)

	text, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		// Tool failures travel as content with isError so the caller
		// can fold them into the conversation rather than abort.
		return result(*req.ID, callToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}

	return result(*req.ID, callToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	})
}

func result(id int64, v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return rpcError(id, codeInternalError, fmt.Sprintf("marshal result: %v", err))
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}
}

func rpcError(id int64, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
