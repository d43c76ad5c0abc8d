package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
)

// ToolHandler executes a tool call. Returning a *Error sends that error
// object unchanged; any other error becomes an InternalError.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolsCallResult, error)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

// Server answers protocol requests read from a single input stream.
// Requests are handled one at a time in arrival order.
type Server struct {
	info   Implementation
	logger *logging.Logger

	// maxLine bounds one request; zero means MaxLineSize.
	maxLine int

	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewServer creates a server that identifies itself as info.
func NewServer(info Implementation, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		info:   info,
		logger: logger,
		tools:  make(map[string]registeredTool),
	}
}

// AddTool registers a tool. Names must be unique.
func (s *Server) AddTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	s.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	return nil
}

// AddTypedTool registers a tool whose arguments decode into In. The input
// schema advertised by tools/list is generated from In's struct tags.
func AddTypedTool[In any](s *Server, name, description string, h func(ctx context.Context, in In) (*ToolsCallResult, error)) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("tool %s: generating input schema: %w", name, err)
	}
	return s.AddTool(Tool{Name: name, Description: description, InputSchema: schema},
		func(ctx context.Context, args json.RawMessage) (*ToolsCallResult, error) {
			var in In
			if len(args) > 0 && string(args) != "null" {
				dec := json.NewDecoder(bytes.NewReader(args))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&in); err != nil {
					return nil, NewError(InvalidParams, fmt.Sprintf("invalid arguments for %s", name), err.Error())
				}
			}
			return h(ctx, in)
		})
}

// Tools returns the registered tools sorted by name.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Serve reads requests from r and writes responses to w until r reaches EOF,
// an empty line arrives, or ctx is cancelled between requests. Oversized and
// malformed lines are answered with a parse error and skipped.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := newDecoderSize(r, s.maxLine)
	enc := NewEncoder(w)
	s.logger.Debug("worker server started", "name", s.info.Name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := dec.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("worker server input closed")
				return nil
			}
			if errors.Is(err, ErrLineTooLong) {
				s.logger.Warn("oversized request skipped", "limit", dec.limit)
				if err := enc.Encode(errorResponse(nil, NewError(ParseError, "message too large", nil))); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("reading request: %w", err)
		}
		if len(line) == 0 {
			s.logger.Debug("worker server received shutdown line")
			return nil
		}

		resp := s.handleLine(ctx, line)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("malformed request", "error", err)
		return errorResponse(nil, NewError(ParseError, "parse error", err.Error()))
	}
	if req.JSONRPC != Version || req.Method == "" {
		return errorResponse(req.ID, NewError(InvalidRequest, "invalid request", nil))
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, NewError(InternalError, "encoding result failed", err.Error()))
	}
	return &Response{JSONRPC: Version, ID: req.ID, Result: b}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case MethodInitialize:
		var params InitializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, NewError(InvalidParams, "invalid initialize params", err.Error())
			}
		}
		s.logger.Debug("initialize", "client", params.ClientInfo.Name, "protocol", params.ProtocolVersion)
		return InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      s.info,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		}, nil
	case "notifications/initialized":
		return struct{}{}, nil
	case MethodToolsList:
		return ToolsListResult{Tools: s.Tools()}, nil
	case MethodToolsCall:
		return s.callTool(ctx, req.Params)
	default:
		return nil, NewError(MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (result *ToolsCallResult, rpcErr *Error) {
	var params ToolsCallParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		msg := "tool name is required"
		if err != nil {
			msg = err.Error()
		}
		return nil, NewError(InvalidParams, "invalid tools/call params", msg)
	}

	s.mu.RLock()
	rt, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewError(InvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", "tool", params.Name, "panic", r)
			result, rpcErr = nil, NewError(InternalError, fmt.Sprintf("tool %s panicked", params.Name), fmt.Sprint(r))
		}
	}()

	res, err := rt.handler(ctx, params.Arguments)
	if err != nil {
		var rpc *Error
		if errors.As(err, &rpc) {
			return nil, rpc
		}
		return nil, NewError(InternalError, err.Error(), nil)
	}
	if res == nil {
		res = &ToolsCallResult{Content: []Content{}}
	}
	return res, nil
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}
