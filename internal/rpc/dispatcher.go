// Package rpc serves the tool registry over line-delimited JSON-RPC 2.0.
// Every request line gets exactly one response line carrying its id.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/batch"
	"github.com/hyperifyio/snippetd/internal/tools"
)

// Registry is the tool table requests are dispatched to.
type Registry interface {
	Lookup(name string) (tools.Tool, bool)
	Descriptors() []*mcp.Tool
	Call(ctx context.Context, name string, inv tools.Invocation) (*mcp.CallToolResult, error)
}

// RequestObserver is told the method and response code of every response.
// Code 0 means success.
type RequestObserver interface {
	ObserveRequest(method string, code int)
}

// Supported protocol versions, newest first.
var protocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

type method func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes requests to the registry.
type Dispatcher struct {
	tools    Registry
	info     mcp.Implementation
	log      logrus.FieldLogger
	observer RequestObserver
	methods  map[string]method
}

// Options configure a Dispatcher.
type Options struct {
	Name         string
	Version      string
	Instructions string
	Log          logrus.FieldLogger
	Observer     RequestObserver
}

// New returns a dispatcher over reg.
func New(reg Registry, opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(discard{})
		log = l
	}
	if opts.Name == "" {
		opts.Name = "snippetd"
	}
	d := &Dispatcher{
		tools:    reg,
		info:     mcp.Implementation{Name: opts.Name, Version: opts.Version},
		log:      log,
		observer: opts.Observer,
	}
	initialize := func(_ context.Context, params json.RawMessage) (any, error) {
		return d.initialize(params, opts.Instructions)
	}
	d.methods = map[string]method{
		"initialize": initialize,
		"ping":       func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil },
		"tools/list": d.listTools,
		"listTools":  d.listTools,
		"tools/call": d.callTool,
		"callTool":   d.callTool,
	}
	return d
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Handle answers one request line. It returns nil for blank lines and for
// notifications, which take no response.
func (d *Dispatcher) Handle(ctx context.Context, line []byte) *Response {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	start := time.Now()
	label := "invalid"
	resp := d.handle(ctx, line, &label)
	if resp == nil {
		return nil
	}

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	if d.observer != nil {
		d.observer.ObserveRequest(label, code)
	}
	entry := d.log.WithFields(logrus.Fields{
		"method":     label,
		"id":         string(resp.ID),
		"code":       code,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	if code == CodeInternalError {
		entry.WithField("error", resp.Error.Message).Warn("request failed")
	} else {
		entry.Debug("request handled")
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, line []byte, label *string) (resp *Response) {
	if line[0] == '[' {
		return failure(nil, errorf(CodeInvalidRequest, "batch requests are not supported"))
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		if json.Valid(line) {
			return failure(nil, errorf(CodeInvalidRequest, "invalid request: %v", err))
		}
		return failure(nil, errorf(CodeParseError, "parse error: %v", err))
	}
	if !validID(req.ID) {
		return failure(nil, errorf(CodeInvalidRequest, "id must be a string, number or null"))
	}
	if req.JSONRPC != version {
		return failure(req.ID, errorf(CodeInvalidRequest, "jsonrpc must be %q", version))
	}
	if req.Method == "" {
		return failure(req.ID, errorf(CodeInvalidRequest, "method is required"))
	}
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		d.log.WithField("method", req.Method).Debug("notification")
		return nil
	}

	fn, known := d.methods[req.Method]
	switch {
	case known:
		*label = req.Method
	case d.isTool(req.Method):
		*label = req.Method
		name := req.Method
		fn = func(ctx context.Context, params json.RawMessage) (any, error) {
			return d.callDirect(ctx, name, params)
		}
	default:
		*label = "unknown"
		return failure(req.ID, errorf(CodeMethodNotFound, "method not found: %s", req.Method))
	}

	defer func() {
		if p := recover(); p != nil {
			d.log.WithField("method", req.Method).Errorf("handler panic: %v", p)
			resp = failure(req.ID, errorf(CodeInternalError, "internal error: %v", p))
		}
	}()
	out, err := fn(ctx, req.Params)
	if err != nil {
		return failure(req.ID, classify(err))
	}
	return result(req.ID, out)
}

func (d *Dispatcher) isTool(name string) bool {
	_, ok := d.tools.Lookup(name)
	return ok
}

// classify maps handler errors onto protocol errors.
func classify(err error) *Error {
	var rpcErr *Error
	var argErr *tools.ArgumentError
	var batchErr *batch.ValidationError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, tools.ErrUnknownTool):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.As(err, &batchErr):
		return &Error{
			Code:    CodeInvalidRequest,
			Message: batchErr.Error(),
			Data:    map[string]any{"violations": batchErr.ByTool()},
		}
	case errors.As(err, &argErr):
		return &Error{
			Code:    CodeInvalidRequest,
			Message: argErr.Error(),
			Data:    map[string]any{"tool": argErr.Tool},
		}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func (d *Dispatcher) initialize(params json.RawMessage, instructions string) (any, error) {
	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errorf(CodeInvalidRequest, "invalid initialize params: %v", err)
		}
	}
	v := protocolVersions[0]
	if slices.Contains(protocolVersions, p.ProtocolVersion) {
		v = p.ProtocolVersion
	}
	info := d.info
	return &mcp.InitializeResult{
		ProtocolVersion: v,
		ServerInfo:      &info,
		Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
		Instructions:    instructions,
	}, nil
}

func (d *Dispatcher) listTools(context.Context, json.RawMessage) (any, error) {
	return &mcp.ListToolsResult{Tools: d.tools.Descriptors()}, nil
}

func (d *Dispatcher) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, errorf(CodeInvalidRequest, "params are required")
	}
	var p mcp.CallToolParamsRaw
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorf(CodeInvalidRequest, "invalid params: %v", err)
	}
	if p.Name == "" {
		return nil, errorf(CodeInvalidRequest, "params.name is required")
	}
	args, err := decodeArguments(p.Arguments)
	if err != nil {
		return nil, err
	}
	return d.tools.Call(ctx, p.Name, tools.Invocation{Arguments: args})
}

// callDirect serves a tool invoked by its own name. Params may be the
// usual {name, arguments} pair or the arguments object itself.
func (d *Dispatcher) callDirect(ctx context.Context, name string, params json.RawMessage) (any, error) {
	args, err := decodeArguments(params)
	if err != nil {
		return nil, err
	}
	if inner, ok := args["arguments"].(map[string]any); ok {
		if n, named := args["name"].(string); !named || n == name {
			args = inner
		}
	}
	return d.tools.Call(ctx, name, tools.Invocation{Arguments: args})
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errorf(CodeInvalidRequest, "arguments must be an object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
