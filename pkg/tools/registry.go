package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/teslashibe/go-narrator/pkg/protocol"
)

// Registry dispatches function calls to tools.
type Registry struct {
	tools  map[Name]Tool
	order  []Name
	logger *slog.Logger
}

// NewRegistry builds a registry from tools. It fails unless every name in
// AllNames has exactly one tool with a handler.
func NewRegistry(tools []Tool, logger *slog.Logger) (*Registry, error) {
	if err := Check(tools); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[Name]Tool, len(tools)),
		logger: logger.With("component", "tools"),
	}
	for _, t := range tools {
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Get returns the tool named name.
func (r *Registry) Get(name Name) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in declaration order.
func (r *Registry) Names() []Name {
	return append([]Name(nil), r.order...)
}

// Declarations returns the function declarations sent at session setup.
func (r *Registry) Declarations() []protocol.FunctionDeclaration {
	out := make([]protocol.FunctionDeclaration, 0, len(r.order))
	for _, n := range r.order {
		t := r.tools[n]
		out = append(out, protocol.FunctionDeclaration{
			Name:        string(t.Name),
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// Declarations returns the declarations of the full tool set without
// binding any collaborators. The proxy uses it to configure sessions.
func Declarations() []protocol.FunctionDeclaration {
	r, err := NewRegistry(New(Deps{}), nil)
	if err != nil {
		panic(err)
	}
	return r.Declarations()
}

// Run executes a tool by name. Unknown names yield an "unknown tool"
// result and no error.
func (r *Registry) Run(ctx context.Context, name string, args map[string]interface{}) (res Result, err error) {
	t, ok := r.tools[Name(name)]
	if !ok {
		r.logger.Warn("unknown tool", "tool", name)
		return Result{"result": ResultUnknownTool}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()

	if args == nil {
		args = map[string]interface{}{}
	}
	r.logger.Info("running tool", "tool", name)
	return t.Handler(ctx, args)
}

// Dispatch runs call and always returns a response object.
func (r *Registry) Dispatch(ctx context.Context, call protocol.FunctionCall) map[string]interface{} {
	res, err := r.Run(ctx, call.Name, call.Args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", call.Name, "error", err)
		return Failure(err)
	}
	if res == nil {
		return Success()
	}
	return res
}
