package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Handler is the step handler capability consumed by the engine. A handler
// receives a read-only view of the state plus the node's opaque config, and
// returns a partial state update. Side effects (model calls, tools) are the
// handler's own responsibility; from the engine's perspective it is a pure
// function of its inputs.
type Handler interface {
	Execute(ctx context.Context, state StateView, config map[string]any) (HandlerResult, error)
}

// HandlerResult is the output of one handler execution.
type HandlerResult struct {
	// Update is the partial state update to merge.
	Update Update

	// Next optionally overrides edge-based routing with an explicit next
	// node (or End). Empty defers to the node's outgoing edges.
	Next string

	// Meta carries free-form execution metadata, surfaced in events.
	Meta map[string]any
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, state StateView, config map[string]any) (HandlerResult, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, state StateView, config map[string]any) (HandlerResult, error) {
	return f(ctx, state, config)
}

// HandlerTemplate builds a handler from the argument part of a templated
// reference. A reference "family:arg" resolves through the template
// registered for "family" with arg passed through.
type HandlerTemplate func(arg string) (Handler, error)

// ResolveTier names the registry tier that satisfied a lookup.
type ResolveTier string

const (
	TierExplicit ResolveTier = "explicit"
	TierType     ResolveTier = "type"
	TierTemplate ResolveTier = "template"
	TierBuiltin  ResolveTier = "builtin"
	TierFallback ResolveTier = "fallback"
)

// StepRegistry resolves handler references through a fixed tier order:
//
//	explicit -> type -> template -> builtin -> fallback
//
// The explicit tier has highest priority so call sites (tests, experiments)
// can override behavior locally without touching broader registration,
// while the later tiers guarantee a deterministic default. Resolution
// happens once, at compile time; handlers are never re-resolved per call.
type StepRegistry struct {
	mu        sync.RWMutex
	explicit  map[string]Handler
	types     map[string]Handler
	templates map[string]HandlerTemplate
	builtins  map[string]Handler
	fallback  Handler
}

// NewStepRegistry creates a registry with the builtin handlers installed:
//
//   - "passthrough": returns an empty update
//   - "fail": always returns an error (useful as an explicit-failure
//     fallback)
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		explicit:  make(map[string]Handler),
		types:     make(map[string]Handler),
		templates: make(map[string]HandlerTemplate),
		builtins: map[string]Handler{
			"passthrough": HandlerFunc(func(context.Context, StateView, map[string]any) (HandlerResult, error) {
				return HandlerResult{}, nil
			}),
			"fail": HandlerFunc(func(_ context.Context, state StateView, _ map[string]any) (HandlerResult, error) {
				return HandlerResult{}, errors.New("no handler registered for node " + state.CurrentNode())
			}),
		},
	}
}

// Register binds a handler reference in the explicit tier.
func (r *StepRegistry) Register(name string, h Handler) error {
	if name == "" {
		return &EngineError{Message: "handler name cannot be empty", Code: "EMPTY_HANDLER_NAME"}
	}
	if h == nil {
		return &EngineError{Message: "handler cannot be nil", Code: "NIL_HANDLER"}
	}
	r.mu.Lock()
	r.explicit[name] = h
	r.mu.Unlock()
	return nil
}

// RegisterType binds a handler for every node declaring the given type.
func (r *StepRegistry) RegisterType(nodeType string, h Handler) error {
	if nodeType == "" {
		return &EngineError{Message: "node type cannot be empty", Code: "EMPTY_NODE_TYPE"}
	}
	if h == nil {
		return &EngineError{Message: "handler cannot be nil", Code: "NIL_HANDLER"}
	}
	r.mu.Lock()
	r.types[nodeType] = h
	r.mu.Unlock()
	return nil
}

// RegisterTemplate binds a parameterized handler family. References of the
// form "family:arg" resolve through the family's template.
func (r *StepRegistry) RegisterTemplate(family string, t HandlerTemplate) error {
	if family == "" {
		return &EngineError{Message: "template family cannot be empty", Code: "EMPTY_TEMPLATE_FAMILY"}
	}
	if t == nil {
		return &EngineError{Message: "template cannot be nil", Code: "NIL_TEMPLATE"}
	}
	r.mu.Lock()
	r.templates[family] = t
	r.mu.Unlock()
	return nil
}

// SetFallback installs the handler used when every tier misses. With no
// fallback, unresolved references fail compilation.
func (r *StepRegistry) SetFallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Resolve looks up the handler for a node spec, returning the handler and
// the tier that satisfied the lookup. The tier lets the compiler warn when
// the fallback was used.
func (r *StepRegistry) Resolve(spec NodeSpec) (Handler, ResolveTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.explicit[spec.Handler]; ok {
		return h, TierExplicit, nil
	}
	if spec.Type != "" {
		if h, ok := r.types[spec.Type]; ok {
			return h, TierType, nil
		}
	}
	if family, arg, ok := strings.Cut(spec.Handler, ":"); ok {
		if t, exists := r.templates[family]; exists {
			h, err := t(arg)
			if err != nil {
				return nil, TierTemplate, fmt.Errorf("template %q: %w", family, err)
			}
			return h, TierTemplate, nil
		}
	}
	if h, ok := r.builtins[spec.Handler]; ok {
		return h, TierBuiltin, nil
	}
	if r.fallback != nil {
		return r.fallback, TierFallback, nil
	}
	return nil, "", &UnresolvedHandlerError{Node: spec.Name, Handler: spec.Handler}
}
