// Package tools implements the fixed read-only tool set available to the
// agent. Tool kinds are a closed enum dispatched through a handler
// interface, so the security-relevant set is exhaustively known at compile
// time rather than discovered through a string-keyed table.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the known tool kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindRead
	KindGlob
	KindGrep
)

// Canonical tool names as they appear on the wire and in allowlists.
const (
	NameRead = "Read"
	NameGlob = "Glob"
	NameGrep = "Grep"
)

// invokeTimeout caps any single tool invocation.
const invokeTimeout = 30 * time.Second

// KindOf maps a wire name to its kind. Unknown names map to KindUnknown.
func KindOf(name string) Kind {
	switch name {
	case NameRead:
		return KindRead
	case NameGlob:
		return KindGlob
	case NameGrep:
		return KindGrep
	default:
		return KindUnknown
	}
}

// Name returns the canonical wire name of a kind.
func (k Kind) Name() string {
	switch k {
	case KindRead:
		return NameRead
	case KindGlob:
		return NameGlob
	case KindGrep:
		return NameGrep
	default:
		return "unknown"
	}
}

// Result is the structured outcome of a tool invocation. Failures are
// reported in-band via IsError so one failing tool never aborts the
// surrounding agent turn.
type Result struct {
	Output  string
	IsError bool
}

// Handler executes one tool kind against its JSON-encoded input.
type Handler interface {
	Kind() Kind
	Definition() Definition
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// Definition describes a tool to the LLM provider.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Registry holds the handlers for the closed tool set.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry builds the registry of read-only tools rooted at dir.
func NewRegistry(dir string) *Registry {
	r := &Registry{handlers: make(map[Kind]Handler)}
	for _, h := range []Handler{
		&readHandler{root: dir},
		&globHandler{root: dir},
		&grepHandler{root: dir},
	} {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Definitions returns provider-facing definitions for the named tools,
// skipping names that do not resolve to a known kind.
func (r *Registry) Definitions(names []string) []Definition {
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if h, ok := r.handlers[KindOf(name)]; ok {
			defs = append(defs, h.Definition())
		}
	}
	return defs
}

// Invoke runs the named tool under the invocation timeout. Unknown names
// and handler failures come back as error results, not errors.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) Result {
	h, ok := r.handlers[KindOf(name)]
	if !ok {
		return Result{Output: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	out, err := h.Run(ctx, input)
	if err != nil {
		return Result{Output: err.Error(), IsError: true}
	}
	return Result{Output: out}
}
