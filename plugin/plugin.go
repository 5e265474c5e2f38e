// Package plugin carries calls from evaluated configuration code out to
// host-native functions.
//
// A program reaches a plugin by importing "plugin/<name>" and calling
// <name>.<fn>(args...). The engine encodes the arguments as JSON and hands
// them to the Agent supplied when the service handle was created. Agents are
// invoked synchronously on the evaluating goroutine and may be invoked from
// many goroutines at once; serializing a non-reentrant agent is the
// provider's job.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ImportPrefix is the import path prefix that marks a plugin package.
const ImportPrefix = "plugin/"

var (
	// ErrNoAgent is returned when evaluated code calls a plugin on a
	// handle created without one.
	ErrNoAgent = errors.New("no plugin agent configured")

	// ErrUnknownFunction is returned by Registry for unregistered methods.
	ErrUnknownFunction = errors.New("unknown plugin function")
)

// Agent is the plugin callback capability. method is the qualified
// function name ("hello.add"); args is a JSON array of positional
// arguments and kwargs a JSON object of keyword arguments. The result is
// the JSON encoding of the return value.
type Agent interface {
	Invoke(ctx context.Context, method, args, kwargs string) (string, error)
}

// Func adapts an ordinary function to Agent.
type Func func(ctx context.Context, method, args, kwargs string) (string, error)

func (f Func) Invoke(ctx context.Context, method, args, kwargs string) (string, error) {
	return f(ctx, method, args, kwargs)
}

// CallError wraps a failure reported by an agent.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Invoke calls agent and wraps any failure in a *CallError. A nil agent
// yields ErrNoAgent.
func Invoke(ctx context.Context, agent Agent, method string, args []any, kwargs map[string]any) (string, error) {
	if agent == nil {
		return "", &CallError{Method: method, Err: ErrNoAgent}
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", &CallError{Method: method, Err: err}
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", &CallError{Method: method, Err: err}
	}
	out, err := agent.Invoke(ctx, method, string(a), string(k))
	if err != nil {
		return "", &CallError{Method: method, Err: err}
	}
	if !json.Valid([]byte(out)) {
		return "", &CallError{Method: method, Err: fmt.Errorf("result is not JSON: %q", out)}
	}
	return out, nil
}

// Handler is a Go implementation of one plugin function. Numbers in args
// and kwargs arrive as json.Number.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry is an Agent backed by a table of Go handlers keyed by qualified
// function name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Handler)}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, fn Handler) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Agent.
func (r *Registry) Invoke(ctx context.Context, method, args, kwargs string) (string, error) {
	fn, ok := r.Get(method)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFunction, method)
	}

	var positional []any
	if err := decodeJSON(args, &positional); err != nil {
		return "", fmt.Errorf("decoding args: %w", err)
	}
	keyword := map[string]any{}
	if err := decodeJSON(kwargs, &keyword); err != nil {
		return "", fmt.Errorf("decoding kwargs: %w", err)
	}

	result, err := fn(ctx, positional, keyword)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}

func decodeJSON(s string, v any) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}
