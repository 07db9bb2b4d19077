// Package tools manages the functions a session exposes to the model:
// registration, declaration payloads for the setup message, and validated
// invocation with panic recovery.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/metrics"
)

var (
	// ErrNotFound is returned when a call names an unregistered tool.
	ErrNotFound = errors.New("tool not found")
	// ErrInvalidArgs is returned when call arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Handler executes one tool call. Arguments arrive as the raw JSON object
// from the model; the returned JSON becomes the tool response output.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Declaration describes one tool to the model. Parameters is a JSON Schema
// object for the tool's arguments; nil means the tool takes none.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type entry struct {
	decl    Declaration
	schema  *gojsonschema.Schema
	handler Handler
}

// Registry holds the registered tools for a session. Safe for concurrent
// use; registration typically happens before connecting, invocation after.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. The parameter schema is compiled eagerly so a broken
// schema fails at registration rather than on the first call. Re-registering
// a name replaces the previous tool.
func (r *Registry) Register(decl Declaration, handler Handler) error {
	if decl.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: nil handler", decl.Name)
	}

	var schema *gojsonschema.Schema
	if len(decl.Parameters) > 0 {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(decl.Parameters))
		if err != nil {
			return fmt.Errorf("tool %q: compiling parameter schema: %w", decl.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[decl.Name]; !exists {
		r.order = append(r.order, decl.Name)
	}
	r.entries[decl.Name] = &entry{decl: decl, schema: schema, handler: handler}
	return nil
}

// Declarations returns the registered tools in registration order, for
// embedding in the session setup message.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.entries[name].decl)
	}
	return decls
}

// Invoke runs the named tool with the given arguments. Arguments are
// validated against the tool's parameter schema before the handler runs, and
// a panicking handler is recovered and reported as an error.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	output, err := safeInvoke(ctx, e.handler, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordToolCall(name, status, time.Since(start).Seconds())
	return output, err
}

func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidArgs, formatValidationErrors(result))
	}
	return nil
}

func formatValidationErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, resErr := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += resErr.String()
	}
	return msg
}

func safeInvoke(ctx context.Context, handler Handler, args json.RawMessage) (output json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool handler panicked", "panic", rec)
			output = nil
			err = fmt.Errorf("tool handler panicked: %v", rec)
		}
	}()
	return handler(ctx, args)
}
