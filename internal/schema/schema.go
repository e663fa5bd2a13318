// Package schema validates event payloads against CUE schemas.
//
// A schema is CUE source describing the payload struct of one event type:
//
//	order_id: string
//	quantity: int & >0
//	note?:    string
//
// Payloads are encoded into CUE, unified with the schema and required to be
// concrete. Event types without a schema are accepted unchecked.
package schema

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// ValidationError reports a payload or schema that failed CUE checks.
type ValidationError struct {
	EventType string
	Message   string
	Pos       token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %d:%d: %s", e.EventType, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.EventType, e.Message)
}

// FaultCode implements fault.Coded.
func (e *ValidationError) FaultCode() fault.Code { return fault.Invalid }

// Registry holds compiled schemas keyed by event type.
//
// Thread-safety: safe for concurrent use. A cue.Context is not, so every
// CUE operation runs under the registry mutex.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// Register compiles source as the payload schema for eventType, replacing
// any previous schema.
func (r *Registry) Register(eventType, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileString(source, cue.Filename(eventType+".cue"))
	if err := v.Err(); err != nil {
		return formatCUEError(eventType, err)
	}
	if v.IncompleteKind() != cue.StructKind {
		return &ValidationError{EventType: eventType, Message: "schema must describe a struct"}
	}
	r.schemas[eventType] = v
	return nil
}

// Has reports whether eventType has a schema.
func (r *Registry) Has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Types returns the event types with schemas, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks payload against the schema for eventType.
func (r *Registry) Validate(eventType string, payload ir.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	data := r.ctx.Encode(ir.ToAny(payload))
	if err := data.Err(); err != nil {
		return formatCUEError(eventType, err)
	}
	if err := s.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(eventType, err)
	}
	return nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(eventType string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{EventType: eventType, Message: err.Error()}
	}
	first := errs[0]
	ve := &ValidationError{EventType: eventType, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
