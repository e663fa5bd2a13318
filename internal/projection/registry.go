package projection

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// FoldFunc applies one event to an aggregate's state and returns the new
// state. It receives a private copy of the state and may modify it.
type FoldFunc func(state ir.Object, ev event.Event) (ir.Object, error)

var (
	// ErrDuplicateFold is returned when a type is registered twice.
	ErrDuplicateFold = errors.New("fold already registered")

	// ErrNondeterministicFold is returned when the determinism probe sees a
	// fold produce two different results for the same input.
	ErrNondeterministicFold = errors.New("fold is not deterministic")
)

// UnknownEventTypeError reports an event with no registered fold.
type UnknownEventTypeError struct {
	EventType string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("no fold registered for event type %q", e.EventType)
}

// FaultCode implements fault.Coded.
func (e *UnknownEventTypeError) FaultCode() fault.Code { return fault.UnknownEventType }

// IsUnknownEventType reports whether err is an *UnknownEventTypeError.
func IsUnknownEventType(err error) bool {
	var ue *UnknownEventTypeError
	return errors.As(err, &ue)
}

// Registry maps event types to folds.
//
// Thread-safety: Register and Apply may be called concurrently.
type Registry struct {
	mu      sync.RWMutex
	folds   map[string]FoldFunc
	probe   bool
	samples map[string]ir.Object
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDeterminismProbe enables the determinism probe regardless of build tags.
func WithDeterminismProbe() RegistryOption {
	return func(r *Registry) { r.probe = true }
}

// WithProbeSamples supplies probe payloads per event type. Types without a
// sample are probed with an empty payload.
func WithProbeSamples(samples map[string]ir.Object) RegistryOption {
	return func(r *Registry) {
		for t, p := range samples {
			r.samples[t] = p.Clone()
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		folds:   make(map[string]FoldFunc),
		probe:   probeByDefault,
		samples: make(map[string]ir.Object),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the fold for eventType.
func (r *Registry) Register(eventType string, fold FoldFunc) error {
	if err := event.ValidateType(eventType); err != nil {
		return fmt.Errorf("register fold: %w", err)
	}
	if fold == nil {
		return fault.Invalidf("register fold %s: nil fold", eventType)
	}
	if r.probe {
		if err := r.checkDeterministic(eventType, fold); err != nil {
			return fmt.Errorf("register fold %s: %w", eventType, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.folds[eventType]; ok {
		return fmt.Errorf("register fold %s: %w", eventType, ErrDuplicateFold)
	}
	r.folds[eventType] = fold
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(eventType string, fold FoldFunc) {
	if err := r.Register(eventType, fold); err != nil {
		panic(err)
	}
}

// Lookup returns the fold for eventType.
func (r *Registry) Lookup(eventType string) (FoldFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.folds[eventType]
	return f, ok
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.folds))
	for t := range r.folds {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Require fails with an *UnknownEventTypeError for the first of types
// that has no fold. Call it at startup with every type the log may contain.
func (r *Registry) Require(types ...string) error {
	sorted := slices.Clone(types)
	sort.Strings(sorted)
	for _, t := range sorted {
		if _, ok := r.Lookup(t); !ok {
			return &UnknownEventTypeError{EventType: t}
		}
	}
	return nil
}

// Apply folds ev into a copy of state. state is not modified.
func (r *Registry) Apply(state ir.Object, ev event.Event) (ir.Object, error) {
	fold, ok := r.Lookup(ev.Type)
	if !ok {
		return nil, &UnknownEventTypeError{EventType: ev.Type}
	}
	next, err := fold(cloneState(state), ev.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = ir.Object{}
	}
	return next, nil
}

// checkDeterministic runs fold twice on the same probe input and compares
// canonical outputs, including error text.
func (r *Registry) checkDeterministic(eventType string, fold FoldFunc) error {
	r.mu.RLock()
	payload := r.samples[eventType]
	r.mu.RUnlock()
	if payload == nil {
		payload = ir.Object{}
	}
	probe := event.Event{
		ID:            "probe",
		Seq:           1,
		Type:          eventType,
		AggregateType: "probe",
		AggregateID:   "probe-1",
		Version:       1,
		Payload:       payload,
		Metadata:      event.Metadata{SchemaVersion: 1},
		OccurredAt:    time.Unix(0, 0).UTC(),
	}

	run := func() ([]byte, string) {
		out, err := fold(ir.Object{}, probe.Clone())
		if err != nil {
			return nil, err.Error()
		}
		data, err := ir.MarshalCanonical(stateOrEmpty(out))
		if err != nil {
			return nil, err.Error()
		}
		return data, ""
	}
	first, firstErr := run()
	time.Sleep(time.Millisecond) // let clock-dependent folds observe a different instant
	second, secondErr := run()
	if firstErr != secondErr || !bytes.Equal(first, second) {
		return ErrNondeterministicFold
	}
	return nil
}

func cloneState(state ir.Object) ir.Object {
	if state == nil {
		return ir.Object{}
	}
	return state.Clone()
}

func stateOrEmpty(state ir.Object) ir.Object {
	if state == nil {
		return ir.Object{}
	}
	return state
}
