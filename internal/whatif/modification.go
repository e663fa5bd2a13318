package whatif

import (
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// OpKind names a payload patch operation.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpRemove OpKind = "remove"
)

// PatchOp changes one payload path. Path uses sjson syntax
// ("quantity", "lines.0.sku", "tags.-1" to append).
type PatchOp struct {
	Op    OpKind `json:"op" yaml:"op"`
	Path  string `json:"path" yaml:"path"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Modification patches the payload of one event while it is folded. The
// event is named by EventID or by AggregateID and Version.
type Modification struct {
	EventID     string    `json:"event_id,omitempty" yaml:"event_id,omitempty"`
	AggregateID string    `json:"aggregate_id,omitempty" yaml:"aggregate_id,omitempty"`
	Version     int64     `json:"version,omitempty" yaml:"version,omitempty"`
	Ops         []PatchOp `json:"ops" yaml:"ops"`
}

// Validate checks that m names one event and that its ops are well formed.
func (m Modification) Validate() error {
	byID := m.EventID != ""
	byVersion := m.AggregateID != "" || m.Version != 0
	switch {
	case byID && byVersion:
		return fault.Invalidf("modification names an event by id and by version")
	case !byID && (m.AggregateID == "" || m.Version <= 0):
		return fault.Invalidf("modification needs an event id or an aggregate id and version")
	case len(m.Ops) == 0:
		return fault.Invalidf("modification of %s has no ops", m.target())
	}
	for i, op := range m.Ops {
		if op.Path == "" {
			return fault.Invalidf("modification of %s op %d: empty path", m.target(), i)
		}
		switch op.Op {
		case OpSet:
			if _, err := ir.FromAny(op.Value); err != nil {
				return fault.Invalidf("modification of %s op %d: %v", m.target(), i, err)
			}
		case OpRemove:
			if op.Value != nil {
				return fault.Invalidf("modification of %s op %d: remove takes no value", m.target(), i)
			}
		default:
			return fault.Invalidf("modification of %s op %d: unknown op %q", m.target(), i, op.Op)
		}
	}
	return nil
}

func (m Modification) target() string {
	if m.EventID != "" {
		return m.EventID
	}
	return fmt.Sprintf("%s/v%d", m.AggregateID, m.Version)
}

// Matches reports whether m applies to ev.
func (m Modification) Matches(ev event.Event) bool {
	if m.EventID != "" {
		return ev.ID == m.EventID
	}
	return ev.AggregateID == m.AggregateID && ev.Version == m.Version
}

// Apply returns a patched copy of payload.
func (m Modification) Apply(payload ir.Object) (ir.Object, error) {
	if payload == nil {
		payload = ir.Object{}
	}
	doc, err := ir.MarshalCanonical(payload)
	if err != nil {
		return nil, err
	}
	for i, op := range m.Ops {
		switch op.Op {
		case OpSet:
			v, err := ir.FromAny(op.Value)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			raw, err := ir.MarshalCanonical(v)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			doc, err = sjson.SetRawBytes(doc, op.Path, raw)
			if err != nil {
				return nil, fmt.Errorf("op %d: set %s: %w", i, op.Path, err)
			}
		case OpRemove:
			doc, err = sjson.DeleteBytes(doc, op.Path)
			if err != nil {
				return nil, fmt.Errorf("op %d: remove %s: %w", i, op.Path, err)
			}
		default:
			return nil, fault.Invalidf("op %d: unknown op %q", i, op.Op)
		}
	}
	return ir.UnmarshalObject(doc)
}
