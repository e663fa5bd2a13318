package projection

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// OpKind names a declarative fold operation.
type OpKind string

const (
	// OpSet writes the source value at Path.
	OpSet OpKind = "set"
	// OpAppend appends the source value to the array at Path.
	OpAppend OpKind = "append"
	// OpAdd adds the integer source value (times Times, if set) to the
	// integer at Path. A missing Path counts as 0.
	OpAdd OpKind = "add"
	// OpRemove deletes Path.
	OpRemove OpKind = "remove"
)

// Event fields available as From sources in addition to payload paths.
const (
	SourceAggregateID = "$aggregate_id"
	SourceVersion     = "$version"
	SourceType        = "$type"
)

// Op is one step of a declarative fold.
//
// Path is an sjson path into the state. The source is From, a gjson path
// into the payload (or one of the $ event fields), or the literal Value.
// gjson multipaths such as "{sku,quantity}" build objects from several
// payload fields.
type Op struct {
	Op    OpKind `yaml:"op" json:"op"`
	Path  string `yaml:"path" json:"path"`
	From  string `yaml:"from,omitempty" json:"from,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
	Times string `yaml:"times,omitempty" json:"times,omitempty"`
}

// CompileOps validates ops and returns a fold that applies them in order.
func CompileOps(eventType string, ops []Op) (FoldFunc, error) {
	compiled := make([]compiledOp, 0, len(ops))
	for i, op := range ops {
		c, err := compileOp(op)
		if err != nil {
			return nil, fault.Invalidf("%s op %d: %v", eventType, i, err)
		}
		compiled = append(compiled, c)
	}

	return func(state ir.Object, ev event.Event) (ir.Object, error) {
		doc, err := ir.MarshalCanonical(stateOrEmpty(state))
		if err != nil {
			return nil, err
		}
		payload, err := ir.MarshalCanonical(stateOrEmpty(ev.Payload))
		if err != nil {
			return nil, err
		}
		for i, c := range compiled {
			doc, err = c.apply(doc, payload, ev)
			if err != nil {
				return nil, fmt.Errorf("%s op %d (%s %s): %w", ev.Type, i, c.def.Op, c.def.Path, err)
			}
		}
		return ir.UnmarshalObject(doc)
	}, nil
}

// RegisterOps compiles ops and registers the result for eventType.
func (r *Registry) RegisterOps(eventType string, ops []Op) error {
	fold, err := CompileOps(eventType, ops)
	if err != nil {
		return err
	}
	return r.Register(eventType, fold)
}

type compiledOp struct {
	def     Op
	literal []byte
}

func compileOp(op Op) (compiledOp, error) {
	if op.Path == "" {
		return compiledOp{}, fmt.Errorf("path is required")
	}
	c := compiledOp{def: op}
	switch op.Op {
	case OpRemove:
		if op.From != "" || op.Value != nil {
			return compiledOp{}, fmt.Errorf("remove takes no source")
		}
		return c, nil
	case OpSet, OpAppend, OpAdd:
	default:
		return compiledOp{}, fmt.Errorf("unknown op %q", op.Op)
	}

	if (op.From == "") == (op.Value == nil) {
		return compiledOp{}, fmt.Errorf("exactly one of from and value is required")
	}
	if op.Times != "" && op.Op != OpAdd {
		return compiledOp{}, fmt.Errorf("times is only valid for add")
	}
	if op.Value != nil {
		v, err := ir.FromAny(op.Value)
		if err != nil {
			return compiledOp{}, fmt.Errorf("value: %w", err)
		}
		if _, ok := v.(ir.Int); op.Op == OpAdd && !ok {
			return compiledOp{}, fmt.Errorf("add needs an integer value")
		}
		c.literal, err = ir.MarshalCanonical(v)
		if err != nil {
			return compiledOp{}, fmt.Errorf("value: %w", err)
		}
	}
	return c, nil
}

func (c compiledOp) apply(doc, payload []byte, ev event.Event) ([]byte, error) {
	switch c.def.Op {
	case OpRemove:
		return sjson.DeleteBytes(doc, c.def.Path)
	case OpSet:
		raw, err := c.source(payload, ev)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(doc, c.def.Path, raw)
	case OpAppend:
		raw, err := c.source(payload, ev)
		if err != nil {
			return nil, err
		}
		if cur := gjson.GetBytes(doc, c.def.Path); cur.Exists() && !cur.IsArray() {
			return nil, fmt.Errorf("state path is not an array")
		}
		return sjson.SetRawBytes(doc, c.def.Path+".-1", raw)
	case OpAdd:
		raw, err := c.source(payload, ev)
		if err != nil {
			return nil, err
		}
		delta, err := integer(gjson.ParseBytes(raw), "source")
		if err != nil {
			return nil, err
		}
		if c.def.Times != "" {
			times, err := integer(gjson.GetBytes(payload, c.def.Times), "times")
			if err != nil {
				return nil, err
			}
			delta *= times
		}
		var current int64
		if cur := gjson.GetBytes(doc, c.def.Path); cur.Exists() {
			if current, err = integer(cur, "state"); err != nil {
				return nil, err
			}
		}
		return sjson.SetBytes(doc, c.def.Path, current+delta)
	}
	return nil, fmt.Errorf("unknown op %q", c.def.Op)
}

func (c compiledOp) source(payload []byte, ev event.Event) ([]byte, error) {
	if c.literal != nil {
		return c.literal, nil
	}
	switch c.def.From {
	case SourceAggregateID:
		return ir.MarshalCanonical(ir.String(ev.AggregateID))
	case SourceVersion:
		return ir.MarshalCanonical(ir.Int(ev.Version))
	case SourceType:
		return ir.MarshalCanonical(ir.String(ev.Type))
	}
	res := gjson.GetBytes(payload, c.def.From)
	if !res.Exists() {
		return nil, fmt.Errorf("payload has no %q", c.def.From)
	}
	return []byte(res.Raw), nil
}

func integer(res gjson.Result, what string) (int64, error) {
	if res.Type != gjson.Number || strings.ContainsAny(res.Raw, ".eE") {
		return 0, fmt.Errorf("%s is not an integer: %s", what, res.Raw)
	}
	return res.Int(), nil
}
