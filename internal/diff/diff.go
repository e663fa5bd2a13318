// Package diff computes structural differences between aggregate states.
package diff

import (
	"strconv"
	"strings"

	"github.com/roach88/rewind/internal/ir"
)

// ChangeType classifies a change at one path.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Change is a difference at a single leaf path. Paths use gjson syntax:
// object keys and array indexes joined by dots, e.g. "items.0.quantity".
type Change struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
	Old  ir.Value   `json:"old,omitempty"`
	New  ir.Value   `json:"new,omitempty"`
}

// Result is the difference between two states, in traversal order (object
// keys in canonical order, array elements by index).
type Result struct {
	Changes       []Change `json:"changes"`
	TotalAdded    int      `json:"total_added"`
	TotalModified int      `json:"total_modified"`
	TotalDeleted  int      `json:"total_deleted"`
}

// Magnitude summarizes how far two states are apart.
type Magnitude struct {
	ChangedPaths int `json:"changed_paths"`
	// NumericDelta sums |new-old| over integer leaves; an added or deleted
	// integer counts as its absolute value.
	NumericDelta int64 `json:"numeric_delta"`
}

// States diffs from against to. Nil states are treated as empty.
func States(from, to ir.Object) Result {
	r := Result{Changes: []Change{}}
	walk(&r, "", orEmpty(from), orEmpty(to))
	return r
}

// Empty reports whether the states were equal.
func (r Result) Empty() bool { return len(r.Changes) == 0 }

// Paths returns the changed paths in order.
func (r Result) Paths() []string {
	paths := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		paths[i] = c.Path
	}
	return paths
}

// Magnitude returns the size of the difference.
func (r Result) Magnitude() Magnitude {
	m := Magnitude{ChangedPaths: len(r.Changes)}
	for _, c := range r.Changes {
		oldN, oldOK := c.Old.(ir.Int)
		newN, newOK := c.New.(ir.Int)
		switch {
		case oldOK && newOK:
			m.NumericDelta += abs(int64(newN - oldN))
		case oldOK && c.New == nil:
			m.NumericDelta += abs(int64(oldN))
		case newOK && c.Old == nil:
			m.NumericDelta += abs(int64(newN))
		}
	}
	return m
}

func walk(r *Result, path string, from, to ir.Value) {
	switch f := from.(type) {
	case ir.Object:
		if t, ok := to.(ir.Object); ok {
			walkObject(r, path, f, t)
			return
		}
	case ir.Array:
		if t, ok := to.(ir.Array); ok {
			walkArray(r, path, f, t)
			return
		}
	}
	if !ir.Equal(from, to) {
		r.add(Change{Path: path, Type: ChangeModified, Old: from, New: to})
	}
}

func walkObject(r *Result, path string, from, to ir.Object) {
	keys := make(ir.Object, len(from)+len(to))
	for k := range from {
		keys[k] = nil
	}
	for k := range to {
		keys[k] = nil
	}
	for _, k := range keys.SortedKeys() {
		child := join(path, escape(k))
		f, inFrom := from[k]
		t, inTo := to[k]
		switch {
		case !inFrom:
			r.add(Change{Path: child, Type: ChangeAdded, New: t})
		case !inTo:
			r.add(Change{Path: child, Type: ChangeDeleted, Old: f})
		default:
			walk(r, child, f, t)
		}
	}
}

func walkArray(r *Result, path string, from, to ir.Array) {
	n := max(len(from), len(to))
	for i := 0; i < n; i++ {
		child := join(path, strconv.Itoa(i))
		switch {
		case i >= len(from):
			r.add(Change{Path: child, Type: ChangeAdded, New: to[i]})
		case i >= len(to):
			r.add(Change{Path: child, Type: ChangeDeleted, Old: from[i]})
		default:
			walk(r, child, from[i], to[i])
		}
	}
}

func (r *Result) add(c Change) {
	if c.Path == "" {
		c.Path = "@this"
	}
	r.Changes = append(r.Changes, c)
	switch c.Type {
	case ChangeAdded:
		r.TotalAdded++
	case ChangeModified:
		r.TotalModified++
	case ChangeDeleted:
		r.TotalDeleted++
	}
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`)

// escape makes k usable as one gjson path component.
func escape(k string) string { return pathEscaper.Replace(k) }

func join(path, component string) string {
	if path == "" {
		return component
	}
	return path + "." + component
}

func orEmpty(o ir.Object) ir.Object {
	if o == nil {
		return ir.Object{}
	}
	return o
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
