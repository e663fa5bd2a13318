package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/testutil"
)

func declarativeOrders(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterOps(testutil.OrderCreated, []Op{
		{Op: OpSet, Path: "order_id", From: SourceAggregateID},
		{Op: OpSet, Path: "customer", From: "customer"},
		{Op: OpSet, Path: "items", Value: []any{}},
		{Op: OpSet, Path: "total", Value: 0},
		{Op: OpSet, Path: "shipped", Value: false},
	}))
	require.NoError(t, reg.RegisterOps(testutil.OrderItemAdded, []Op{
		{Op: OpAppend, Path: "items", From: "{sku,quantity,price}"},
		{Op: OpAdd, Path: "total", From: "quantity", Times: "price"},
	}))
	require.NoError(t, reg.RegisterOps(testutil.OrderShipped, []Op{
		{Op: OpSet, Path: "shipped", Value: true},
	}))
	return reg
}

func TestDeclarative_MatchesCodeFolds(t *testing.T) {
	state, err := Project(declarativeOrders(t), nil, order42())
	require.NoError(t, err)
	assert.True(t, ir.Equal(order42State(), state), "got %s", ir.MustMarshalCanonical(state))
}

func TestDeclarative_RemoveAndVersion(t *testing.T) {
	fold, err := CompileOps("ORDER.ARCHIVED", []Op{
		{Op: OpRemove, Path: "items"},
		{Op: OpSet, Path: "meta.archived_at", From: SourceVersion},
		{Op: OpAdd, Path: "meta.archives", Value: 1},
	})
	require.NoError(t, err)

	out, err := fold(order42State(), orderEvent("order-42", 4, "ORDER.ARCHIVED", nil))
	require.NoError(t, err)
	_, hasItems := out["items"]
	assert.False(t, hasItems)
	assert.Equal(t, ir.Object{"archived_at": ir.Int(4), "archives": ir.Int(1)}, out["meta"])
}

func TestDeclarative_RuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		ops     []Op
		payload ir.Object
		want    string
	}{
		{"missing payload path", []Op{{Op: OpSet, Path: "x", From: "nope"}}, ir.Object{}, `payload has no "nope"`},
		{"add non-integer", []Op{{Op: OpAdd, Path: "total", From: "sku"}}, testutil.ItemPayload("A", 1, 1), "not an integer"},
		{"append to scalar", []Op{{Op: OpAppend, Path: "total", Value: 1}}, ir.Object{}, "not an array"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fold, err := CompileOps("ORDER.TEST", tt.ops)
			require.NoError(t, err)
			_, err = fold(ir.Object{"total": ir.Int(1)}, orderEvent("o", 1, "ORDER.TEST", tt.payload))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestCompileOps_Validation(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"no path", Op{Op: OpSet, Value: 1}},
		{"unknown op", Op{Op: "merge", Path: "x", Value: 1}},
		{"no source", Op{Op: OpSet, Path: "x"}},
		{"two sources", Op{Op: OpSet, Path: "x", From: "a", Value: 1}},
		{"times on set", Op{Op: OpSet, Path: "x", From: "a", Times: "b"}},
		{"remove with source", Op{Op: OpRemove, Path: "x", From: "a"}},
		{"float value", Op{Op: OpSet, Path: "x", Value: 1.5}},
		{"add string", Op{Op: OpAdd, Path: "x", Value: "one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileOps("ORDER.TEST", []Op{tt.op})
			assert.True(t, fault.IsInvalid(err), "got %v", err)
		})
	}
}
