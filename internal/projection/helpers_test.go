package projection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/testutil"
)

func orderRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	reg := NewRegistry(opts...)
	for typ, fold := range testutil.OrderFolds() {
		require.NoError(t, reg.Register(typ, fold))
	}
	return reg
}

func orderEvent(aggregateID string, version int64, typ string, payload ir.Object) event.Event {
	return event.Event{
		ID:            aggregateID + "-" + typ,
		Seq:           version,
		Type:          typ,
		AggregateType: "order",
		AggregateID:   aggregateID,
		Version:       version,
		Payload:       payload,
		Metadata:      event.Metadata{SchemaVersion: 1},
	}
}

// order42 is created, one item (qty 2 x 50) and shipped.
func order42() []event.Event {
	return []event.Event{
		orderEvent("order-42", 1, testutil.OrderCreated, testutil.CreatedPayload("ada")),
		orderEvent("order-42", 2, testutil.OrderItemAdded, testutil.ItemPayload("A-1", 2, 50)),
		orderEvent("order-42", 3, testutil.OrderShipped, testutil.ShippedPayload()),
	}
}

func order42State() ir.Object {
	return ir.Object{
		"order_id": ir.String("order-42"),
		"customer": ir.String("ada"),
		"items": ir.Array{ir.Object{
			"sku": ir.String("A-1"), "quantity": ir.Int(2), "price": ir.Int(50),
		}},
		"total":   ir.Int(100),
		"shipped": ir.Bool(true),
	}
}
