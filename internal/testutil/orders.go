package testutil

import (
	"fmt"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
)

// Order event types used across package tests.
const (
	OrderCreated   = "ORDER.CREATED"
	OrderItemAdded = "ORDER.ITEM_ADDED"
	OrderShipped   = "ORDER.SHIPPED"
)

// Fold has the shape of projection.FoldFunc; the values in OrderFolds can
// be passed to Registry.Register directly.
type Fold = func(state ir.Object, ev event.Event) (ir.Object, error)

// OrderFolds returns folds for a small order aggregate:
//
//	ORDER.CREATED     {customer}             -> {order_id, customer, items: [], total: 0, shipped: false}
//	ORDER.ITEM_ADDED  {sku, quantity, price} -> items += item; total += quantity*price
//	ORDER.SHIPPED     {}                     -> shipped: true
func OrderFolds() map[string]Fold {
	return map[string]Fold{
		OrderCreated:   foldCreated,
		OrderItemAdded: foldItemAdded,
		OrderShipped:   foldShipped,
	}
}

func foldCreated(state ir.Object, ev event.Event) (ir.Object, error) {
	state["order_id"] = ir.String(ev.AggregateID)
	state["customer"] = ev.Payload["customer"]
	state["items"] = ir.Array{}
	state["total"] = ir.Int(0)
	state["shipped"] = ir.Bool(false)
	return state, nil
}

func foldItemAdded(state ir.Object, ev event.Event) (ir.Object, error) {
	qty, ok := ev.Payload["quantity"].(ir.Int)
	if !ok {
		return nil, fmt.Errorf("%s: quantity must be an integer", ev.Type)
	}
	price, _ := ev.Payload["price"].(ir.Int)
	items, _ := state["items"].(ir.Array)
	state["items"] = append(items, ir.Object{
		"sku":      ev.Payload["sku"],
		"quantity": qty,
		"price":    price,
	})
	total, _ := state["total"].(ir.Int)
	state["total"] = total + qty*price
	return state, nil
}

func foldShipped(state ir.Object, _ event.Event) (ir.Object, error) {
	state["shipped"] = ir.Bool(true)
	return state, nil
}

// CreatedPayload builds an ORDER.CREATED payload.
func CreatedPayload(customer string) ir.Object {
	return ir.Object{"customer": ir.String(customer)}
}

// ItemPayload builds an ORDER.ITEM_ADDED payload.
func ItemPayload(sku string, quantity, price int64) ir.Object {
	return ir.Object{"sku": ir.String(sku), "quantity": ir.Int(quantity), "price": ir.Int(price)}
}

// ShippedPayload builds an ORDER.SHIPPED payload.
func ShippedPayload() ir.Object {
	return ir.Object{}
}
