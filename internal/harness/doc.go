// Package harness runs event-store scenarios as executable contract tests.
//
// A scenario appends events to a fresh store, replays them, optionally
// replays them again with what-if modifications, and asserts on the
// resulting trace and final states.
//
// # Scenario Format
//
//	name: order_42
//	description: "What this scenario validates"
//	projections: orders.yaml
//	events:
//	  - type: ORDER.CREATED
//	    aggregate_type: order
//	    aggregate_id: order-42
//	    expected_version: 0
//	    payload: { customer: ada }
//	  - type: ORDER.SHIPPED
//	    aggregate_type: order
//	    aggregate_id: order-42
//	    expected_version: 0
//	    payload: {}
//	    expect_error: CONCURRENCY_CONFLICT
//	replays:
//	  - name: forward
//	    mode: forward
//	    interactive: true
//	    scope: { aggregate_id: order-42 }
//	whatif:
//	  scope: { aggregate_id: order-42 }
//	  modifications:
//	    - aggregate_id: order-42
//	      version: 2
//	      ops: [{ op: set, path: quantity, value: 5 }]
//	assertions:
//	  - type: trace_order
//	    event_types: [ORDER.CREATED, ORDER.SHIPPED]
//	  - type: final_state
//	    aggregate_id: order-42
//	    expect: { shipped: true, items.0.sku: A-1 }
//
// The projections path is relative to the scenario file.
//
// # Assertion Types
//
//   - trace_contains: a replay step applied an event of the given type
//   - trace_order: event types were applied in the given order
//   - trace_count: an event type was applied exactly N times
//   - final_state: gjson paths of an aggregate's final state have the given values
//   - step_diff: a replay step changed exactly the given paths
//   - divergence: the what-if run diverged at a step, changing the given paths
//
// Trace assertions look at the replay named by the assertion's replay
// field, or at every replay when it is empty. State assertions default to
// the last replay.
//
// # Deterministic Testing
//
// Every scenario runs against its own SQLite file in a temporary
// directory, with a testutil.DeterministicClock and sequential event and
// session ids, so traces are identical across runs and can be compared
// against golden files.
package harness
