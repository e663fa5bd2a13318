package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
)

// eventColumns is the column list every event query selects, in scan order.
const eventColumns = `e.seq, e.id, e.event_type, e.aggregate_type, e.aggregate_id, e.aggregate_version,
	e.payload, e.correlation_id, e.causation_id, e.source, e.schema_version, e.tags, e.occurred_at`

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (event.Event, error) {
	var (
		ev         event.Event
		payload    string
		tags       string
		occurredAt int64
	)
	err := sc.Scan(
		&ev.Seq, &ev.ID, &ev.Type, &ev.AggregateType, &ev.AggregateID, &ev.Version,
		&payload, &ev.Metadata.CorrelationID, &ev.Metadata.CausationID, &ev.Metadata.Source,
		&ev.Metadata.SchemaVersion, &tags, &occurredAt,
	)
	if err != nil {
		return event.Event{}, err
	}

	ev.Payload, err = unmarshalPayload(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("event seq %d: %w", ev.Seq, err)
	}
	ev.Tags, err = unmarshalTags(tags)
	if err != nil {
		return event.Event{}, fmt.Errorf("event seq %d: %w", ev.Seq, err)
	}
	ev.OccurredAt = time.UnixMilli(occurredAt).UTC()
	return ev, nil
}

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(payload ir.Object) (string, error) {
	if payload == nil {
		payload = ir.Object{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	obj, err := ir.UnmarshalObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// marshalTags encodes tags as a JSON object. encoding/json sorts map keys,
// so the stored text is deterministic.
func marshalTags(tags event.Tags) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(tags))
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

func unmarshalTags(data string) (event.Tags, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var tags event.Tags
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

// sortedTagKeys returns tag keys in a stable order for index inserts.
func sortedTagKeys(tags event.Tags) []string {
	return slices.Sorted(maps.Keys(tags))
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }
