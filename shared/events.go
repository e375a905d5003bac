package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Table string

const (
	TableUsageRecords     Table = "usage_records"
	TableHistoryEntries   Table = "history_entries"
	TableBlacklistEntries Table = "blacklist_entries"
)

var AllTables = []Table{TableUsageRecords, TableHistoryEntries, TableBlacklistEntries}

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
	// ChangeSnapshot carries a row obtained by a direct read rather than a write.
	ChangeSnapshot ChangeOp = "snapshot"
)

// ChangeEvent is a row level notification. Address is set for rows that belong to a single
// network address so that subscribers can filter on it.
type ChangeEvent struct {
	Id         string          `json:"id"`
	Table      Table           `json:"table"`
	Op         ChangeOp        `json:"op"`
	Address    string          `json:"address,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewChangeEvent(table Table, op ChangeOp, address string, before, after any) (ChangeEvent, error) {
	evt := ChangeEvent{
		Id:         uuid.Must(uuid.NewRandom()).String(),
		Table:      table,
		Op:         op,
		Address:    address,
		OccurredAt: time.Now().UTC(),
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to marshal before image: %w", err)
		}
		evt.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to marshal after image: %w", err)
		}
		evt.After = b
	}
	return evt, nil
}

// SnapshotEvent wraps a directly read usage record so it can be applied like any other event.
func SnapshotEvent(address string, record *UsageRecord) ChangeEvent {
	evt := ChangeEvent{
		Table:      TableUsageRecords,
		Op:         ChangeSnapshot,
		Address:    address,
		OccurredAt: time.Now().UTC(),
	}
	if record != nil {
		evt.After, _ = json.Marshal(record)
	}
	return evt
}

// Row decodes the image that describes the row after the change, falling back to the before
// image for deletes.
func (e ChangeEvent) Row(v any) error {
	raw := e.After
	if len(raw) == 0 {
		raw = e.Before
	}
	if len(raw) == 0 {
		return fmt.Errorf("change event %s on %s carries no row", e.Id, e.Table)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s row: %w", e.Table, err)
	}
	return nil
}
