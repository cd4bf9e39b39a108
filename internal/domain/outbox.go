package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxRow is one pending event written in the same local transaction as the
// domain mutation it announces. Payload is immutable once written.
type OutboxRow struct {
	ID          string
	EventKind   string
	Payload     json.RawMessage
	Topic       string
	Processed   bool
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// NewOutboxRow builds an unprocessed row ready to insert alongside its
// triggering mutation.
func NewOutboxRow(eventKind, topic string, payload json.RawMessage) *OutboxRow {
	return &OutboxRow{
		ID:        uuid.New().String(),
		EventKind: eventKind,
		Payload:   payload,
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}
}

// OutboxStats is the drainer-visible health snapshot of the outbox table.
type OutboxStats struct {
	Total        int64            `json:"total"`
	Pending      int64            `json:"pending"`
	Processed    int64            `json:"processed"`
	OldestUnsent *time.Time       `json:"oldest_unsent,omitempty"`
	ByKind       map[string]int64 `json:"by_kind,omitempty"`
}

// InboxRow records one externally delivered event already handled by this
// service. Presence of (consumer, event id) means a redelivery is safe to
// drop.
type InboxRow struct {
	Consumer    string
	EventID     string
	EventKind   string
	Payload     json.RawMessage
	ProcessedAt time.Time
}
