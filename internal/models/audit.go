package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures one privileged mutation: who did what, with the
// state before and after. The engine emits these to an external sink.
type AuditRecord struct {
	ActorID    uuid.UUID       `json:"actor_id"`
	Action     string          `json:"action"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
