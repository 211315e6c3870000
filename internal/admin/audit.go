package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmiles/backend/internal/models"
)

// AuditSink receives a record for every privileged mutation. The engine calls
// the sink but does not own delivery; a failed emit is logged, never fatal.
type AuditSink interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// LogAuditSink is the default sink: structured log lines an external
// collector can pick up.
type LogAuditSink struct {
	log *slog.Logger
}

func NewLogAuditSink(log *slog.Logger) *LogAuditSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogAuditSink{log: log}
}

func (s *LogAuditSink) Record(_ context.Context, rec models.AuditRecord) error {
	s.log.Info("audit",
		"actor_id", rec.ActorID,
		"action", rec.Action,
		"entity_kind", rec.EntityKind,
		"entity_id", rec.EntityID,
		"before", string(rec.Before),
		"after", string(rec.After),
		"occurred_at", rec.OccurredAt)
	return nil
}

// audit marshals the snapshots and emits one record.
func (h *Handler) audit(ctx context.Context, actorID uuid.UUID, action, entityKind, entityID string, before, after any) {
	rec := models.AuditRecord{
		ActorID:    actorID,
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		OccurredAt: time.Now().UTC(),
	}
	if before != nil {
		rec.Before, _ = json.Marshal(before)
	}
	if after != nil {
		rec.After, _ = json.Marshal(after)
	}
	if err := h.sink.Record(ctx, rec); err != nil {
		h.log.Error("audit emit failed", "action", action, "entity_id", entityID, "error", err)
	}
}
