package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditStore records structured audit events for every schedule, cancel,
// tier advance, exhaustion and cycle rejection. Writes are best-effort: an
// audit failure is logged, never propagated, so the engine keeps moving.
type AuditStore struct {
	PG  *sql.DB
	Log *logrus.Logger
}

func NewAuditStore(pg *sql.DB, log *logrus.Logger) *AuditStore {
	return &AuditStore{PG: pg, Log: log}
}

func (s *AuditStore) Record(ctx context.Context, event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}

	entry := s.Log.WithFields(logrus.Fields{
		"action":        event.Action,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	})
	switch event.Severity {
	case AuditSeverityCritical:
		entry.Error("audit event")
	case AuditSeverityWarning:
		entry.Warn("audit event")
	default:
		entry.Info("audit event")
	}

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_events (id, action, resource_type, resource_id, metadata, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	if _, err := s.PG.ExecContext(ctx, query,
		event.ID, event.Action, event.ResourceType, event.ResourceID,
		metadataJSON, event.Severity); err != nil {
		s.Log.WithError(err).WithField("action", event.Action).Warn("failed to persist audit event")
	}
}
