package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncidentStore reads and mutates incident rows. The escalation engine only
// touches the escalation columns plus assignment; lifecycle fields belong to
// the incident service.
type IncidentStore struct {
	PG *sql.DB
}

func NewIncidentStore(pg *sql.DB) *IncidentStore {
	return &IncidentStore{PG: pg}
}

const incidentColumns = `
	id, title, description, status, urgency, severity, source,
	COALESCE(group_id, '') as group_id,
	COALESCE(service_id, '') as service_id,
	COALESCE(assigned_to, '') as assigned_to, assigned_at,
	created_at, updated_at,
	COALESCE(escalation_policy_id, '') as escalation_policy_id,
	current_level, current_repeat, escalation_phase, last_escalated_at,
	COALESCE(acknowledged_by, '') as acknowledged_by, acknowledged_at,
	COALESCE(resolved_by, '') as resolved_by, resolved_at`

func scanIncident(row *sql.Row) (*Incident, error) {
	var inc Incident
	var assignedAt, lastEscalatedAt, acknowledgedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&inc.ID, &inc.Title, &inc.Description, &inc.Status, &inc.Urgency,
		&inc.Severity, &inc.Source, &inc.GroupID, &inc.ServiceID,
		&inc.AssignedTo, &assignedAt, &inc.CreatedAt, &inc.UpdatedAt,
		&inc.EscalationPolicyID, &inc.CurrentLevel, &inc.CurrentRepeat,
		&inc.EscalationPhase, &lastEscalatedAt,
		&inc.AcknowledgedBy, &acknowledgedAt, &inc.ResolvedBy, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if assignedAt.Valid {
		inc.AssignedAt = &assignedAt.Time
	}
	if lastEscalatedAt.Valid {
		inc.LastEscalatedAt = &lastEscalatedAt.Time
	}
	if acknowledgedAt.Valid {
		inc.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	return &inc, nil
}

// GetByID returns the incident, or nil when it does not exist.
func (s *IncidentStore) GetByID(ctx context.Context, id string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(s.PG.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

// Create inserts a new triggered incident.
func (s *IncidentStore) Create(ctx context.Context, inc *Incident) (*Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Status == "" {
		inc.Status = IncidentStatusTriggered
	}
	if inc.EscalationPhase == "" {
		inc.EscalationPhase = EscalationPhaseNone
	}
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now

	query := `
		INSERT INTO incidents (
			id, title, description, status, urgency, severity, source,
			group_id, service_id, escalation_policy_id,
			current_level, current_repeat, escalation_phase,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14, $15)`

	_, err := s.PG.ExecContext(ctx, query,
		inc.ID, inc.Title, inc.Description, inc.Status, inc.Urgency,
		inc.Severity, inc.Source, inc.GroupID, inc.ServiceID,
		inc.EscalationPolicyID, inc.CurrentLevel, inc.CurrentRepeat,
		inc.EscalationPhase, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert incident: %w", err)
	}
	return inc, nil
}

// UpdateEscalation persists the engine's confirmed position in the policy.
func (s *IncidentStore) UpdateEscalation(ctx context.Context, id string, level, repeat int, phase string) error {
	query := `
		UPDATE incidents
		SET current_level = $1,
		    current_repeat = $2,
		    escalation_phase = $3,
		    last_escalated_at = NOW() AT TIME ZONE 'UTC',
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE id = $4`

	if _, err := s.PG.ExecContext(ctx, query, level, repeat, phase, id); err != nil {
		return fmt.Errorf("failed to update escalation for incident %s: %w", id, err)
	}
	return nil
}

// Assign sets the incident's current responder.
func (s *IncidentStore) Assign(ctx context.Context, id, userID string) error {
	query := `
		UPDATE incidents
		SET assigned_to = $1,
		    assigned_at = NOW() AT TIME ZONE 'UTC',
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE id = $2`

	if _, err := s.PG.ExecContext(ctx, query, userID, id); err != nil {
		return fmt.Errorf("failed to assign incident %s to user %s: %w", id, userID, err)
	}
	return nil
}

// Acknowledge marks the incident acknowledged. Returns the updated incident,
// or nil when the incident does not exist.
func (s *IncidentStore) Acknowledge(ctx context.Context, id, actorID string) (*Incident, error) {
	query := `
		UPDATE incidents
		SET status = $1,
		    escalation_phase = $2,
		    acknowledged_by = $3,
		    acknowledged_at = NOW() AT TIME ZONE 'UTC',
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE id = $4 AND status = $5`

	res, err := s.PG.ExecContext(ctx, query,
		IncidentStatusAcknowledged, EscalationPhaseStopped, actorID, id, IncidentStatusTriggered)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge incident %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already acknowledged/resolved, or missing. Let the caller decide.
		return s.GetByID(ctx, id)
	}
	return s.GetByID(ctx, id)
}

// Resolve marks the incident resolved.
func (s *IncidentStore) Resolve(ctx context.Context, id, actorID string) (*Incident, error) {
	query := `
		UPDATE incidents
		SET status = $1,
		    escalation_phase = $2,
		    resolved_by = $3,
		    resolved_at = NOW() AT TIME ZONE 'UTC',
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE id = $4 AND status IN ($5, $6)`

	_, err := s.PG.ExecContext(ctx, query,
		IncidentStatusResolved, EscalationPhaseStopped, actorID, id,
		IncidentStatusTriggered, IncidentStatusAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident %s: %w", id, err)
	}
	return s.GetByID(ctx, id)
}

// Reopen puts a resolved/acknowledged incident back into triggered state so
// escalation can be re-entered manually.
func (s *IncidentStore) Reopen(ctx context.Context, id string) (*Incident, error) {
	query := `
		UPDATE incidents
		SET status = $1,
		    escalation_phase = $2,
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE id = $3`

	if _, err := s.PG.ExecContext(ctx, query, IncidentStatusTriggered, EscalationPhaseEscalating, id); err != nil {
		return nil, fmt.Errorf("failed to reopen incident %s: %w", id, err)
	}
	return s.GetByID(ctx, id)
}

// RecordEscalation appends one escalation history row.
func (s *IncidentStore) RecordEscalation(ctx context.Context, esc IncidentEscalation) error {
	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	query := `
		INSERT INTO incident_escalations (
			id, incident_id, policy_id, level, repeat, target_type, target_id,
			status, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	_, err := s.PG.ExecContext(ctx, query,
		esc.ID, esc.IncidentID, esc.PolicyID, esc.Level, esc.Repeat,
		esc.TargetType, esc.TargetID, esc.Status, esc.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record escalation for incident %s: %w", esc.IncidentID, err)
	}
	return nil
}
