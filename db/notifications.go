package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NotificationStore persists per-channel delivery attempts and serves the
// channel tier preferences consulted by the dispatcher.
type NotificationStore struct {
	PG *sql.DB
}

func NewNotificationStore(pg *sql.DB) *NotificationStore {
	return &NotificationStore{PG: pg}
}

// RecordAttempt writes one channel attempt, success or failure. Attempts are
// kept regardless of the tier outcome.
func (s *NotificationStore) RecordAttempt(ctx context.Context, attempt NotificationAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	status := "failed"
	if attempt.Result.Success {
		status = "sent"
	}

	query := `
		INSERT INTO notification_attempts (
			id, user_id, incident_id, channel, tier, status,
			provider_message_id, error_message, delivered_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NOW())`

	_, err := s.PG.ExecContext(ctx, query,
		attempt.ID, attempt.UserID, attempt.IncidentID, attempt.Channel,
		attempt.Tier, status, attempt.Result.ProviderMessageID,
		attempt.Result.Error, attempt.Result.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to record notification attempt: %w", err)
	}
	return nil
}

// ChannelConfig returns the channel tier layout for a user. User overrides
// win over team overrides; with neither, the global default applies.
func (s *NotificationStore) ChannelConfig(ctx context.Context, userID, groupID string) (ChannelEscalationConfig, error) {
	query := `
		SELECT config
		FROM notification_preferences
		WHERE (subject_type = 'user' AND subject_id = $1)
		   OR (subject_type = 'team' AND subject_id = $2)
		ORDER BY CASE subject_type WHEN 'user' THEN 0 ELSE 1 END
		LIMIT 1`

	var configJSON []byte
	err := s.PG.QueryRowContext(ctx, query, userID, groupID).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return DefaultChannelConfig(), nil
	}
	if err != nil {
		return DefaultChannelConfig(), fmt.Errorf("failed to query notification preferences: %w", err)
	}

	var cfg ChannelEscalationConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return DefaultChannelConfig(), nil
	}
	if len(cfg.Primary) == 0 {
		cfg.Primary = DefaultChannelConfig().Primary
	}
	return cfg, nil
}

// GetUser returns the routing-relevant slice of a user row, or nil.
func (s *NotificationStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, email,
		       COALESCE(phone, '') as phone,
		       COALESCE(team, '') as team,
		       COALESCE(fcm_token, '') as fcm_token,
		       COALESCE(chat_id, 0) as chat_id,
		       is_active
		FROM users WHERE id = $1`

	var u User
	err := s.PG.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.Team, &u.FCMToken, &u.ChatID, &u.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}
