package db

import (
	"context"
	"database/sql"
)

// OnCallStore answers "who is on call right now" questions for escalation
// target resolution.
type OnCallStore struct {
	PG *sql.DB
}

func NewOnCallStore(pg *sql.DB) *OnCallStore {
	return &OnCallStore{PG: pg}
}

// ActiveUser returns the user ID if the user exists and is active, or nil.
// Inactive users are silently dropped from escalation fan-out.
func (s *OnCallStore) ActiveUser(ctx context.Context, userID string) (string, error) {
	var id string
	query := `SELECT id FROM users WHERE id = $1 AND is_active = true`
	err := s.PG.QueryRowContext(ctx, query, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// CurrentOnCall returns the responders on shift for a schedule at this
// moment. Override shifts shadow the regular rotation for the window they
// cover, so overrides are checked first.
func (s *OnCallStore) CurrentOnCall(ctx context.Context, scheduleID string) ([]string, error) {
	overrideQuery := `
		SELECT user_id FROM shift_overrides
		WHERE schedule_id = $1
		  AND start_time <= NOW() AND end_time > NOW()
		ORDER BY created_at DESC`

	users, err := s.collectUserIDs(ctx, overrideQuery, scheduleID)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return users, nil
	}

	shiftQuery := `
		SELECT s.user_id FROM shifts s
		JOIN users u ON u.id = s.user_id
		WHERE s.schedule_id = $1
		  AND s.start_time <= NOW() AND s.end_time > NOW()
		  AND u.is_active = true
		ORDER BY s.start_time`

	return s.collectUserIDs(ctx, shiftQuery, scheduleID)
}

// TeamMembers returns the active members of a team.
func (s *OnCallStore) TeamMembers(ctx context.Context, teamID string) ([]string, error) {
	query := `
		SELECT u.id FROM users u
		JOIN user_groups ug ON ug.user_id = u.id
		WHERE ug.group_id = $1 AND u.is_active = true
		ORDER BY u.name`

	return s.collectUserIDs(ctx, query, teamID)
}

func (s *OnCallStore) collectUserIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
