package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyStore manages escalation policies and their ordered levels.
type PolicyStore struct {
	PG *sql.DB
}

func NewPolicyStore(pg *sql.DB) *PolicyStore {
	return &PolicyStore{PG: pg}
}

var validTargetTypes = map[string]bool{
	TargetTypeUser:     true,
	TargetTypeSchedule: true,
	TargetTypeTeam:     true,
}

// CreatePolicy inserts a policy with its levels in one transaction.
func (s *PolicyStore) CreatePolicy(ctx context.Context, req EscalationPolicyWithLevels) (EscalationPolicyWithLevels, error) {
	policy := EscalationPolicyWithLevels{
		EscalationPolicy: EscalationPolicy{
			ID:             uuid.New().String(),
			Name:           req.Name,
			Description:    req.Description,
			GroupID:        req.GroupID,
			IsActive:       true,
			RepeatMaxTimes: req.RepeatMaxTimes,
			DefaultTimeout: req.DefaultTimeout,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
			CreatedBy:      req.CreatedBy,
		},
	}
	if policy.RepeatMaxTimes == 0 {
		policy.RepeatMaxTimes = 1
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return policy, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO escalation_policies (
			id, name, description, group_id, is_active, repeat_max_times,
			default_timeout_minutes, created_at, updated_at, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))`

	_, err = tx.ExecContext(ctx, query,
		policy.ID, policy.Name, policy.Description, policy.GroupID,
		policy.IsActive, policy.RepeatMaxTimes, policy.DefaultTimeout,
		policy.CreatedAt, policy.UpdatedAt, policy.CreatedBy)
	if err != nil {
		return policy, fmt.Errorf("failed to insert escalation policy: %w", err)
	}

	for _, levelReq := range req.Levels {
		for _, target := range levelReq.Targets {
			if !validTargetTypes[target.Type] {
				return policy, fmt.Errorf("invalid target type %q for level %d; must be one of: user, schedule, team",
					target.Type, levelReq.LevelNumber)
			}
		}

		level := EscalationLevel{
			ID:             uuid.New().String(),
			PolicyID:       policy.ID,
			LevelNumber:    levelReq.LevelNumber,
			Targets:        levelReq.Targets,
			TimeoutMinutes: levelReq.TimeoutMinutes,
			CreatedAt:      time.Now().UTC(),
		}

		targetsJSON, err := json.Marshal(level.Targets)
		if err != nil {
			return policy, fmt.Errorf("failed to serialize level targets: %w", err)
		}

		levelQuery := `
			INSERT INTO escalation_levels (
				id, policy_id, level_number, targets, timeout_minutes, created_at
			) VALUES ($1, $2, $3, $4, $5, $6)`

		_, err = tx.ExecContext(ctx, levelQuery,
			level.ID, level.PolicyID, level.LevelNumber, targetsJSON,
			level.TimeoutMinutes, level.CreatedAt)
		if err != nil {
			return policy, fmt.Errorf("failed to insert escalation level: %w", err)
		}

		policy.Levels = append(policy.Levels, level)
	}

	if err = tx.Commit(); err != nil {
		return policy, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return policy, nil
}

// GetPolicyWithLevels returns a policy with its levels ordered by level
// number, or nil when the policy does not exist.
func (s *PolicyStore) GetPolicyWithLevels(ctx context.Context, id string) (*EscalationPolicyWithLevels, error) {
	var result EscalationPolicyWithLevels

	query := `
		SELECT id, name, description, group_id, is_active, repeat_max_times,
		       default_timeout_minutes, created_at, updated_at,
		       COALESCE(created_by, '') as created_by
		FROM escalation_policies
		WHERE id = $1`

	err := s.PG.QueryRowContext(ctx, query, id).Scan(
		&result.ID, &result.Name, &result.Description, &result.GroupID,
		&result.IsActive, &result.RepeatMaxTimes, &result.DefaultTimeout,
		&result.CreatedAt, &result.UpdatedAt, &result.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation policy %s: %w", id, err)
	}

	levels, err := s.getLevels(ctx, id)
	if err != nil {
		return nil, err
	}
	result.Levels = levels
	return &result, nil
}

func (s *PolicyStore) getLevels(ctx context.Context, policyID string) ([]EscalationLevel, error) {
	query := `
		SELECT id, policy_id, level_number, targets, timeout_minutes, created_at
		FROM escalation_levels
		WHERE policy_id = $1
		ORDER BY level_number ASC`

	rows, err := s.PG.QueryContext(ctx, query, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation levels: %w", err)
	}
	defer rows.Close()

	var levels []EscalationLevel
	for rows.Next() {
		var level EscalationLevel
		var targetsJSON []byte

		err := rows.Scan(&level.ID, &level.PolicyID, &level.LevelNumber,
			&targetsJSON, &level.TimeoutMinutes, &level.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation level: %w", err)
		}

		if err := json.Unmarshal(targetsJSON, &level.Targets); err != nil {
			level.Targets = nil
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ListPolicies returns policies for a group, newest first.
func (s *PolicyStore) ListPolicies(ctx context.Context, groupID string, activeOnly bool) ([]EscalationPolicy, error) {
	query := `
		SELECT id, name, description, group_id, is_active, repeat_max_times,
		       default_timeout_minutes, created_at, updated_at,
		       COALESCE(created_by, '') as created_by
		FROM escalation_policies
		WHERE group_id = $1`

	args := []interface{}{groupID}
	if activeOnly {
		query += " AND is_active = $2"
		args = append(args, true)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation policies: %w", err)
	}
	defer rows.Close()

	var policies []EscalationPolicy
	for rows.Next() {
		var policy EscalationPolicy
		err := rows.Scan(&policy.ID, &policy.Name, &policy.Description,
			&policy.GroupID, &policy.IsActive, &policy.RepeatMaxTimes,
			&policy.DefaultTimeout, &policy.CreatedAt, &policy.UpdatedAt,
			&policy.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation policy: %w", err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// DeletePolicy removes a policy and its levels.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_levels WHERE policy_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete escalation levels: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM escalation_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete escalation policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("escalation policy not found: %s", id)
	}

	return tx.Commit()
}
