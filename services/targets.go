package services

import (
	"context"
	"fmt"

	"github.com/pagemesh/pagemesh/db"
)

// OnCallLookup is the slice of schedule/team persistence the resolver needs.
type OnCallLookup interface {
	ActiveUser(ctx context.Context, userID string) (string, error)
	CurrentOnCall(ctx context.Context, scheduleID string) ([]string, error)
	TeamMembers(ctx context.Context, teamID string) ([]string, error)
}

// DBTargetResolver resolves escalation targets against the on-call store at
// dispatch time, so schedule rotations and membership changes between
// scheduling and firing are always honored.
type DBTargetResolver struct {
	OnCall OnCallLookup
}

func NewDBTargetResolver(onCall OnCallLookup) *DBTargetResolver {
	return &DBTargetResolver{OnCall: onCall}
}

// Resolve maps a level target to the concrete responder user IDs. An empty
// result is legitimate (nobody on shift, inactive user); the caller records
// it in escalation history rather than failing the level.
func (r *DBTargetResolver) Resolve(ctx context.Context, target db.EscalationTarget, groupID string) ([]string, error) {
	switch target.Type {
	case db.TargetTypeUser:
		id, err := r.OnCall.ActiveUser(ctx, target.TargetID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user target %s: %w", target.TargetID, err)
		}
		if id == "" {
			return nil, nil
		}
		return []string{id}, nil

	case db.TargetTypeSchedule:
		users, err := r.OnCall.CurrentOnCall(ctx, target.TargetID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve schedule target %s: %w", target.TargetID, err)
		}
		return users, nil

	case db.TargetTypeTeam:
		teamID := target.TargetID
		if teamID == "" {
			teamID = groupID
		}
		users, err := r.OnCall.TeamMembers(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve team target %s: %w", teamID, err)
		}
		return users, nil

	default:
		return nil, fmt.Errorf("unknown escalation target type %q", target.Type)
	}
}
