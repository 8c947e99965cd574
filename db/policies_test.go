package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyStore_CreatePolicy(t *testing.T) {
	pg, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO escalation_policies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escalation_levels`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escalation_levels`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPolicyStore(pg)
	created, err := store.CreatePolicy(context.Background(), EscalationPolicyWithLevels{
		EscalationPolicy: EscalationPolicy{
			Name:           "checkout on-call",
			GroupID:        "team-1",
			DefaultTimeout: 10,
		},
		Levels: []EscalationLevel{
			{LevelNumber: 0, TimeoutMinutes: 5, Targets: []EscalationTarget{{Type: TargetTypeUser, TargetID: "alice"}}},
			{LevelNumber: 1, Targets: []EscalationTarget{{Type: TargetTypeSchedule, TargetID: "sched-1"}}},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.RepeatMaxTimes, "zero repeat means one pass through the levels")
	require.Len(t, created.Levels, 2)
	assert.Equal(t, created.ID, created.Levels[0].PolicyID)
	assert.Equal(t, 1, created.Levels[1].LevelNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyStore_CreatePolicyRejectsBadTargetType(t *testing.T) {
	pg, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO escalation_policies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	store := NewPolicyStore(pg)
	_, err = store.CreatePolicy(context.Background(), EscalationPolicyWithLevels{
		EscalationPolicy: EscalationPolicy{Name: "bad", GroupID: "team-1"},
		Levels: []EscalationLevel{
			{LevelNumber: 0, Targets: []EscalationTarget{{Type: "pager", TargetID: "x"}}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target type")
	assert.NoError(t, mock.ExpectationsWereMet())
}
