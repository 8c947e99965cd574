package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/jobstore"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeIncidents struct {
	incidents map[string]*db.Incident
	history   []db.IncidentEscalation
}

func newFakeIncidents(incs ...*db.Incident) *fakeIncidents {
	f := &fakeIncidents{incidents: make(map[string]*db.Incident)}
	for _, inc := range incs {
		f.incidents[inc.ID] = inc
	}
	return f
}

func (f *fakeIncidents) GetByID(_ context.Context, id string) (*db.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeIncidents) UpdateEscalation(_ context.Context, id string, level, repeat int, phase string) error {
	if inc, ok := f.incidents[id]; ok {
		inc.CurrentLevel = level
		inc.CurrentRepeat = repeat
		inc.EscalationPhase = phase
	}
	return nil
}

func (f *fakeIncidents) Assign(_ context.Context, id, userID string) error {
	if inc, ok := f.incidents[id]; ok {
		inc.AssignedTo = userID
	}
	return nil
}

func (f *fakeIncidents) RecordEscalation(_ context.Context, esc db.IncidentEscalation) error {
	f.history = append(f.history, esc)
	return nil
}

type fakePolicies struct {
	policies map[string]*db.EscalationPolicyWithLevels
}

func (f *fakePolicies) GetPolicyWithLevels(_ context.Context, id string) (*db.EscalationPolicyWithLevels, error) {
	return f.policies[id], nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, target db.EscalationTarget, _ string) ([]string, error) {
	return []string{target.TargetID}, nil
}

type fakePrefs struct{}

func (fakePrefs) ChannelConfig(_ context.Context, _, _ string) (db.ChannelEscalationConfig, error) {
	return db.DefaultChannelConfig(), nil
}

type dispatchCall struct {
	userID string
	kind   string
}

type fakeNotifier struct {
	calls []dispatchCall
}

func (f *fakeNotifier) Dispatch(_ context.Context, userID string, payload db.NotificationPayload, _ db.ChannelEscalationConfig) TierOutcome {
	f.calls = append(f.calls, dispatchCall{userID: userID, kind: payload.Kind})
	return TierOutcome{Delivered: true, Tier: TierPrimary}
}

type fakeAudit struct {
	events []db.AuditEvent
}

func (f *fakeAudit) Record(_ context.Context, event db.AuditEvent) {
	f.events = append(f.events, event)
}

func (f *fakeAudit) actions() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

func twoLevelPolicy() *db.EscalationPolicyWithLevels {
	return &db.EscalationPolicyWithLevels{
		EscalationPolicy: db.EscalationPolicy{
			ID:             "pol-1",
			Name:           "checkout on-call",
			IsActive:       true,
			RepeatMaxTimes: 1,
			DefaultTimeout: 10,
		},
		Levels: []db.EscalationLevel{
			{LevelNumber: 0, TimeoutMinutes: 5, Targets: []db.EscalationTarget{{Type: db.TargetTypeUser, TargetID: "alice"}}},
			{LevelNumber: 1, TimeoutMinutes: 10, Targets: []db.EscalationTarget{{Type: db.TargetTypeUser, TargetID: "bob"}}},
		},
	}
}

func openIncident() *db.Incident {
	return &db.Incident{
		ID:                 "inc-1",
		Title:              "API down",
		Status:             db.IncidentStatusTriggered,
		Severity:           "critical",
		EscalationPolicyID: "pol-1",
	}
}

type engineFixture struct {
	engine    *EscalationEngine
	incidents *fakeIncidents
	store     *jobstore.MemoryStore
	notifier  *fakeNotifier
	audit     *fakeAudit
	clock     *time.Time
}

func newEngineFixture(t *testing.T, policy *db.EscalationPolicyWithLevels, incs ...*db.Incident) *engineFixture {
	t.Helper()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	store := jobstore.NewMemoryStore()
	store.Now = func() time.Time { return *clock }

	incidents := newFakeIncidents(incs...)
	notifier := &fakeNotifier{}
	audit := &fakeAudit{}
	engine := NewEscalationEngine(
		incidents,
		&fakePolicies{policies: map[string]*db.EscalationPolicyWithLevels{policy.ID: policy}},
		fakeResolver{},
		fakePrefs{},
		store,
		notifier,
		audit,
		testLogger(),
	)
	return &engineFixture{engine: engine, incidents: incidents, store: store, notifier: notifier, audit: audit, clock: clock}
}

func (fx *engineFixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

// fireNext reserves the due escalation job and runs its handler, the way the
// worker pool does.
func (fx *engineFixture) fireNext(t *testing.T) {
	t.Helper()
	job, err := fx.store.Reserve(context.Background(), EscalationQueue, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a due escalation job")

	var payload EscalationJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.NoError(t, fx.engine.HandleTimeout(context.Background(), payload))
	require.NoError(t, fx.store.Ack(context.Background(), job))
}

func TestJobIdentity(t *testing.T) {
	assert.Equal(t, jobIdentity("inc-1", 1, 0), jobIdentity("inc-1", 1, 0))
	assert.NotEqual(t, jobIdentity("inc-1", 1, 0), jobIdentity("inc-1", 2, 0))
	assert.NotEqual(t, jobIdentity("inc-1", 1, 0), jobIdentity("inc-1", 1, 1))
	assert.NotEqual(t, jobIdentity("inc-2", 1, 0), jobIdentity("inc-1", 1, 0))

	// IDs containing the separator must not collide across field boundaries.
	assert.NotEqual(t, jobIdentity("inc:1", 2, 0), jobIdentity("inc", 1, 2))
}

func TestScheduleIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t, twoLevelPolicy(), openIncident())

	id1, err := fx.engine.Schedule(context.Background(), "inc-1", 0, 0, 5)
	require.NoError(t, err)
	id2, err := fx.engine.Schedule(context.Background(), "inc-1", 0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	stats, err := fx.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed, "duplicate schedule must not create a second job")
}

func TestCancelMissingJobIsNotAnError(t *testing.T) {
	fx := newEngineFixture(t, twoLevelPolicy(), openIncident())

	found := fx.engine.Cancel(context.Background(), "inc-1", 0, 0)
	assert.False(t, found)
}

func TestStartDispatchesLevelZeroAndSchedulesLevelOne(t *testing.T) {
	inc := openIncident()
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	require.NoError(t, fx.engine.Start(context.Background(), inc))

	require.Len(t, fx.notifier.calls, 1)
	assert.Equal(t, "alice", fx.notifier.calls[0].userID)
	assert.Equal(t, "alice", fx.incidents.incidents["inc-1"].AssignedTo)

	job, err := fx.store.GetJob(context.Background(), EscalationQueue, jobIdentity("inc-1", 1, 0))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, fx.clock.Add(5*time.Minute), job.RunAt)
}

func TestHandleTimeoutStaleIncidentIsNoOp(t *testing.T) {
	inc := openIncident()
	inc.Status = db.IncidentStatusAcknowledged
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	err := fx.engine.HandleTimeout(context.Background(), EscalationJobPayload{
		IncidentID: "inc-1", ToLevel: 1, RepeatNumber: 0,
	})
	require.NoError(t, err)

	assert.Empty(t, fx.notifier.calls, "stale jobs must not notify")
	stats, err := fx.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Delayed, "stale jobs must not reschedule")
}

func TestHandleTimeoutAdvancesLevel(t *testing.T) {
	inc := openIncident()
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	err := fx.engine.HandleTimeout(context.Background(), EscalationJobPayload{
		IncidentID: "inc-1", ToLevel: 1, RepeatNumber: 0,
	})
	require.NoError(t, err)

	require.Len(t, fx.notifier.calls, 1)
	assert.Equal(t, "bob", fx.notifier.calls[0].userID)
	assert.Equal(t, 1, fx.incidents.incidents["inc-1"].CurrentLevel)
	assert.Equal(t, db.EscalationPhaseEscalating, fx.incidents.incidents["inc-1"].EscalationPhase)

	// The next timeout is scheduled past the last level; it will exhaust.
	job, err := fx.store.GetJob(context.Background(), EscalationQueue, jobIdentity("inc-1", 2, 0))
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestHandleTimeoutWrapsToNextRepeat(t *testing.T) {
	policy := twoLevelPolicy()
	policy.RepeatMaxTimes = 2
	inc := openIncident()
	inc.CurrentLevel = 1
	fx := newEngineFixture(t, policy, inc)

	err := fx.engine.HandleTimeout(context.Background(), EscalationJobPayload{
		IncidentID: "inc-1", ToLevel: 2, RepeatNumber: 0,
	})
	require.NoError(t, err)

	require.Len(t, fx.notifier.calls, 1)
	assert.Equal(t, "alice", fx.notifier.calls[0].userID, "wrap restarts at the first level")
	assert.Equal(t, 0, fx.incidents.incidents["inc-1"].CurrentLevel)
	assert.Equal(t, 1, fx.incidents.incidents["inc-1"].CurrentRepeat)
	assert.Contains(t, fx.audit.actions(), "escalation.repeated")

	job, err := fx.store.GetJob(context.Background(), EscalationQueue, jobIdentity("inc-1", 1, 1))
	require.NoError(t, err)
	require.NotNil(t, job, "the wrapped pass gets its own job identity")
}

func TestHandleTimeoutExhaustsAtRepeatCap(t *testing.T) {
	inc := openIncident()
	inc.CurrentLevel = 1
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	err := fx.engine.HandleTimeout(context.Background(), EscalationJobPayload{
		IncidentID: "inc-1", ToLevel: 2, RepeatNumber: 0,
	})
	require.NoError(t, err)

	assert.Empty(t, fx.notifier.calls)
	assert.Equal(t, db.EscalationPhaseExhausted, fx.incidents.incidents["inc-1"].EscalationPhase)
	assert.Equal(t, db.IncidentStatusTriggered, fx.incidents.incidents["inc-1"].Status, "exhaustion leaves the incident open")

	var exhausted *db.AuditEvent
	for i := range fx.audit.events {
		if fx.audit.events[i].Action == "escalation.exhausted" {
			exhausted = &fx.audit.events[i]
		}
	}
	require.NotNil(t, exhausted)
	assert.Equal(t, db.AuditSeverityCritical, exhausted.Severity)

	stats, err := fx.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Delayed, "exhaustion schedules nothing further")
}

func TestEscalationTimeline(t *testing.T) {
	inc := openIncident()
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	// T+0: level 0 notified immediately.
	require.NoError(t, fx.engine.Start(context.Background(), inc))
	require.Len(t, fx.notifier.calls, 1)
	assert.Equal(t, "alice", fx.notifier.calls[0].userID)

	// T+5m: level 0's timeout fires, level 1 is notified.
	fx.advance(5 * time.Minute)
	fx.fireNext(t)
	require.Len(t, fx.notifier.calls, 2)
	assert.Equal(t, "bob", fx.notifier.calls[1].userID)

	// T+15m: level 1's timeout fires; repeat budget of 1 is spent.
	fx.advance(10 * time.Minute)
	fx.fireNext(t)
	assert.Len(t, fx.notifier.calls, 2, "exhaustion sends nothing")
	assert.Equal(t, db.EscalationPhaseExhausted, fx.incidents.incidents["inc-1"].EscalationPhase)
}

func TestAcknowledgeCancelsPendingTimeout(t *testing.T) {
	inc := openIncident()
	fx := newEngineFixture(t, twoLevelPolicy(), inc)

	require.NoError(t, fx.engine.Start(context.Background(), inc))

	// T+3m: a human acknowledges; the pending level-1 job is cancelled.
	fx.advance(3 * time.Minute)
	current := fx.incidents.incidents["inc-1"]
	found := fx.engine.Cancel(context.Background(), current.ID, current.CurrentLevel, current.CurrentRepeat)
	assert.True(t, found)

	// T+5m: nothing fires.
	fx.advance(2 * time.Minute)
	job, err := fx.store.Reserve(context.Background(), EscalationQueue, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Len(t, fx.notifier.calls, 1, "only the level-0 notification was sent")
}
