package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemesh/pagemesh/db"
)

type stubChannel struct {
	name    string
	succeed bool
	panics  bool
	block   time.Duration
}

func (c *stubChannel) Name() string                { return c.name }
func (c *stubChannel) SupportsInteractivity() bool { return false }

func (c *stubChannel) Send(ctx context.Context, _ string, _ db.NotificationPayload) db.ChannelDeliveryResult {
	if c.panics {
		panic("provider SDK blew up")
	}
	if c.block > 0 {
		select {
		case <-time.After(c.block):
		case <-ctx.Done():
		}
	}
	if !c.succeed {
		return db.ChannelDeliveryResult{Success: false, Error: "provider rejected message"}
	}
	return db.ChannelDeliveryResult{Success: true, ProviderMessageID: "msg-1"}
}

type memoryAttemptLog struct {
	mu       sync.Mutex
	attempts []db.NotificationAttempt
}

func (l *memoryAttemptLog) RecordAttempt(_ context.Context, attempt db.NotificationAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	return nil
}

func newTestDispatcher(t *testing.T, channels ...NotificationChannel) (*Dispatcher, *memoryAttemptLog) {
	t.Helper()
	registry := NewChannelRegistry()
	for _, ch := range channels {
		require.NoError(t, registry.Register(ch))
	}
	log := &memoryAttemptLog{}
	return NewDispatcher(registry, log, testLogger(), 200*time.Millisecond), log
}

func defaultPayload() db.NotificationPayload {
	return db.NotificationPayload{IncidentID: "inc-1", Title: "API down", Kind: "escalated"}
}

func TestDispatchPrimaryTierSucceedsWithOneChannel(t *testing.T) {
	d, log := newTestDispatcher(t,
		&stubChannel{name: "email", succeed: false},
		&stubChannel{name: "chat", succeed: true},
		&stubChannel{name: "push", succeed: true},
		&stubChannel{name: "sms", succeed: true},
	)

	outcome := d.Dispatch(context.Background(), "alice", defaultPayload(), db.DefaultChannelConfig())
	assert.True(t, outcome.Delivered)
	assert.Equal(t, TierPrimary, outcome.Tier)

	// All three primary channels were attempted, sms never was.
	assert.Len(t, outcome.Attempts, 3)
	for _, a := range log.attempts {
		assert.NotEqual(t, "sms", a.Channel, "secondary tier must not run when primary delivers")
	}
}

func TestDispatchAdvancesThroughTiers(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&stubChannel{name: "email", succeed: false},
		&stubChannel{name: "sms", succeed: false},
		&stubChannel{name: "voice", succeed: true},
	)

	cfg := db.ChannelEscalationConfig{
		Primary:   []string{"email"},
		Secondary: []string{"sms"},
		Fallback:  []string{"voice"},
	}
	outcome := d.Dispatch(context.Background(), "alice", defaultPayload(), cfg)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, TierFallback, outcome.Tier)
	assert.Len(t, outcome.Attempts, 3)
}

func TestDispatchAllTiersFail(t *testing.T) {
	d, log := newTestDispatcher(t,
		&stubChannel{name: "email", succeed: false},
		&stubChannel{name: "sms", succeed: false},
	)

	cfg := db.ChannelEscalationConfig{
		Primary:   []string{"email"},
		Secondary: []string{"sms"},
		Fallback:  []string{"voice"}, // never registered
	}
	outcome := d.Dispatch(context.Background(), "alice", defaultPayload(), cfg)
	assert.False(t, outcome.Delivered)
	assert.Empty(t, outcome.Tier)

	// Every attempt is recorded, including the unregistered fallback channel.
	assert.Len(t, log.attempts, 3)
	for _, a := range log.attempts {
		assert.False(t, a.Result.Success)
		assert.NotEmpty(t, a.Result.Error)
	}
}

func TestDispatchChannelPanicBecomesFailedResult(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&stubChannel{name: "email", panics: true},
		&stubChannel{name: "chat", succeed: true},
	)

	cfg := db.ChannelEscalationConfig{Primary: []string{"email", "chat"}}
	outcome := d.Dispatch(context.Background(), "alice", defaultPayload(), cfg)
	assert.True(t, outcome.Delivered, "a panicking sibling must not sink the tier")

	var emailAttempt *db.NotificationAttempt
	for i := range outcome.Attempts {
		if outcome.Attempts[i].Channel == "email" {
			emailAttempt = &outcome.Attempts[i]
		}
	}
	require.NotNil(t, emailAttempt)
	assert.False(t, emailAttempt.Result.Success)
	assert.Contains(t, emailAttempt.Result.Error, "panicked")
}

func TestDispatchSlowChannelTimesOut(t *testing.T) {
	d, _ := newTestDispatcher(t,
		&stubChannel{name: "email", succeed: true, block: 5 * time.Second},
	)

	cfg := db.ChannelEscalationConfig{Primary: []string{"email"}}
	start := time.Now()
	outcome := d.Dispatch(context.Background(), "alice", defaultPayload(), cfg)
	assert.False(t, outcome.Delivered)
	assert.Less(t, time.Since(start), 2*time.Second, "the tier decision must not wait out a hung provider")

	require.Len(t, outcome.Attempts, 1)
	assert.Contains(t, outcome.Attempts[0].Result.Error, "timed out")
}
