package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
)

// Tier names in the order they are attempted.
const (
	TierPrimary   = "primary"
	TierSecondary = "secondary"
	TierFallback  = "fallback"
)

// NotificationLog records per-channel attempts.
type NotificationLog interface {
	RecordAttempt(ctx context.Context, attempt db.NotificationAttempt) error
}

// TierOutcome is the aggregate result of one dispatch: which tier delivered,
// if any, and every individual channel attempt made along the way.
type TierOutcome struct {
	Delivered bool
	Tier      string // the tier that delivered, empty on overall failure
	Attempts  []db.NotificationAttempt
}

// Dispatcher fans a notification out across ordered channel tiers. Channels
// within a tier run concurrently under a bounded per-channel timeout; a tier
// delivers when at least one channel succeeds. Each tier gets exactly one
// pass per dispatch — the escalation-level timeout is the retry cadence.
type Dispatcher struct {
	Registry    *ChannelRegistry
	Log         NotificationLog
	Logger      *logrus.Logger
	SendTimeout time.Duration
}

func NewDispatcher(registry *ChannelRegistry, log NotificationLog, logger *logrus.Logger, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{Registry: registry, Log: log, Logger: logger, SendTimeout: sendTimeout}
}

// Dispatch attempts to reach the responder through the configured tiers.
// Overall failure is reported in the outcome, not as an error: one
// unreachable responder must not abort the caller's level dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, payload db.NotificationPayload, cfg db.ChannelEscalationConfig) TierOutcome {
	outcome := TierOutcome{}

	tiers := []struct {
		name     string
		channels []string
	}{
		{TierPrimary, cfg.Primary},
		{TierSecondary, cfg.Secondary},
		{TierFallback, cfg.Fallback},
	}

	for _, tier := range tiers {
		if len(tier.channels) == 0 {
			continue
		}
		attempts := d.attemptTier(ctx, tier.name, tier.channels, userID, payload)
		outcome.Attempts = append(outcome.Attempts, attempts...)

		delivered := false
		for _, a := range attempts {
			if a.Result.Success {
				delivered = true
				break
			}
		}
		if delivered {
			outcome.Delivered = true
			outcome.Tier = tier.name
			return outcome
		}

		d.Logger.WithFields(logrus.Fields{
			"user_id":     userID,
			"incident_id": payload.IncidentID,
			"tier":        tier.name,
		}).Warn("notification tier failed, advancing")
	}

	d.Logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"incident_id": payload.IncidentID,
	}).Error("all notification tiers failed")
	return outcome
}

// attemptTier fans out every channel in the tier concurrently and waits for
// all of them. Every attempt is recorded whatever the tier outcome.
func (d *Dispatcher) attemptTier(ctx context.Context, tier string, channels []string, userID string, payload db.NotificationPayload) []db.NotificationAttempt {
	results := make([]db.NotificationAttempt, len(channels))
	done := make(chan int, len(channels))

	for i, name := range channels {
		go func(i int, name string) {
			defer func() { done <- i }()
			results[i] = db.NotificationAttempt{
				UserID:     userID,
				IncidentID: payload.IncidentID,
				Channel:    name,
				Tier:       tier,
				Result:     d.sendOne(ctx, name, userID, payload),
				CreatedAt:  time.Now().UTC(),
			}
		}(i, name)
	}
	for range channels {
		<-done
	}

	for _, attempt := range results {
		if err := d.Log.RecordAttempt(ctx, attempt); err != nil {
			d.Logger.WithError(err).WithFields(logrus.Fields{
				"channel":     attempt.Channel,
				"incident_id": attempt.IncidentID,
			}).Warn("failed to record notification attempt")
		}
	}
	return results
}

// sendOne runs a single channel send under the per-channel timeout. Panics
// and unknown channel names become failed results.
func (d *Dispatcher) sendOne(ctx context.Context, name, userID string, payload db.NotificationPayload) (result db.ChannelDeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			result = db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("channel %s panicked: %v", name, r)}
		}
	}()

	ch := d.Registry.Get(name)
	if ch == nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("channel %s not registered", name)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	defer cancel()

	type sendResult struct{ res db.ChannelDeliveryResult }
	out := make(chan sendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- sendResult{db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("channel %s panicked: %v", name, r)}}
			}
		}()
		out <- sendResult{ch.Send(sendCtx, userID, payload)}
	}()

	select {
	case r := <-out:
		return r.res
	case <-sendCtx.Done():
		// The slow send keeps running in its goroutine until the provider
		// call returns, but the tier decision does not wait for it.
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("channel %s timed out after %s", name, d.SendTimeout)}
	}
}
