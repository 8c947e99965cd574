package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/jobstore"
)

// EscalationQueue is the job store queue escalation timeouts live on.
const EscalationQueue = "escalation"

// JobTypeEscalate is the job type for level-timeout jobs.
const JobTypeEscalate = "escalate"

// IncidentRepository is the slice of incident persistence the engine needs.
type IncidentRepository interface {
	GetByID(ctx context.Context, id string) (*db.Incident, error)
	UpdateEscalation(ctx context.Context, id string, level, repeat int, phase string) error
	Assign(ctx context.Context, id, userID string) error
	RecordEscalation(ctx context.Context, esc db.IncidentEscalation) error
}

// PolicyRepository loads escalation policies with their levels.
type PolicyRepository interface {
	GetPolicyWithLevels(ctx context.Context, id string) (*db.EscalationPolicyWithLevels, error)
}

// TargetResolver turns a level target into concrete responder user IDs.
type TargetResolver interface {
	Resolve(ctx context.Context, target db.EscalationTarget, groupID string) ([]string, error)
}

// PreferenceStore returns the channel tier layout for a responder.
type PreferenceStore interface {
	ChannelConfig(ctx context.Context, userID, groupID string) (db.ChannelEscalationConfig, error)
}

// Notifier is the dispatcher contract the engine drives.
type Notifier interface {
	Dispatch(ctx context.Context, userID string, payload db.NotificationPayload, cfg db.ChannelEscalationConfig) TierOutcome
}

// AuditSink receives the structured trail of engine decisions.
type AuditSink interface {
	Record(ctx context.Context, event db.AuditEvent)
}

// EscalationJobPayload is the body of a level-timeout job.
type EscalationJobPayload struct {
	IncidentID   string `json:"incident_id"`
	ToLevel      int    `json:"to_level"`
	RepeatNumber int    `json:"repeat_number"`
}

// jobIdentity derives the deterministic job identity for an escalation step.
// The incident ID segment is length-prefixed so IDs containing the separator
// cannot collide across fields; level and repeat are plain integers.
func jobIdentity(incidentID string, level, repeat int) string {
	return fmt.Sprintf("esc:%d:%s:%d:%d", len(incidentID), incidentID, level, repeat)
}

// EscalationEngine owns per-incident escalation state and the scheduling of
// level timeouts in the delayed job store. The store is the single source of
// truth for pending work; the engine never keeps in-memory timers, and every
// job handler re-validates incident state before acting.
type EscalationEngine struct {
	Incidents IncidentRepository
	Policies  PolicyRepository
	Targets   TargetResolver
	Prefs     PreferenceStore
	Jobs      jobstore.Store
	Notifier  Notifier
	Audit     AuditSink
	Logger    *logrus.Logger

	// JobAttempts and JobBackoff govern the store-level retry of a timeout
	// job whose handler failed transiently.
	JobAttempts int
	JobBackoff  time.Duration
}

func NewEscalationEngine(
	incidents IncidentRepository,
	policies PolicyRepository,
	targets TargetResolver,
	prefs PreferenceStore,
	jobs jobstore.Store,
	notifier Notifier,
	audit AuditSink,
	logger *logrus.Logger,
) *EscalationEngine {
	return &EscalationEngine{
		Incidents:   incidents,
		Policies:    policies,
		Targets:     targets,
		Prefs:       prefs,
		Jobs:        jobs,
		Notifier:    notifier,
		Audit:       audit,
		Logger:      logger,
		JobAttempts: 3,
		JobBackoff:  30 * time.Second,
	}
}

// Start enters escalation for a freshly created incident: level 0's targets
// are dispatched immediately and the timeout job for level 1 is scheduled
// using level 0's effective timeout.
func (e *EscalationEngine) Start(ctx context.Context, incident *db.Incident) error {
	if incident.EscalationPolicyID == "" {
		return nil
	}
	policy, err := e.Policies.GetPolicyWithLevels(ctx, incident.EscalationPolicyID)
	if err != nil {
		return err
	}
	if policy == nil || !policy.IsActive || len(policy.Levels) == 0 {
		e.Logger.WithField("incident_id", incident.ID).Info("no active escalation policy, skipping escalation")
		return nil
	}

	level := policy.LevelByNumber(0)
	if level == nil {
		// Policies are allowed to start at 1; fall back to the lowest level.
		level = &policy.Levels[0]
	}

	e.dispatchLevel(ctx, incident, policy, level, 0)

	if err := e.Incidents.UpdateEscalation(ctx, incident.ID, level.LevelNumber, 0, db.EscalationPhaseEscalating); err != nil {
		return err
	}
	_, err = e.Schedule(ctx, incident.ID, level.LevelNumber, 0, level.GetEffectiveTimeout(policy.DefaultTimeout))
	return err
}

// Schedule enqueues the timeout job that advances the incident past
// currentLevel. Identical (incident, level, repeat) triples always map to
// the same job identity, so double scheduling cannot produce duplicate work.
func (e *EscalationEngine) Schedule(ctx context.Context, incidentID string, currentLevel, repeat, timeoutMinutes int) (string, error) {
	toLevel := currentLevel + 1
	jobID := jobIdentity(incidentID, toLevel, repeat)

	payload, err := json.Marshal(EscalationJobPayload{
		IncidentID:   incidentID,
		ToLevel:      toLevel,
		RepeatNumber: repeat,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal escalation payload: %w", err)
	}

	_, err = e.Jobs.Enqueue(ctx, EscalationQueue, JobTypeEscalate, payload, jobstore.Options{
		ID:       jobID,
		Delay:    time.Duration(timeoutMinutes) * time.Minute,
		Attempts: e.JobAttempts,
		Backoff:  e.JobBackoff,
	})
	if err != nil {
		// A silently stalled escalation is the worst failure mode; make the
		// stall loud before returning the error.
		e.Audit.Record(ctx, db.AuditEvent{
			Action:       "escalation.schedule_failed",
			ResourceType: "incident",
			ResourceID:   incidentID,
			Severity:     db.AuditSeverityCritical,
			Metadata:     map[string]interface{}{"to_level": toLevel, "repeat": repeat, "error": err.Error()},
		})
		return "", fmt.Errorf("failed to schedule escalation for incident %s: %w", incidentID, err)
	}

	e.Audit.Record(ctx, db.AuditEvent{
		Action:       "escalation.scheduled",
		ResourceType: "incident",
		ResourceID:   incidentID,
		Metadata:     map[string]interface{}{"job_id": jobID, "to_level": toLevel, "repeat": repeat, "timeout_minutes": timeoutMinutes},
	})
	return jobID, nil
}

// Cancel removes the pending timeout job for an incident at its current
// position. A job that already fired or was already cancelled reports false;
// that is a legitimate race, logged and audited, never an error.
func (e *EscalationEngine) Cancel(ctx context.Context, incidentID string, currentLevel, repeat int) bool {
	jobID := jobIdentity(incidentID, currentLevel+1, repeat)

	found, err := e.Jobs.Remove(ctx, EscalationQueue, jobID)
	if err != nil {
		e.Logger.WithError(err).WithField("job_id", jobID).Warn("failed to cancel escalation job")
		return false
	}
	if !found {
		e.Logger.WithFields(logrus.Fields{
			"incident_id": incidentID,
			"job_id":      jobID,
		}).Info("escalation job not found on cancel (already fired or cancelled)")
	}
	e.Audit.Record(ctx, db.AuditEvent{
		Action:       "escalation.cancelled",
		ResourceType: "incident",
		ResourceID:   incidentID,
		Metadata:     map[string]interface{}{"job_id": jobID, "found": found},
	})
	return found
}

// Stop is the human-action entry point: acknowledge, resolve, reassign and
// close all cancel pending work. Cancellation is advisory; the fire-time
// state re-check is the authoritative guard.
func (e *EscalationEngine) Stop(ctx context.Context, incident *db.Incident) {
	e.Cancel(ctx, incident.ID, incident.CurrentLevel, incident.CurrentRepeat)
}

// Reescalate manually re-enters escalation from the incident's current
// position, e.g. after exhaustion or a re-open.
func (e *EscalationEngine) Reescalate(ctx context.Context, incident *db.Incident) error {
	if incident.EscalationPolicyID == "" {
		return fmt.Errorf("incident %s has no escalation policy", incident.ID)
	}
	policy, err := e.Policies.GetPolicyWithLevels(ctx, incident.EscalationPolicyID)
	if err != nil {
		return err
	}
	if policy == nil || len(policy.Levels) == 0 {
		return fmt.Errorf("escalation policy %s has no levels", incident.EscalationPolicyID)
	}

	level := policy.LevelByNumber(incident.CurrentLevel)
	timeout := 0
	if level != nil {
		timeout = level.GetEffectiveTimeout(policy.DefaultTimeout)
	}
	if timeout == 0 {
		timeout = policy.Levels[0].GetEffectiveTimeout(policy.DefaultTimeout)
	}

	if err := e.Incidents.UpdateEscalation(ctx, incident.ID, incident.CurrentLevel, incident.CurrentRepeat, db.EscalationPhaseEscalating); err != nil {
		return err
	}
	_, err = e.Schedule(ctx, incident.ID, incident.CurrentLevel, incident.CurrentRepeat, timeout)
	return err
}

// Stats returns the escalation queue health snapshot for dashboards.
func (e *EscalationEngine) Stats(ctx context.Context) (jobstore.Stats, error) {
	return e.Jobs.Stats(ctx, EscalationQueue)
}

// HandleTimeout processes a fired level-timeout job. It re-reads the
// incident (stale jobs are expected no-ops), wraps or exhausts at the end of
// the policy, and otherwise dispatches the target level and schedules the
// next one.
func (e *EscalationEngine) HandleTimeout(ctx context.Context, payload EscalationJobPayload) error {
	log := e.Logger.WithFields(logrus.Fields{
		"incident_id": payload.IncidentID,
		"to_level":    payload.ToLevel,
		"repeat":      payload.RepeatNumber,
	})

	incident, err := e.Incidents.GetByID(ctx, payload.IncidentID)
	if err != nil {
		return fmt.Errorf("failed to re-read incident %s: %w", payload.IncidentID, err)
	}
	if incident == nil || !incident.IsOpen() {
		log.Info("escalation job is stale, incident no longer open")
		return nil
	}

	policy, err := e.Policies.GetPolicyWithLevels(ctx, incident.EscalationPolicyID)
	if err != nil {
		return fmt.Errorf("failed to load policy for incident %s: %w", payload.IncidentID, err)
	}
	if policy == nil || len(policy.Levels) == 0 {
		log.Info("escalation policy removed since scheduling, treating job as stale")
		return nil
	}

	if payload.ToLevel > policy.MaxLevel() {
		return e.wrapOrExhaust(ctx, incident, policy, payload)
	}

	level := policy.LevelByNumber(payload.ToLevel)
	if level == nil {
		// The level was deleted after scheduling. Defensive re-validation:
		// skip ahead to the next existing level rather than crash or stall.
		log.Info("scheduled level no longer exists, advancing past it")
		next := EscalationJobPayload{IncidentID: payload.IncidentID, ToLevel: payload.ToLevel + 1, RepeatNumber: payload.RepeatNumber}
		return e.HandleTimeout(ctx, next)
	}

	e.dispatchLevel(ctx, incident, policy, level, payload.RepeatNumber)

	if err := e.Incidents.UpdateEscalation(ctx, incident.ID, payload.ToLevel, payload.RepeatNumber, db.EscalationPhaseEscalating); err != nil {
		return err
	}

	e.Audit.Record(ctx, db.AuditEvent{
		Action:       "escalation.advanced",
		ResourceType: "incident",
		ResourceID:   incident.ID,
		Metadata:     map[string]interface{}{"level": payload.ToLevel, "repeat": payload.RepeatNumber},
	})

	_, err = e.Schedule(ctx, incident.ID, payload.ToLevel, payload.RepeatNumber,
		level.GetEffectiveTimeout(policy.DefaultTimeout))
	return err
}

// wrapOrExhaust handles a timeout that ran past the policy's last level:
// either wrap to level 0 of the next repeat, or stop permanently with the
// incident left open for human attention.
func (e *EscalationEngine) wrapOrExhaust(ctx context.Context, incident *db.Incident, policy *db.EscalationPolicyWithLevels, payload EscalationJobPayload) error {
	if payload.RepeatNumber+1 < policy.RepeatMaxTimes {
		nextRepeat := payload.RepeatNumber + 1
		first := policy.Levels[0]

		e.dispatchLevel(ctx, incident, policy, &first, nextRepeat)

		if err := e.Incidents.UpdateEscalation(ctx, incident.ID, first.LevelNumber, nextRepeat, db.EscalationPhaseEscalating); err != nil {
			return err
		}
		e.Audit.Record(ctx, db.AuditEvent{
			Action:       "escalation.repeated",
			ResourceType: "incident",
			ResourceID:   incident.ID,
			Metadata:     map[string]interface{}{"repeat": nextRepeat},
		})
		_, err := e.Schedule(ctx, incident.ID, first.LevelNumber, nextRepeat,
			first.GetEffectiveTimeout(policy.DefaultTimeout))
		return err
	}

	// Repeat budget spent. The incident stays open with no further scheduled
	// work; this must be loud, not silent.
	if err := e.Incidents.UpdateEscalation(ctx, incident.ID, incident.CurrentLevel, payload.RepeatNumber, db.EscalationPhaseExhausted); err != nil {
		return err
	}
	e.Audit.Record(ctx, db.AuditEvent{
		Action:       "escalation.exhausted",
		ResourceType: "incident",
		ResourceID:   incident.ID,
		Severity:     db.AuditSeverityCritical,
		Metadata:     map[string]interface{}{"repeats_used": payload.RepeatNumber + 1, "repeat_max": policy.RepeatMaxTimes},
	})
	e.Logger.WithField("incident_id", incident.ID).Error("escalation policy exhausted, incident needs human attention")
	return nil
}

// dispatchLevel resolves a level's targets and notifies every responder.
// The first resolved responder is assigned the incident. Delivery failures
// never abort the level; they are recorded per channel by the dispatcher.
func (e *EscalationEngine) dispatchLevel(ctx context.Context, incident *db.Incident, policy *db.EscalationPolicyWithLevels, level *db.EscalationLevel, repeat int) {
	payload := db.NotificationPayload{
		IncidentID: incident.ID,
		Title:      incident.Title,
		Body:       incident.Description,
		Severity:   incident.Severity,
		Source:     incident.Source,
		Kind:       "escalated",
	}

	assigned := incident.AssignedTo != ""
	for _, target := range level.Targets {
		userIDs, err := e.Targets.Resolve(ctx, target, incident.GroupID)
		status := "completed"
		errMsg := ""
		if err != nil {
			status, errMsg = "failed", err.Error()
			e.Logger.WithError(err).WithFields(logrus.Fields{
				"incident_id": incident.ID,
				"target_type": target.Type,
				"target_id":   target.TargetID,
			}).Warn("failed to resolve escalation target")
		}

		if rerr := e.Incidents.RecordEscalation(ctx, db.IncidentEscalation{
			IncidentID:   incident.ID,
			PolicyID:     policy.ID,
			Level:        level.LevelNumber,
			Repeat:       repeat,
			TargetType:   target.Type,
			TargetID:     target.TargetID,
			Status:       status,
			ErrorMessage: errMsg,
		}); rerr != nil {
			e.Logger.WithError(rerr).WithField("incident_id", incident.ID).Warn("failed to record escalation history")
		}

		for _, userID := range userIDs {
			if !assigned {
				if aerr := e.Incidents.Assign(ctx, incident.ID, userID); aerr != nil {
					e.Logger.WithError(aerr).WithField("incident_id", incident.ID).Warn("failed to assign incident")
				} else {
					assigned = true
				}
			}

			cfg, cerr := e.Prefs.ChannelConfig(ctx, userID, incident.GroupID)
			if cerr != nil {
				cfg = db.DefaultChannelConfig()
			}
			outcome := e.Notifier.Dispatch(ctx, userID, payload, cfg)
			if outcome.Delivered {
				e.Audit.Record(ctx, db.AuditEvent{
					Action:       "notification.delivered",
					ResourceType: "incident",
					ResourceID:   incident.ID,
					Metadata:     map[string]interface{}{"user_id": userID, "tier": outcome.Tier, "level": level.LevelNumber},
				})
			} else {
				e.Audit.Record(ctx, db.AuditEvent{
					Action:       "notification.failed",
					ResourceType: "incident",
					ResourceID:   incident.ID,
					Severity:     db.AuditSeverityWarning,
					Metadata:     map[string]interface{}{"user_id": userID, "level": level.LevelNumber},
				})
			}
		}
	}
}
