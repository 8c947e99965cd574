package db

import (
	"time"
)

// Incident statuses. "triggered" is the open, actively-escalating state;
// acknowledge/resolve/close all stop escalation.
const (
	IncidentStatusTriggered    = "triggered"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusResolved     = "resolved"
	IncidentStatusClosed       = "closed"
)

// Escalation phases stored on the incident row.
const (
	EscalationPhaseNone       = "none"
	EscalationPhaseEscalating = "escalating"
	EscalationPhaseExhausted  = "exhausted"
	EscalationPhaseStopped    = "stopped"
)

// Incident urgency levels.
const (
	IncidentUrgencyHigh = "high"
	IncidentUrgencyLow  = "low"
)

type Incident struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Urgency     string     `json:"urgency"`
	Severity    string     `json:"severity"`
	Source      string     `json:"source"`
	GroupID     string     `json:"group_id,omitempty"`
	ServiceID   string     `json:"service_id,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Escalation state. CurrentLevel is the last policy level that was
	// dispatched (0 = level zero at creation). CurrentRepeat counts full
	// passes through the policy's levels.
	EscalationPolicyID string     `json:"escalation_policy_id,omitempty"`
	CurrentLevel       int        `json:"current_level"`
	CurrentRepeat      int        `json:"current_repeat"`
	EscalationPhase    string     `json:"escalation_phase"`
	LastEscalatedAt    *time.Time `json:"last_escalated_at,omitempty"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the incident still wants escalation work.
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusTriggered
}

// Escalation target types. A target resolves at dispatch time to a concrete
// set of responder user IDs.
const (
	TargetTypeUser     = "user"
	TargetTypeSchedule = "schedule"
	TargetTypeTeam     = "team"
)

// EscalationTarget is one entry in a level's ordered target set.
type EscalationTarget struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
}

// EscalationPolicy defines an ordered escalation chain for one team.
type EscalationPolicy struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	GroupID        string    `json:"group_id"`
	IsActive       bool      `json:"is_active"`
	RepeatMaxTimes int       `json:"repeat_max_times"` // full passes through the levels before giving up
	DefaultTimeout int       `json:"default_timeout_minutes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CreatedBy      string    `json:"created_by,omitempty"`
}

// EscalationLevel is a single rung of a policy: who to page and how long to
// wait before moving on.
type EscalationLevel struct {
	ID             string             `json:"id"`
	PolicyID       string             `json:"policy_id"`
	LevelNumber    int                `json:"level_number"`
	Targets        []EscalationTarget `json:"targets"`
	TimeoutMinutes int                `json:"timeout_minutes"` // 0 = use policy default
	CreatedAt      time.Time          `json:"created_at"`
}

// GetEffectiveTimeout returns the level timeout, falling back to the policy
// default when the level does not override it.
func (el *EscalationLevel) GetEffectiveTimeout(policyDefault int) int {
	if el.TimeoutMinutes > 0 {
		return el.TimeoutMinutes
	}
	if policyDefault > 0 {
		return policyDefault
	}
	return 5
}

// EscalationPolicyWithLevels includes all escalation levels for a policy.
type EscalationPolicyWithLevels struct {
	EscalationPolicy
	Levels []EscalationLevel `json:"levels"`
}

// MaxLevel returns the highest level number in the policy, or -1 when the
// policy has no levels.
func (p *EscalationPolicyWithLevels) MaxLevel() int {
	max := -1
	for _, l := range p.Levels {
		if l.LevelNumber > max {
			max = l.LevelNumber
		}
	}
	return max
}

// LevelByNumber returns the level with the given number, or nil.
func (p *EscalationPolicyWithLevels) LevelByNumber(n int) *EscalationLevel {
	for i := range p.Levels {
		if p.Levels[i].LevelNumber == n {
			return &p.Levels[i]
		}
	}
	return nil
}

// IncidentEscalation is one row of escalation history for an incident.
type IncidentEscalation struct {
	ID           string    `json:"id"`
	IncidentID   string    `json:"incident_id"`
	PolicyID     string    `json:"policy_id"`
	Level        int       `json:"level"`
	Repeat       int       `json:"repeat"`
	TargetType   string    `json:"target_type"`
	TargetID     string    `json:"target_id"`
	Status       string    `json:"status"` // executing, completed, failed
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChannelEscalationConfig is the ordered tier layout tried by the dispatcher.
type ChannelEscalationConfig struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary"`
	Fallback  []string `json:"fallback"`
}

// DefaultChannelConfig is used when neither the user nor their team has an
// override in the preference store.
func DefaultChannelConfig() ChannelEscalationConfig {
	return ChannelEscalationConfig{
		Primary:   []string{"email", "chat", "push"},
		Secondary: []string{"sms"},
		Fallback:  []string{"voice"},
	}
}

// NotificationPayload is what a channel adapter is asked to deliver.
type NotificationPayload struct {
	IncidentID string            `json:"incident_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Severity   string            `json:"severity"`
	Source     string            `json:"source"`
	Kind       string            `json:"kind"` // "escalated", "assigned", "resolved", "acknowledged"
	Data       map[string]string `json:"data,omitempty"`
}

// ChannelDeliveryResult is the explicit outcome of one channel send. Failure
// is a value here, never a panic or a bare error bubbling out of dispatch.
type ChannelDeliveryResult struct {
	Success             bool       `json:"success"`
	ProviderMessageID   string     `json:"provider_message_id,omitempty"`
	Error               string     `json:"error,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at,omitempty"`
}

// NotificationAttempt is the per-channel record kept for audit and
// preference tuning, regardless of the tier outcome.
type NotificationAttempt struct {
	ID         string                `json:"id"`
	UserID     string                `json:"user_id"`
	IncidentID string                `json:"incident_id"`
	Channel    string                `json:"channel"`
	Tier       string                `json:"tier"` // primary, secondary, fallback
	Result     ChannelDeliveryResult `json:"result"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Workflow execution triggers.
const (
	WorkflowTriggerEvent  = "event"
	WorkflowTriggerManual = "manual"
)

// Workflow is a registered automation: a named webhook invoked with the
// execution input when the workflow runs.
type Workflow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	GroupID    string    `json:"group_id,omitempty"`
	WebhookURL string    `json:"webhook_url"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkflowExecution is a scheduled automation run. ExecutionID doubles as the
// job identity, so re-triggering the same logical execution never creates a
// duplicate run.
type WorkflowExecution struct {
	ExecutionID    string    `json:"execution_id"`
	WorkflowID     string    `json:"workflow_id"`
	IncidentID     string    `json:"incident_id,omitempty"`
	TriggeredBy    string    `json:"triggered_by"` // event, manual
	ExecutionChain []string  `json:"execution_chain"`
	Input          []byte    `json:"input,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Audit severities.
const (
	AuditSeverityInfo     = "info"
	AuditSeverityWarning  = "warning"
	AuditSeverityCritical = "critical"
)

// AuditEvent is the structured record emitted for every schedule, cancel,
// tier advance, exhaustion and cycle rejection.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Severity     string                 `json:"severity"`
	CreatedAt    time.Time              `json:"created_at"`
}

// User is the slice of the user record the engine needs for notification
// routing.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Team     string `json:"team,omitempty"`
	FCMToken string `json:"fcm_token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"` // messenger chat bound via the bot
	IsActive bool   `json:"is_active"`
}
