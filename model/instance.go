package model

import "time"

// Workflow instance status constants. Status only ever moves
// ACTIVE -> {COMPLETED, CANCELLED, PAUSED} and PAUSED -> ACTIVE.
const (
	InstanceStatusActive    = "ACTIVE"
	InstanceStatusCompleted = "COMPLETED"
	InstanceStatusCancelled = "CANCELLED"
	InstanceStatusPaused    = "PAUSED"
)

// History entry kinds.
const (
	HistoryKindStart      = "start"
	HistoryKindTransition = "transition"
	HistoryKindPause      = "pause"
	HistoryKindResume     = "resume"
	HistoryKindCancel     = "cancel"
	HistoryKindEscalation = "escalation"
)

// Action dispatch outcomes recorded in history entries.
const (
	DispatchSuccess = "success"
	DispatchFailure = "failure"
	DispatchQueued  = "queued"
)

// WorkflowInstance is one running or completed execution of a template,
// bound to one business entity. It is mutated only through the transition
// engine, which treats it as an immutable-until-replaced value: read, compute
// the new value, compare-and-swap on Version.
type WorkflowInstance struct {
	ID              string           `json:"id"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int              `json:"template_version"`
	Snapshot        TemplateSnapshot `json:"snapshot"`
	TenantID        string           `json:"tenant_id"`
	EntityKind      string           `json:"entity_kind"`
	EntityID        string           `json:"entity_id"`
	CurrentStage    string           `json:"current_stage"`
	Status          string           `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	StageEnteredAt  time.Time        `json:"stage_entered_at"`
	Deadline        *time.Time       `json:"deadline,omitempty"`
	EscalatedAt     *time.Time       `json:"escalated_at,omitempty"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Overdue reports whether the instance has breached its current-stage
// deadline and that breach has not yet been escalated.
func (i *WorkflowInstance) Overdue(now time.Time) bool {
	if i.Status != InstanceStatusActive || i.Deadline == nil {
		return false
	}
	if !i.Deadline.Before(now) {
		return false
	}
	// EscalatedAt marks the breach as already fired; it is cleared on every
	// stage entry so a fresh deadline can breach again.
	return i.EscalatedAt == nil
}

// InstanceSummary is a lightweight representation used in list views.
type InstanceSummary struct {
	ID           string     `json:"id"`
	TemplateID   string     `json:"template_id"`
	TemplateName string     `json:"template_name"`
	EntityKind   string     `json:"entity_kind"`
	EntityID     string     `json:"entity_id"`
	CurrentStage string     `json:"current_stage"`
	Status       string     `json:"status"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	TemplateID string
	Status     string
	EntityKind string
	Page       int
	PageSize   int
}

// GateResult records the evaluation of one gate during a transition attempt.
type GateResult struct {
	Type     string `json:"type"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Detail   string `json:"detail,omitempty"`
}

// ConditionResult records the evaluation of one transition condition.
type ConditionResult struct {
	Type   string `json:"type"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ActionDispatch records the outcome of one post-commit action dispatch.
type ActionDispatch struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// HistoryEntry is an immutable record of one committed state change. Entries
// are append-only; no update or delete operation exists anywhere in the engine.
// TenantID and EntityKind are denormalised so compliance queries do not need
// to join back to the instance.
type HistoryEntry struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instance_id"`
	TenantID   string            `json:"tenant_id"`
	EntityKind string            `json:"entity_kind"`
	Kind       string            `json:"kind"`
	FromStage  string            `json:"from_stage"`
	ToStage    string            `json:"to_stage"`
	ActorID    string            `json:"actor_id"`
	Reason     string            `json:"reason,omitempty"`
	Gates      []GateResult      `json:"gates,omitempty"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
	Dispatches []ActionDispatch  `json:"dispatches,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HistoryFilters select ledger entries for compliance reporting.
type HistoryFilters struct {
	TenantID   string
	EntityKind string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
