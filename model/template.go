// Package model contains the shared domain types for the workflow engine:
// templates, instances, history entries, error envelopes, and the interfaces
// of external collaborators.
package model

import "time"

// Entity kinds a template may govern. The engine treats these as opaque tags;
// the closed set exists so that template authoring errors are caught early.
const (
	EntityKindCase          = "CASE"
	EntityKindInvestigation = "INVESTIGATION"
	EntityKindPolicy        = "POLICY"
	EntityKindDisclosure    = "DISCLOSURE"
	EntityKindProject       = "PROJECT"
)

// KnownEntityKinds is the set of entity kinds accepted at template validation.
var KnownEntityKinds = map[string]bool{
	EntityKindCase:          true,
	EntityKindInvestigation: true,
	EntityKindPolicy:        true,
	EntityKindDisclosure:    true,
	EntityKindProject:       true,
}

// Gate types. A gate is a precondition checked when an instance attempts to
// leave its current stage, independent of which transition is chosen.
const (
	GateSubStepsAcknowledged = "substeps_acknowledged"
	GateApprovalRecorded     = "approval_recorded"
	GateFieldPresent         = "field_present"
	GateScoreAtLeast         = "score_at_least"
)

// KnownGateTypes is the set of gate types accepted at template validation.
var KnownGateTypes = map[string]bool{
	GateSubStepsAcknowledged: true,
	GateApprovalRecorded:     true,
	GateFieldPresent:         true,
	GateScoreAtLeast:         true,
}

// Condition types. A condition is a predicate evaluated on a specific
// transition against the instance and its bound entity context.
const (
	ConditionFieldEquals    = "field_equals"
	ConditionFieldNotEquals = "field_not_equals"
	ConditionActorRoleIs    = "actor_role_is"
	ConditionElapsedAtLeast = "elapsed_at_least"
	ConditionScoreAtLeast   = "score_at_least"
)

// KnownConditionTypes is the set of condition types accepted at template validation.
var KnownConditionTypes = map[string]bool{
	ConditionFieldEquals:    true,
	ConditionFieldNotEquals: true,
	ConditionActorRoleIs:    true,
	ConditionElapsedAtLeast: true,
	ConditionScoreAtLeast:   true,
}

// Action types. An action is a side effect dispatched after a transition
// commits. The engine hands actions to the ActionDispatcher collaborator and
// records the outcome; it never implements the effect itself.
const (
	ActionNotify             = "notify"
	ActionReassignOwner      = "reassign_owner"
	ActionCreateTask         = "create_task"
	ActionEmitEvent          = "emit_event"
	ActionStartChildWorkflow = "start_child_workflow"
)

// KnownActionTypes is the set of action types accepted at template validation.
var KnownActionTypes = map[string]bool{
	ActionNotify:             true,
	ActionReassignOwner:      true,
	ActionCreateTask:         true,
	ActionEmitEvent:          true,
	ActionStartChildWorkflow: true,
}

// WorkflowTemplate is a named, versionable process definition. Structural
// fields (stages, transitions, initial stage) are frozen once any instance
// references the template; only metadata may change after that.
type WorkflowTemplate struct {
	ID              string       `json:"id"              yaml:"id"`
	Name            string       `json:"name"            yaml:"name"`
	Description     string       `json:"description"     yaml:"description,omitempty"`
	EntityKind      string       `json:"entity_kind"     yaml:"entity_kind"`
	InitialStage    string       `json:"initial_stage"   yaml:"initial_stage"`
	DefaultSLADays  int          `json:"default_sla_days" yaml:"default_sla_days,omitempty"`
	Stages          []Stage      `json:"stages"          yaml:"stages"`
	Transitions     []Transition `json:"transitions"     yaml:"transitions"`
	Tags            []string     `json:"tags,omitempty"  yaml:"tags,omitempty"`
	IsDefault       bool         `json:"is_default"      yaml:"is_default,omitempty"`
	IsActive        bool         `json:"is_active"       yaml:"is_active,omitempty"`
	AllowConcurrent bool         `json:"allow_concurrent" yaml:"allow_concurrent,omitempty"`
	TenantID        string       `json:"tenant_id"       yaml:"-"`
	Version         int          `json:"version"         yaml:"-"`
	CreatedAt       time.Time    `json:"created_at"      yaml:"-"`
	UpdatedAt       time.Time    `json:"updated_at"      yaml:"-"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty" yaml:"-"`
}

// Stage is a named phase within a template.
type Stage struct {
	ID          string            `json:"id"          yaml:"id"`
	Name        string            `json:"name"        yaml:"name"`
	Description string            `json:"description" yaml:"description,omitempty"`
	SubSteps    []string          `json:"sub_steps,omitempty" yaml:"sub_steps,omitempty"`
	SLADays     int               `json:"sla_days,omitempty"  yaml:"sla_days,omitempty"`
	Gates       []Gate            `json:"gates,omitempty"     yaml:"gates,omitempty"`
	Escalation  *EscalationPolicy `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	IsTerminal  bool              `json:"is_terminal" yaml:"is_terminal,omitempty"`
}

// EscalationPolicy describes what happens when an instance breaches its SLA
// deadline while sitting in this stage. The action is dispatched exactly once
// per breach. EscalateTo optionally names a stage the scheduler should attempt
// to move the instance to, through the ordinary transition path.
type EscalationPolicy struct {
	Action     *Action `json:"action,omitempty"      yaml:"action,omitempty"`
	EscalateTo string  `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
}

// Transition is a directed edge between two stages.
type Transition struct {
	From           string      `json:"from"  yaml:"from"`
	To             string      `json:"to"    yaml:"to"`
	Label          string      `json:"label" yaml:"label"`
	Conditions     []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions        []Action    `json:"actions,omitempty"    yaml:"actions,omitempty"`
	RequiresReason bool        `json:"requires_reason"      yaml:"requires_reason,omitempty"`
}

// Gate is a stage-leave precondition. A blocking gate that fails aborts the
// transition; a non-blocking one only records a warning.
type Gate struct {
	Type     string         `json:"type"   yaml:"type"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Blocking bool           `json:"blocking" yaml:"blocking,omitempty"`
}

// Condition is a typed predicate on a transition.
type Condition struct {
	Type   string         `json:"type"   yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Action is a typed side effect dispatched after a transition commits.
type Action struct {
	Type   string         `json:"type"   yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// TemplateSnapshot is the frozen rulebook copied into an instance at start
// time. Later edits to the live template never change a running instance's
// behavior.
type TemplateSnapshot struct {
	TemplateID      string       `json:"template_id"`
	TemplateVersion int          `json:"template_version"`
	Name            string       `json:"name"`
	EntityKind      string       `json:"entity_kind"`
	InitialStage    string       `json:"initial_stage"`
	DefaultSLADays  int          `json:"default_sla_days"`
	Stages          []Stage      `json:"stages"`
	Transitions     []Transition `json:"transitions"`
}

// Snapshot copies the structural parts of the template into a frozen snapshot.
func (t *WorkflowTemplate) Snapshot() TemplateSnapshot {
	stages := make([]Stage, len(t.Stages))
	copy(stages, t.Stages)
	transitions := make([]Transition, len(t.Transitions))
	copy(transitions, t.Transitions)
	return TemplateSnapshot{
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Name:            t.Name,
		EntityKind:      t.EntityKind,
		InitialStage:    t.InitialStage,
		DefaultSLADays:  t.DefaultSLADays,
		Stages:          stages,
		Transitions:     transitions,
	}
}

// StageByID returns the stage with the given ID, or nil if absent.
func (s *TemplateSnapshot) StageByID(id string) *Stage {
	for i := range s.Stages {
		if s.Stages[i].ID == id {
			return &s.Stages[i]
		}
	}
	return nil
}

// FindTransition returns the declared edge from one stage to another, or nil
// if no such edge exists. Only explicitly modeled edges are traversable.
func (s *TemplateSnapshot) FindTransition(from, to string) *Transition {
	for i := range s.Transitions {
		if s.Transitions[i].From == from && s.Transitions[i].To == to {
			return &s.Transitions[i]
		}
	}
	return nil
}

// SLADaysFor returns the effective SLA for a stage: the stage override if set,
// otherwise the template default. Zero means no deadline.
func (s *TemplateSnapshot) SLADaysFor(stageID string) int {
	if st := s.StageByID(stageID); st != nil && st.SLADays > 0 {
		return st.SLADays
	}
	return s.DefaultSLADays
}
