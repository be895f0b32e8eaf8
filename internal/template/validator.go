// Package template contains the workflow template model's static validator,
// the template store, and the administrative lifecycle service.
package template

import (
	"fmt"

	"github.com/attestia/stageflow/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates structurally and referentially before they can be
// activated. Validation is pure: no side effects, and every problem is
// reported at once so an author can fix all issues in one pass.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns the full list of structural problems in the template.
// An empty result means the template is sound.
func (v *Validator) Validate(t *model.WorkflowTemplate) []VError {
	var errs []VError

	if t.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if t.EntityKind == "" {
		errs = append(errs, VError{Path: "entity_kind", Code: "REQUIRED", Message: "entity_kind is required"})
	} else if !model.KnownEntityKinds[t.EntityKind] {
		errs = append(errs, VError{Path: "entity_kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown entity kind %q", t.EntityKind)})
	}
	if t.InitialStage == "" {
		errs = append(errs, VError{Path: "initial_stage", Code: "REQUIRED", Message: "initial_stage is required"})
	}
	if len(t.Stages) < 2 {
		errs = append(errs, VError{Path: "stages", Code: "REQUIRED", Message: "at least two stages required (initial + terminal)"})
	}
	if t.DefaultSLADays < 0 {
		errs = append(errs, VError{Path: "default_sla_days", Code: "RANGE", Message: "default_sla_days must not be negative"})
	}

	// Stage-id uniqueness, then per-stage checks.
	stageIDs := make(map[string]bool, len(t.Stages))
	terminal := make(map[string]bool)
	for i, s := range t.Stages {
		sp := fmt.Sprintf("stages[%d]", i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
			continue
		}
		if stageIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate stage id %q", s.ID)})
		}
		stageIDs[s.ID] = true
		if s.IsTerminal {
			terminal[s.ID] = true
		}
		if s.SLADays < 0 {
			errs = append(errs, VError{Path: sp + ".sla_days", Code: "RANGE", Message: "sla_days must not be negative"})
		}
		for j, g := range s.Gates {
			if !model.KnownGateTypes[g.Type] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.gates[%d].type", sp, j),
					Code:    "INVALID_ENUM",
					Message: fmt.Sprintf("unknown gate type %q", g.Type),
				})
			}
		}
		if s.Escalation != nil {
			errs = append(errs, v.validateEscalation(sp+".escalation", s.Escalation, t)...)
		}
	}

	// Initial-stage existence.
	if t.InitialStage != "" && !stageIDs[t.InitialStage] {
		errs = append(errs, VError{
			Path:    "initial_stage",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("initial_stage %q not found in stages", t.InitialStage),
		})
	}

	// Transition references, enum membership, duplicates.
	outgoing := make(map[string][]string)
	seen := make(map[string]bool)
	for i, tr := range t.Transitions {
		tp := fmt.Sprintf("transitions[%d]", i)
		if tr.From == "" || !stageIDs[tr.From] {
			errs = append(errs, VError{Path: tp + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.From)})
		}
		if tr.To == "" || !stageIDs[tr.To] {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.To)})
		}
		if terminal[tr.From] {
			errs = append(errs, VError{
				Path:    tp + ".from",
				Code:    "TERMINAL_OUTGOING",
				Message: fmt.Sprintf("terminal stage %q may not have outgoing transitions", tr.From),
			})
		}
		key := tr.From + "\x00" + tr.To + "\x00" + tr.Label
		if seen[key] {
			errs = append(errs, VError{
				Path:    tp,
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("duplicate transition %q -> %q with label %q", tr.From, tr.To, tr.Label),
			})
		}
		seen[key] = true
		outgoing[tr.From] = append(outgoing[tr.From], tr.To)

		for j, c := range tr.Conditions {
			if !model.KnownConditionTypes[c.Type] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.conditions[%d].type", tp, j),
					Code:    "INVALID_ENUM",
					Message: fmt.Sprintf("unknown condition type %q", c.Type),
				})
			}
		}
		for j, a := range tr.Actions {
			if !model.KnownActionTypes[a.Type] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.actions[%d].type", tp, j),
					Code:    "INVALID_ENUM",
					Message: fmt.Sprintf("unknown action type %q", a.Type),
				})
			}
		}
	}

	// Every non-terminal stage needs at least one way out, and every stage
	// must be reachable from the initial stage. An unreachable stage can never
	// be entered, which signals an authoring error.
	for i, s := range t.Stages {
		if s.ID == "" || s.IsTerminal {
			continue
		}
		if len(outgoing[s.ID]) == 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("stages[%d]", i),
				Code:    "DEAD_END",
				Message: fmt.Sprintf("non-terminal stage %q has no outgoing transitions", s.ID),
			})
		}
	}
	if stageIDs[t.InitialStage] {
		reachable := reachableFrom(t.InitialStage, outgoing)
		for i, s := range t.Stages {
			if s.ID != "" && !reachable[s.ID] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("stages[%d]", i),
					Code:    "UNREACHABLE",
					Message: fmt.Sprintf("stage %q is not reachable from the initial stage", s.ID),
				})
			}
		}
	}

	return errs
}

func (v *Validator) validateEscalation(prefix string, esc *model.EscalationPolicy, t *model.WorkflowTemplate) []VError {
	var errs []VError
	if esc.Action != nil && !model.KnownActionTypes[esc.Action.Type] {
		errs = append(errs, VError{
			Path:    prefix + ".action.type",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("unknown action type %q", esc.Action.Type),
		})
	}
	if esc.EscalateTo != "" {
		found := false
		for _, s := range t.Stages {
			if s.ID == esc.EscalateTo {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, VError{
				Path:    prefix + ".escalate_to",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("stage %q not found", esc.EscalateTo),
			})
		}
	}
	return errs
}

// reachableFrom walks the transition graph breadth-first.
func reachableFrom(start string, outgoing map[string][]string) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}
