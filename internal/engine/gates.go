package engine

import (
	"fmt"
	"strconv"

	"github.com/attestia/stageflow/model"
)

// evaluateGates runs every gate attached to a stage against the entity
// context. All gates are evaluated; nothing short-circuits, so the returned
// slice always carries one result per gate.
func evaluateGates(stage *model.Stage, entityCtx map[string]any) []model.GateResult {
	results := make([]model.GateResult, 0, len(stage.Gates))
	for _, g := range stage.Gates {
		passed, detail := evaluateGate(g, stage, entityCtx)
		results = append(results, model.GateResult{
			Type:     g.Type,
			Passed:   passed,
			Blocking: g.Blocking,
			Detail:   detail,
		})
	}
	return results
}

// blockingGateFailed reports whether any blocking gate in the results failed.
// Non-blocking failures are advisory and never abort a transition.
func blockingGateFailed(results []model.GateResult) bool {
	for _, r := range results {
		if r.Blocking && !r.Passed {
			return true
		}
	}
	return false
}

func evaluateGate(g model.Gate, stage *model.Stage, entityCtx map[string]any) (bool, string) {
	switch g.Type {
	case model.GateSubStepsAcknowledged:
		acked := stringSet(entityCtx["acknowledged_sub_steps"])
		for _, step := range stage.SubSteps {
			if !acked[step] {
				return false, fmt.Sprintf("sub-step %q not acknowledged", step)
			}
		}
		return true, ""

	case model.GateApprovalRecorded:
		approvals := stringSet(entityCtx["approvals"])
		kind := paramString(g.Params, "kind")
		if kind == "" {
			if len(approvals) == 0 {
				return false, "no approval recorded"
			}
			return true, ""
		}
		if !approvals[kind] {
			return false, fmt.Sprintf("approval %q not recorded", kind)
		}
		return true, ""

	case model.GateFieldPresent:
		field := paramString(g.Params, "field")
		v, ok := entityCtx[field]
		if !ok || v == nil || fmt.Sprint(v) == "" {
			return false, fmt.Sprintf("field %q is absent or empty", field)
		}
		return true, ""

	case model.GateScoreAtLeast:
		return scoreAtLeast(g.Params, entityCtx)

	default:
		// Unknown types are rejected at template validation; an instance can
		// only reach here through a hand-edited snapshot.
		return false, fmt.Sprintf("unknown gate type %q", g.Type)
	}
}

// scoreAtLeast is shared between the score_at_least gate and condition.
func scoreAtLeast(params map[string]any, entityCtx map[string]any) (bool, string) {
	field := paramString(params, "field")
	if field == "" {
		field = "score"
	}
	min, ok := paramFloat(params, "min")
	if !ok {
		return false, `missing numeric "min" parameter`
	}
	score, ok := numeric(entityCtx[field])
	if !ok {
		return false, fmt.Sprintf("field %q is not numeric", field)
	}
	if score < min {
		return false, fmt.Sprintf("%s %v is below %v", field, score, min)
	}
	return true, ""
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	return numeric(params[key])
}

// numeric coerces JSON- and YAML-decoded scalar types to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringSet flattens a decoded list value into a membership set. JSON decoding
// yields []any; callers handing us a []string directly also work.
func stringSet(v any) map[string]bool {
	set := make(map[string]bool)
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			set[s] = true
		}
	case []any:
		for _, item := range list {
			set[fmt.Sprint(item)] = true
		}
	}
	return set
}
