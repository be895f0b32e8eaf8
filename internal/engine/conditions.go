package engine

import (
	"fmt"
	"time"

	"github.com/attestia/stageflow/model"
)

// conditionInput bundles everything a condition may inspect: the instance,
// the acting identity's roles, the entity context, and the evaluation clock.
type conditionInput struct {
	inst      *model.WorkflowInstance
	roles     []string
	entityCtx map[string]any
	now       time.Time
}

// evaluateConditions runs every condition on a transition. Like gates,
// conditions never short-circuit: a denial reports the complete picture.
func evaluateConditions(conditions []model.Condition, in conditionInput) []model.ConditionResult {
	results := make([]model.ConditionResult, 0, len(conditions))
	for _, c := range conditions {
		passed, detail := evaluateCondition(c, in)
		results = append(results, model.ConditionResult{
			Type:   c.Type,
			Passed: passed,
			Detail: detail,
		})
	}
	return results
}

func anyConditionFailed(results []model.ConditionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

func evaluateCondition(c model.Condition, in conditionInput) (bool, string) {
	switch c.Type {
	case model.ConditionFieldEquals:
		field := paramString(c.Params, "field")
		want := fmt.Sprint(c.Params["value"])
		got := fmt.Sprint(in.entityCtx[field])
		if got != want {
			return false, fmt.Sprintf("field %q is %q, expected %q", field, got, want)
		}
		return true, ""

	case model.ConditionFieldNotEquals:
		field := paramString(c.Params, "field")
		avoid := fmt.Sprint(c.Params["value"])
		got := fmt.Sprint(in.entityCtx[field])
		if got == avoid {
			return false, fmt.Sprintf("field %q must not be %q", field, avoid)
		}
		return true, ""

	case model.ConditionActorRoleIs:
		role := paramString(c.Params, "role")
		for _, r := range in.roles {
			if r == role {
				return true, ""
			}
		}
		return false, fmt.Sprintf("actor does not hold role %q", role)

	case model.ConditionElapsedAtLeast:
		days, ok := paramFloat(c.Params, "days")
		if !ok {
			return false, `missing numeric "days" parameter`
		}
		elapsed := in.now.Sub(in.inst.StageEnteredAt)
		required := time.Duration(days * 24 * float64(time.Hour))
		if elapsed < required {
			return false, fmt.Sprintf("only %s elapsed in stage, %v days required", elapsed.Round(time.Minute), days)
		}
		return true, ""

	case model.ConditionScoreAtLeast:
		return scoreAtLeast(c.Params, in.entityCtx)

	default:
		return false, fmt.Sprintf("unknown condition type %q", c.Type)
	}
}
