package integration

import (
	"net/http"
	"testing"

	"github.com/attestia/stageflow/model"
)

func TestLifecycle_FullTriagePath(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	if !tpl.IsActive {
		t.Error("template should be active after activation")
	}

	inst := h.StartInstance(t, token, tpl.ID, "case-1001")
	if inst.CurrentStage != "intake" {
		t.Errorf("CurrentStage = %q, want intake", inst.CurrentStage)
	}
	if inst.Status != model.InstanceStatusActive {
		t.Errorf("Status = %q, want ACTIVE", inst.Status)
	}
	if inst.Deadline == nil {
		t.Error("intake carries an SLA; expected a deadline")
	}
	if inst.Snapshot.TemplateID != tpl.ID {
		t.Errorf("snapshot template ID = %q, want %q", inst.Snapshot.TemplateID, tpl.ID)
	}

	var afterReview model.WorkflowInstance
	resp := h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &afterReview)
	if afterReview.CurrentStage != "review" {
		t.Errorf("CurrentStage = %q, want review", afterReview.CurrentStage)
	}
	if afterReview.Version <= inst.Version {
		t.Errorf("version did not advance: %d -> %d", inst.Version, afterReview.Version)
	}

	var closed model.WorkflowInstance
	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "closed",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &closed)
	if closed.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", closed.Status)
	}

	// The approve transition declares a notify action; the webhook sink must
	// have received exactly one delivery for it.
	received := h.Webhooks.Received()
	if len(received) != 1 {
		t.Fatalf("webhook deliveries = %d, want 1\n%s", len(received), FormatJSON(received))
	}
	if received[0].ActionType != model.ActionNotify {
		t.Errorf("action type = %q, want notify", received[0].ActionType)
	}
	if received[0].TenantID != "acme-corp" {
		t.Errorf("tenant header = %q, want acme-corp", received[0].TenantID)
	}
	if received[0].Payload["instance_id"] != inst.ID {
		t.Errorf("payload instance_id = %v, want %s", received[0].Payload["instance_id"], inst.ID)
	}

	// The ledger records start and both transitions, oldest first.
	var history struct {
		Data []model.HistoryEntry `json:"data"`
	}
	resp = h.GET("/api/instances/"+inst.ID+"/history", token)
	h.AssertJSON(t, resp, http.StatusOK, &history)
	if len(history.Data) != 3 {
		t.Fatalf("history entries = %d, want 3\n%s", len(history.Data), FormatJSON(history.Data))
	}
	if history.Data[0].Kind != model.HistoryKindStart {
		t.Errorf("first entry kind = %q, want start", history.Data[0].Kind)
	}
	last := history.Data[len(history.Data)-1]
	if last.Kind != model.HistoryKindTransition || last.ToStage != "closed" {
		t.Errorf("last entry = %+v", last)
	}
	if last.ActorID != "user-officer" {
		t.Errorf("last entry actor = %q, want user-officer", last.ActorID)
	}
	if len(last.Dispatches) != 1 {
		t.Errorf("last entry dispatches = %d, want 1", len(last.Dispatches))
	}
}

func TestLifecycle_RejectRequiresReason(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-2001")

	resp := h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "rejected",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, model.ErrReasonRequired)

	var rejected model.WorkflowInstance
	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "rejected",
		"reason":   "duplicate filing",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &rejected)
	if rejected.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", rejected.Status)
	}
}

func TestLifecycle_ConditionGatedTransition(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := TriageTemplate()
	tpl.Transitions[0].Conditions = []model.Condition{
		{Type: model.ConditionFieldEquals, Params: map[string]any{"field": "triage_status", "value": "complete"}},
	}
	created := h.CreateActiveTemplate(t, token, tpl)
	inst := h.StartInstance(t, token, created.ID, "case-3001")

	// Entity context does not satisfy the condition yet.
	h.EntityContexts.Set(model.EntityKindCase, "case-3001", map[string]any{
		"triage_status": "pending",
	})
	resp := h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConditionFailed)

	// A denial leaves the instance untouched.
	var unchanged model.WorkflowInstance
	resp = h.GET("/api/instances/"+inst.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &unchanged)
	if unchanged.CurrentStage != "intake" || unchanged.Version != inst.Version {
		t.Errorf("instance changed by denied transition: %+v", unchanged)
	}

	// Once the entity reaches the required state, the same request commits.
	h.EntityContexts.Set(model.EntityKindCase, "case-3001", map[string]any{
		"triage_status": "complete",
	})
	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLifecycle_DuplicateInstanceRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	h.StartInstance(t, token, tpl.ID, "case-4001")

	resp := h.POST("/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-4001",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrDuplicateInstance)
}

func TestLifecycle_StructuralEditBlockedWhileInUse(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	h.StartInstance(t, token, tpl.ID, "case-5001")

	// Metadata edits remain allowed.
	renamed := tpl
	renamed.Description = "triage flow for standard cases"
	resp := h.PUT("/api/templates/"+tpl.ID, renamed, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Structural edits are frozen once an instance references the template.
	restructured := tpl
	restructured.Transitions = restructured.Transitions[:1]
	resp = h.PUT("/api/templates/"+tpl.ID, restructured, token)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrTemplateInUse)

	// Deletion degrades to a soft delete: the template disappears from the
	// API but its history stays reconstructable.
	resp = h.DELETE("/api/templates/"+tpl.ID, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.GET("/api/templates/"+tpl.ID, token)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLifecycle_SnapshotShieldsRunningInstances(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-6001")

	// Deactivating the template stops new starts but not the running instance.
	resp := h.POST("/api/templates/"+tpl.ID+"/deactivate", nil, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-6002",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrTemplateNotActive)

	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLifecycle_TenantIsolation(t *testing.T) {
	h := NewTestHarness(t)
	acmeToken := h.GenerateToken(OfficerClaims())
	rivalToken := h.GenerateToken(OtherTenantClaims())

	tpl := h.CreateActiveTemplate(t, acmeToken, TriageTemplate())
	inst := h.StartInstance(t, acmeToken, tpl.ID, "case-7001")

	// A different tenant sees neither the template nor the instance.
	resp := h.GET("/api/templates/"+tpl.ID, rivalToken)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = h.GET("/api/instances/"+inst.ID, rivalToken)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	var page struct {
		Data       []model.InstanceSummary `json:"data"`
		TotalCount int                     `json:"total_count"`
	}
	resp = h.GET("/api/instances", rivalToken)
	h.AssertJSON(t, resp, http.StatusOK, &page)
	if page.TotalCount != 0 {
		t.Errorf("rival tenant sees %d instances, want 0", page.TotalCount)
	}

	var ledger struct {
		Data []model.HistoryEntry `json:"data"`
	}
	resp = h.GET("/api/history", rivalToken)
	h.AssertJSON(t, resp, http.StatusOK, &ledger)
	if len(ledger.Data) != 0 {
		t.Errorf("rival tenant sees %d ledger entries, want 0", len(ledger.Data))
	}
}

func TestLifecycle_PauseBlocksProgress(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-8001")

	resp := h.POST("/api/instances/"+inst.ID+"/pause", map[string]any{
		"reason": "awaiting customer documents",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrInstanceNotActive)

	resp = h.POST("/api/instances/"+inst.ID+"/resume", nil, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLifecycle_WebhookFailureRecordedNotFatal(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())
	h.Webhooks.RespondWith(http.StatusInternalServerError)

	tpl := h.CreateActiveTemplate(t, token, TriageTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-9001")

	resp := h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// The approve action's delivery fails downstream; the transition still
	// commits and the failure lands in the ledger.
	var closed model.WorkflowInstance
	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "closed",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &closed)
	if closed.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", closed.Status)
	}

	var history struct {
		Data []model.HistoryEntry `json:"data"`
	}
	resp = h.GET("/api/instances/"+inst.ID+"/history", token)
	h.AssertJSON(t, resp, http.StatusOK, &history)
	last := history.Data[len(history.Data)-1]
	if len(last.Dispatches) != 1 || last.Dispatches[0].Outcome != model.DispatchFailure {
		t.Errorf("dispatches = %+v, want one failure", last.Dispatches)
	}
}
