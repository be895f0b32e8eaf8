package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/attestia/stageflow/model"
)

// backdateDeadline moves an instance's SLA deadline into the past directly in
// the store, so a sweep finds it overdue without waiting out real days.
func backdateDeadline(t *testing.T, h *TestHarness, tenantID, instanceID string) {
	t.Helper()
	ctx := context.Background()

	inst, err := h.InstanceStore.Get(ctx, tenantID, instanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	past := time.Now().UTC().Add(-3 * time.Hour)
	inst.Deadline = &past
	if err := h.InstanceStore.Update(ctx, inst); err != nil {
		t.Fatalf("backdate deadline: %v", err)
	}
}

func escalatingTemplate() model.WorkflowTemplate {
	tpl := TriageTemplate()
	tpl.Stages[0].Escalation = &model.EscalationPolicy{
		Action: &model.Action{Type: model.ActionNotify, Params: map[string]any{"channel": "pager"}},
	}
	return tpl
}

func TestEscalation_SweepFiresOnce(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())
	ctx := context.Background()

	tpl := h.CreateActiveTemplate(t, token, escalatingTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-esc-1")
	backdateDeadline(t, h, "acme-corp", inst.ID)

	if got := h.Scheduler.Tick(ctx); got != 1 {
		t.Fatalf("Tick() = %d escalated, want 1", got)
	}
	if got := h.Webhooks.Count(); got != 1 {
		t.Fatalf("webhook deliveries = %d, want 1", got)
	}
	if got := h.Webhooks.Received()[0].ActionType; got != model.ActionNotify {
		t.Errorf("action type = %q, want notify", got)
	}

	// The breach marker keeps the next sweep quiet.
	if got := h.Scheduler.Tick(ctx); got != 0 {
		t.Errorf("second Tick() = %d escalated, want 0", got)
	}
	if got := h.Webhooks.Count(); got != 1 {
		t.Errorf("webhook deliveries after second sweep = %d, want 1", got)
	}

	// The breach is visible to the API caller.
	var breached model.WorkflowInstance
	resp := h.GET("/api/instances/"+inst.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &breached)
	if breached.EscalatedAt == nil {
		t.Error("EscalatedAt should be set after escalation")
	}

	// And recorded in the ledger under the system actor.
	var history struct {
		Data []model.HistoryEntry `json:"data"`
	}
	resp = h.GET("/api/instances/"+inst.ID+"/history", token)
	h.AssertJSON(t, resp, http.StatusOK, &history)
	last := history.Data[len(history.Data)-1]
	if last.Kind != model.HistoryKindEscalation {
		t.Errorf("last entry kind = %q, want escalation", last.Kind)
	}
	if last.ActorID != "system" {
		t.Errorf("last entry actor = %q, want system", last.ActorID)
	}
}

func TestEscalation_EscalateToMovesInstance(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())
	ctx := context.Background()

	tpl := escalatingTemplate()
	tpl.Stages[0].Escalation.EscalateTo = "review"
	created := h.CreateActiveTemplate(t, token, tpl)

	inst := h.StartInstance(t, token, created.ID, "case-esc-2")
	backdateDeadline(t, h, "acme-corp", inst.ID)

	if got := h.Scheduler.Tick(ctx); got != 1 {
		t.Fatalf("Tick() = %d escalated, want 1", got)
	}

	var moved model.WorkflowInstance
	resp := h.GET("/api/instances/"+inst.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &moved)
	if moved.CurrentStage != "review" {
		t.Errorf("CurrentStage = %q, want review after forced move", moved.CurrentStage)
	}
	if moved.Status != model.InstanceStatusActive {
		t.Errorf("Status = %q, want ACTIVE", moved.Status)
	}
}

func TestEscalation_FailedDispatchRetriesNextSweep(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())
	ctx := context.Background()

	tpl := h.CreateActiveTemplate(t, token, escalatingTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-esc-3")
	backdateDeadline(t, h, "acme-corp", inst.ID)

	// Receiver is down on the first sweep; the breach marker stays unset so
	// the next sweep retries.
	h.Webhooks.RespondWith(http.StatusInternalServerError)
	h.Scheduler.Tick(ctx)
	if got := h.Webhooks.Count(); got != 1 {
		t.Fatalf("webhook attempts = %d, want 1", got)
	}

	var stillOverdue model.WorkflowInstance
	resp := h.GET("/api/instances/"+inst.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &stillOverdue)
	if stillOverdue.EscalatedAt != nil {
		t.Fatal("EscalatedAt should stay unset after a failed dispatch")
	}

	h.Webhooks.RespondWith(http.StatusOK)
	if got := h.Scheduler.Tick(ctx); got != 1 {
		t.Fatalf("retry Tick() = %d escalated, want 1", got)
	}
	if got := h.Webhooks.Count(); got != 2 {
		t.Errorf("webhook attempts = %d, want 2", got)
	}
}

func TestEscalation_PausedInstanceNotSwept(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())
	ctx := context.Background()

	tpl := h.CreateActiveTemplate(t, token, escalatingTemplate())
	inst := h.StartInstance(t, token, tpl.ID, "case-esc-4")
	backdateDeadline(t, h, "acme-corp", inst.ID)

	resp := h.POST("/api/instances/"+inst.ID+"/pause", map[string]any{
		"reason": "on hold",
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if got := h.Scheduler.Tick(ctx); got != 0 {
		t.Errorf("Tick() = %d escalated, want 0 for paused instance", got)
	}
	if got := h.Webhooks.Count(); got != 0 {
		t.Errorf("webhook deliveries = %d, want 0", got)
	}
}
