package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/actors"
	"github.com/attestia/stageflow/internal/config"
	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/internal/entity"
	"github.com/attestia/stageflow/internal/template"
	"github.com/attestia/stageflow/model"
)

// fakeAuth injects fixed claims the way the JWT middleware would after
// verifying a token.
func fakeAuth(claims map[string]any) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func officerClaims() map[string]any {
	return map[string]any{
		"sub":       "user-alice",
		"tenant_id": "tenant-1",
		"email":     "alice@example.com",
		"roles":     []any{"case_officer"},
	}
}

type queuedDispatcher struct{}

func (queuedDispatcher) Dispatch(_ context.Context, _ model.Action, _ model.WorkflowInstance, _ map[string]any) model.DispatchOutcome {
	return model.DispatchOutcome{Outcome: model.DispatchQueued, Detail: "test"}
}

func newTestRouter(t *testing.T, claims map[string]any) chi.Router {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Observability.Metrics.Enabled = false

	templateStore := template.NewMemoryStore()
	instanceStore := engine.NewMemoryInstanceStore()
	svc := template.NewService(templateStore, template.NewValidator(), instanceStore)
	eng := engine.New(
		templateStore,
		instanceStore,
		entity.NewStaticLookup(),
		queuedDispatcher{},
		actors.AllowAllResolver{},
		zap.NewNop(),
		nil,
	)

	return NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: fakeAuth(claims),
		Templates:    svc,
		Engine:       eng,
		Logger:       zap.NewNop(),
	})
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func apiTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		Name:         "Case Triage",
		EntityKind:   model.EntityKindCase,
		InitialStage: "intake",
		Stages: []model.Stage{
			{ID: "intake", Name: "Intake", SLADays: 2},
			{ID: "review", Name: "Review"},
			{ID: "closed", Name: "Closed", IsTerminal: true},
		},
		Transitions: []model.Transition{
			{From: "intake", To: "review", Label: "begin_review"},
			{From: "review", To: "closed", Label: "close"},
		},
	}
}

func TestRouter_health(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 200 {
		t.Errorf("/health status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != 200 {
		t.Errorf("/ready status = %d, want 200", w.Code)
	}
}

func TestRouter_missingTenantClaim(t *testing.T) {
	router := newTestRouter(t, map[string]any{"sub": "user-1"})

	w := doJSON(t, router, "GET", "/api/templates", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_templateLifecycle(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "POST", "/api/templates", apiTemplate())
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created model.WorkflowTemplate
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.IsActive {
		t.Errorf("created = %+v, want inactive with ID", created)
	}

	w = doJSON(t, router, "POST", "/api/templates/"+created.ID+"/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got model.WorkflowTemplate
	json.NewDecoder(w.Body).Decode(&got)
	if !got.IsActive {
		t.Error("template should be active after activate")
	}

	w = doJSON(t, router, "GET", "/api/templates?active=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}

	w = doJSON(t, router, "DELETE", "/api/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/templates/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestRouter_templateValidationError(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	bad := apiTemplate()
	bad.InitialStage = "ghost"
	w := doJSON(t, router, "POST", "/api/templates", bad)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}

	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error == nil || body.Error.Code != model.ErrValidationError {
		t.Errorf("error = %+v", body.Error)
	}
	if len(body.Error.Fields) == 0 {
		t.Error("expected field-level details")
	}
}

func TestRouter_instanceLifecycle(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "POST", "/api/templates", apiTemplate())
	var tpl model.WorkflowTemplate
	json.NewDecoder(w.Body).Decode(&tpl)
	doJSON(t, router, "POST", "/api/templates/"+tpl.ID+"/activate", nil)

	w = doJSON(t, router, "POST", "/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-1",
		"entity_kind": model.EntityKindCase,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	var inst model.WorkflowInstance
	json.NewDecoder(w.Body).Decode(&inst)
	if inst.CurrentStage != "intake" {
		t.Errorf("CurrentStage = %q", inst.CurrentStage)
	}

	// Undeclared edge is rejected before any state change.
	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "closed",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad transition status = %d, want 422", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/pause", map[string]any{
		"reason": "awaiting documents",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}

	// A paused instance refuses transitions.
	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "closed",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("transition while paused status = %d, want 409", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "closed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("final transition status = %d", w.Code)
	}
	var closed model.WorkflowInstance
	json.NewDecoder(w.Body).Decode(&closed)
	if closed.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", closed.Status)
	}

	w = doJSON(t, router, "GET", "/api/instances/"+inst.ID+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var history struct {
		Data []model.HistoryEntry `json:"data"`
	}
	json.NewDecoder(w.Body).Decode(&history)
	// start + 2 committed transitions + pause + resume; denials leave no entry
	if len(history.Data) != 5 {
		t.Errorf("history entries = %d, want 5", len(history.Data))
	}
}

func TestRouter_instanceList(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "POST", "/api/templates", apiTemplate())
	var tpl model.WorkflowTemplate
	json.NewDecoder(w.Body).Decode(&tpl)
	doJSON(t, router, "POST", "/api/templates/"+tpl.ID+"/activate", nil)

	for _, id := range []string{"case-1", "case-2", "case-3"} {
		doJSON(t, router, "POST", "/api/instances", map[string]any{
			"template_id": tpl.ID,
			"entity_id":   id,
		})
	}

	w = doJSON(t, router, "GET", "/api/instances?page=1&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var page struct {
		Data       []model.InstanceSummary `json:"data"`
		TotalCount int                     `json:"total_count"`
	}
	json.NewDecoder(w.Body).Decode(&page)
	if len(page.Data) != 2 || page.TotalCount != 3 {
		t.Errorf("page = %d entries, total %d; want 2 of 3", len(page.Data), page.TotalCount)
	}
}

func TestRouter_cancelRequiresReason(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "POST", "/api/templates", apiTemplate())
	var tpl model.WorkflowTemplate
	json.NewDecoder(w.Body).Decode(&tpl)
	doJSON(t, router, "POST", "/api/templates/"+tpl.ID+"/activate", nil)

	w = doJSON(t, router, "POST", "/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-1",
	})
	var inst model.WorkflowInstance
	json.NewDecoder(w.Body).Decode(&inst)

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/cancel", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("cancel without reason status = %d, want 422", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/instances/"+inst.ID+"/cancel", map[string]any{
		"reason": "filed in error",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
}

func TestRouter_instanceNotFound(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "GET", "/api/instances/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_historyQuery(t *testing.T) {
	router := newTestRouter(t, officerClaims())

	w := doJSON(t, router, "POST", "/api/templates", apiTemplate())
	var tpl model.WorkflowTemplate
	json.NewDecoder(w.Body).Decode(&tpl)
	doJSON(t, router, "POST", "/api/templates/"+tpl.ID+"/activate", nil)
	doJSON(t, router, "POST", "/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-1",
	})

	w = doJSON(t, router, "GET", "/api/history?entity_kind=CASE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data []model.HistoryEntry `json:"data"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if len(body.Data) != 1 {
		t.Errorf("entries = %d, want 1", len(body.Data))
	}

	w = doJSON(t, router, "GET", "/api/history?from=not-a-time", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", w.Code)
	}
}
