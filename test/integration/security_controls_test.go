package integration

import (
	"net/http"
	"testing"

	"github.com/attestia/stageflow/model"
)

func TestSecurity_MissingToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/templates", "")
	h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_MalformedAuthHeader(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/api/templates", "", map[string]string{
		"Authorization": "Token abc123",
	})
	h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_GarbageToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/templates", "not.a.jwt")
	h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_ExpiredToken(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateExpiredToken(OfficerClaims())
	resp := h.GET("/api/templates", token)
	h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_WrongAudience(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateTokenForAudience(OfficerClaims(), "some-other-api")
	resp := h.GET("/api/templates", token)
	h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_MissingTenantClaim(t *testing.T) {
	h := NewTestHarness(t)

	// Valid signature, but no tenant_id claim: the tenant guard rejects it
	// after authentication succeeds.
	token := h.GenerateToken(TestClaims{ActorID: "user-lost", Roles: []string{"case_officer"}})
	resp := h.GET("/api/templates", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestSecurity_PolicyDeniesWrites(t *testing.T) {
	h := NewTestHarness(t, WithPolicyFile("policies.yaml"))
	officerToken := h.GenerateToken(OfficerClaims())
	auditorToken := h.GenerateToken(AuditorClaims())

	tpl := h.CreateActiveTemplate(t, officerToken, TriageTemplate())

	// An auditor has no instances:write grant; mutations are forbidden.
	resp := h.POST("/api/instances", map[string]any{
		"template_id": tpl.ID,
		"entity_id":   "case-sec-1",
	}, auditorToken)
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	inst := h.StartInstance(t, officerToken, tpl.ID, "case-sec-1")

	resp = h.POST("/api/instances/"+inst.ID+"/transition", map[string]any{
		"to_stage": "review",
	}, auditorToken)
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	resp = h.POST("/api/instances/"+inst.ID+"/cancel", map[string]any{
		"reason": "attempted by auditor",
	}, auditorToken)
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	// Reads stay open to the auditor: the ledger is their whole job.
	var history struct {
		Data []model.HistoryEntry `json:"data"`
	}
	resp = h.GET("/api/instances/"+inst.ID+"/history", auditorToken)
	h.AssertJSON(t, resp, http.StatusOK, &history)
	if len(history.Data) != 1 {
		t.Errorf("history entries = %d, want 1", len(history.Data))
	}
}

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	resp := h.GET("/api/templates", token)
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := resp.Header.Get("X-Correlation-Id"); got == "" {
		t.Error("expected generated X-Correlation-Id header")
	}
}

func TestSecurity_CorrelationIDPropagated(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	resp := h.GETWithHeaders("/api/templates", token, map[string]string{
		"X-Correlation-Id": "corr-integration-1",
	})
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-integration-1" {
		t.Errorf("X-Correlation-Id = %q, want corr-integration-1", got)
	}
}

func TestSecurity_HealthEndpointsUnauthenticated(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.GET("/ready", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
