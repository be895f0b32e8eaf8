// Package integration provides a reusable test harness for end-to-end testing
// of the workflow engine server. It starts a full HTTP server wired with
// in-memory stores, a static entity context lookup, a recording webhook sink,
// and a test JWT issuer, so tests exercise the same middleware pipeline and
// handlers a production deployment runs.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/actors"
	"github.com/attestia/stageflow/internal/config"
	"github.com/attestia/stageflow/internal/dispatch"
	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/internal/entity"
	"github.com/attestia/stageflow/internal/scheduler"
	"github.com/attestia/stageflow/internal/template"
	"github.com/attestia/stageflow/internal/transport"
	"github.com/attestia/stageflow/model"
)

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	TemplateStore  *template.MemoryStore
	Templates      *template.Service
	InstanceStore  *engine.MemoryInstanceStore
	Engine         *engine.Engine
	Scheduler      *scheduler.Scheduler
	EntityContexts *entity.StaticLookup
	Webhooks       *WebhookSink

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	dispatcher     model.ActionDispatcher
}

// WithPolicyFile switches the actor resolver from allow-all to a static
// policy loaded from the given YAML file. Relative paths are resolved from
// the testdata directory.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithDispatcher replaces the default webhook dispatcher.
func WithDispatcher(d model.ActionDispatcher) HarnessOption {
	return func(c *harnessConfig) {
		c.dispatcher = d
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Stores and collaborators.
	h.TemplateStore = template.NewMemoryStore()
	h.InstanceStore = engine.NewMemoryInstanceStore()
	h.Templates = template.NewService(h.TemplateStore, template.NewValidator(), h.InstanceStore)
	h.EntityContexts = entity.NewStaticLookup()
	h.Webhooks = newWebhookSink(t)

	dispatcher := hc.dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.NewWebhookDispatcher(nil, h.Webhooks.URL(), 5*time.Second, logger, nil)
	}

	var resolver model.ActorResolver = actors.AllowAllResolver{}
	if hc.policyFile != "" {
		path := hc.policyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(testdataDir(), path)
		}
		static, err := actors.NewStaticPolicyResolver(path)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
		resolver = static
	}

	h.Engine = engine.New(
		h.TemplateStore,
		h.InstanceStore,
		h.EntityContexts,
		dispatcher,
		resolver,
		logger,
		nil,
	)
	h.Scheduler = scheduler.New(h.Engine, time.Minute, logger, nil)

	// JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Observability.Metrics.Enabled = false

	// Router with the full middleware chain and real JWT verification.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Templates:    h.Templates,
		Engine:       h.Engine,
		Logger:       logger,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateTokenForAudience creates a JWT for a different audience.
func (h *TestHarness) GenerateTokenForAudience(claims TestClaims, audience string) string {
	return h.issuer.GenerateTokenForAudience(claims, audience)
}

// CreateActiveTemplate registers and activates a template through the API,
// returning it with its assigned ID.
func (h *TestHarness) CreateActiveTemplate(t *testing.T, token string, tpl model.WorkflowTemplate) model.WorkflowTemplate {
	t.Helper()

	var created model.WorkflowTemplate
	resp := h.POST("/api/templates", tpl, token)
	h.AssertJSON(t, resp, http.StatusCreated, &created)

	var status map[string]string
	resp = h.POST("/api/templates/"+created.ID+"/activate", nil, token)
	h.AssertJSON(t, resp, http.StatusOK, &status)
	if status["status"] != "activated" {
		t.Fatalf("activate status = %q", status["status"])
	}

	var active model.WorkflowTemplate
	resp = h.GET("/api/templates/"+created.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &active)
	return active
}

// StartInstance starts an instance of the given template through the API.
func (h *TestHarness) StartInstance(t *testing.T, token, templateID, entityID string) model.WorkflowInstance {
	t.Helper()

	var inst model.WorkflowInstance
	resp := h.POST("/api/instances", map[string]any{
		"template_id": templateID,
		"entity_id":   entityID,
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	return inst
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and that the error envelope carries the
// expected code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error == nil {
		t.Fatal("expected error envelope in response body")
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// OfficerClaims returns TestClaims for a case_officer user.
func OfficerClaims() TestClaims {
	return TestClaims{
		ActorID:  "user-officer",
		TenantID: "acme-corp",
		Email:    "officer@acme.example.com",
		Roles:    []string{"case_officer"},
	}
}

// LeadClaims returns TestClaims for a compliance_lead user.
func LeadClaims() TestClaims {
	return TestClaims{
		ActorID:  "user-lead",
		TenantID: "acme-corp",
		Email:    "lead@acme.example.com",
		Roles:    []string{"compliance_lead"},
	}
}

// AuditorClaims returns TestClaims for a read-only auditor user.
func AuditorClaims() TestClaims {
	return TestClaims{
		ActorID:  "user-auditor",
		TenantID: "acme-corp",
		Email:    "auditor@acme.example.com",
		Roles:    []string{"auditor"},
	}
}

// OtherTenantClaims returns TestClaims for a case_officer in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		ActorID:  "user-rival",
		TenantID: "rival-corp",
		Email:    "officer@rival.example.com",
		Roles:    []string{"case_officer"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// TriageTemplate returns a typical case-triage template fixture: intake with
// an SLA and an approval gate path into review, review closing out through a
// reasoned rejection or a notify-on-close approval.
func TriageTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		Name:         "Case Triage",
		EntityKind:   model.EntityKindCase,
		InitialStage: "intake",
		Stages: []model.Stage{
			{ID: "intake", Name: "Intake", SLADays: 2},
			{ID: "review", Name: "Review", SLADays: 5},
			{ID: "closed", Name: "Closed", IsTerminal: true},
			{ID: "rejected", Name: "Rejected", IsTerminal: true},
		},
		Transitions: []model.Transition{
			{From: "intake", To: "review", Label: "begin_review"},
			{
				From: "review", To: "closed", Label: "approve",
				Actions: []model.Action{{Type: model.ActionNotify, Params: map[string]any{"channel": "email"}}},
			},
			{From: "review", To: "rejected", Label: "reject", RequiresReason: true},
		},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
