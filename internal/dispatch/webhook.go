// Package dispatch implements the ActionDispatcher collaborator: it delivers
// the side effects a template declares on its transitions and escalation
// policies to downstream systems.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/attestia/stageflow/model"
)

const defaultTimeout = 10 * time.Second

// MetricsRecorder counts dispatch outcomes. A nil recorder disables counting.
type MetricsRecorder interface {
	RecordDispatch(actionType, outcome string)
}

// WebhookDispatcher delivers actions as JSON POSTs to downstream endpoints.
// Each action type may have its own endpoint; unrouted types fall back to the
// default endpoint. The single shared circuit breaker guards against a
// misbehaving receiver slowing every transition down.
type WebhookDispatcher struct {
	endpoints  map[string]string // action type -> URL
	defaultURL string
	client     *http.Client
	breaker    *CircuitBreaker
	log        *zap.Logger
	metrics    MetricsRecorder
}

// NewWebhookDispatcher creates a webhook dispatcher. endpoints maps action
// types to URLs; defaultURL receives everything else. An empty target for an
// action means the dispatch is reported as queued and left to an external
// consumer of the history ledger.
func NewWebhookDispatcher(endpoints map[string]string, defaultURL string, timeout time.Duration, log *zap.Logger, metrics MetricsRecorder) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookDispatcher{
		endpoints:  endpoints,
		defaultURL: defaultURL,
		client:     &http.Client{Timeout: timeout},
		breaker:    NewCircuitBreaker(5, 2, 30*time.Second),
		log:        log,
		metrics:    metrics,
	}
}

// webhookPayload is the wire shape delivered to receivers.
type webhookPayload struct {
	Action     model.Action   `json:"action"`
	InstanceID string         `json:"instance_id"`
	TemplateID string         `json:"template_id"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Stage      string         `json:"stage"`
	EntityCtx  map[string]any `json:"entity_context,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Dispatch delivers one action. Never returns an error; the outcome report is
// the whole contract, and the engine records it in the history ledger.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, action model.Action, inst model.WorkflowInstance, entityCtx map[string]any) model.DispatchOutcome {
	out := d.deliver(ctx, action, inst, entityCtx)
	if d.metrics != nil {
		d.metrics.RecordDispatch(action.Type, out.Outcome)
	}
	return out
}

func (d *WebhookDispatcher) deliver(ctx context.Context, action model.Action, inst model.WorkflowInstance, entityCtx map[string]any) model.DispatchOutcome {
	url := d.endpoints[action.Type]
	if url == "" {
		url = d.defaultURL
	}
	if url == "" {
		return model.DispatchOutcome{
			Outcome: model.DispatchQueued,
			Detail:  fmt.Sprintf("no endpoint for action %q; left to ledger consumers", action.Type),
		}
	}

	if err := d.breaker.Allow(); err != nil {
		return model.DispatchOutcome{
			Outcome: model.DispatchQueued,
			Detail:  "receiver circuit open; deferred",
		}
	}

	body, err := json.Marshal(webhookPayload{
		Action:     action,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		TenantID:   inst.TenantID,
		EntityKind: inst.EntityKind,
		EntityID:   inst.EntityID,
		Stage:      inst.CurrentStage,
		EntityCtx:  entityCtx,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return model.DispatchOutcome{Outcome: model.DispatchFailure, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.DispatchOutcome{Outcome: model.DispatchFailure, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageflow-Action", action.Type)
	req.Header.Set("X-Stageflow-Tenant", inst.TenantID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure()
		d.log.Warn("webhook dispatch failed",
			zap.String("action", action.Type),
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return model.DispatchOutcome{Outcome: model.DispatchFailure, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		d.breaker.RecordSuccess()
		return model.DispatchOutcome{Outcome: model.DispatchQueued, Detail: "accepted for asynchronous processing"}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.breaker.RecordSuccess()
		return model.DispatchOutcome{Outcome: model.DispatchSuccess}
	}

	d.breaker.RecordFailure()
	return model.DispatchOutcome{
		Outcome: model.DispatchFailure,
		Detail:  fmt.Sprintf("receiver returned status %d", resp.StatusCode),
	}
}

// LogDispatcher records actions in the service log and reports them queued.
// Used in development and as the default when no webhook is configured.
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher creates a logging dispatcher.
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch logs the action and reports it queued.
func (d *LogDispatcher) Dispatch(_ context.Context, action model.Action, inst model.WorkflowInstance, _ map[string]any) model.DispatchOutcome {
	d.log.Info("action queued",
		zap.String("action", action.Type),
		zap.Any("params", action.Params),
		zap.String("instance_id", inst.ID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("stage", inst.CurrentStage),
	)
	return model.DispatchOutcome{Outcome: model.DispatchQueued, Detail: "recorded in service log"}
}
