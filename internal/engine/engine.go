package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/observability"
	"github.com/attestia/stageflow/model"
)

// TemplateSource resolves live templates for starting instances. Satisfied by
// the template store; the engine never mutates templates.
type TemplateSource interface {
	Get(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error)
}

// MetricsRecorder receives engine-level counters. A nil recorder is valid and
// records nothing.
type MetricsRecorder interface {
	InstanceStarted(tenantID string)
	InstanceClosed(tenantID string)
	TransitionCommitted(tenantID string)
	TransitionDenied(code string)
	EscalationFired(tenantID string)
}

// StartRequest asks for a new instance of a template bound to an entity.
type StartRequest struct {
	TemplateID string `json:"template_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
}

// TransitionRequest asks to move an instance to a target stage.
type TransitionRequest struct {
	InstanceID string `json:"-"`
	ToStage    string `json:"to_stage"`
	Reason     string `json:"reason,omitempty"`
}

// Engine drives workflow instances through their template-defined pipelines.
// All instance mutation in the system goes through it, under the store's
// optimistic-version discipline; the engine itself holds no locks and no
// state, so any number of replicas may run concurrently.
type Engine struct {
	templates  TemplateSource
	store      InstanceStore
	entities   model.EntityContextLookup
	dispatcher model.ActionDispatcher
	actors     model.ActorResolver
	log        *zap.Logger
	metrics    MetricsRecorder
	now        func() time.Time
}

// New creates a transition engine. metrics may be nil.
func New(
	templates TemplateSource,
	store InstanceStore,
	entities model.EntityContextLookup,
	dispatcher model.ActionDispatcher,
	actors model.ActorResolver,
	log *zap.Logger,
	metrics MetricsRecorder,
) *Engine {
	return &Engine{
		templates:  templates,
		store:      store,
		entities:   entities,
		dispatcher: dispatcher,
		actors:     actors,
		log:        log,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying instance store, for wiring the scheduler and
// the template service's reference counting.
func (e *Engine) Store() InstanceStore { return e.store }

// Start creates a new instance of an active template, frozen to the
// template's current structure. The instance enters the initial stage with
// its SLA deadline computed from entry time.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, req StartRequest) (model.WorkflowInstance, error) {
	if err := e.authorize(ctx, rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if req.TemplateID == "" || req.EntityID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("template_id and entity_id are required")
	}

	t, err := e.templates.Get(ctx, rctx.TenantID, req.TemplateID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !t.IsActive {
		return model.WorkflowInstance{}, model.NewTemplateNotActiveError(t.ID)
	}
	if req.EntityKind != "" && req.EntityKind != t.EntityKind {
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("template %q governs %s entities, not %s", t.ID, t.EntityKind, req.EntityKind),
		)
	}

	if !t.AllowConcurrent {
		active, err := e.store.CountActiveFor(ctx, rctx.TenantID, t.ID, req.EntityID)
		if err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("count active instances: %w", err)
		}
		if active > 0 {
			return model.WorkflowInstance{}, model.NewDuplicateInstanceError(t.ID, req.EntityID)
		}
	}

	now := e.now()
	snapshot := t.Snapshot()
	inst := model.WorkflowInstance{
		ID:              uuid.New().String(),
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Snapshot:        snapshot,
		TenantID:        rctx.TenantID,
		EntityKind:      t.EntityKind,
		EntityID:        req.EntityID,
		CurrentStage:    t.InitialStage,
		Status:          model.InstanceStatusActive,
		StartedAt:       now,
		StageEnteredAt:  now,
		Deadline:        deadlineFor(&snapshot, t.InitialStage, now),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.appendHistory(ctx, model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		EntityKind: inst.EntityKind,
		Kind:       model.HistoryKindStart,
		ToStage:    inst.CurrentStage,
		ActorID:    rctx.ActorID,
		Timestamp:  now,
	})

	if e.metrics != nil {
		e.metrics.InstanceStarted(inst.TenantID)
	}
	e.log.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", t.ID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("entity_id", inst.EntityID),
		zap.String("stage", inst.CurrentStage),
	)
	return inst, nil
}

// Transition attempts to move an instance to a target stage. On a version
// conflict the engine transparently re-reads once and re-attempts the full
// evaluation against fresh state; a second conflict surfaces to the caller.
func (e *Engine) Transition(ctx context.Context, rctx *model.RequestContext, req TransitionRequest) (model.WorkflowInstance, error) {
	if err := e.authorize(ctx, rctx); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst, err := e.attemptTransition(ctx, rctx, req)
	if model.CodeOf(err) == model.ErrConcurrentModification {
		e.log.Debug("transition conflict, retrying once",
			zap.String("instance_id", req.InstanceID))
		inst, err = e.attemptTransition(ctx, rctx, req)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.TransitionDenied(model.CodeOf(err))
		}
		return model.WorkflowInstance{}, err
	}
	if e.metrics != nil {
		e.metrics.TransitionCommitted(inst.TenantID)
		if inst.Status == model.InstanceStatusCompleted {
			e.metrics.InstanceClosed(inst.TenantID)
		}
	}
	return inst, nil
}

func (e *Engine) attemptTransition(ctx context.Context, rctx *model.RequestContext, req TransitionRequest) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, req.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusActive {
		return model.WorkflowInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}

	tr := inst.Snapshot.FindTransition(inst.CurrentStage, req.ToStage)
	if tr == nil {
		return model.WorkflowInstance{}, model.NewNoSuchTransitionError(inst.CurrentStage, req.ToStage)
	}
	if tr.RequiresReason && strings.TrimSpace(req.Reason) == "" {
		return model.WorkflowInstance{}, model.NewReasonRequiredError(tr.Label)
	}

	fromStage := inst.Snapshot.StageByID(inst.CurrentStage)
	if fromStage == nil {
		return model.WorkflowInstance{}, model.NewInternalError()
	}

	// Entity context is fetched only when something will read it.
	var entityCtx map[string]any
	if len(fromStage.Gates) > 0 || len(tr.Conditions) > 0 {
		entityCtx, err = e.entities.Lookup(ctx, inst.EntityKind, inst.EntityID)
		if err != nil {
			return model.WorkflowInstance{}, model.NewContextUnavailableError(inst.EntityKind, inst.EntityID)
		}
		e.log.Debug("entity context resolved",
			zap.String("instance_id", inst.ID),
			zap.String("entity_id", inst.EntityID),
			zap.Any("context", observability.RedactBody(entityCtx, nil)),
		)
	}

	gateResults := evaluateGates(fromStage, entityCtx)
	if blockingGateFailed(gateResults) {
		return model.WorkflowInstance{}, model.NewGateFailedError(gateResults)
	}

	roles, err := e.actors.Roles(ctx, rctx)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("resolve actor roles: %w", err)
	}
	now := e.now()
	conditionResults := evaluateConditions(tr.Conditions, conditionInput{
		inst:      &inst,
		roles:     roles,
		entityCtx: entityCtx,
		now:       now,
	})
	if anyConditionFailed(conditionResults) {
		return model.WorkflowInstance{}, model.NewConditionFailedError(conditionResults)
	}

	toStage := inst.Snapshot.StageByID(req.ToStage)
	if toStage == nil {
		return model.WorkflowInstance{}, model.NewInternalError()
	}

	fromID := inst.CurrentStage
	inst.CurrentStage = req.ToStage
	inst.StageEnteredAt = now
	inst.Deadline = deadlineFor(&inst.Snapshot, req.ToStage, now)
	inst.EscalatedAt = nil
	if toStage.IsTerminal {
		inst.Status = model.InstanceStatusCompleted
		inst.Deadline = nil
	}

	if err := e.store.Update(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	// Actions run after the commit; a failed side effect never rolls the
	// transition back, it is recorded and left to the dispatcher's retry.
	dispatches := e.dispatchActions(ctx, tr.Actions, inst, entityCtx)

	e.appendHistory(ctx, model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		EntityKind: inst.EntityKind,
		Kind:       model.HistoryKindTransition,
		FromStage:  fromID,
		ToStage:    inst.CurrentStage,
		ActorID:    rctx.ActorID,
		Reason:     req.Reason,
		Gates:      gateResults,
		Conditions: conditionResults,
		Dispatches: dispatches,
		Timestamp:  now,
	})

	e.log.Info("transition committed",
		zap.String("instance_id", inst.ID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("from", fromID),
		zap.String("to", inst.CurrentStage),
		zap.String("status", inst.Status),
		zap.String("actor_id", rctx.ActorID),
	)
	return inst, nil
}

// Pause suspends an active instance. Gates and conditions do not apply; this
// is an administrative lifecycle operation, not a stage movement.
func (e *Engine) Pause(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.lifecycle(ctx, rctx, instanceID, reason, model.HistoryKindPause,
		func(inst *model.WorkflowInstance) error {
			if inst.Status != model.InstanceStatusActive {
				return model.NewInstanceNotActiveError(inst.ID, inst.Status)
			}
			inst.Status = model.InstanceStatusPaused
			return nil
		})
}

// Resume reactivates a paused instance. The deadline is left untouched; time
// spent paused counts against the SLA.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.lifecycle(ctx, rctx, instanceID, reason, model.HistoryKindResume,
		func(inst *model.WorkflowInstance) error {
			if inst.Status != model.InstanceStatusPaused {
				return model.NewBadRequestError(
					fmt.Sprintf("instance %q is %s, only %s instances can resume", inst.ID, inst.Status, model.InstanceStatusPaused),
				)
			}
			inst.Status = model.InstanceStatusActive
			return nil
		})
}

// Cancel terminates an instance before completion. A reason is always
// required; cancellations are exactly the events auditors ask about.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	if strings.TrimSpace(reason) == "" {
		return model.WorkflowInstance{}, model.NewReasonRequiredError("cancel")
	}
	return e.lifecycle(ctx, rctx, instanceID, reason, model.HistoryKindCancel,
		func(inst *model.WorkflowInstance) error {
			if inst.Status != model.InstanceStatusActive && inst.Status != model.InstanceStatusPaused {
				return model.NewInstanceNotActiveError(inst.ID, inst.Status)
			}
			inst.Status = model.InstanceStatusCancelled
			inst.Deadline = nil
			return nil
		})
}

// lifecycle applies a status-only mutation under the same read-mutate-CAS
// discipline as transitions, with the same single transparent retry.
func (e *Engine) lifecycle(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, reason, kind string,
	mutate func(*model.WorkflowInstance) error,
) (model.WorkflowInstance, error) {
	if err := e.authorize(ctx, rctx); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst, err := e.applyLifecycle(ctx, rctx, instanceID, reason, kind, mutate)
	if model.CodeOf(err) == model.ErrConcurrentModification {
		inst, err = e.applyLifecycle(ctx, rctx, instanceID, reason, kind, mutate)
	}
	if err == nil && e.metrics != nil && inst.Status == model.InstanceStatusCancelled {
		e.metrics.InstanceClosed(inst.TenantID)
	}
	return inst, err
}

func (e *Engine) applyLifecycle(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, reason, kind string,
	mutate func(*model.WorkflowInstance) error,
) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := mutate(&inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.store.Update(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	now := e.now()
	e.appendHistory(ctx, model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		EntityKind: inst.EntityKind,
		Kind:       kind,
		FromStage:  inst.CurrentStage,
		ToStage:    inst.CurrentStage,
		ActorID:    rctx.ActorID,
		Reason:     reason,
		Timestamp:  now,
	})

	e.log.Info("instance lifecycle change",
		zap.String("instance_id", inst.ID),
		zap.String("kind", kind),
		zap.String("status", inst.Status),
		zap.String("actor_id", rctx.ActorID),
	)
	return inst, nil
}

// Escalate fires the escalation policy for an overdue instance: dispatch the
// policy action, mark the breach so it fires exactly once, and record the
// ledger entry. Called by the SLA scheduler, never by request handlers.
func (e *Engine) Escalate(ctx context.Context, inst model.WorkflowInstance) error {
	stage := inst.Snapshot.StageByID(inst.CurrentStage)
	if stage == nil || stage.Escalation == nil {
		// No policy: mark the breach anyway so the scheduler stops re-finding
		// this instance every tick.
		return e.markEscalated(ctx, inst, nil)
	}

	var dispatches []model.ActionDispatch
	if stage.Escalation.Action != nil {
		d := e.dispatcher.Dispatch(ctx, *stage.Escalation.Action, inst, nil)
		dispatches = append(dispatches, model.ActionDispatch{
			Type:    stage.Escalation.Action.Type,
			Outcome: d.Outcome,
			Detail:  d.Detail,
		})
		if d.Outcome == model.DispatchFailure {
			// Leave EscalatedAt unset; the next tick retries the dispatch.
			e.log.Warn("escalation dispatch failed",
				zap.String("instance_id", inst.ID),
				zap.String("action", stage.Escalation.Action.Type),
				zap.String("detail", d.Detail),
			)
			return nil
		}
	}

	if err := e.markEscalated(ctx, inst, dispatches); err != nil {
		return err
	}

	if stage.Escalation.EscalateTo != "" {
		// The forced move goes through the ordinary transition path so its
		// gates, conditions, and actions all apply.
		rctx := model.SystemContext(inst.TenantID)
		_, err := e.Transition(ctx, rctx, TransitionRequest{
			InstanceID: inst.ID,
			ToStage:    stage.Escalation.EscalateTo,
			Reason:     "SLA deadline breached",
		})
		if err != nil {
			e.log.Warn("escalation transition denied",
				zap.String("instance_id", inst.ID),
				zap.String("to", stage.Escalation.EscalateTo),
				zap.String("code", model.CodeOf(err)),
			)
		}
	}

	if e.metrics != nil {
		e.metrics.EscalationFired(inst.TenantID)
	}
	return nil
}

func (e *Engine) markEscalated(ctx context.Context, inst model.WorkflowInstance, dispatches []model.ActionDispatch) error {
	now := e.now()
	inst.EscalatedAt = &now
	if err := e.store.Update(ctx, inst); err != nil {
		if model.CodeOf(err) == model.ErrConcurrentModification {
			// Someone moved the instance between the overdue scan and now; the
			// new stage has a fresh deadline, so this breach no longer exists.
			e.log.Debug("escalation skipped on version conflict",
				zap.String("instance_id", inst.ID))
			return nil
		}
		return err
	}

	e.appendHistory(ctx, model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		EntityKind: inst.EntityKind,
		Kind:       model.HistoryKindEscalation,
		FromStage:  inst.CurrentStage,
		ToStage:    inst.CurrentStage,
		ActorID:    "system",
		Reason:     "SLA deadline breached",
		Dispatches: dispatches,
		Timestamp:  now,
	})
	return nil
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	if err := rctx.Validate(); err != nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError(err.Error())
	}
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// List returns instance summaries and the total match count.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters model.InstanceFilters) ([]model.InstanceSummary, int, error) {
	if err := rctx.Validate(); err != nil {
		return nil, 0, model.NewUnauthorizedError(err.Error())
	}
	if filters.PageSize <= 0 {
		filters.PageSize = 20
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}

	instances, err := e.store.Find(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.Count(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, model.InstanceSummary{
			ID:           inst.ID,
			TemplateID:   inst.TemplateID,
			TemplateName: inst.Snapshot.Name,
			EntityKind:   inst.EntityKind,
			EntityID:     inst.EntityID,
			CurrentStage: inst.CurrentStage,
			Status:       inst.Status,
			Deadline:     inst.Deadline,
			StartedAt:    inst.StartedAt,
			UpdatedAt:    inst.UpdatedAt,
		})
	}
	return summaries, total, nil
}

// History returns the full ledger for one instance, oldest first.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.HistoryEntry, error) {
	if err := rctx.Validate(); err != nil {
		return nil, model.NewUnauthorizedError(err.Error())
	}
	return e.store.History(ctx, rctx.TenantID, instanceID)
}

// QueryHistory returns ledger entries across the tenant for compliance
// reporting.
func (e *Engine) QueryHistory(ctx context.Context, rctx *model.RequestContext, filters model.HistoryFilters) ([]model.HistoryEntry, error) {
	if err := rctx.Validate(); err != nil {
		return nil, model.NewUnauthorizedError(err.Error())
	}
	filters.TenantID = rctx.TenantID
	if filters.Limit <= 0 {
		filters.Limit = 100
	}
	return e.store.QueryHistory(ctx, filters)
}

func (e *Engine) authorize(ctx context.Context, rctx *model.RequestContext) error {
	if err := rctx.Validate(); err != nil {
		return model.NewUnauthorizedError(err.Error())
	}
	ok, err := e.actors.Permitted(ctx, rctx)
	if err != nil {
		return fmt.Errorf("check actor permission: %w", err)
	}
	if !ok {
		return model.NewForbiddenError(
			fmt.Sprintf("actor %q may not modify instances in tenant %q", rctx.ActorID, rctx.TenantID),
		)
	}
	return nil
}

func (e *Engine) dispatchActions(ctx context.Context, actions []model.Action, inst model.WorkflowInstance, entityCtx map[string]any) []model.ActionDispatch {
	if len(actions) == 0 {
		return nil
	}
	dispatches := make([]model.ActionDispatch, 0, len(actions))
	for _, a := range actions {
		d := e.dispatcher.Dispatch(ctx, a, inst, entityCtx)
		dispatches = append(dispatches, model.ActionDispatch{
			Type:    a.Type,
			Outcome: d.Outcome,
			Detail:  d.Detail,
		})
		if d.Outcome == model.DispatchFailure {
			e.log.Warn("action dispatch failed",
				zap.String("instance_id", inst.ID),
				zap.String("action", a.Type),
				zap.String("detail", d.Detail),
			)
		}
	}
	return dispatches
}

// appendHistory writes a ledger entry; a ledger write failure is logged but
// never unwinds the committed state change it describes.
func (e *Engine) appendHistory(ctx context.Context, entry model.HistoryEntry) {
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.log.Error("history append failed",
			zap.String("instance_id", entry.InstanceID),
			zap.String("kind", entry.Kind),
			zap.Error(err),
		)
	}
}

// deadlineFor computes the SLA deadline for entering a stage, or nil when the
// effective SLA is zero.
func deadlineFor(snapshot *model.TemplateSnapshot, stageID string, entered time.Time) *time.Time {
	days := snapshot.SLADaysFor(stageID)
	if days <= 0 {
		return nil
	}
	d := entered.Add(time.Duration(days) * 24 * time.Hour)
	return &d
}
