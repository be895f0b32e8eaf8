package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/actors"
	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/internal/entity"
	"github.com/attestia/stageflow/model"
)

type fixedTemplates struct {
	templates map[string]model.WorkflowTemplate
}

func (s *fixedTemplates) Get(_ context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	t, ok := s.templates[templateID]
	if !ok || t.TenantID != tenantID {
		return model.WorkflowTemplate{}, model.NewNotFoundError("template not found")
	}
	return t, nil
}

type countingDispatcher struct {
	calls atomic.Int32
}

func (d *countingDispatcher) Dispatch(_ context.Context, _ model.Action, _ model.WorkflowInstance, _ map[string]any) model.DispatchOutcome {
	d.calls.Add(1)
	return model.DispatchOutcome{Outcome: model.DispatchSuccess}
}

func sweepTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:           "tpl-sweep",
		Name:         "Sweep",
		EntityKind:   model.EntityKindCase,
		InitialStage: "intake",
		IsActive:     true,
		TenantID:     "tenant-1",
		Version:      1,
		Stages: []model.Stage{
			{
				ID: "intake", Name: "Intake", SLADays: 1,
				Escalation: &model.EscalationPolicy{
					Action: &model.Action{Type: model.ActionNotify},
				},
			},
			{ID: "closed", Name: "Closed", IsTerminal: true},
		},
		Transitions: []model.Transition{
			{From: "intake", To: "closed", Label: "close"},
		},
	}
}

type sweepEnv struct {
	engine     *engine.Engine
	store      *engine.MemoryInstanceStore
	dispatcher *countingDispatcher
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	store := engine.NewMemoryInstanceStore()
	dispatcher := &countingDispatcher{}
	eng := engine.New(
		&fixedTemplates{templates: map[string]model.WorkflowTemplate{"tpl-sweep": sweepTemplate()}},
		store,
		entity.NewStaticLookup(),
		dispatcher,
		actors.AllowAllResolver{},
		zap.NewNop(),
		nil,
	)
	return &sweepEnv{engine: eng, store: store, dispatcher: dispatcher}
}

func (e *sweepEnv) startOverdue(t *testing.T, entityID string) model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	rctx := &model.RequestContext{ActorID: "user-1", TenantID: "tenant-1", Roles: []string{"case_officer"}}

	inst, err := e.engine.Start(ctx, rctx, engine.StartRequest{TemplateID: "tpl-sweep", EntityID: entityID})
	require.NoError(t, err)

	got, err := e.store.Get(ctx, "tenant-1", inst.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-2 * time.Hour)
	got.Deadline = &past
	require.NoError(t, e.store.Update(ctx, got))
	return got
}

func TestScheduler_TickEscalatesOverdue(t *testing.T) {
	env := newSweepEnv(t)
	sched := New(env.engine, time.Minute, zap.NewNop(), nil)
	ctx := context.Background()

	env.startOverdue(t, "case-1")
	env.startOverdue(t, "case-2")

	assert.Equal(t, 2, sched.Tick(ctx))
	assert.Equal(t, int32(2), env.dispatcher.calls.Load())

	// The breach markers keep the next sweep quiet.
	assert.Equal(t, 0, sched.Tick(ctx))
	assert.Equal(t, int32(2), env.dispatcher.calls.Load())
}

func TestScheduler_TickNothingOverdue(t *testing.T) {
	env := newSweepEnv(t)
	sched := New(env.engine, time.Minute, zap.NewNop(), nil)

	rctx := &model.RequestContext{ActorID: "user-1", TenantID: "tenant-1", Roles: []string{"case_officer"}}
	_, err := env.engine.Start(context.Background(), rctx, engine.StartRequest{TemplateID: "tpl-sweep", EntityID: "case-fresh"})
	require.NoError(t, err)

	assert.Equal(t, 0, sched.Tick(context.Background()))
	assert.Equal(t, int32(0), env.dispatcher.calls.Load())
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	env := newSweepEnv(t)
	sched := New(env.engine, 5*time.Millisecond, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	env.startOverdue(t, "case-1")
	require.Eventually(t, func() bool {
		return env.dispatcher.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

type sweepMetrics struct {
	sweeps      int
	lastOverdue int
}

func (m *sweepMetrics) RecordSweep(_ time.Duration, overdue int) {
	m.sweeps++
	m.lastOverdue = overdue
}

func TestScheduler_TickRecordsSweep(t *testing.T) {
	env := newSweepEnv(t)
	metrics := &sweepMetrics{}
	sched := New(env.engine, time.Minute, zap.NewNop(), metrics)
	ctx := context.Background()

	env.startOverdue(t, "case-1")
	env.startOverdue(t, "case-2")

	sched.Tick(ctx)
	assert.Equal(t, 1, metrics.sweeps)
	assert.Equal(t, 2, metrics.lastOverdue)

	// An empty sweep is still observed.
	sched.Tick(ctx)
	assert.Equal(t, 2, metrics.sweeps)
	assert.Equal(t, 0, metrics.lastOverdue)
}

func TestScheduler_defaultInterval(t *testing.T) {
	env := newSweepEnv(t)
	sched := New(env.engine, 0, zap.NewNop(), nil)
	assert.Equal(t, defaultInterval, sched.interval)
}
