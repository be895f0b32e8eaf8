package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attestia/stageflow/model"
)

// InstanceCounter reports how many instances, active or historical, reference
// a template. Implemented by the instance store.
type InstanceCounter interface {
	CountForTemplate(ctx context.Context, tenantID, templateID string) (int, error)
}

// Service owns the administrative template lifecycle: create, edit, activate,
// deactivate, delete. Once any instance references a template, structural
// changes (stages, transitions, initial stage) are forbidden and deletion
// degrades to a soft delete for audit retention.
type Service struct {
	store     Store
	validator *Validator
	instances InstanceCounter
}

// NewService creates a new template lifecycle service.
func NewService(store Store, validator *Validator, instances InstanceCounter) *Service {
	return &Service{store: store, validator: validator, instances: instances}
}

// Create validates and persists a new template. The template starts inactive;
// activation is a separate, deliberate step.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if verrs := s.validator.Validate(&t); len(verrs) > 0 {
		return model.WorkflowTemplate{}, validationError(verrs)
	}

	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.TenantID = rctx.TenantID
	t.Version = 1
	t.IsActive = false
	t.CreatedAt = now
	t.UpdatedAt = now
	t.DeletedAt = nil

	if err := s.store.Create(ctx, t); err != nil {
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

// Update applies changes to a template. Metadata (name, description, tags,
// default flag) may always change; structural changes are rejected with
// TEMPLATE_IN_USE once any instance, active or historical, references the
// template.
func (s *Service) Update(ctx context.Context, rctx *model.RequestContext, updated model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	existing, err := s.store.Get(ctx, rctx.TenantID, updated.ID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	if structurallyDifferent(&existing, &updated) {
		refs, err := s.instances.CountForTemplate(ctx, rctx.TenantID, updated.ID)
		if err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("count template references: %w", err)
		}
		if refs > 0 {
			return model.WorkflowTemplate{}, model.NewTemplateInUseError(updated.ID)
		}
	}

	if verrs := s.validator.Validate(&updated); len(verrs) > 0 {
		return model.WorkflowTemplate{}, validationError(verrs)
	}

	updated.TenantID = existing.TenantID
	updated.Version = existing.Version
	updated.CreatedAt = existing.CreatedAt
	updated.IsActive = existing.IsActive
	updated.DeletedAt = nil

	if err := s.store.Update(ctx, updated); err != nil {
		return model.WorkflowTemplate{}, err
	}
	updated.Version++
	return updated, nil
}

// Activate marks a template as usable for starting new instances.
func (s *Service) Activate(ctx context.Context, rctx *model.RequestContext, templateID string) error {
	return s.setActive(ctx, rctx, templateID, true)
}

// Deactivate stops a template from starting new instances. Existing instances
// continue to run against their frozen snapshots.
func (s *Service) Deactivate(ctx context.Context, rctx *model.RequestContext, templateID string) error {
	return s.setActive(ctx, rctx, templateID, false)
}

func (s *Service) setActive(ctx context.Context, rctx *model.RequestContext, templateID string, active bool) error {
	t, err := s.store.Get(ctx, rctx.TenantID, templateID)
	if err != nil {
		return err
	}
	if t.IsActive == active {
		return nil
	}
	t.IsActive = active
	return s.store.Update(ctx, t)
}

// Delete removes a template. A template that has never been referenced is
// removed permanently; a referenced one is soft-deleted so its history
// remains reconstructable.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, templateID string) error {
	t, err := s.store.Get(ctx, rctx.TenantID, templateID)
	if err != nil {
		return err
	}

	refs, err := s.instances.CountForTemplate(ctx, rctx.TenantID, templateID)
	if err != nil {
		return fmt.Errorf("count template references: %w", err)
	}
	if refs > 0 {
		now := time.Now().UTC()
		t.DeletedAt = &now
		t.IsActive = false
		return s.store.Update(ctx, t)
	}
	return s.store.Delete(ctx, rctx.TenantID, templateID)
}

// Get returns a template by ID.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error) {
	return s.store.Get(ctx, rctx.TenantID, templateID)
}

// List returns templates for the current tenant.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters Filters) ([]model.WorkflowTemplate, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return s.store.Find(ctx, rctx.TenantID, filters)
}

// structurallyDifferent reports whether the edit touches stages, transitions,
// or the initial stage. Compared via canonical JSON; templates are small.
func structurallyDifferent(a, b *model.WorkflowTemplate) bool {
	if a.InitialStage != b.InitialStage || a.DefaultSLADays != b.DefaultSLADays {
		return true
	}
	aStages, _ := json.Marshal(a.Stages)
	bStages, _ := json.Marshal(b.Stages)
	if string(aStages) != string(bStages) {
		return true
	}
	aTrans, _ := json.Marshal(a.Transitions)
	bTrans, _ := json.Marshal(b.Transitions)
	return string(aTrans) != string(bTrans)
}

func validationError(verrs []VError) *model.ErrorEnvelope {
	fields := make([]model.FieldError, 0, len(verrs))
	for _, ve := range verrs {
		fields = append(fields, model.FieldError{Field: ve.Path, Code: ve.Code, Message: ve.Message})
	}
	return model.NewValidationError(fields)
}
