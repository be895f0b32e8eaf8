package template

import (
	"context"

	"github.com/attestia/stageflow/model"
)

// Store persists workflow templates.
type Store interface {
	// Create persists a new template.
	Create(ctx context.Context, t model.WorkflowTemplate) error

	// Get retrieves a template by ID, scoped to a tenant. Soft-deleted
	// templates are not returned. Returns NOT_FOUND if absent.
	Get(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error)

	// Update persists an updated template with optimistic locking on Version.
	Update(ctx context.Context, t model.WorkflowTemplate) error

	// Find returns templates for a tenant matching the filters.
	Find(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowTemplate, error)

	// Delete removes a template permanently. The service layer only calls
	// this for templates that have never been referenced by an instance;
	// referenced templates are soft-deleted via Update for audit retention.
	Delete(ctx context.Context, tenantID, templateID string) error
}

// Filters are optional filters for listing templates.
type Filters struct {
	EntityKind string
	ActiveOnly bool
	Tag        string
	Limit      int
	Offset     int
}
