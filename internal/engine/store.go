// Package engine contains the instance store, the transition engine, and the
// gate/condition evaluators that together drive workflow instances through
// their template-defined pipelines.
package engine

import (
	"context"
	"time"

	"github.com/attestia/stageflow/model"
)

// InstanceStore persists workflow instances and the append-only history
// ledger. It is the only shared mutable resource in the engine; all writes go
// through the optimistic-version discipline of Update, and no other component
// writes instance state directly.
type InstanceStore interface {
	// Create persists a new instance.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves an instance by ID, scoped to a tenant. Returns NOT_FOUND
	// if the instance doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance. The caller presents the version it
	// read; if it no longer matches the stored version the update is rejected
	// with CONCURRENT_MODIFICATION and no state changes. On success the store
	// increments the version.
	Update(ctx context.Context, inst model.WorkflowInstance) error

	// Find returns instances for a tenant matching the filters, newest first.
	Find(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// Count returns the total number of instances matching the filters,
	// ignoring pagination.
	Count(ctx context.Context, tenantID string, filters model.InstanceFilters) (int, error)

	// CountActiveFor returns the number of ACTIVE instances of a template
	// bound to a specific entity. Used by the one-active-instance policy.
	CountActiveFor(ctx context.Context, tenantID, templateID, entityID string) (int, error)

	// CountForTemplate returns the number of instances, in any status, that
	// reference a template. Satisfies template.InstanceCounter.
	CountForTemplate(ctx context.Context, tenantID, templateID string) (int, error)

	// FindOverdue returns ACTIVE instances whose deadline is before the
	// cutoff and whose breach has not yet been escalated.
	FindOverdue(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// AppendHistory adds an entry to the ledger. Entries are immutable; no
	// update or delete operation exists.
	AppendHistory(ctx context.Context, entry model.HistoryEntry) error

	// History returns all ledger entries for an instance, oldest first.
	History(ctx context.Context, tenantID, instanceID string) ([]model.HistoryEntry, error)

	// QueryHistory returns ledger entries across a tenant for compliance
	// reporting, oldest first.
	QueryHistory(ctx context.Context, filters model.HistoryFilters) ([]model.HistoryEntry, error)
}
