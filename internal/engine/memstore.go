package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/attestia/stageflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-node use. The optimistic-version semantics are identical to the
// Postgres store's.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	history   map[string][]model.HistoryEntry   // key: instance ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.HistoryEntry),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewBadRequestError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = inst
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *MemoryInstanceStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConcurrentModificationError(inst.ID)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// Find returns instances for a tenant matching the filters, newest first.
func (s *MemoryInstanceStore) Find(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.match(tenantID, filters)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	offset := 0
	if filters.Page > 1 && filters.PageSize > 0 {
		offset = (filters.Page - 1) * filters.PageSize
	}
	if offset > 0 {
		if offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[offset:]
	}
	if filters.PageSize > 0 && filters.PageSize < len(result) {
		result = result[:filters.PageSize]
	}
	return result, nil
}

// Count returns the total number of matching instances.
func (s *MemoryInstanceStore) Count(_ context.Context, tenantID string, filters model.InstanceFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(tenantID, filters)), nil
}

func (s *MemoryInstanceStore) match(tenantID string, filters model.InstanceFilters) []model.WorkflowInstance {
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.EntityKind != "" && inst.EntityKind != filters.EntityKind {
			continue
		}
		result = append(result, inst)
	}
	return result
}

// CountActiveFor returns the number of ACTIVE instances of a template bound
// to a specific entity.
func (s *MemoryInstanceStore) CountActiveFor(_ context.Context, tenantID, templateID, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && inst.TemplateID == templateID &&
			inst.EntityID == entityID && inst.Status == model.InstanceStatusActive {
			count++
		}
	}
	return count, nil
}

// CountForTemplate returns the number of instances referencing a template.
func (s *MemoryInstanceStore) CountForTemplate(_ context.Context, tenantID, templateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && inst.TemplateID == templateID {
			count++
		}
	}
	return count, nil
}

// FindOverdue returns ACTIVE instances past their deadline with no
// escalation fired yet, earliest deadline first.
func (s *MemoryInstanceStore) FindOverdue(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Overdue(cutoff) {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Deadline.Before(*result[j].Deadline)
	})
	return result, nil
}

// AppendHistory adds an entry to the ledger.
func (s *MemoryInstanceStore) AppendHistory(_ context.Context, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[entry.InstanceID] = append(s.history[entry.InstanceID], entry)
	return nil
}

// History returns all entries for an instance, oldest first.
func (s *MemoryInstanceStore) History(_ context.Context, tenantID, instanceID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}

	entries := s.history[instanceID]
	result := make([]model.HistoryEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// QueryHistory returns entries across a tenant for compliance reporting.
func (s *MemoryInstanceStore) QueryHistory(_ context.Context, filters model.HistoryFilters) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoryEntry
	for _, entries := range s.history {
		for _, e := range entries {
			if e.TenantID != filters.TenantID {
				continue
			}
			if filters.EntityKind != "" && e.EntityKind != filters.EntityKind {
				continue
			}
			if !filters.From.IsZero() && e.Timestamp.Before(filters.From) {
				continue
			}
			if !filters.To.IsZero() && e.Timestamp.After(filters.To) {
				continue
			}
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.HistoryEntry{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
