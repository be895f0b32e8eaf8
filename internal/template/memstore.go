package template

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/attestia/stageflow/model"
)

// MemoryStore is an in-memory template Store for testing and single-node use.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.WorkflowTemplate // key: template ID
}

// NewMemoryStore creates a new in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]model.WorkflowTemplate)}
}

// Create persists a new template.
func (s *MemoryStore) Create(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID]; exists {
		return model.NewBadRequestError(fmt.Sprintf("template %q already exists", t.ID))
	}
	s.templates[t.ID] = t
	return nil
}

// Get retrieves a template by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.templates[templateID]
	if !exists || t.TenantID != tenantID || t.DeletedAt != nil {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	return t, nil
}

// Update persists an updated template with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.templates[t.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", t.ID))
	}
	if existing.Version != t.Version {
		return model.NewConcurrentModificationError(t.ID)
	}

	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.templates[t.ID] = t
	return nil
}

// Find returns templates for a tenant matching the filters, newest first.
func (s *MemoryStore) Find(_ context.Context, tenantID string, filters Filters) ([]model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTemplate
	for _, t := range s.templates {
		if t.TenantID != tenantID || t.DeletedAt != nil {
			continue
		}
		if filters.EntityKind != "" && t.EntityKind != filters.EntityKind {
			continue
		}
		if filters.ActiveOnly && !t.IsActive {
			continue
		}
		if filters.Tag != "" && !hasTag(t.Tags, filters.Tag) {
			continue
		}
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowTemplate{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Delete removes a template permanently.
func (s *MemoryStore) Delete(_ context.Context, tenantID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.templates[templateID]
	if !exists || t.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	delete(s.templates, templateID)
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
