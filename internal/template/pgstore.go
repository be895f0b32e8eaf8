package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attestia/stageflow/model"
)

// PgStore is a PostgreSQL-backed template Store using pgx/v5. Stages and
// transitions are stored as JSONB; structural integrity is enforced by the
// validator before anything reaches the store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping checks store connectivity. Used by the readiness endpoint.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new template.
func (s *PgStore) Create(ctx context.Context, t model.WorkflowTemplate) error {
	stagesJSON, err := json.Marshal(t.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	transitionsJSON, err := json.Marshal(t.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, tenant_id, name, description, entity_kind, initial_stage,
			default_sla_days, stages, transitions, tags,
			is_default, is_active, allow_concurrent, version,
			created_at, updated_at, deleted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		t.ID, t.TenantID, t.Name, t.Description, t.EntityKind, t.InitialStage,
		t.DefaultSLADays, stagesJSON, transitionsJSON, tagsJSON,
		t.IsDefault, t.IsActive, t.AllowConcurrent, t.Version,
		t.CreatedAt, t.UpdatedAt, t.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID, scoped to tenant. Soft-deleted templates
// are treated as absent.
func (s *PgStore) Get(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, selectTemplate+`
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		templateID, tenantID,
	)
	t, err := scanTemplate(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// Update persists an updated template with optimistic locking on version.
func (s *PgStore) Update(ctx context.Context, t model.WorkflowTemplate) error {
	stagesJSON, err := json.Marshal(t.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	transitionsJSON, err := json.Marshal(t.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $1,
			description = $2,
			initial_stage = $3,
			default_sla_days = $4,
			stages = $5,
			transitions = $6,
			tags = $7,
			is_default = $8,
			is_active = $9,
			allow_concurrent = $10,
			version = $11,
			updated_at = $12,
			deleted_at = $13
		WHERE id = $14 AND version = $15`,
		t.Name, t.Description, t.InitialStage, t.DefaultSLADays,
		stagesJSON, transitionsJSON, tagsJSON,
		t.IsDefault, t.IsActive, t.AllowConcurrent, t.Version+1,
		time.Now().UTC(), t.DeletedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(t.ID)
	}
	return nil
}

// Find returns templates for a tenant matching the filters.
func (s *PgStore) Find(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowTemplate, error) {
	query := selectTemplate + ` WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []any{tenantID}
	argIdx := 2

	if filters.EntityKind != "" {
		query += fmt.Sprintf(" AND entity_kind = $%d", argIdx)
		args = append(args, filters.EntityKind)
		argIdx++
	}
	if filters.ActiveOnly {
		query += " AND is_active = TRUE"
	}
	if filters.Tag != "" {
		query += fmt.Sprintf(" AND tags @> $%d", argIdx)
		tagJSON, _ := json.Marshal([]string{filters.Tag})
		args = append(args, tagJSON)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Delete removes a template permanently.
func (s *PgStore) Delete(ctx context.Context, tenantID, templateID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_templates
		WHERE id = $1 AND tenant_id = $2`,
		templateID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	return nil
}

const selectTemplate = `
	SELECT id, tenant_id, name, description, entity_kind, initial_stage,
	       default_sla_days, stages, transitions, tags,
	       is_default, is_active, allow_concurrent, version,
	       created_at, updated_at, deleted_at
	FROM workflow_templates`

func scanTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	var stagesJSON, transitionsJSON, tagsJSON []byte

	err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Description, &t.EntityKind, &t.InitialStage,
		&t.DefaultSLADays, &stagesJSON, &transitionsJSON, &tagsJSON,
		&t.IsDefault, &t.IsActive, &t.AllowConcurrent, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if stagesJSON != nil {
		if err := json.Unmarshal(stagesJSON, &t.Stages); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if transitionsJSON != nil {
		if err := json.Unmarshal(transitionsJSON, &t.Transitions); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal transitions: %w", err)
		}
	}
	if tagsJSON != nil {
		_ = json.Unmarshal(tagsJSON, &t.Tags)
	}
	return t, nil
}
