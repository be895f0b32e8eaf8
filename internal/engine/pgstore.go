package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attestia/stageflow/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. The
// template snapshot and history evaluation results are stored as JSONB.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Ping checks store connectivity. Used by the readiness endpoint.
func (s *PgInstanceStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	snapshotJSON, err := json.Marshal(inst.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, template_version, snapshot, tenant_id,
			entity_kind, entity_id, current_stage, status,
			started_at, stage_entered_at, deadline, escalated_at, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16
		)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, snapshotJSON, inst.TenantID,
		inst.EntityKind, inst.EntityID, inst.CurrentStage, inst.Status,
		inst.StartedAt, inst.StageEnteredAt, inst.Deadline, inst.EscalatedAt, inst.Version,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *PgInstanceStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, selectInstance+`
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking. The WHERE
// clause on version is the compare-and-swap that linearizes all writes to an
// instance.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_stage = $1,
			status = $2,
			stage_entered_at = $3,
			deadline = $4,
			escalated_at = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		inst.CurrentStage, inst.Status, inst.StageEnteredAt,
		inst.Deadline, inst.EscalatedAt, inst.Version+1,
		time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(inst.ID)
	}
	return nil
}

// Find returns instances for a tenant matching the filters, newest first.
func (s *PgInstanceStore) Find(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query, args := instanceFilterQuery(selectInstance, tenantID, filters)
	query += " ORDER BY created_at DESC"

	argIdx := len(args) + 1
	if filters.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.PageSize)
		argIdx++
		if filters.Page > 1 {
			query += fmt.Sprintf(" OFFSET $%d", argIdx)
			args = append(args, (filters.Page-1)*filters.PageSize)
		}
	}

	return s.queryInstances(ctx, query, args...)
}

// Count returns the number of matching instances, ignoring pagination.
func (s *PgInstanceStore) Count(ctx context.Context, tenantID string, filters model.InstanceFilters) (int, error) {
	query, args := instanceFilterQuery(`SELECT COUNT(*) FROM workflow_instances`, tenantID, filters)
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return count, nil
}

// CountActiveFor returns the number of ACTIVE instances of a template bound
// to a specific entity.
func (s *PgInstanceStore) CountActiveFor(ctx context.Context, tenantID, templateID, entityID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_instances
		WHERE tenant_id = $1 AND template_id = $2 AND entity_id = $3 AND status = $4`,
		tenantID, templateID, entityID, model.InstanceStatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active instances: %w", err)
	}
	return count, nil
}

// CountForTemplate returns the number of instances referencing a template.
func (s *PgInstanceStore) CountForTemplate(ctx context.Context, tenantID, templateID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_instances
		WHERE tenant_id = $1 AND template_id = $2`,
		tenantID, templateID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count template instances: %w", err)
	}
	return count, nil
}

// FindOverdue returns ACTIVE instances past their deadline whose breach has
// not been escalated yet, earliest deadline first.
func (s *PgInstanceStore) FindOverdue(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	query := selectInstance + `
		WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2
		  AND escalated_at IS NULL
		ORDER BY deadline ASC`
	return s.queryInstances(ctx, query, model.InstanceStatusActive, cutoff)
}

// AppendHistory adds an entry to the ledger.
func (s *PgInstanceStore) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	gatesJSON, err := json.Marshal(entry.Gates)
	if err != nil {
		return fmt.Errorf("marshal gate results: %w", err)
	}
	conditionsJSON, err := json.Marshal(entry.Conditions)
	if err != nil {
		return fmt.Errorf("marshal condition results: %w", err)
	}
	dispatchesJSON, err := json.Marshal(entry.Dispatches)
	if err != nil {
		return fmt.Errorf("marshal dispatches: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_history (
			id, instance_id, tenant_id, entity_kind, kind,
			from_stage, to_stage, actor_id, reason,
			gates, conditions, dispatches, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.InstanceID, entry.TenantID, entry.EntityKind, entry.Kind,
		entry.FromStage, entry.ToStage, entry.ActorID, entry.Reason,
		gatesJSON, conditionsJSON, dispatchesJSON, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// History returns all entries for an instance, oldest first.
func (s *PgInstanceStore) History(ctx context.Context, tenantID, instanceID string) ([]model.HistoryEntry, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	query := selectHistory + `
		WHERE instance_id = $1
		ORDER BY created_at ASC`
	return s.queryHistory(ctx, query, instanceID)
}

// QueryHistory returns entries across a tenant for compliance reporting.
func (s *PgInstanceStore) QueryHistory(ctx context.Context, filters model.HistoryFilters) ([]model.HistoryEntry, error) {
	query := selectHistory + ` WHERE tenant_id = $1`
	args := []any{filters.TenantID}
	argIdx := 2

	if filters.EntityKind != "" {
		query += fmt.Sprintf(" AND entity_kind = $%d", argIdx)
		args = append(args, filters.EntityKind)
		argIdx++
	}
	if !filters.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filters.From)
		argIdx++
	}
	if !filters.To.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filters.To)
		argIdx++
	}

	query += " ORDER BY created_at ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryHistory(ctx, query, args...)
}

const selectInstance = `
	SELECT id, template_id, template_version, snapshot, tenant_id,
	       entity_kind, entity_id, current_stage, status,
	       started_at, stage_entered_at, deadline, escalated_at, version,
	       created_at, updated_at
	FROM workflow_instances`

const selectHistory = `
	SELECT id, instance_id, tenant_id, entity_kind, kind,
	       from_stage, to_stage, actor_id, reason,
	       gates, conditions, dispatches, created_at
	FROM workflow_history`

func instanceFilterQuery(base, tenantID string, filters model.InstanceFilters) (string, []any) {
	query := base + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.TemplateID != "" {
		query += fmt.Sprintf(" AND template_id = $%d", argIdx)
		args = append(args, filters.TemplateID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.EntityKind != "" {
		query += fmt.Sprintf(" AND entity_kind = $%d", argIdx)
		args = append(args, filters.EntityKind)
	}
	return query, args
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var snapshotJSON []byte

	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &snapshotJSON, &inst.TenantID,
		&inst.EntityKind, &inst.EntityID, &inst.CurrentStage, &inst.Status,
		&inst.StartedAt, &inst.StageEnteredAt, &inst.Deadline, &inst.EscalatedAt, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if snapshotJSON != nil {
		if err := json.Unmarshal(snapshotJSON, &inst.Snapshot); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return inst, nil
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PgInstanceStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var gatesJSON, conditionsJSON, dispatchesJSON []byte
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.TenantID, &e.EntityKind, &e.Kind,
			&e.FromStage, &e.ToStage, &e.ActorID, &e.Reason,
			&gatesJSON, &conditionsJSON, &dispatchesJSON, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if err := decodeHistoryDetail(&e, gatesJSON, conditionsJSON, dispatchesJSON); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// decodeHistoryDetail restores the JSONB evaluation columns of a ledger row.
// A row that no longer decodes is surfaced as an error instead of being
// returned without its gate, condition, and dispatch results.
func decodeHistoryDetail(e *model.HistoryEntry, gatesJSON, conditionsJSON, dispatchesJSON []byte) error {
	if gatesJSON != nil {
		if err := json.Unmarshal(gatesJSON, &e.Gates); err != nil {
			return fmt.Errorf("unmarshal gate results for history entry %s: %w", e.ID, err)
		}
	}
	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, &e.Conditions); err != nil {
			return fmt.Errorf("unmarshal condition results for history entry %s: %w", e.ID, err)
		}
	}
	if dispatchesJSON != nil {
		if err := json.Unmarshal(dispatchesJSON, &e.Dispatches); err != nil {
			return fmt.Errorf("unmarshal dispatches for history entry %s: %w", e.ID, err)
		}
	}
	return nil
}
