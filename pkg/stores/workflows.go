package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const workflowColumns = `id, provider_id, provider_workflow_id, name, is_active, is_archived,
	cron_schedules, node_count, connection_count, tags, raw_definition, remote_updated_at,
	last_synced_at, created_at, updated_at`

// GetWorkflow retrieves a workflow by local ID
func (q queries) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w := &Workflow{}
	err := q.get(ctx, w, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return w, nil
}

// GetWorkflowByRemoteID retrieves a workflow by its natural key
func (q queries) GetWorkflowByRemoteID(ctx context.Context, providerID, remoteID string) (*Workflow, error) {
	w := &Workflow{}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE provider_id = ? AND provider_workflow_id = ?`
	if err := q.get(ctx, w, query, providerID, remoteID); err != nil {
		return nil, notFound(err, "workflow", providerID+"/"+remoteID)
	}
	return w, nil
}

// UpsertWorkflow inserts or updates a workflow keyed by (provider_id, provider_workflow_id).
// On return w.ID holds the ID of the stored row.
func (q queries) UpsertWorkflow(ctx context.Context, w *Workflow) error {
	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, provider_workflow_id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			is_archived = excluded.is_archived,
			cron_schedules = excluded.cron_schedules,
			node_count = excluded.node_count,
			connection_count = excluded.connection_count,
			tags = excluded.tags,
			raw_definition = excluded.raw_definition,
			remote_updated_at = excluded.remote_updated_at,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`

	_, err := q.exec(ctx, query,
		w.ID,
		w.ProviderID,
		w.ProviderWorkflowID,
		w.Name,
		w.IsActive,
		w.IsArchived,
		w.CronSchedules,
		w.NodeCount,
		w.ConnectionCount,
		w.Tags,
		w.RawDefinition,
		utcPtr(w.RemoteUpdatedAt),
		utc(w.LastSyncedAt),
		utc(w.CreatedAt),
		utc(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	var id string
	if err := q.get(ctx, &id, `SELECT id FROM workflows WHERE provider_id = ? AND provider_workflow_id = ?`,
		w.ProviderID, w.ProviderWorkflowID); err != nil {
		return fmt.Errorf("failed to read back workflow id: %w", err)
	}
	w.ID = id

	return nil
}

// ListWorkflows lists workflows ordered by name
func (q queries) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	where := filter.clause()
	page, pageArgs := limitOffset(filter.Limit, filter.Offset)
	query := `SELECT ` + workflowColumns + ` FROM workflows` + where.String() + ` ORDER BY name, id` + page

	workflows := []*Workflow{}
	if err := q.selectAll(ctx, &workflows, query, append(where.args, pageArgs...)...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

// ArchiveMissingWorkflows marks every unarchived workflow of the provider whose
// remote ID is not in seenRemoteIDs as archived. Rows are never deleted.
func (q queries) ArchiveMissingWorkflows(ctx context.Context, providerID string, seenRemoteIDs []string, at time.Time) (int64, error) {
	query := `
		UPDATE workflows
		SET is_archived = TRUE, updated_at = ?
		WHERE provider_id = ? AND is_archived = FALSE`
	args := []any{utc(at), providerID}

	if len(seenRemoteIDs) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND provider_workflow_id NOT IN (?)`, utc(at), providerID, seenRemoteIDs)
		if err != nil {
			return 0, fmt.Errorf("failed to build archive query: %w", err)
		}
	}

	result, err := q.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to archive workflows: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
