package stores

import (
	"context"
	"fmt"
	"time"
)

const executionColumns = `id, provider_id, provider_execution_id, workflow_id, provider_workflow_id,
	status, mode, started_at, stopped_at, duration_ms, total_tokens, input_tokens, output_tokens,
	ai_provider, ai_model, ai_cost, last_synced_at, created_at, updated_at`

// GetExecutionByRemoteID retrieves an execution by its natural key
func (q queries) GetExecutionByRemoteID(ctx context.Context, providerID, remoteID string) (*Execution, error) {
	e := &Execution{}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE provider_id = ? AND provider_execution_id = ?`
	if err := q.get(ctx, e, query, providerID, remoteID); err != nil {
		return nil, notFound(err, "execution", providerID+"/"+remoteID)
	}
	return e, nil
}

// UpsertExecution inserts or updates an execution keyed by
// (provider_id, provider_execution_id). A stored row that already reached a
// terminal status is left untouched. AI usage columns are overwritten, never summed.
func (q queries) UpsertExecution(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, provider_execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			provider_workflow_id = excluded.provider_workflow_id,
			status = excluded.status,
			mode = excluded.mode,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			duration_ms = excluded.duration_ms,
			total_tokens = excluded.total_tokens,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			ai_provider = excluded.ai_provider,
			ai_model = excluded.ai_model,
			ai_cost = excluded.ai_cost,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
		WHERE executions.status = 'running'
	`

	_, err := q.exec(ctx, query,
		e.ID,
		e.ProviderID,
		e.ProviderExecutionID,
		e.WorkflowID,
		e.ProviderWorkflowID,
		e.Status,
		e.Mode,
		utc(e.StartedAt),
		utcPtr(e.StoppedAt),
		e.DurationMs,
		e.TotalTokens,
		e.InputTokens,
		e.OutputTokens,
		e.AIProvider,
		e.AIModel,
		e.AICost,
		utc(e.LastSyncedAt),
		utc(e.CreatedAt),
		utc(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution: %w", err)
	}

	return nil
}

// ListExecutions lists executions, newest first
func (q queries) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	where := filter.clause()
	page, pageArgs := limitOffset(filter.Limit, filter.Offset)
	query := `SELECT ` + executionColumns + ` FROM executions` + where.String() +
		` ORDER BY started_at DESC, id` + page

	executions := []*Execution{}
	if err := q.selectAll(ctx, &executions, query, append(where.args, pageArgs...)...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// CountExecutions counts executions matching the filter
func (q queries) CountExecutions(ctx context.Context, filter ExecutionFilter) (int64, error) {
	where := filter.clause()

	var count int64
	if err := q.get(ctx, &count, `SELECT COUNT(*) FROM executions`+where.String(), where.args...); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// ExecutionTotals sums status counts and AI usage over the filtered executions
func (q queries) ExecutionTotals(ctx context.Context, filter ExecutionFilter) (*ExecutionTotals, error) {
	where := filter.clause()
	query := `
		SELECT
			COUNT(*) AS count,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status IN ('failed', 'error', 'crashed') THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(ai_cost), 0) AS ai_cost
		FROM executions` + where.String()

	totals := &ExecutionTotals{}
	if err := q.get(ctx, totals, query, where.args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}
	return totals, nil
}

// DeleteExecutionsBefore removes terminal executions that started before cutoff
func (q queries) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM executions WHERE started_at < ? AND status <> 'running'`

	result, err := q.exec(ctx, query, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// GetSyncCursor retrieves the sync cursor for a provider and entity
func (q queries) GetSyncCursor(ctx context.Context, providerID, entity string) (*SyncCursor, error) {
	c := &SyncCursor{}
	query := `SELECT provider_id, entity, cursor_value, last_synced_at FROM sync_cursors WHERE provider_id = ? AND entity = ?`
	if err := q.get(ctx, c, query, providerID, entity); err != nil {
		return nil, notFound(err, "sync cursor", providerID+"/"+entity)
	}
	return c, nil
}

// SaveSyncCursor inserts or replaces a sync cursor
func (q queries) SaveSyncCursor(ctx context.Context, c *SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (provider_id, entity, cursor_value, last_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_id, entity) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			last_synced_at = excluded.last_synced_at
	`

	if _, err := q.exec(ctx, query, c.ProviderID, c.Entity, c.CursorValue, utc(c.LastSyncedAt)); err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
