package stores

import (
	"context"
	"fmt"
	"time"
)

const providerColumns = `id, user_id, name, base_url, api_key_encrypted, is_connected, status,
	last_error, last_synced_at, created_at, updated_at`

// CreateProvider creates a new provider record
func (q queries) CreateProvider(ctx context.Context, p *Provider) error {
	query := `
		INSERT INTO providers (` + providerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.exec(ctx, query,
		p.ID,
		p.UserID,
		p.Name,
		p.BaseURL,
		p.APIKeyEncrypted,
		p.IsConnected,
		p.Status,
		p.LastError,
		utcPtr(p.LastSyncedAt),
		utc(p.CreatedAt),
		utc(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	return nil
}

// GetProvider retrieves a provider by ID
func (q queries) GetProvider(ctx context.Context, id string) (*Provider, error) {
	p := &Provider{}
	err := q.get(ctx, p, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "provider", id)
	}
	return p, nil
}

// ListProviders lists providers ordered by name
func (q queries) ListProviders(ctx context.Context, filter ProviderFilter) ([]*Provider, error) {
	where := filter.clause()
	query := `SELECT ` + providerColumns + ` FROM providers` + where.String() + ` ORDER BY name, id`

	providers := []*Provider{}
	if err := q.selectAll(ctx, &providers, query, where.args...); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// UpdateProvider rewrites the mutable columns of a provider
func (q queries) UpdateProvider(ctx context.Context, p *Provider) error {
	query := `
		UPDATE providers
		SET name = ?, base_url = ?, api_key_encrypted = ?, is_connected = ?, status = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?
	`

	return q.execOne(ctx, "provider", p.ID, query,
		p.Name,
		p.BaseURL,
		p.APIKeyEncrypted,
		p.IsConnected,
		p.Status,
		p.LastError,
		utc(p.UpdatedAt),
		p.ID,
	)
}

// UpdateProviderSyncState records the outcome of a sync pass
func (q queries) UpdateProviderSyncState(ctx context.Context, id string, status ProviderStatus, lastError *string, syncedAt time.Time) error {
	query := `
		UPDATE providers
		SET status = ?, last_error = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`

	at := utc(syncedAt)
	return q.execOne(ctx, "provider", id, query, status, lastError, at, at, id)
}

// DeleteProvider deletes a provider; workflows, executions and cursors cascade
func (q queries) DeleteProvider(ctx context.Context, id string) error {
	result, err := q.exec(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("provider not found: %s: %w", id, ErrNotFound)
	}

	return nil
}
