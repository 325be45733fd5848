package stores

import (
	"context"
	"fmt"
	"time"
)

const configItemColumns = `key, value, type, category, description, is_secret, is_system,
	schema, default_value, created_at, updated_at`

// GetConfigItem retrieves a config item by key
func (q queries) GetConfigItem(ctx context.Context, key string) (*ConfigItem, error) {
	item := &ConfigItem{}
	if err := q.get(ctx, item, `SELECT `+configItemColumns+` FROM config_items WHERE key = ?`, key); err != nil {
		return nil, notFound(err, "config item", key)
	}
	return item, nil
}

// ListConfigItems lists all config items ordered by category and key
func (q queries) ListConfigItems(ctx context.Context) ([]*ConfigItem, error) {
	items := []*ConfigItem{}
	query := `SELECT ` + configItemColumns + ` FROM config_items ORDER BY category, key`
	if err := q.selectAll(ctx, &items, query); err != nil {
		return nil, fmt.Errorf("failed to list config items: %w", err)
	}
	return items, nil
}

// InsertConfigItem creates a new config item definition
func (q queries) InsertConfigItem(ctx context.Context, item *ConfigItem) error {
	query := `
		INSERT INTO config_items (` + configItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.exec(ctx, query,
		item.Key,
		item.Value,
		item.Type,
		item.Category,
		item.Description,
		item.IsSecret,
		item.IsSystem,
		item.Schema,
		item.DefaultValue,
		utc(item.CreatedAt),
		utc(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create config item: %w", err)
	}
	return nil
}

// UpdateConfigValue replaces the stored value of a config item
func (q queries) UpdateConfigValue(ctx context.Context, key, value string, at time.Time) error {
	return q.execOne(ctx, "config item", key,
		`UPDATE config_items SET value = ?, updated_at = ? WHERE key = ?`,
		value, utc(at), key)
}

// InsertConfigAudit appends a config audit entry
func (q queries) InsertConfigAudit(ctx context.Context, entry *ConfigAuditEntry) error {
	query := `
		INSERT INTO config_audit_log (config_key, old_value, new_value, changed_by, change_reason,
			ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.exec(ctx, query,
		entry.ConfigKey,
		entry.OldValue,
		entry.NewValue,
		entry.ChangedBy,
		entry.ChangeReason,
		entry.IPAddress,
		entry.UserAgent,
		utc(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create config audit entry: %w", err)
	}
	return nil
}

// ListConfigAudit lists audit entries in the order they were written
func (q queries) ListConfigAudit(ctx context.Context, filter AuditFilter) ([]*ConfigAuditEntry, error) {
	where := filter.clause()
	page, pageArgs := limitOffset(filter.Limit, 0)
	query := `
		SELECT id, config_key, old_value, new_value, changed_by, change_reason, ip_address,
			user_agent, created_at
		FROM config_audit_log` + where.String() + ` ORDER BY id` + page

	entries := []*ConfigAuditEntry{}
	if err := q.selectAll(ctx, &entries, query, append(where.args, pageArgs...)...); err != nil {
		return nil, fmt.Errorf("failed to list config audit: %w", err)
	}
	return entries, nil
}
