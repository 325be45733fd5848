package stores

import (
	"strings"
	"time"
)

// ProviderFilter narrows ListProviders.
type ProviderFilter struct {
	UserID        string
	ConnectedOnly bool
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	ProviderID      string
	Active          *bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ExecutionFilter narrows execution queries to a fixed set of predicates.
type ExecutionFilter struct {
	ProviderID    string
	WorkflowID    string
	Statuses      []ExecutionStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// AuditFilter narrows ListConfigAudit.
type AuditFilter struct {
	Key   string
	Since *time.Time
	Limit int
}

// clause accumulates AND-ed predicates and their positional arguments.
type clause struct {
	conds []string
	args  []any
}

func (c *clause) add(cond string, args ...any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, args...)
}

func (c *clause) String() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

func (f ProviderFilter) clause() *clause {
	c := &clause{}
	if f.UserID != "" {
		c.add("user_id = ?", f.UserID)
	}
	if f.ConnectedOnly {
		c.add("is_connected = TRUE")
	}
	return c
}

func (f WorkflowFilter) clause() *clause {
	c := &clause{}
	if f.ProviderID != "" {
		c.add("provider_id = ?", f.ProviderID)
	}
	if f.Active != nil {
		c.add("is_active = ?", *f.Active)
	}
	if !f.IncludeArchived {
		c.add("is_archived = FALSE")
	}
	return c
}

func (f ExecutionFilter) clause() *clause {
	c := &clause{}
	if f.ProviderID != "" {
		c.add("provider_id = ?", f.ProviderID)
	}
	if f.WorkflowID != "" {
		c.add("workflow_id = ?", f.WorkflowID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			c.args = append(c.args, string(s))
		}
		c.conds = append(c.conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.StartedAfter != nil {
		c.add("started_at >= ?", f.StartedAfter.UTC())
	}
	if f.StartedBefore != nil {
		c.add("started_at < ?", f.StartedBefore.UTC())
	}
	return c
}

func (f AuditFilter) clause() *clause {
	c := &clause{}
	if f.Key != "" {
		c.add("config_key = ?", f.Key)
	}
	if f.Since != nil {
		c.add("created_at >= ?", f.Since.UTC())
	}
	return c
}

func limitOffset(limit, offset int) (string, []any) {
	if limit <= 0 {
		return "", nil
	}
	if offset < 0 {
		offset = 0
	}
	return " LIMIT ? OFFSET ?", []any{limit, offset}
}
