package stores

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// ProviderStatus represents the health of a provider as of its last sync
type ProviderStatus string

const (
	ProviderStatusHealthy ProviderStatus = "healthy"
	ProviderStatusError   ProviderStatus = "error"
)

// ExecutionStatus represents the local status of a mirrored execution
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusError   ExecutionStatus = "error"
	ExecutionStatusCrashed ExecutionStatus = "crashed"
	ExecutionStatusRunning ExecutionStatus = "running"
)

// IsTerminal returns true once the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusError, ExecutionStatusCrashed:
		return true
	default:
		return false
	}
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusError,
		ExecutionStatusCrashed, ExecutionStatusRunning:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// ConfigType is the declared value type of a config item
type ConfigType string

const (
	ConfigTypeString  ConfigType = "string"
	ConfigTypeNumber  ConfigType = "number"
	ConfigTypeBoolean ConfigType = "boolean"
	ConfigTypeJSON    ConfigType = "json"
)

// Sync cursor entities
const (
	CursorEntityExecutions = "executions"
	CursorEntityWorkflows  = "workflows"
)

// Provider represents a registered workflow-automation instance
type Provider struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"user_id"`
	Name            string         `db:"name" json:"name"`
	BaseURL         string         `db:"base_url" json:"base_url"`
	APIKeyEncrypted string         `db:"api_key_encrypted" json:"-"`
	IsConnected     bool           `db:"is_connected" json:"is_connected"`
	Status          ProviderStatus `db:"status" json:"status"`
	LastError       *string        `db:"last_error" json:"last_error,omitempty"`
	LastSyncedAt    *time.Time     `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// CronSchedule is one cron trigger found in a workflow definition
type CronSchedule struct {
	NodeName       string `json:"nodeName"`
	NodeType       string `json:"nodeType"`
	CronExpression string `json:"cronExpression"`
}

// CronSchedules is stored as a JSON array column.
type CronSchedules []CronSchedule

// Value implements driver.Valuer.
func (c CronSchedules) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *CronSchedules) Scan(src any) error {
	return scanJSON(src, c)
}

// StringList is stored as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src any, dest any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dest)
}

// Workflow represents a provider-side automation definition
type Workflow struct {
	ID                 string        `db:"id" json:"id"`
	ProviderID         string        `db:"provider_id" json:"provider_id"`
	ProviderWorkflowID string        `db:"provider_workflow_id" json:"provider_workflow_id"`
	Name               string        `db:"name" json:"name"`
	IsActive           bool          `db:"is_active" json:"is_active"`
	IsArchived         bool          `db:"is_archived" json:"is_archived"`
	CronSchedules      CronSchedules `db:"cron_schedules" json:"cron_schedules"`
	NodeCount          int           `db:"node_count" json:"node_count"`
	ConnectionCount    int           `db:"connection_count" json:"connection_count"`
	Tags               StringList    `db:"tags" json:"tags"`
	RawDefinition      string        `db:"raw_definition" json:"raw_definition"` // JSON blob
	RemoteUpdatedAt    *time.Time    `db:"remote_updated_at" json:"remote_updated_at,omitempty"`
	LastSyncedAt       time.Time     `db:"last_synced_at" json:"last_synced_at"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// Execution represents one historical run of a workflow
type Execution struct {
	ID                  string          `db:"id" json:"id"`
	ProviderID          string          `db:"provider_id" json:"provider_id"`
	ProviderExecutionID string          `db:"provider_execution_id" json:"provider_execution_id"`
	WorkflowID          *string         `db:"workflow_id" json:"workflow_id,omitempty"`
	ProviderWorkflowID  string          `db:"provider_workflow_id" json:"provider_workflow_id"`
	Status              ExecutionStatus `db:"status" json:"status"`
	Mode                string          `db:"mode" json:"mode"`
	StartedAt           time.Time       `db:"started_at" json:"started_at"`
	StoppedAt           *time.Time      `db:"stopped_at" json:"stopped_at,omitempty"`
	DurationMs          *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	TotalTokens         int64           `db:"total_tokens" json:"total_tokens"`
	InputTokens         int64           `db:"input_tokens" json:"input_tokens"`
	OutputTokens        int64           `db:"output_tokens" json:"output_tokens"`
	AIProvider          *string         `db:"ai_provider" json:"ai_provider,omitempty"`
	AIModel             *string         `db:"ai_model" json:"ai_model,omitempty"`
	AICost              float64         `db:"ai_cost" json:"ai_cost"`
	LastSyncedAt        time.Time       `db:"last_synced_at" json:"last_synced_at"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// ExecutionTotals aggregates counts and AI usage over a filtered set of executions
type ExecutionTotals struct {
	Count        int64   `db:"count" json:"count"`
	Succeeded    int64   `db:"succeeded" json:"succeeded"`
	Failed       int64   `db:"failed" json:"failed"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	TotalTokens  int64   `db:"total_tokens" json:"total_tokens"`
	AICost       float64 `db:"ai_cost" json:"ai_cost"`
}

// SyncCursor is the per-provider incremental watermark for one entity
type SyncCursor struct {
	ProviderID   string    `db:"provider_id" json:"provider_id"`
	Entity       string    `db:"entity" json:"entity"`
	CursorValue  string    `db:"cursor_value" json:"cursor_value"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"last_synced_at"`
}

// ConfigItem represents one runtime setting
type ConfigItem struct {
	Key          string     `db:"key" json:"key"`
	Value        string     `db:"value" json:"value"`
	Type         ConfigType `db:"type" json:"type"`
	Category     string     `db:"category" json:"category"`
	Description  string     `db:"description" json:"description"`
	IsSecret     bool       `db:"is_secret" json:"is_secret"`
	IsSystem     bool       `db:"is_system" json:"is_system"`
	Schema       *string    `db:"schema" json:"schema,omitempty"`
	DefaultValue string     `db:"default_value" json:"default_value"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ConfigAuditEntry represents one recorded config change
type ConfigAuditEntry struct {
	ID           int64     `db:"id" json:"id"`
	ConfigKey    string    `db:"config_key" json:"config_key"`
	OldValue     *string   `db:"old_value" json:"old_value,omitempty"`
	NewValue     string    `db:"new_value" json:"new_value"`
	ChangedBy    string    `db:"changed_by" json:"changed_by"`
	ChangeReason *string   `db:"change_reason" json:"change_reason,omitempty"`
	IPAddress    *string   `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    *string   `db:"user_agent" json:"user_agent,omitempty"`
	Timestamp    time.Time `db:"created_at" json:"timestamp"`
}

// Repository holds every query the engine runs. Both the store and an open
// transaction implement it.
type Repository interface {
	// Providers
	CreateProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context, filter ProviderFilter) ([]*Provider, error)
	UpdateProvider(ctx context.Context, p *Provider) error
	UpdateProviderSyncState(ctx context.Context, id string, status ProviderStatus, lastError *string, syncedAt time.Time) error
	DeleteProvider(ctx context.Context, id string) error

	// Workflows
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByRemoteID(ctx context.Context, providerID, remoteID string) (*Workflow, error)
	UpsertWorkflow(ctx context.Context, w *Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	ArchiveMissingWorkflows(ctx context.Context, providerID string, seenRemoteIDs []string, at time.Time) (int64, error)

	// Executions
	GetExecutionByRemoteID(ctx context.Context, providerID, remoteID string) (*Execution, error)
	UpsertExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	CountExecutions(ctx context.Context, filter ExecutionFilter) (int64, error)
	ExecutionTotals(ctx context.Context, filter ExecutionFilter) (*ExecutionTotals, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Sync cursors
	GetSyncCursor(ctx context.Context, providerID, entity string) (*SyncCursor, error)
	SaveSyncCursor(ctx context.Context, c *SyncCursor) error

	// Config
	GetConfigItem(ctx context.Context, key string) (*ConfigItem, error)
	ListConfigItems(ctx context.Context) ([]*ConfigItem, error)
	InsertConfigItem(ctx context.Context, item *ConfigItem) error
	UpdateConfigValue(ctx context.Context, key, value string, at time.Time) error
	InsertConfigAudit(ctx context.Context, entry *ConfigAuditEntry) error
	ListConfigAudit(ctx context.Context, filter AuditFilter) ([]*ConfigAuditEntry, error)
}

// Store defines the persistence interface
type Store interface {
	Repository

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// WithTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back on error or panic.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
