package engine

import (
	"fmt"
	"time"
)

// User is an already-authenticated caller of the engine.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Actor returns the identity recorded in audit entries.
func (u User) Actor() string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// SyncKind selects what a pass synchronizes.
type SyncKind string

const (
	SyncKindWorkflows  SyncKind = "workflows"
	SyncKindExecutions SyncKind = "executions"

	// SyncKindFull syncs workflows first, then executions.
	SyncKindFull SyncKind = "full"
)

// Validate checks if the sync kind is valid.
func (k SyncKind) Validate() error {
	switch k {
	case SyncKindWorkflows, SyncKindExecutions, SyncKindFull:
		return nil
	default:
		return fmt.Errorf("invalid sync kind: %s", k)
	}
}

func (k SyncKind) includesWorkflows() bool {
	return k == SyncKindWorkflows || k == SyncKindFull
}

func (k SyncKind) includesExecutions() bool {
	return k == SyncKindExecutions || k == SyncKindFull
}

// SyncType selects between an incremental and a full execution sync.
type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
)

// Trigger records why a pass ran.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ScopeAll targets every connected provider.
const ScopeAll = "all"

// SyncRequest describes one pass.
type SyncRequest struct {
	// Scope is ScopeAll or a provider ID.
	Scope   string   `json:"scope"`
	Kind    SyncKind `json:"kind"`
	Mode    SyncType `json:"mode"`
	Trigger Trigger  `json:"trigger"`
}

func (r SyncRequest) normalize() (SyncRequest, error) {
	if r.Scope == "" {
		r.Scope = ScopeAll
	}
	if r.Kind == "" {
		r.Kind = SyncKindFull
	}
	if r.Mode == "" {
		r.Mode = SyncTypeIncremental
	}
	if r.Trigger == "" {
		r.Trigger = TriggerManual
	}
	if err := r.Kind.Validate(); err != nil {
		return r, NewValidationError(err.Error(), nil)
	}
	if r.Mode != SyncTypeIncremental && r.Mode != SyncTypeFull {
		return r, NewValidationError(fmt.Sprintf("invalid sync type: %s", r.Mode), nil)
	}
	return r, nil
}

// ExecutionSyncOptions tunes one execution sync.
type ExecutionSyncOptions struct {
	SyncType SyncType
	// BatchSize is the page size requested from the provider. Zero uses the
	// sync.execution_batch_size setting.
	BatchSize int
}

// WorkflowSyncResult counts the outcome of syncing one provider's workflows.
type WorkflowSyncResult struct {
	Synced   int      `json:"synced"`
	Updated  int      `json:"updated"`
	Archived int      `json:"archived"`
	Errors   []string `json:"errors,omitempty"`
}

// ExecutionSyncResult counts the outcome of syncing one provider's executions.
type ExecutionSyncResult struct {
	Processed int      `json:"processed"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Errors    []string `json:"errors,omitempty"`
}

// ProviderResult is one provider's share of a pass.
type ProviderResult struct {
	ProviderID   string               `json:"provider_id"`
	ProviderName string               `json:"provider_name"`
	Workflows    *WorkflowSyncResult  `json:"workflows,omitempty"`
	Executions   *ExecutionSyncResult `json:"executions,omitempty"`
	Error        string               `json:"error,omitempty"`
	ErrorKind    ErrorKind            `json:"error_kind,omitempty"`

	// Skipped is set when the provider was left out because of failure backoff.
	Skipped bool `json:"skipped,omitempty"`
}

// Failed reports whether the provider's sync returned an error.
func (r ProviderResult) Failed() bool {
	return r.Error != ""
}

// FanOutResult aggregates a pass over several providers.
type FanOutResult struct {
	Providers   int              `json:"providers"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	PerProvider []ProviderResult `json:"per_provider"`
}

// SyncResult is the outcome of one pass.
type SyncResult struct {
	PassID      string      `json:"pass_id"`
	Request     SyncRequest `json:"request"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	FanOutResult
}

// Duration returns how long the pass took.
func (r *SyncResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	State      SchedulerState `json:"state"`
	Running    bool           `json:"running"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastResult *SyncResult    `json:"last_result,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
}

// ProviderStatus summarizes one provider for status views.
type ProviderStatus struct {
	ProviderID      string     `json:"provider_id"`
	Name            string     `json:"name"`
	BaseURL         string     `json:"base_url"`
	Connected       bool       `json:"connected"`
	Status          string     `json:"status"`
	LastError       string     `json:"last_error,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	ExecutionCursor string     `json:"execution_cursor,omitempty"`
	Workflows       int        `json:"workflows"`
	Executions      int64      `json:"executions"`
}
