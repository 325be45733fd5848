package engine

import (
	"context"
	"errors"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// Service is the entry point for callers outside the engine. Errors returned
// from its methods can be turned into a kind and message with Describe.
type Service struct {
	db         stores.Store
	config     *config.Store
	registry   *Registry
	workflows  *WorkflowSyncer
	executions *ExecutionSyncer
	scheduler  *Scheduler
	logger     *telemetry.Logger
}

// NewService wires the registry, syncers and scheduler around one store.
// cfg supplies runtime settings; when nil, built-in defaults apply.
func NewService(db stores.Store, cfg *config.Store, v *vault.Vault, clients ClientFactory, opts ...Option) *Service {
	var settings Settings
	if cfg != nil {
		settings = cfg
	}

	registry := NewRegistry(db, v, clients, settings, opts...)
	workflows := NewWorkflowSyncer(db, registry, settings, opts...)
	executions := NewExecutionSyncer(db, registry, settings, opts...)

	o := buildOptions(opts)
	return &Service{
		db:         db,
		config:     cfg,
		registry:   registry,
		workflows:  workflows,
		executions: executions,
		scheduler:  NewScheduler(registry, workflows, executions, settings, opts...),
		logger:     o.tel.Logger.NewComponentLogger("service"),
	}
}

// Registry returns the provider registry.
func (s *Service) Registry() *Registry { return s.registry }

// Scheduler returns the scheduler.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Start arms the scheduler.
func (s *Service) Start(ctx context.Context) error { return s.scheduler.Start(ctx) }

// Stop stops the scheduler, waiting for a running pass.
func (s *Service) Stop() { s.scheduler.Stop() }

// Sync

// TriggerManualSync runs an incremental pass of kind over scope now.
func (s *Service) TriggerManualSync(ctx context.Context, scope string, kind SyncKind) (*SyncResult, error) {
	return s.scheduler.TriggerSync(ctx, SyncRequest{
		Scope:   scope,
		Kind:    kind,
		Mode:    SyncTypeIncremental,
		Trigger: TriggerManual,
	})
}

// TriggerSync runs the described pass now.
func (s *Service) TriggerSync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	return s.scheduler.TriggerSync(ctx, req)
}

// SchedulerStatus returns a snapshot of the scheduler.
func (s *Service) SchedulerStatus() SchedulerStatus {
	return s.scheduler.Status()
}

// Config

var errNoConfigStore = NewValidationError("runtime configuration is not available", nil)

// GetConfig returns the plaintext value of key.
func (s *Service) GetConfig(ctx context.Context, key string) (string, error) {
	if s.config == nil {
		return "", errNoConfigStore
	}
	value, ok, err := s.config.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", NewNotFoundError("config item not found: "+key, stores.ErrNotFound)
	}
	return value, nil
}

// SetConfig changes one setting on behalf of user.
func (s *Service) SetConfig(ctx context.Context, user User, key, value string, meta config.AuditMeta) error {
	if s.config == nil {
		return errNoConfigStore
	}
	meta.ChangedBy = user.Actor()
	return s.config.Set(ctx, key, value, meta)
}

// SetConfigValues changes several settings. Each key is applied on its own;
// the returned map holds the keys that were rejected.
func (s *Service) SetConfigValues(ctx context.Context, user User, values map[string]string, meta config.AuditMeta) map[string]error {
	if s.config == nil {
		failed := make(map[string]error, len(values))
		for k := range values {
			failed[k] = errNoConfigStore
		}
		return failed
	}
	meta.ChangedBy = user.Actor()
	return s.config.SetMany(ctx, values, meta)
}

// ConfigCategories lists settings by category with secrets masked.
func (s *Service) ConfigCategories(ctx context.Context) ([]config.Category, error) {
	if s.config == nil {
		return nil, errNoConfigStore
	}
	return s.config.Categories(ctx)
}

// ResetConfig restores every setting to its default and returns the changed keys.
func (s *Service) ResetConfig(ctx context.Context, user User, reason string) ([]string, error) {
	if s.config == nil {
		return nil, errNoConfigStore
	}
	return s.config.ResetToDefaults(ctx, config.AuditMeta{
		ChangedBy:    user.Actor(),
		ChangeReason: reason,
	})
}

// ConfigHistory lists audit entries, oldest first.
func (s *Service) ConfigHistory(ctx context.Context, filter stores.AuditFilter) ([]*stores.ConfigAuditEntry, error) {
	if s.config == nil {
		return nil, errNoConfigStore
	}
	return s.config.History(ctx, filter)
}

// Providers

// RegisterProvider registers a provider owned by user.
func (s *Service) RegisterProvider(ctx context.Context, user User, in RegisterInput) (*stores.Provider, error) {
	return s.registry.RegisterProvider(ctx, user, in)
}

// UpdateProvider changes a provider.
func (s *Service) UpdateProvider(ctx context.Context, user User, id string, patch ProviderPatch) (*stores.Provider, error) {
	p, err := s.registry.UpdateProvider(ctx, id, patch)
	if err == nil {
		s.logger.WithField("provider_id", id).WithField("user", user.Actor()).Debug("provider update requested")
	}
	return p, err
}

// DeleteProvider removes a provider and everything synced from it.
func (s *Service) DeleteProvider(ctx context.Context, user User, id string) error {
	if err := s.registry.DeleteProvider(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("provider_id", id).WithField("user", user.Actor()).Info("provider removed")
	return nil
}

// TestConnection probes a provider without storing anything.
func (s *Service) TestConnection(ctx context.Context, baseURL, apiKey string) (ConnectionResult, error) {
	return s.registry.TestConnection(ctx, baseURL, apiKey)
}

// ListProviders lists the providers owned by user, or all providers when the user has no ID.
func (s *Service) ListProviders(ctx context.Context, user User) ([]*stores.Provider, error) {
	return s.registry.ListProviders(ctx, user.ID)
}

// ProviderStatuses summarizes every provider: health, last sync, cursor and row counts.
func (s *Service) ProviderStatuses(ctx context.Context) ([]ProviderStatus, error) {
	providers, err := s.registry.ListProviders(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		st := ProviderStatus{
			ProviderID:   p.ID,
			Name:         p.Name,
			BaseURL:      p.BaseURL,
			Connected:    p.IsConnected,
			Status:       string(p.Status),
			LastSyncedAt: p.LastSyncedAt,
		}
		if p.LastError != nil {
			st.LastError = *p.LastError
		}

		c, err := s.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
		switch {
		case err == nil:
			st.ExecutionCursor = c.CursorValue
		case !errors.Is(err, stores.ErrNotFound):
			return nil, NewPersistenceError("failed to read sync cursor", err).WithProvider(p.ID)
		}

		workflows, err := s.db.ListWorkflows(ctx, stores.WorkflowFilter{ProviderID: p.ID})
		if err != nil {
			return nil, NewPersistenceError("failed to count workflows", err).WithProvider(p.ID)
		}
		st.Workflows = len(workflows)

		st.Executions, err = s.db.CountExecutions(ctx, stores.ExecutionFilter{ProviderID: p.ID})
		if err != nil {
			return nil, NewPersistenceError("failed to count executions", err).WithProvider(p.ID)
		}

		out = append(out, st)
	}
	return out, nil
}

// Metrics

// ExecutionTotals aggregates status counts and AI usage over the filtered executions.
func (s *Service) ExecutionTotals(ctx context.Context, filter stores.ExecutionFilter) (*stores.ExecutionTotals, error) {
	totals, err := s.db.ExecutionTotals(ctx, filter)
	if err != nil {
		return nil, NewPersistenceError("failed to aggregate executions", err)
	}
	return totals, nil
}

// ListWorkflows lists mirrored workflows.
func (s *Service) ListWorkflows(ctx context.Context, filter stores.WorkflowFilter) ([]*stores.Workflow, error) {
	workflows, err := s.db.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, NewPersistenceError("failed to list workflows", err)
	}
	return workflows, nil
}

// ListExecutions lists mirrored executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, filter stores.ExecutionFilter) ([]*stores.Execution, error) {
	executions, err := s.db.ListExecutions(ctx, filter)
	if err != nil {
		return nil, NewPersistenceError("failed to list executions", err)
	}
	return executions, nil
}

// PruneExecutions applies the execution retention setting now.
func (s *Service) PruneExecutions(ctx context.Context) (int64, error) {
	return s.executions.PruneExecutions(ctx, s.executions.tun.retentionDays(ctx))
}
