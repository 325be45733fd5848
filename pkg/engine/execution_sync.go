package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

type ingestOutcome int

const (
	outcomeInserted ingestOutcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// ExecutionSyncer mirrors remote execution history into the store.
type ExecutionSyncer struct {
	db       stores.Store
	registry *Registry
	tun      tunables
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	clock    Clock
}

// NewExecutionSyncer creates an execution syncer.
func NewExecutionSyncer(db stores.Store, registry *Registry, settings Settings, opts ...Option) *ExecutionSyncer {
	o := buildOptions(opts)
	logger := o.tel.Logger.NewComponentLogger("execution-sync")
	return &ExecutionSyncer{
		db:       db,
		registry: registry,
		tun:      tunables{settings: settings, logger: logger},
		tel:      o.tel,
		logger:   logger,
		clock:    o.clock,
	}
}

// executionPass holds the state of one provider sync.
type executionPass struct {
	provider  *stores.Provider
	client    ProviderClient
	pricing   Pricing
	now       time.Time
	workflows map[string]*string
	seen      map[string]bool
	result    *ExecutionSyncResult
}

// SyncProvider fetches executions newer than the provider's cursor (or all of
// them for a full sync), upserts them and refreshes executions still running
// locally. The cursor advances to the newest startedAt seen, and only when
// the pass recorded no errors.
func (s *ExecutionSyncer) SyncProvider(ctx context.Context, p *stores.Provider, opts ExecutionSyncOptions) (*ExecutionSyncResult, error) {
	ctx = s.tel.WithContext(ctx)
	logger := s.logger.WithProvider(p.ID, p.Name)
	result := &ExecutionSyncResult{}

	if opts.SyncType == "" {
		opts.SyncType = SyncTypeIncremental
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.tun.batchSize(ctx)
	}

	client, err := s.registry.Client(ctx, p)
	if err != nil {
		return result, err
	}

	unlock := s.registry.lockProvider(p.ID)
	defer unlock()

	var watermark time.Time
	hasWatermark := false
	if opts.SyncType == SyncTypeIncremental {
		c, err := s.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
		switch {
		case err == nil:
			watermark, hasWatermark = parseCursor(c.CursorValue)
		case !errors.Is(err, stores.ErrNotFound):
			return result, NewPersistenceError("failed to read sync cursor", err).WithProvider(p.ID)
		}
	}

	pass := &executionPass{
		provider:  p,
		client:    client,
		pricing:   s.tun.pricing(ctx),
		now:       s.clock.Now(),
		workflows: make(map[string]*string),
		seen:      make(map[string]bool),
		result:    result,
	}
	newest := watermark

	cursor := ""
	done := false
	for page := 0; page < maxPages && !done; page++ {
		var resp *ExecutionPage
		err := telemetry.ObserveProviderCall(ctx, p.ID, "list_executions", func(ctx context.Context) error {
			var err error
			resp, err = client.ListExecutions(ctx, ExecutionQuery{
				Limit:       opts.BatchSize,
				Cursor:      cursor,
				IncludeData: true,
			})
			return err
		})
		if err != nil {
			return result, providerError(err, p.ID, "list_executions")
		}

		for _, raw := range resp.Items {
			exec, err := decodeExecution(raw)
			if err != nil {
				s.recordError(logger, pass, peekID(raw), err)
				continue
			}
			// Queued executions have no start time yet; they are stored as
			// running and completed later by refreshRunning.
			if exec.queued() {
				s.process(ctx, logger, pass, exec)
				continue
			}
			// The listing is newest first, so everything after the first
			// execution older than the watermark was seen by an earlier pass.
			if hasWatermark && exec.StartedAt.Before(watermark) {
				done = true
				break
			}

			s.process(ctx, logger, pass, exec)
			if exec.StartedAt.After(newest) {
				newest = *exec.StartedAt
			}
		}

		if resp.NextCursor == "" || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}

	if opts.SyncType == SyncTypeIncremental {
		s.refreshRunning(ctx, logger, pass)
	}

	if len(result.Errors) == 0 && !newest.IsZero() {
		err := s.db.SaveSyncCursor(ctx, &stores.SyncCursor{
			ProviderID:   p.ID,
			Entity:       stores.CursorEntityExecutions,
			CursorValue:  formatCursor(newest),
			LastSyncedAt: pass.now,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("save cursor: %v", err))
		}
	} else if len(result.Errors) > 0 {
		logger.WithField("errors", len(result.Errors)).Warn("cursor not advanced")
	}

	s.tel.Metrics.RecordExecutions(result.Inserted, result.Updated, result.Unchanged)
	logger.WithFields(map[string]interface{}{
		"sync_type": opts.SyncType,
		"processed": result.Processed,
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"errors":    len(result.Errors),
	}).Info("executions synced")

	return result, nil
}

// refreshRunning re-fetches executions that are still running locally but
// were not part of this pass's listing.
func (s *ExecutionSyncer) refreshRunning(ctx context.Context, logger *telemetry.Logger, pass *executionPass) {
	running, err := s.db.ListExecutions(ctx, stores.ExecutionFilter{
		ProviderID: pass.provider.ID,
		Statuses:   []stores.ExecutionStatus{stores.ExecutionStatusRunning},
	})
	if err != nil {
		pass.result.Errors = append(pass.result.Errors, fmt.Sprintf("list running executions: %v", err))
		return
	}

	for _, local := range running {
		id := local.ProviderExecutionID
		if pass.seen[id] {
			continue
		}

		var raw json.RawMessage
		err := telemetry.ObserveProviderCall(ctx, pass.provider.ID, "get_execution", func(ctx context.Context) error {
			var err error
			raw, err = pass.client.GetExecution(ctx, id)
			return err
		})
		if err != nil {
			if IsNotFound(err) {
				logger.WithField("execution_id", id).Debug("running execution no longer exists remotely")
				continue
			}
			s.recordError(logger, pass, id, providerError(err, pass.provider.ID, "get_execution"))
			continue
		}

		exec, err := decodeExecution(raw)
		if err != nil {
			s.recordError(logger, pass, id, err)
			continue
		}
		s.process(ctx, logger, pass, exec)
	}
}

func (s *ExecutionSyncer) process(ctx context.Context, logger *telemetry.Logger, pass *executionPass, exec *RemoteExecution) {
	id := string(exec.ID)
	if pass.seen[id] {
		return
	}
	pass.seen[id] = true

	outcome, err := s.ingest(ctx, pass, exec)
	if err != nil {
		s.recordError(logger, pass, id, err)
		return
	}

	pass.result.Processed++
	switch outcome {
	case outcomeInserted:
		pass.result.Inserted++
	case outcomeUpdated:
		pass.result.Updated++
	case outcomeUnchanged:
		pass.result.Unchanged++
	}
}

func (s *ExecutionSyncer) recordError(logger *telemetry.Logger, pass *executionPass, id string, err error) {
	msg := err.Error()
	if id != "" {
		msg = fmt.Sprintf("execution %s: %v", id, err)
	}
	pass.result.Errors = append(pass.result.Errors, msg)
	logger.WithError(err).WithField("execution_id", id).Warn("skipping execution")
}

// ingest upserts one execution. Rows already in a terminal status are left as they are.
func (s *ExecutionSyncer) ingest(ctx context.Context, pass *executionPass, exec *RemoteExecution) (ingestOutcome, error) {
	p := pass.provider
	remoteID := string(exec.ID)

	existing, err := s.db.GetExecutionByRemoteID(ctx, p.ID, remoteID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return 0, err
	}
	if existing != nil && existing.Status.IsTerminal() {
		return outcomeUnchanged, nil
	}

	status := exec.localStatus()
	usage := ExtractAIUsage(exec, pass.pricing)

	workflowID, err := s.linkWorkflow(ctx, pass, string(exec.WorkflowID))
	if err != nil {
		return 0, err
	}

	e := &stores.Execution{
		ID:                  uuid.New().String(),
		ProviderID:          p.ID,
		ProviderExecutionID: remoteID,
		WorkflowID:          workflowID,
		ProviderWorkflowID:  string(exec.WorkflowID),
		Status:              status,
		Mode:                exec.Mode,
		StartedAt:           exec.startTime(pass.now),
		StoppedAt:           exec.StoppedAt,
		TotalTokens:         usage.TotalTokens,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		AIProvider:          optionalString(usage.Provider),
		AIModel:             optionalString(usage.Model),
		AICost:              usage.Cost,
		LastSyncedAt:        pass.now,
		CreatedAt:           pass.now,
		UpdatedAt:           pass.now,
	}
	if exec.StartedAt != nil && exec.StoppedAt != nil {
		ms := exec.StoppedAt.Sub(*exec.StartedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		e.DurationMs = &ms
	}
	if existing != nil {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
		if exec.queued() && exec.CreatedAt == nil {
			e.StartedAt = existing.StartedAt
		}
	}

	if err := s.db.UpsertExecution(ctx, e); err != nil {
		return 0, err
	}

	if status.IsTerminal() && usage.Calls > 0 {
		s.tel.Metrics.RecordAIUsage(usage.InputTokens, usage.OutputTokens, usage.Cost)
	}

	if existing == nil {
		return outcomeInserted, nil
	}
	return outcomeUpdated, nil
}

// linkWorkflow resolves the local workflow ID for a remote workflow ID.
// Executions of workflows not yet synced are stored unlinked.
func (s *ExecutionSyncer) linkWorkflow(ctx context.Context, pass *executionPass, remoteID string) (*string, error) {
	if remoteID == "" {
		return nil, nil
	}
	if id, ok := pass.workflows[remoteID]; ok {
		return id, nil
	}

	w, err := s.db.GetWorkflowByRemoteID(ctx, pass.provider.ID, remoteID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			pass.workflows[remoteID] = nil
			return nil, nil
		}
		return nil, err
	}
	id := w.ID
	pass.workflows[remoteID] = &id
	return &id, nil
}

// SyncAllProviders syncs the executions of every connected provider with
// bounded concurrency.
func (s *ExecutionSyncer) SyncAllProviders(ctx context.Context, opts ExecutionSyncOptions) (*FanOutResult, error) {
	providers, err := s.registry.ConnectedProviders(ctx)
	if err != nil {
		return nil, err
	}

	out := fanOut(ctx, providers, s.tun.concurrency(ctx), s.logger, func(ctx context.Context, p *stores.Provider) ProviderResult {
		res, err := s.SyncProvider(ctx, p, opts)
		if recErr := s.registry.RecordSyncOutcome(ctx, p.ID, err); recErr != nil {
			s.logger.WithError(recErr).Warn("failed to record provider status")
		}
		return providerResult(p, nil, res, err)
	})
	return &out, nil
}

// PruneExecutions deletes terminal executions that started more than
// retentionDays ago. A non-positive retention keeps everything.
func (s *ExecutionSyncer) PruneExecutions(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().AddDate(0, 0, -retentionDays)
	n, err := s.db.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, NewPersistenceError("failed to prune executions", err)
	}
	if n > 0 {
		s.logger.WithFields(map[string]interface{}{
			"deleted": n,
			"cutoff":  cutoff,
		}).Info("pruned old executions")
	}
	return n, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
