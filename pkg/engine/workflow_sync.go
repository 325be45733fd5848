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

// maxPages guards against a provider that keeps returning a next cursor.
const maxPages = 10000

// WorkflowSyncer mirrors remote workflow definitions into the store.
type WorkflowSyncer struct {
	db       stores.Store
	registry *Registry
	tun      tunables
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	clock    Clock
}

// NewWorkflowSyncer creates a workflow syncer.
func NewWorkflowSyncer(db stores.Store, registry *Registry, settings Settings, opts ...Option) *WorkflowSyncer {
	o := buildOptions(opts)
	logger := o.tel.Logger.NewComponentLogger("workflow-sync")
	return &WorkflowSyncer{
		db:       db,
		registry: registry,
		tun:      tunables{settings: settings, logger: logger},
		tel:      o.tel,
		logger:   logger,
		clock:    o.clock,
	}
}

// SyncProvider pages through the provider's workflows and upserts each one.
// A bad item is recorded in Errors and skipped. Workflows missing from the
// listing are archived, but only when every page was read and every item
// could be identified. The returned error is set when the listing itself
// failed; the partial result is still returned.
func (s *WorkflowSyncer) SyncProvider(ctx context.Context, p *stores.Provider) (*WorkflowSyncResult, error) {
	ctx = s.tel.WithContext(ctx)
	logger := s.logger.WithProvider(p.ID, p.Name)
	result := &WorkflowSyncResult{}

	client, err := s.registry.Client(ctx, p)
	if err != nil {
		return result, err
	}

	unlock := s.registry.lockProvider(p.ID)
	defer unlock()

	now := s.clock.Now()
	seen := make([]string, 0)
	complete := true
	cursor := ""

	for page := 0; page < maxPages; page++ {
		var resp *WorkflowPage
		err := telemetry.ObserveProviderCall(ctx, p.ID, "list_workflows", func(ctx context.Context) error {
			var err error
			resp, err = client.ListWorkflows(ctx, cursor)
			return err
		})
		if err != nil {
			return result, providerError(err, p.ID, "list_workflows")
		}

		for _, raw := range resp.Items {
			remoteID, err := s.upsert(ctx, p, raw, now, result)
			if remoteID != "" {
				seen = append(seen, remoteID)
			} else {
				complete = false
			}
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				logger.WithError(err).WithField("workflow_id", remoteID).Warn("skipping workflow")
			}
		}

		if resp.NextCursor == "" || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}

	if complete {
		archived, err := s.db.ArchiveMissingWorkflows(ctx, p.ID, seen, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("archive: %v", err))
		} else {
			result.Archived = int(archived)
		}
	} else {
		logger.Warn("listing contained unidentifiable items; archival skipped")
	}

	err = s.db.SaveSyncCursor(ctx, &stores.SyncCursor{
		ProviderID:   p.ID,
		Entity:       stores.CursorEntityWorkflows,
		CursorValue:  formatCursor(now),
		LastSyncedAt: now,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("save cursor: %v", err))
	}

	s.tel.Metrics.RecordWorkflows(result.Synced, result.Updated, result.Archived)
	logger.WithFields(map[string]interface{}{
		"synced":   result.Synced,
		"updated":  result.Updated,
		"archived": result.Archived,
		"errors":   len(result.Errors),
	}).Info("workflows synced")

	return result, nil
}

// upsert stores one listing item. It returns the item's remote ID whenever
// it can be determined, even on failure, so that the workflow is not archived.
func (s *WorkflowSyncer) upsert(ctx context.Context, p *stores.Provider, raw json.RawMessage, now time.Time, result *WorkflowSyncResult) (string, error) {
	remote, err := decodeWorkflow(raw)
	if err != nil {
		return peekID(raw), err
	}
	remoteID := string(remote.ID)

	existing, err := s.db.GetWorkflowByRemoteID(ctx, p.ID, remoteID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return remoteID, fmt.Errorf("workflow %s: %w", remoteID, err)
	}

	w := &stores.Workflow{
		ID:                 uuid.New().String(),
		ProviderID:         p.ID,
		ProviderWorkflowID: remoteID,
		Name:               remote.Name,
		IsActive:           remote.Active,
		CronSchedules:      ExtractCronSchedules(remote.Nodes),
		NodeCount:          len(remote.Nodes),
		ConnectionCount:    CountConnections(remote.Connections),
		Tags:               remote.TagNames(),
		RawDefinition:      string(raw),
		RemoteUpdatedAt:    remote.UpdatedAt,
		LastSyncedAt:       now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil {
		w.ID = existing.ID
		w.CreatedAt = existing.CreatedAt
	}

	if err := s.db.UpsertWorkflow(ctx, w); err != nil {
		return remoteID, fmt.Errorf("workflow %s: %w", remoteID, err)
	}

	result.Synced++
	if existing != nil {
		result.Updated++
	}
	return remoteID, nil
}

// SyncAllProviders syncs the workflows of every connected provider.
func (s *WorkflowSyncer) SyncAllProviders(ctx context.Context) (*FanOutResult, error) {
	providers, err := s.registry.ConnectedProviders(ctx)
	if err != nil {
		return nil, err
	}

	out := fanOut(ctx, providers, s.tun.concurrency(ctx), s.logger, func(ctx context.Context, p *stores.Provider) ProviderResult {
		res, err := s.SyncProvider(ctx, p)
		if recErr := s.registry.RecordSyncOutcome(ctx, p.ID, err); recErr != nil {
			s.logger.WithError(recErr).Warn("failed to record provider status")
		}
		return providerResult(p, res, nil, err)
	})
	return &out, nil
}

// providerError attaches provider and operation context to an error from a client.
func providerError(err error, providerID, op string) error {
	var e *Error
	if errors.As(err, &e) {
		c := *e
		c.Provider = providerID
		if c.Op == "" {
			c.Op = op
		}
		return &c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError("request timed out", err).WithProvider(providerID).WithOp(op)
	}
	return NewProviderError("request failed", 0, err).WithProvider(providerID).WithOp(op)
}

func providerResult(p *stores.Provider, wf *WorkflowSyncResult, ex *ExecutionSyncResult, err error) ProviderResult {
	r := ProviderResult{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Workflows:    wf,
		Executions:   ex,
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = KindOf(err)
	}
	return r
}
