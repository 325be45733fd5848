package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

func TestWorkflowSyncStoresMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "Hourly report", true))

	res, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Updated)
	assert.Empty(t, res.Errors)

	w, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Hourly report", w.Name)
	assert.True(t, w.IsActive)
	assert.False(t, w.IsArchived)
	assert.Equal(t, 2, w.NodeCount)
	assert.Equal(t, 1, w.ConnectionCount)
	assert.Equal(t, stores.StringList{"prod"}, w.Tags)
	assert.Equal(t, stores.CronSchedules{{
		NodeName:       "Every hour",
		NodeType:       "n8n-nodes-base.scheduleTrigger",
		CronExpression: "0 * * * *",
	}}, w.CronSchedules)
	assert.NotEmpty(t, w.RawDefinition)

	// A second pass updates in place.
	res, err = env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	again, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestWorkflowSyncArchivesMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(
		workflowJSON("wf-1", "Keep", true),
		workflowJSON("wf-2", "Remove", true),
		workflowJSON("wf-3", "Keep too", false),
	)
	fake.setExecutions(executionJSON("ex-1", "wf-2", "success", t0.Add(-time.Hour), true))

	_, err := env.svc.TriggerManualSync(ctx, ScopeAll, SyncKindFull)
	require.NoError(t, err)

	fake.setWorkflows(workflowJSON("wf-1", "Keep", true), workflowJSON("wf-3", "Keep too", false))
	res, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)

	visible, err := env.svc.ListWorkflows(ctx, stores.WorkflowFilter{ProviderID: p.ID})
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	removed, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-2")
	require.NoError(t, err)
	assert.True(t, removed.IsArchived)

	// History of an archived workflow stays readable.
	executions, err := env.svc.ListExecutions(ctx, stores.ExecutionFilter{WorkflowID: removed.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	// A workflow that comes back is unarchived.
	fake.setWorkflows(
		workflowJSON("wf-1", "Keep", true),
		workflowJSON("wf-2", "Remove", true),
		workflowJSON("wf-3", "Keep too", false),
	)
	_, err = env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	back, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-2")
	require.NoError(t, err)
	assert.False(t, back.IsArchived)
}

func TestWorkflowSyncBadItemDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(
		workflowJSON("wf-1", "Good", true),
		`{"id": "wf-bad", "name": "Broken", "nodes": "not a list"}`,
		workflowJSON("wf-3", "Also good", true),
	)

	res, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	require.Len(t, res.Errors, 1)
	assert.Zero(t, res.Archived)
}

func TestWorkflowSyncUnidentifiableItemSkipsArchival(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "One", true), workflowJSON("wf-2", "Two", true))

	_, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)

	fake.setWorkflows(workflowJSON("wf-1", "One", true), `{"name": "no id"}`)
	res, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Len(t, res.Errors, 1)

	w, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-2")
	require.NoError(t, err)
	assert.False(t, w.IsArchived)
}

func TestWorkflowSyncListingFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "One", true), workflowJSON("wf-2", "Two", true))

	_, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)

	fake.setListErr(NewProviderError("bad gateway", 502, nil))
	_, err = env.svc.workflows.SyncProvider(ctx, p)
	require.Error(t, err)
	assert.Equal(t, ErrorKindProvider, KindOf(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, p.ID, e.Provider)
	assert.Equal(t, "list_workflows", e.Op)

	workflows, err := env.svc.ListWorkflows(ctx, stores.WorkflowFilter{ProviderID: p.ID})
	require.NoError(t, err)
	assert.Len(t, workflows, 2)
}

func TestWorkflowSyncPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(
		workflowJSON("wf-1", "1", true),
		workflowJSON("wf-2", "2", true),
		workflowJSON("wf-3", "3", true),
		workflowJSON("wf-4", "4", true),
		workflowJSON("wf-5", "5", true),
	)

	res, err := env.svc.workflows.SyncProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Synced)
	assert.Equal(t, 3, fake.count("list_workflows"))
}

func TestExecutionSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(
		executionJSON("ex-2", "wf-1", "success", t0.Add(-time.Hour), true),
		executionJSON("ex-1", "wf-1", "error", t0.Add(-2*time.Hour), true),
	)

	opts := ExecutionSyncOptions{SyncType: SyncTypeFull}
	first, err := env.svc.executions.SyncProvider(ctx, p, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := env.svc.executions.SyncProvider(ctx, p, opts)
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 2, second.Unchanged)

	n, err := env.db.CountExecutions(ctx, stores.ExecutionFilter{ProviderID: p.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusError, ex.Status)
	require.NotNil(t, ex.DurationMs)
	assert.EqualValues(t, 90000, *ex.DurationMs)
}

func TestExecutionSyncIncrementalStopsAtCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	c, err := env.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, formatCursor(t0.Add(-2*time.Hour)), c.CursorValue)

	fake.setExecutions(
		executionJSON("ex-3", "wf-1", "success", t0, true),
		executionJSON("ex-2", "wf-1", "success", t0.Add(-time.Hour), true),
		executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true),
		executionJSON("ex-0", "wf-1", "success", t0.Add(-3*time.Hour), true),
	)
	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)

	_, err = env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-0")
	assert.ErrorIs(t, err, stores.ErrNotFound)

	c, err = env.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, formatCursor(t0), c.CursorValue)
}

func TestExecutionSyncAggregatesAIUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(aiExecutionJSON("1001", "wf-1", t0.Add(-time.Hour)))

	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "1001")
	require.NoError(t, err)
	assert.EqualValues(t, 90, ex.InputTokens)
	assert.EqualValues(t, 60, ex.OutputTokens)
	assert.EqualValues(t, 150, ex.TotalTokens)
	assert.InDelta(t, 0.03, ex.AICost, 1e-9)
	require.NotNil(t, ex.AIModel)
	assert.Equal(t, "gpt-4o-mini", *ex.AIModel)

	totals, err := env.svc.ExecutionTotals(ctx, stores.ExecutionFilter{ProviderID: p.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, totals.Count)
	assert.EqualValues(t, 1, totals.Succeeded)
	assert.EqualValues(t, 150, totals.TotalTokens)
	assert.InDelta(t, 0.03, totals.AICost, 1e-9)
}

func TestExecutionSyncTerminalRowsAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "success", t0.Add(-time.Hour), true))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	fake.setExecutions(executionJSON("ex-1", "wf-1", "error", t0.Add(-time.Hour), true))
	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{SyncType: SyncTypeFull})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusSuccess, ex.Status)
}

func TestExecutionSyncRefreshesRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "running", t0.Add(-time.Hour), false))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusRunning, ex.Status)
	assert.Nil(t, ex.DurationMs)

	// ex-1 has dropped out of the listing window but finished remotely.
	fake.setExecutions(executionJSON("ex-2", "wf-1", "success", t0, true))
	fake.setDetails(executionJSON("ex-1", "wf-1", "success", t0.Add(-time.Hour), true))

	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, fake.count("get_execution"))

	ex, err = env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusSuccess, ex.Status)
	require.NotNil(t, ex.DurationMs)
}

func TestExecutionSyncRunningMissingRemotely(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "running", t0.Add(-time.Hour), false))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	fake.setExecutions()
	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusRunning, ex.Status)
}

func TestExecutionSyncCursorHeldOnItemError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	fake.setExecutions(
		executionJSON("ex-3", "wf-1", "success", t0, true),
		`{"id": "ex-bad", "status": "success"}`,
	)
	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ex-bad")

	c, err := env.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, formatCursor(t0.Add(-2*time.Hour)), c.CursorValue)
}

func TestExecutionSyncStoresQueuedExecutions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true))

	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	queued := fmt.Sprintf(`{"id": "ex-3", "workflowId": "wf-1", "status": "new", "finished": false,
		"mode": "webhook", "createdAt": %q, "startedAt": null, "stoppedAt": null}`, t0.Format(time.RFC3339Nano))
	fake.setExecutions(
		queued,
		executionJSON("ex-2", "wf-1", "success", t0.Add(-time.Hour), true),
		executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true),
	)
	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Inserted)

	ex, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-3")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusRunning, ex.Status)
	assert.True(t, ex.StartedAt.Equal(t0))
	assert.Nil(t, ex.DurationMs)

	// The cursor follows started executions only.
	c, err := env.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, formatCursor(t0.Add(-time.Hour)), c.CursorValue)

	// Once it has run, the next pass completes it.
	fake.setExecutions(
		executionJSON("ex-3", "wf-1", "success", t0.Add(time.Minute), true),
		executionJSON("ex-2", "wf-1", "success", t0.Add(-time.Hour), true),
	)
	res, err = env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Updated)

	ex, err = env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-3")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusSuccess, ex.Status)
	assert.True(t, ex.StartedAt.Equal(t0.Add(time.Minute)))
	require.NotNil(t, ex.DurationMs)

	c, err = env.db.GetSyncCursor(ctx, p.ID, stores.CursorEntityExecutions)
	require.NoError(t, err)
	assert.Equal(t, formatCursor(t0.Add(time.Minute)), c.CursorValue)
}

func TestExecutionSyncLinksWorkflows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "Known", true))
	fake.setExecutions(
		executionJSON("ex-2", "wf-unknown", "success", t0.Add(-time.Hour), true),
		executionJSON("ex-1", "wf-1", "success", t0.Add(-2*time.Hour), true),
	)

	_, err := env.svc.TriggerManualSync(ctx, p.ID, SyncKindFull)
	require.NoError(t, err)

	w, err := env.db.GetWorkflowByRemoteID(ctx, p.ID, "wf-1")
	require.NoError(t, err)

	linked, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-1")
	require.NoError(t, err)
	require.NotNil(t, linked.WorkflowID)
	assert.Equal(t, w.ID, *linked.WorkflowID)

	unlinked, err := env.db.GetExecutionByRemoteID(ctx, p.ID, "ex-2")
	require.NoError(t, err)
	assert.Nil(t, unlinked.WorkflowID)
	assert.Equal(t, "wf-unknown", unlinked.ProviderWorkflowID)
}

func TestExecutionSyncPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(
		executionJSON("ex-5", "wf-1", "success", t0.Add(-1*time.Hour), true),
		executionJSON("ex-4", "wf-1", "success", t0.Add(-2*time.Hour), true),
		executionJSON("ex-3", "wf-1", "success", t0.Add(-3*time.Hour), true),
		executionJSON("ex-2", "wf-1", "success", t0.Add(-4*time.Hour), true),
		executionJSON("ex-1", "wf-1", "success", t0.Add(-5*time.Hour), true),
	)

	res, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, 3, fake.count("list_executions"))
}

func TestPruneExecutions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setExecutions(
		executionJSON("recent", "wf-1", "success", t0.Add(-24*time.Hour), true),
		executionJSON("old-running", "wf-1", "running", t0.Add(-40*24*time.Hour), false),
		executionJSON("old", "wf-1", "success", t0.Add(-41*24*time.Hour), true),
	)
	_, err := env.svc.executions.SyncProvider(ctx, p, ExecutionSyncOptions{})
	require.NoError(t, err)

	env.setConfig(t, config.KeyExecutionRetention, "30")
	n, err := env.svc.PruneExecutions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = env.db.GetExecutionByRemoteID(ctx, p.ID, "old")
	assert.ErrorIs(t, err, stores.ErrNotFound)
	_, err = env.db.GetExecutionByRemoteID(ctx, p.ID, "old-running")
	assert.NoError(t, err)

	env.setConfig(t, config.KeyExecutionRetention, "0")
	n, err = env.svc.PruneExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncIsolatesProviderFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	good, goodFake := env.register(t, "good", "https://good.example.com")
	bad, badFake := env.register(t, "bad", "https://bad.example.com")
	goodFake.setWorkflows(workflowJSON("wf-1", "One", true))
	badFake.setListErr(NewConnectionError("connection refused", nil))

	res, err := env.svc.TriggerManualSync(ctx, ScopeAll, SyncKindFull)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Providers)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)

	byID := map[string]ProviderResult{}
	for _, r := range res.PerProvider {
		byID[r.ProviderID] = r
	}
	assert.False(t, byID[good.ID].Failed())
	assert.Equal(t, ErrorKindConnection, byID[bad.ID].ErrorKind)

	stored, err := env.db.GetProvider(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, stores.ProviderStatusError, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "connection refused")

	workflows, err := env.svc.ListWorkflows(ctx, stores.WorkflowFilter{ProviderID: good.ID})
	require.NoError(t, err)
	assert.Len(t, workflows, 1)

	statuses, err := env.svc.ProviderStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
}

func TestSyncIsolatesDecryptionFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, goodFake := env.register(t, "good", "https://good.example.com")
	bad, _ := env.register(t, "bad", "https://bad.example.com")
	goodFake.setWorkflows(workflowJSON("wf-1", "One", true))

	bad.APIKeyEncrypted = "garbage"
	require.NoError(t, env.db.UpdateProvider(ctx, bad))

	res, err := env.svc.TriggerManualSync(ctx, ScopeAll, SyncKindWorkflows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)

	for _, r := range res.PerProvider {
		if r.ProviderID == bad.ID {
			assert.Equal(t, ErrorKindDecryption, r.ErrorKind)
		}
	}
}

func TestFanOutRecoversPanics(t *testing.T) {
	providers := []*stores.Provider{
		{ID: "a", Name: "a"},
		{ID: "b", Name: "b"},
		{ID: "c", Name: "c"},
	}

	var ran atomic.Int32
	out := fanOut(context.Background(), providers, 2, telemetry.NopLogger(), func(ctx context.Context, p *stores.Provider) ProviderResult {
		ran.Add(1)
		if p.ID == "b" {
			panic("boom")
		}
		return ProviderResult{ProviderID: p.ID, ProviderName: p.Name}
	})

	assert.EqualValues(t, 3, ran.Load())
	assert.Equal(t, 3, out.Providers)
	assert.Equal(t, 2, out.Successful)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.PerProvider, 3)
	assert.Equal(t, "a", out.PerProvider[0].ProviderID)
	assert.Equal(t, "b", out.PerProvider[1].ProviderID)
	assert.Equal(t, "panic: boom", out.PerProvider[1].Error)
	assert.Equal(t, ErrorKindProvider, out.PerProvider[1].ErrorKind)
}

func TestFanOutRespectsLimit(t *testing.T) {
	providers := make([]*stores.Provider, 6)
	for i := range providers {
		providers[i] = &stores.Provider{ID: string(rune('a' + i))}
	}

	var current, peak atomic.Int32
	fanOut(context.Background(), providers, 2, telemetry.NopLogger(), func(ctx context.Context, p *stores.Provider) ProviderResult {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return ProviderResult{ProviderID: p.ID}
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
}
