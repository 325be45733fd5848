package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

func TestServiceConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	value, err := env.svc.GetConfig(ctx, config.KeySyncInterval)
	require.NoError(t, err)
	assert.Equal(t, "15", value)

	_, err = env.svc.GetConfig(ctx, "no.such.key")
	assert.True(t, IsNotFound(err))

	err = env.svc.SetConfig(ctx, testUser, config.KeySyncInterval, "0", config.AuditMeta{})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	err = env.svc.SetConfig(ctx, testUser, "no.such.key", "1", config.AuditMeta{})
	assert.True(t, IsNotFound(err))

	require.NoError(t, env.svc.SetConfig(ctx, testUser, config.KeySyncInterval, "30", config.AuditMeta{
		ChangeReason: "less load",
		IPAddress:    "10.0.0.8",
	}))

	history, err := env.svc.ConfigHistory(ctx, stores.AuditFilter{Key: config.KeySyncInterval})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, testUser.Email, history[0].ChangedBy)
	assert.Equal(t, "30", history[0].NewValue)
	require.NotNil(t, history[0].OldValue)
	assert.Equal(t, "15", *history[0].OldValue)
}

func TestServiceSetConfigValues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	failed := env.svc.SetConfigValues(ctx, testUser, map[string]string{
		config.KeyExecutionBatchSize:     "50",
		config.KeyMaxConcurrentProviders: "99",
	}, config.AuditMeta{})

	require.Len(t, failed, 1)
	assert.Contains(t, failed, config.KeyMaxConcurrentProviders)

	value, err := env.svc.GetConfig(ctx, config.KeyExecutionBatchSize)
	require.NoError(t, err)
	assert.Equal(t, "50", value)
}

func TestServiceConfigCategoriesMaskSecrets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.SetConfig(ctx, testUser, config.KeySMTPPassword, "hunter2", config.AuditMeta{}))

	categories, err := env.svc.ConfigCategories(ctx)
	require.NoError(t, err)

	found := false
	for _, c := range categories {
		for _, item := range c.Items {
			if item.Key == config.KeySMTPPassword {
				found = true
				assert.Equal(t, config.SecretMask, item.Value)
			}
		}
	}
	assert.True(t, found)

	plain, err := env.svc.GetConfig(ctx, config.KeySMTPPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestServiceResetConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.SetConfig(ctx, testUser, config.KeySyncInterval, "60", config.AuditMeta{}))

	changed, err := env.svc.ResetConfig(ctx, testUser, "")
	require.NoError(t, err)
	assert.Equal(t, []string{config.KeySyncInterval}, changed)

	value, err := env.svc.GetConfig(ctx, config.KeySyncInterval)
	require.NoError(t, err)
	assert.Equal(t, "15", value)
}

func TestServiceWithoutConfigStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := NewService(env.db, nil, env.vault, env.factory, WithClock(env.clock))

	_, err := svc.GetConfig(ctx, config.KeySyncInterval)
	assert.True(t, IsValidation(err))

	failed := svc.SetConfigValues(ctx, testUser, map[string]string{config.KeySyncInterval: "5"}, config.AuditMeta{})
	assert.Len(t, failed, 1)

	// Engine operations fall back to built-in defaults.
	fake := env.factory.add("https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "One", true))
	_, err = svc.RegisterProvider(ctx, testUser, RegisterInput{Name: "prod", BaseURL: "https://n8n.example.com", APIKey: "k"})
	require.NoError(t, err)

	res, err := svc.TriggerManualSync(ctx, ScopeAll, SyncKindWorkflows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
}

func TestServiceProviderStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, fake := env.register(t, "prod", "https://n8n.example.com")
	fake.setWorkflows(workflowJSON("wf-1", "One", true), workflowJSON("wf-2", "Two", false))
	fake.setExecutions(
		executionJSON("ex-2", "wf-1", "success", t0.Add(-time.Hour), true),
		executionJSON("ex-1", "wf-2", "error", t0.Add(-2*time.Hour), true),
	)

	_, err := env.svc.TriggerManualSync(ctx, ScopeAll, SyncKindFull)
	require.NoError(t, err)

	statuses, err := env.svc.ProviderStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	st := statuses[0]
	assert.Equal(t, p.ID, st.ProviderID)
	assert.True(t, st.Connected)
	assert.Equal(t, string(stores.ProviderStatusHealthy), st.Status)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastSyncedAt)
	assert.Equal(t, formatCursor(t0.Add(-time.Hour)), st.ExecutionCursor)
	assert.Equal(t, 2, st.Workflows)
	assert.EqualValues(t, 2, st.Executions)

	totals, err := env.svc.ExecutionTotals(ctx, stores.ExecutionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.Count)
	assert.EqualValues(t, 1, totals.Succeeded)
	assert.EqualValues(t, 1, totals.Failed)

	recent, err := env.svc.ListExecutions(ctx, stores.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ex-2", recent[0].ProviderExecutionID)
}

func TestUserActor(t *testing.T) {
	assert.Equal(t, "ops@example.com", testUser.Actor())
	assert.Equal(t, "user-9", User{ID: "user-9"}.Actor())
}
