package stores

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("N8N_ANALYTICS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set N8N_ANALYTICS_TEST_POSTGRES_DSN to run Postgres integration tests")
	}

	store, err := NewSQLStore(Config{DSN: dsn})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	id := "pg-it-" + time.Now().Format("20060102150405.000000000")
	now := time.Now()
	p := &Provider{ID: id, Name: id, BaseURL: "http://localhost:5678", APIKeyEncrypted: "k",
		IsConnected: true, Status: ProviderStatusHealthy, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateProvider(ctx, p); err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	w := newTestWorkflow(id, "1")
	w.ID = id + "-wf"
	if err := store.UpsertWorkflow(ctx, w); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}
	e := newTestExecution(id, "1", ExecutionStatusSuccess, now)
	e.ID = id + "-ex"
	e.WorkflowID = &w.ID
	e.TotalTokens, e.AICost = 150, 0.03
	if err := store.UpsertExecution(ctx, e); err != nil {
		t.Fatalf("failed to upsert execution: %v", err)
	}

	totals, err := store.ExecutionTotals(ctx, ExecutionFilter{ProviderID: id})
	if err != nil {
		t.Fatalf("failed to aggregate: %v", err)
	}
	if totals.TotalTokens != 150 {
		t.Errorf("expected 150 tokens, got %d", totals.TotalTokens)
	}

	if _, err := store.ArchiveMissingWorkflows(ctx, id, []string{"other"}, now); err != nil {
		t.Fatalf("failed to archive: %v", err)
	}

	if err := store.DeleteProvider(ctx, id); err != nil {
		t.Fatalf("failed to delete provider: %v", err)
	}
	if _, err := store.GetExecutionByRemoteID(ctx, id, "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected execution to cascade, got %v", err)
	}
}
