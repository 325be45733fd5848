package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

var (
	testUser = User{ID: "user-1", Email: "ops@example.com", Name: "Ops"}
	t0       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// fakeProvider serves canned listings the way a provider API pages them.
type fakeProvider struct {
	mu sync.Mutex

	version    string
	workflows  []json.RawMessage
	executions []json.RawMessage
	pageSize   int

	// details are only reachable through GetExecution.
	details []json.RawMessage

	probeErr error
	listErr  error

	// probe, when set, replaces the canned probe behaviour.
	probe func(ctx context.Context) error

	// entered and release let a test hold ListWorkflows open.
	entered chan struct{}
	release chan struct{}

	panicOnList bool

	calls   map[string]int
	apiKeys []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{version: "1.45.0", pageSize: 2, calls: map[string]int{}}
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) setWorkflows(items ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = raws(items)
}

func (f *fakeProvider) setExecutions(items ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = raws(items)
}

func (f *fakeProvider) setDetails(items ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details = raws(items)
}

func (f *fakeProvider) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func raws(items []string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, s := range items {
		out[i] = json.RawMessage(s)
	}
	return out
}

func (f *fakeProvider) Probe(ctx context.Context) (ConnectionResult, error) {
	f.mu.Lock()
	f.calls["probe"]++
	probe, probeErr, version := f.probe, f.probeErr, f.version
	f.mu.Unlock()

	if probe != nil {
		if err := probe(ctx); err != nil {
			return ConnectionResult{}, err
		}
	}
	if probeErr != nil {
		return ConnectionResult{}, probeErr
	}
	return ConnectionResult{Version: version}, nil
}

func (f *fakeProvider) ListWorkflows(ctx context.Context, cursor string) (*WorkflowPage, error) {
	f.mu.Lock()
	f.calls["list_workflows"]++
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnList {
		panic("provider exploded")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	items, next := page(f.workflows, cursor, f.pageSize)
	return &WorkflowPage{Items: items, NextCursor: next}, nil
}

func (f *fakeProvider) ListExecutions(ctx context.Context, q ExecutionQuery) (*ExecutionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_executions"]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	size := f.pageSize
	if q.Limit > 0 && q.Limit < size {
		size = q.Limit
	}
	items, next := page(f.executions, q.Cursor, size)
	return &ExecutionPage{Items: items, NextCursor: next}, nil
}

func (f *fakeProvider) GetExecution(ctx context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_execution"]++
	for _, raw := range append(append([]json.RawMessage{}, f.details...), f.executions...) {
		if peekID(raw) == id {
			return raw, nil
		}
	}
	return nil, NewNotFoundError("execution not found", nil)
}

func page(all []json.RawMessage, cursor string, size int) ([]json.RawMessage, string) {
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	if start >= len(all) {
		return nil, ""
	}
	end := start + size
	if end >= len(all) {
		return all[start:], ""
	}
	return all[start:end], strconv.Itoa(end)
}

// fakeFactory hands out fake providers by base URL.
type fakeFactory struct {
	mu        sync.Mutex
	providers map[string]*fakeProvider
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{providers: map[string]*fakeProvider{}}
}

func (f *fakeFactory) add(baseURL string) *fakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakeProvider()
	f.providers[baseURL] = p
	return p
}

func (f *fakeFactory) NewClient(baseURL, apiKey string, _ time.Duration) ProviderClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[baseURL]
	if !ok {
		p = newFakeProvider()
		p.probeErr = NewConnectionError("no such host", nil)
		f.providers[baseURL] = p
	}
	p.mu.Lock()
	p.apiKeys = append(p.apiKeys, apiKey)
	p.mu.Unlock()
	return p
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	c     chan time.Time
	done  bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		t.c <- c.now
		t.done = true
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !t.at.After(c.now) {
			t.c <- c.now
			t.done = true
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

// Pending counts armed timers that have not fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// testEnv wires a service around an in-memory store and fake providers.
type testEnv struct {
	db      *stores.SQLStore
	cfg     *config.Store
	vault   *vault.Vault
	factory *fakeFactory
	clock   *fakeClock
	svc     *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := stores.NewSQLStore(stores.Config{DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Init(ctx))
	t.Cleanup(func() { _ = db.Close() })

	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	clock := newFakeClock(t0)
	cfg := config.NewStore(db, v, config.WithClock(clock.Now))
	require.NoError(t, cfg.Initialize(ctx))

	factory := newFakeFactory()
	return &testEnv{
		db:      db,
		cfg:     cfg,
		vault:   v,
		factory: factory,
		clock:   clock,
		svc:     NewService(db, cfg, v, factory, WithClock(clock)),
	}
}

func (e *testEnv) setConfig(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, e.cfg.Set(context.Background(), key, value, config.AuditMeta{ChangedBy: "test"}))
}

// register adds a fake provider at baseURL and registers it.
func (e *testEnv) register(t *testing.T, name, baseURL string) (*stores.Provider, *fakeProvider) {
	t.Helper()
	fake := e.factory.add(baseURL)
	p, err := e.svc.RegisterProvider(context.Background(), testUser, RegisterInput{
		Name:    name,
		BaseURL: baseURL,
		APIKey:  "key-" + name,
	})
	require.NoError(t, err)
	return p, fake
}

func workflowJSON(id, name string, active bool) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"active": %t,
		"nodes": [
			{"name": "Every hour", "type": "n8n-nodes-base.scheduleTrigger",
			 "parameters": {"rule": {"interval": [{"field": "cronExpression", "expression": "0 * * * *"}]}}},
			{"name": "Fetch", "type": "n8n-nodes-base.httpRequest", "parameters": {}}
		],
		"connections": {"Every hour": {"main": [[{"node": "Fetch", "type": "main", "index": 0}]]}},
		"tags": [{"id": "1", "name": "prod"}],
		"updatedAt": "2024-04-30T10:00:00.000Z"
	}`, id, name, active)
}

func executionJSON(id, workflowID, status string, startedAt time.Time, finished bool) string {
	stopped := "null"
	if finished {
		stopped = strconv.Quote(startedAt.Add(90 * time.Second).Format(time.RFC3339Nano))
	}
	return fmt.Sprintf(`{
		"id": %q,
		"workflowId": %q,
		"status": %q,
		"finished": %t,
		"mode": "trigger",
		"startedAt": %q,
		"stoppedAt": %s
	}`, id, workflowID, status, finished, startedAt.Format(time.RFC3339Nano), stopped)
}

// aiExecutionJSON returns a finished execution with two language model calls.
func aiExecutionJSON(id, workflowID string, startedAt time.Time) string {
	return fmt.Sprintf(`{
		"id": %s,
		"workflowId": %q,
		"status": "success",
		"finished": true,
		"mode": "webhook",
		"startedAt": %q,
		"stoppedAt": %q,
		"data": {"resultData": {"runData": {
			"OpenAI Chat Model": [{"data": {"ai_languageModel": [[{"json": {
				"response": {"generations": []},
				"tokenUsage": {"promptTokens": 60, "completionTokens": 40, "totalTokens": 100},
				"cost": 0.01
			}}]]}}],
			"Claude": [{"data": {"ai_languageModel": [[{"json": {
				"usage": {"input_tokens": 30, "output_tokens": 20, "total_tokens": 50},
				"cost": 0.02
			}}]]}}]
		}}},
		"workflowData": {"nodes": [
			{"name": "OpenAI Chat Model", "type": "@n8n/n8n-nodes-langchain.lmChatOpenAi", "parameters": {"model": "gpt-4o-mini"}},
			{"name": "Claude", "type": "@n8n/n8n-nodes-langchain.lmChatAnthropic", "parameters": {}}
		]}
	}`, id, workflowID, startedAt.Format(time.RFC3339Nano), startedAt.Add(time.Minute).Format(time.RFC3339Nano))
}
