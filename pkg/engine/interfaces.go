package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
)

// ProviderClient talks to one remote workflow-automation instance.
// Implementations classify failures with the constructors in errors.go.
type ProviderClient interface {
	// Probe performs a cheap authenticated request and reports the remote version if known.
	Probe(ctx context.Context) (ConnectionResult, error)

	// ListWorkflows returns one page of workflow definitions.
	// An empty cursor requests the first page.
	ListWorkflows(ctx context.Context, cursor string) (*WorkflowPage, error)

	// ListExecutions returns one page of executions, newest first.
	// Incremental sync stops at the first execution older than its cursor,
	// so implementations must keep this order across pages.
	ListExecutions(ctx context.Context, query ExecutionQuery) (*ExecutionPage, error)

	// GetExecution fetches a single execution including its node data.
	GetExecution(ctx context.Context, id string) (json.RawMessage, error)
}

// ClientFactory builds a ProviderClient for a base URL and plaintext API key.
type ClientFactory interface {
	NewClient(baseURL, apiKey string, timeout time.Duration) ProviderClient
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(baseURL, apiKey string, timeout time.Duration) ProviderClient

// NewClient calls f.
func (f ClientFactoryFunc) NewClient(baseURL, apiKey string, timeout time.Duration) ProviderClient {
	return f(baseURL, apiKey, timeout)
}

// ConnectionResult is the outcome of a successful probe.
type ConnectionResult struct {
	Version string `json:"version,omitempty"`
}

// WorkflowPage is one page of the remote workflow listing. Items are kept
// raw so that a malformed item fails alone.
type WorkflowPage struct {
	Items      []json.RawMessage `json:"data"`
	NextCursor string            `json:"nextCursor"`
}

// ExecutionQuery selects a page of remote executions.
type ExecutionQuery struct {
	Limit       int
	Cursor      string
	IncludeData bool
}

// ExecutionPage is one page of the remote execution listing.
type ExecutionPage struct {
	Items      []json.RawMessage `json:"data"`
	NextCursor string            `json:"nextCursor"`
}

// Settings is the read side of the runtime configuration the engine needs.
// *config.Store satisfies it.
type Settings interface {
	GetInt(ctx context.Context, key string) (int, error)
	GetBool(ctx context.Context, key string) (bool, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
}

var _ Settings = (*config.Store)(nil)

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
