package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

// providerTask syncs one provider. It reports failures in the returned
// result rather than as an error so that the fan-out never aborts.
type providerTask func(ctx context.Context, p *stores.Provider) ProviderResult

// fanOut runs task for every provider with at most limit running at once.
// A panic inside task is recovered and attached to that provider's result.
// Results keep the order of providers.
func fanOut(ctx context.Context, providers []*stores.Provider, limit int, logger *telemetry.Logger, task providerTask) FanOutResult {
	results := make([]ProviderResult, len(providers))

	g := errgroup.Group{}
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, p := range providers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.WithProvider(p.ID, p.Name).
						WithField("stack", string(debug.Stack())).
						Errorf("provider sync panicked: %v", r)
					results[i] = ProviderResult{
						ProviderID:   p.ID,
						ProviderName: p.Name,
						Error:        fmt.Sprintf("panic: %v", r),
						ErrorKind:    ErrorKindProvider,
					}
				}
			}()
			results[i] = task(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	out := FanOutResult{
		Providers:   len(providers),
		PerProvider: results,
	}
	for _, r := range results {
		switch {
		case r.Skipped:
		case r.Failed():
			out.Failed++
		default:
			out.Successful++
		}
	}
	return out
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
