package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

// Scheduler triggers sync passes on an interval and on demand. At most one
// pass runs at any time.
type Scheduler struct {
	registry   *Registry
	workflows  *WorkflowSyncer
	executions *ExecutionSyncer
	tun        tunables
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
	clock      Clock

	// passMu is held for the whole of a pass.
	passMu sync.Mutex

	// mu guards fsm and every field below it.
	mu         sync.Mutex
	fsm        *stateless.StateMachine
	armed      bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastRunAt  *time.Time
	lastResult *SyncResult
	lastError  string
	nextRunAt  *time.Time
	backoff    map[string]*providerBackoff
}

type providerBackoff struct {
	policy retry.Backoff
	until  time.Time
}

const (
	triggerStart  = "start"
	triggerStop   = "stop"
	triggerBegin  = "begin"
	triggerFinish = "finish"
)

// initialBackoff is the first delay after a provider fails a scheduled pass.
const initialBackoff = time.Minute

// NewScheduler creates a stopped scheduler.
func NewScheduler(registry *Registry, workflows *WorkflowSyncer, executions *ExecutionSyncer, settings Settings, opts ...Option) *Scheduler {
	o := buildOptions(opts)
	logger := o.tel.Logger.NewComponentLogger("scheduler")

	s := &Scheduler{
		registry:   registry,
		workflows:  workflows,
		executions: executions,
		tun:        tunables{settings: settings, logger: logger},
		tel:        o.tel,
		logger:     logger,
		clock:      o.clock,
		backoff:    make(map[string]*providerBackoff),
	}
	s.fsm = s.newStateMachine()
	return s
}

func (s *Scheduler) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(SchedulerStateStopped)

	fsm.Configure(SchedulerStateStopped).
		Permit(triggerStart, SchedulerStateIdle).
		Permit(triggerBegin, SchedulerStateRunning).
		Ignore(triggerStop).
		Ignore(triggerFinish)

	fsm.Configure(SchedulerStateIdle).
		Permit(triggerBegin, SchedulerStateRunning).
		Permit(triggerStop, SchedulerStateStopped).
		Ignore(triggerStart).
		Ignore(triggerFinish)

	// Stop during a pass only disarms; the pass decides where to land.
	fsm.Configure(SchedulerStateRunning).
		PermitDynamic(triggerFinish, func(_ context.Context, _ ...any) (stateless.State, error) {
			if s.armed {
				return SchedulerStateIdle, nil
			}
			return SchedulerStateStopped, nil
		}).
		Ignore(triggerStart).
		Ignore(triggerStop)

	return fsm
}

// fire moves the state machine. Callers hold s.mu.
func (s *Scheduler) fire(trigger string) {
	if err := s.fsm.Fire(trigger); err != nil {
		s.logger.WithError(err).WithField("trigger", trigger).Error("invalid scheduler transition")
	}
}

func (s *Scheduler) state() SchedulerState {
	return s.fsm.MustState().(SchedulerState)
}

// Start arms the interval loop. The first pass runs immediately; the interval
// is re-read from settings after every pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.armed = true
	s.fire(triggerStart)

	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started")
	return nil
}

// Stop disarms the loop and waits for it to exit. A pass in progress runs to
// completion first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.armed = false
	s.nextRunAt = nil
	s.fire(triggerStop)
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		s.tick(ctx)

		if ctx.Err() != nil {
			return
		}
		delay = s.tun.interval(ctx)
		next := s.clock.Now().Add(delay)

		s.mu.Lock()
		s.nextRunAt = &next
		s.mu.Unlock()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.tun.enabled(ctx) {
		s.logger.Debug("sync disabled, tick ignored")
		return
	}

	req := SyncRequest{
		Scope:   ScopeAll,
		Kind:    SyncKindFull,
		Mode:    SyncTypeIncremental,
		Trigger: TriggerScheduled,
	}
	if _, err := s.run(context.WithoutCancel(ctx), req); err != nil {
		if IsBusy(err) {
			s.logger.Warn("tick skipped, a sync pass is still running")
			s.tel.Metrics.RecordTickSkipped()
			_ = s.tel.Events.PublishSyncSkipped(string(TriggerScheduled))
			return
		}
		s.logger.WithError(err).Error("scheduled sync failed")
	}
}

// TriggerSync runs one pass now and returns its result. It returns
// ErrSyncInProgress without starting anything if a pass is running. The
// pass is not cancelled when ctx is.
func (s *Scheduler) TriggerSync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	return s.run(context.WithoutCancel(ctx), req)
}

func (s *Scheduler) run(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if !s.passMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.passMu.Unlock()

	s.mu.Lock()
	s.fire(triggerBegin)
	s.mu.Unlock()

	result, err := s.pass(ctx, req)

	s.mu.Lock()
	if result != nil {
		at := result.CompletedAt
		s.lastRunAt = &at
		s.lastResult = result
	}
	switch {
	case err != nil:
		s.lastError = err.Error()
	case result.Failed > 0:
		s.lastError = fmt.Sprintf("%d of %d providers failed", result.Failed, result.Providers)
	default:
		s.lastError = ""
	}
	s.fire(triggerFinish)
	s.mu.Unlock()

	return result, err
}

func (s *Scheduler) pass(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	passID := uuid.New().String()
	logger := s.logger.WithPassID(passID)

	ctx = s.tel.WithContext(ctx)
	ctx, span := s.tel.Tracer.StartPassSpan(ctx, passID, string(req.Kind), string(req.Trigger))
	defer span.End()

	s.tel.Metrics.RecordPassStarted()
	_ = s.tel.Events.PublishSyncStarted(passID, string(req.Kind), string(req.Trigger))
	logger.WithFields(map[string]interface{}{
		"kind":    req.Kind,
		"mode":    req.Mode,
		"scope":   req.Scope,
		"trigger": req.Trigger,
	}).Info("sync pass started")

	result := &SyncResult{
		PassID:    passID,
		Request:   req,
		StartedAt: s.clock.Now(),
	}

	providers, err := s.targets(ctx, req.Scope)
	if err != nil {
		result.CompletedAt = s.clock.Now()
		s.tel.Metrics.RecordPassCompleted(string(req.Kind), string(req.Trigger), "failed", result.Duration())
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("sync pass failed")
		return result, err
	}

	result.FanOutResult = fanOut(ctx, providers, s.tun.concurrency(ctx), logger, func(ctx context.Context, p *stores.Provider) ProviderResult {
		return s.syncProvider(ctx, passID, req, p)
	})

	if req.Kind.includesExecutions() {
		if _, err := s.executions.PruneExecutions(ctx, s.tun.retentionDays(ctx)); err != nil {
			logger.WithError(err).Warn("execution pruning failed")
		}
	}

	result.CompletedAt = s.clock.Now()

	status := "success"
	switch {
	case result.Failed > 0 && result.Successful == 0:
		status = "failed"
	case result.Failed > 0:
		status = "partial"
	}
	s.tel.Metrics.RecordPassCompleted(string(req.Kind), string(req.Trigger), status, result.Duration())
	_ = s.tel.Events.PublishSyncCompleted(passID, string(req.Kind), result.Successful, result.Failed, result.Duration())
	span.SetAttributes(telemetry.AttrProcessed.Int(result.Providers))
	if result.Failed > 0 {
		telemetry.RecordError(span, fmt.Errorf("%d providers failed", result.Failed))
	} else {
		telemetry.RecordSuccess(span)
	}

	logger.WithFields(map[string]interface{}{
		"providers":  result.Providers,
		"successful": result.Successful,
		"failed":     result.Failed,
		"duration":   result.Duration().String(),
	}).Info("sync pass completed")

	return result, nil
}

func (s *Scheduler) targets(ctx context.Context, scope string) ([]*stores.Provider, error) {
	if scope == "" || scope == ScopeAll {
		return s.registry.ConnectedProviders(ctx)
	}
	p, err := s.registry.GetProvider(ctx, scope)
	if err != nil {
		return nil, err
	}
	return []*stores.Provider{p}, nil
}

func (s *Scheduler) syncProvider(ctx context.Context, passID string, req SyncRequest, p *stores.Provider) ProviderResult {
	logger := s.logger.WithPassID(passID).WithProvider(p.ID, p.Name)

	if req.Trigger == TriggerScheduled && s.inBackoff(p.ID) {
		logger.Debug("provider in failure backoff, skipped")
		return ProviderResult{ProviderID: p.ID, ProviderName: p.Name, Skipped: true}
	}

	var (
		wf  *WorkflowSyncResult
		ex  *ExecutionSyncResult
		err error
	)
	if req.Kind.includesWorkflows() {
		wf, err = s.workflows.SyncProvider(ctx, p)
	}
	if err == nil && req.Kind.includesExecutions() {
		ex, err = s.executions.SyncProvider(ctx, p, ExecutionSyncOptions{SyncType: req.Mode})
	}

	if recErr := s.registry.RecordSyncOutcome(ctx, p.ID, err); recErr != nil {
		logger.WithError(recErr).Warn("failed to record provider status")
	}

	if err != nil {
		kind := KindOf(err)
		logger.WithError(err).WithField("error_kind", kind).Error("provider sync failed")
		s.tel.Metrics.RecordProviderError(p.ID, string(kind))
		_ = s.tel.Events.PublishProviderSyncFailed(passID, p.ID, string(req.Kind), err.Error())
		s.recordFailure(ctx, p.ID)
	} else {
		s.clearBackoff(p.ID)
	}

	return providerResult(p, wf, ex, err)
}

func (s *Scheduler) inBackoff(providerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.backoff[providerID]
	return ok && s.clock.Now().Before(b.until)
}

func (s *Scheduler) recordFailure(ctx context.Context, providerID string) {
	limit := s.tun.backoffMax(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		delete(s.backoff, providerID)
		return
	}

	b, ok := s.backoff[providerID]
	if !ok {
		b = &providerBackoff{
			policy: retry.WithCappedDuration(limit, retry.NewExponential(initialBackoff)),
		}
		s.backoff[providerID] = b
	}
	delay, _ := b.policy.Next()
	b.until = s.clock.Now().Add(delay)
}

func (s *Scheduler) clearBackoff(providerID string) {
	s.mu.Lock()
	delete(s.backoff, providerID)
	s.mu.Unlock()
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state()
	return SchedulerStatus{
		State:      state,
		Running:    state == SchedulerStateRunning,
		LastRunAt:  s.lastRunAt,
		LastResult: s.lastResult,
		LastError:  s.lastError,
		NextRunAt:  s.nextRunAt,
	}
}
