package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence in the sync engine, fanned out to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	PassID     string `json:"pass_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string                 `json:"level"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSyncStarted        = "sync.started"
	EventTypeSyncCompleted      = "sync.completed"
	EventTypeSyncSkipped        = "sync.skipped"
	EventTypeProviderSyncFailed = "provider.sync_failed"
	EventTypeProviderRegistered = "provider.registered"
	EventTypeProviderDeleted    = "provider.deleted"
	EventTypeConfigChanged      = "config.changed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// A nil or disabled publisher accepts and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSyncStarted publishes the start of a sync pass.
func (ep *EventPublisher) PublishSyncStarted(passID, kind, trigger string) error {
	return ep.Publish(Event{
		Type:    EventTypeSyncStarted,
		Source:  "scheduler",
		PassID:  passID,
		Message: fmt.Sprintf("%s sync pass %s started (%s)", kind, passID, trigger),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"kind":    kind,
			"trigger": trigger,
		},
	})
}

// PublishSyncCompleted publishes the outcome of a sync pass.
func (ep *EventPublisher) PublishSyncCompleted(passID, kind string, succeeded, failed int, duration time.Duration) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeSyncCompleted,
		Source:  "scheduler",
		PassID:  passID,
		Message: fmt.Sprintf("%s sync pass %s finished: %d succeeded, %d failed", kind, passID, succeeded, failed),
		Level:   level,
		Data: map[string]interface{}{
			"kind":      kind,
			"succeeded": succeeded,
			"failed":    failed,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishSyncSkipped publishes a tick that was dropped because a pass was running.
func (ep *EventPublisher) PublishSyncSkipped(trigger string) error {
	return ep.Publish(Event{
		Type:    EventTypeSyncSkipped,
		Source:  "scheduler",
		Message: fmt.Sprintf("%s sync skipped, a pass is already running", trigger),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"trigger": trigger,
		},
	})
}

// PublishProviderSyncFailed publishes a failed provider within a pass.
func (ep *EventPublisher) PublishProviderSyncFailed(passID, providerID, kind, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeProviderSyncFailed,
		Source:     "engine",
		PassID:     passID,
		ProviderID: providerID,
		Message:    fmt.Sprintf("provider %s failed to sync: %s", providerID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// PublishProviderRegistered publishes a newly registered provider.
func (ep *EventPublisher) PublishProviderRegistered(providerID, name string) error {
	return ep.Publish(Event{
		Type:       EventTypeProviderRegistered,
		Source:     "registry",
		ProviderID: providerID,
		Message:    fmt.Sprintf("provider %q registered", name),
		Level:      EventLevelInfo,
	})
}

// PublishProviderDeleted publishes a provider removal.
func (ep *EventPublisher) PublishProviderDeleted(providerID string) error {
	return ep.Publish(Event{
		Type:       EventTypeProviderDeleted,
		Source:     "registry",
		ProviderID: providerID,
		Message:    fmt.Sprintf("provider %s deleted", providerID),
		Level:      EventLevelInfo,
	})
}

// PublishConfigChanged publishes an audited config change. Values are never included.
func (ep *EventPublisher) PublishConfigChanged(key, changedBy string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigChanged,
		Source:  "config",
		Message: fmt.Sprintf("config %s changed by %s", key, changedBy),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"key":        key,
			"changed_by": changedBy,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer until shutdown, then delivers what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := make([]subscriberEntry, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for the buffer to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// LogEvents returns a subscriber that writes each event to logger at the
// event's severity.
func LogEvents(logger *Logger) EventSubscriber {
	return func(event Event) {
		l := logger.WithFields(map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		if event.PassID != "" {
			l = l.WithPassID(event.PassID)
		}
		if event.ProviderID != "" {
			l = l.WithField("provider_id", event.ProviderID)
		}
		switch event.Level {
		case EventLevelError:
			l.Error(event.Message)
		case EventLevelWarning:
			l.Warn(event.Message)
		default:
			l.Info(event.Message)
		}
	}
}
