// Package hooks dispatches session, compaction and reminder lifecycle events
// to registered handlers.
package hooks

import (
	"context"
	"sync"

	"github.com/soyeahso/companion/internal/logging"
)

// Event names a lifecycle event.
type Event string

const (
	EventSessionCreated   Event = "session_created"
	EventTurnAppended     Event = "turn_appended"
	EventSessionArchived  Event = "session_archived"
	EventCompactionDone   Event = "compaction_done"
	EventCompactionFailed Event = "compaction_failed"
	EventReminderDue      Event = "reminder_due"
	EventGatewayStart     Event = "gateway_start"
	EventGatewayStop      Event = "gateway_stop"
)

// AllEvents lists all known hook event names.
var AllEvents = []Event{
	EventSessionCreated,
	EventTurnAppended,
	EventSessionArchived,
	EventCompactionDone,
	EventCompactionFailed,
	EventReminderDue,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers. Every event raised for a
// tenant carries that tenant's id and nothing belonging to another tenant.
type Payload struct {
	Event    Event          `json:"event"`
	TenantID string         `json:"tenantId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles a hook event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager manages hook registrations and dispatches events.
// A nil *Manager is valid and drops every event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]namedHandler
	log      *logging.Logger
	wg       sync.WaitGroup
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[Event][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
// The name identifies the handler for logging and Off.
func (m *Manager) On(event Event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", string(event)).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event Event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.handlers[event][:0:0]
	for _, h := range m.handlers[event] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	m.handlers[event] = kept
}

func (m *Manager) snapshot(event Event) []namedHandler {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]namedHandler(nil), m.handlers[event]...)
}

// Emit dispatches an event to all registered handlers synchronously, in
// registration order. Errors are logged and do not stop later handlers.
func (m *Manager) Emit(ctx context.Context, event Event, tenantID string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	p := Payload{Event: event, TenantID: tenantID, Data: data}
	for _, h := range handlers {
		m.run(ctx, h, p, "hook handler error")
	}
}

// EmitAsync dispatches an event to all handlers concurrently and returns
// immediately. Handlers outlive the caller's cancellation; Wait blocks
// until they finish.
func (m *Manager) EmitAsync(ctx context.Context, event Event, tenantID string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	p := Payload{Event: event, TenantID: tenantID, Data: data}
	for _, h := range handlers {
		m.wg.Add(1)
		go func(h namedHandler) {
			defer m.wg.Done()
			m.run(ctx, h, p, "async hook handler error")
		}(h)
	}
}

// Wait blocks until all async handlers started so far have returned.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload, msg string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", string(p.Event)).Str("handler", h.name).Msg("hook handler panicked")
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", string(p.Event)).
			Str("tenant", p.TenantID).
			Str("handler", h.name).
			Msg(msg)
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event Event) int {
	return len(m.snapshot(event))
}
