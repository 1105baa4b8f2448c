// Package session tracks trigger sessions.
//
// Every configured event name holds one pending session id. Activating an
// event consumes its pending id and promotes it to the single active
// session; ending the session mints a fresh pending id so the event can
// fire again. Pending ids are re-minted for every name on config reload.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Active describes the active trigger session.
type Active struct {
	ID        string    `json:"session_id"`
	EventName string    `json:"event_name"`
	StartedAt time.Time `json:"started_at"`
}

// Manager owns the pending ids and the active session. All methods are
// safe for concurrent use and linearized through one mutex.
type Manager struct {
	mu      sync.Mutex
	known   map[string]struct{}
	pending map[string]string
	active  *Active

	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a manager with no pending ids.
// If logger is nil, it defaults to slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		known:   make(map[string]struct{}),
		pending: make(map[string]string),
		newID:   uuid.NewString,
		now:     time.Now,
		logger:  logger,
	}
}

// Reset mints a fresh pending id for every event name and forgets names
// that are no longer configured. The active session is left untouched.
func (m *Manager) Reset(eventNames []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]struct{}, len(eventNames))
	pending := make(map[string]string, len(eventNames))
	for _, name := range eventNames {
		known[name] = struct{}{}
		pending[name] = m.newID()
	}
	if m.active != nil {
		// The active event re-mints on EndSession.
		delete(pending, m.active.EventName)
	}
	m.known = known
	m.pending = pending
	observability.SessionTransitions.WithLabelValues("reset").Inc()
}

// Pending returns the pending session id of eventName.
func (m *Manager) Pending(eventName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pending[eventName]
	return id, ok
}

// Activate consumes the pending id of eventName and classifies the outcome.
//
// Holdout and NoAudienceMatch end the session immediately and re-mint the
// pending id; they never displace the session of another event. Paywall
// leaves the session active until EndSession, replacing any other active
// session. Activating the event of the already active session returns that
// session unchanged. Other results, and events without a pending id,
// activate nothing.
func (m *Manager) Activate(eventName string, result trigger.Result) (Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.EventName == eventName {
		return *m.active, true
	}

	switch result.(type) {
	case trigger.Paywall, trigger.Holdout, trigger.NoAudienceMatch:
	default:
		return Active{}, false
	}

	id, ok := m.pending[eventName]
	if !ok {
		m.logger.Debug("no pending session for event", slog.String("event_name", eventName))
		return Active{}, false
	}
	session := Active{ID: id, EventName: eventName, StartedAt: m.now()}

	switch result.(type) {
	case trigger.Holdout, trigger.NoAudienceMatch:
		m.pending[eventName] = m.newID()
		observability.SessionTransitions.WithLabelValues("activated").Inc()
		observability.SessionTransitions.WithLabelValues("ended").Inc()
		return session, true
	}

	if m.active != nil {
		m.logger.Warn("replacing active trigger session",
			slog.String("session_id", m.active.ID),
			slog.String("event_name", m.active.EventName),
		)
		m.endLocked()
	}

	delete(m.pending, eventName)
	m.active = &session
	observability.SessionTransitions.WithLabelValues("activated").Inc()
	return session, true
}

// EndSession ends the active session, if any, and re-mints the pending id of
// its event. It returns the ended session. Calling it with no active session
// is a no-op.
func (m *Manager) EndSession() (Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Active{}, false
	}
	ended := *m.active
	m.endLocked()
	return ended, true
}

// Current returns the active session.
func (m *Manager) Current() (Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Active{}, false
	}
	return *m.active, true
}

func (m *Manager) endLocked() {
	if _, ok := m.known[m.active.EventName]; ok {
		m.pending[m.active.EventName] = m.newID()
	}
	m.active = nil
	observability.SessionTransitions.WithLabelValues("ended").Inc()
}
