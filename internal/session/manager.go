package session

import (
	"log/slog"
	"os"
	"sync"

	"tracepoint/internal/config"
	"tracepoint/internal/identity"
	"tracepoint/internal/store"
	"tracepoint/internal/timeutil"
)

const recentSessionKey = "recent_session_id"

// Manager owns the current session id and its lifecycle transitions. Start
// must be called during pipeline initialization before any event is tracked;
// a session ends implicitly when the next one is created after enough
// background time.
type Manager struct {
	ids      identity.IDProvider
	time     timeutil.TimeProvider
	cfg      *config.Provider
	sessions *store.SessionStore
	events   *store.EventStore
	kv       identity.KV
	sampler  *Sampler
	logger   *slog.Logger

	mu             sync.Mutex
	currentID      string
	needsReporting bool
	crashed        bool

	// backgroundedAt is the monotonic reading at the last background
	// transition; 0 means the app has never been backgrounded.
	backgroundedAt int64
}

// NewManager wires the session manager. Nothing is persisted until Start.
func NewManager(ids identity.IDProvider, tp timeutil.TimeProvider, cfg *config.Provider,
	sessions *store.SessionStore, events *store.EventStore, kv identity.KV,
	sampler *Sampler, logger *slog.Logger) *Manager {
	return &Manager{
		ids:      ids,
		time:     tp,
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		kv:       kv,
		sampler:  sampler,
		logger:   logger,
	}
}

// Start creates and persists a new session, returning its id. A storage
// failure is logged and the id is still returned: tagging events with an
// unpersisted session id beats dropping them.
func (m *Manager) Start() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newSessionLocked()
}

func (m *Manager) newSessionLocked() string {
	id := m.ids.NewID()
	reporting := m.sampler.ShouldReport(m.cfg.SessionSamplingRate())

	m.currentID = id
	m.needsReporting = reporting
	m.crashed = false

	sess := &store.Session{
		ID:             id,
		CreatedAt:      m.time.Now(),
		ProcessID:      os.Getpid(),
		Crashed:        false,
		NeedsReporting: reporting,
	}
	if err := m.sessions.InsertSession(sess); err != nil {
		m.logger.Warn("session: persisting new session failed, continuing in memory", "session_id", id, "error", err)
	}
	if err := m.kv.Put(recentSessionKey, id); err != nil {
		m.logger.Warn("session: recording recent session failed", "error", err)
	}
	m.logger.Info("session: created", "session_id", id, "needs_reporting", reporting)
	return id
}

// SessionID returns the current session id. Calling it before Start is a
// fatal precondition violation; it is logged and an empty id is returned so
// the host application is never crashed.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentID == "" {
		m.logger.Error("session: id requested before Start; events will carry an empty session id")
	}
	return m.currentID
}

// NeedsReporting reports whether events written now should be marked for
// export. True once the session has crashed, regardless of sampling.
func (m *Manager) NeedsReporting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsReporting || m.crashed
}

// OnBackground records the monotonic time of the background transition.
func (m *Manager) OnBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backgroundedAt = m.time.ElapsedMillis()
}

// OnForeground starts a new session if the app stayed backgrounded past the
// configured threshold; otherwise the existing session continues. Returns
// the session id current after the transition.
func (m *Manager) OnForeground() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backgroundedAt == 0 || m.currentID == "" {
		return m.currentID
	}
	if m.shouldEndSessionLocked(m.time.ElapsedMillis()) {
		m.newSessionLocked()
	}
	m.backgroundedAt = 0
	return m.currentID
}

// ShouldEndSession reports whether the elapsed background duration at nowMs
// (monotonic milliseconds) has reached the session-end threshold.
func (m *Manager) ShouldEndSession(nowMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldEndSessionLocked(nowMs)
}

func (m *Manager) shouldEndSessionLocked(nowMs int64) bool {
	if m.backgroundedAt == 0 {
		return false
	}
	return nowMs-m.backgroundedAt >= m.cfg.SessionEndThreshold().Milliseconds()
}

// MarkCurrentSessionCrashed forces the current session to crashed and
// reportable, cascading the reporting flag to its stored events so an
// unsampled session that crashes is still exportable.
func (m *Manager) MarkCurrentSessionCrashed() {
	m.mu.Lock()
	id := m.currentID
	m.crashed = true
	m.needsReporting = true
	m.mu.Unlock()
	if id == "" {
		return
	}
	m.markCrashed(id)
}

// MarkPreviousSessionCrashed marks the session recorded before the last
// process death as crashed and reportable. Called during startup crash
// reconciliation; a blank id falls back to the recent-session record.
func (m *Manager) MarkPreviousSessionCrashed(sessionID string) {
	if sessionID == "" {
		var ok bool
		var err error
		sessionID, ok, err = m.kv.Get(recentSessionKey)
		if err != nil || !ok {
			return
		}
	}
	m.markCrashed(sessionID)
}

func (m *Manager) markCrashed(id string) {
	if err := m.sessions.MarkCrashed(id); err != nil {
		m.logger.Warn("session: marking session crashed failed", "session_id", id, "error", err)
	}
	if err := m.events.SetNeedsReportingForSession(id, true); err != nil {
		m.logger.Warn("session: cascading reporting flag failed", "session_id", id, "error", err)
	}
}
