package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
)

// ErrTooManySessions is returned by Create when the session limit is reached
var ErrTooManySessions = errors.New("too many sessions")

// Entry is a controller registered with the manager
type Entry struct {
	ID         string
	CreatedAt  time.Time
	Controller *Controller

	lastActivity time.Time
	mu           sync.RWMutex
}

// Touch records activity on the entry
func (e *Entry) Touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// LastActivity returns the time of the most recent activity
func (e *Entry) LastActivity() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastActivity
}

// EntryInfo represents session information for monitoring and APIs
type EntryInfo struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Age          time.Duration `json:"age"`
	Info
}

// Info returns a monitoring snapshot of the entry
func (e *Entry) Info() EntryInfo {
	return EntryInfo{
		ID:           e.ID,
		CreatedAt:    e.CreatedAt,
		LastActivity: e.LastActivity(),
		Age:          time.Since(e.CreatedAt),
		Info:         e.Controller.Info(),
	}
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         Config
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// ManagerStats represents manager statistics for monitoring
type ManagerStats struct {
	Active   int    `json:"active"`
	Created  uint64 `json:"created"`
	Removed  uint64 `json:"removed"`
	Expired  uint64 `json:"expired"`
	Rejected uint64 `json:"rejected"`
}

// Manager owns every controller, one per connected widget
type Manager struct {
	entries map[string]*Entry
	mu      sync.RWMutex
	logger  *slog.Logger
	config  ManagerConfig
	dialer  Dialer
	metrics *metrics.Metrics

	created  uint64
	removed  uint64
	expired  uint64
	rejected uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, dialer Dialer, m *metrics.Metrics) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		entries: make(map[string]*Entry),
		logger:  logger,
		config:  config,
		dialer:  dialer,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Create registers a new controller bound to the given devices and observer
func (m *Manager) Create(devices Devices, observer Observer) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxSessions > 0 && len(m.entries) >= m.config.MaxSessions {
		m.rejected++
		m.logger.Warn("Rejecting session, limit reached",
			slog.Int("max_sessions", m.config.MaxSessions),
		)
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	logger := m.logger.With(slog.String("session_id", id))

	ctrl, err := NewController(m.config.Session, m.dialer, devices, observer, logger, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		ID:           id,
		CreatedAt:    now,
		Controller:   ctrl,
		lastActivity: now,
	}
	m.entries[id] = entry
	m.created++
	m.metrics.SetRegisteredControllers(len(m.entries))

	logger.Info("Created session controller", slog.Int("registered", len(m.entries)))

	return entry, nil
}

// Get retrieves a registered entry
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[id]
	return entry, exists
}

// Touch updates the last activity time for a session
func (m *Manager) Touch(id string) {
	entry, exists := m.Get(id)
	if !exists {
		m.logger.Warn("Attempted to update activity for non-existent session",
			slog.String("session_id", id),
		)
		return
	}
	entry.Touch()
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// List returns a snapshot of all registered sessions, oldest first
func (m *Manager) List() []EntryInfo {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	infos := make([]EntryInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entry.Info())
	}
	return infos
}

// Remove unregisters a session and closes its controller
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	entry, exists := m.entries[id]
	if exists {
		delete(m.entries, id)
		m.removed++
		m.metrics.SetRegisteredControllers(len(m.entries))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	entry.Controller.Close()

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("total_duration", time.Since(entry.CreatedAt)),
		slog.Uint64("calls", entry.Controller.Info().Calls),
	)
	return true
}

// Stats returns current manager statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		Active:   len(m.entries),
		Created:  m.created,
		Removed:  m.removed,
		Expired:  m.expired,
		Rejected: m.rejected,
	}
}

// Stop closes every controller and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.entries = make(map[string]*Entry)
	m.metrics.SetRegisteredControllers(0)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.Controller.Close()
	}

	stats := m.Stats()
	m.logger.Info("Session manager stopped",
		slog.Int("closed_sessions", len(entries)),
		slog.Uint64("total_created", stats.Created),
		slog.Uint64("total_expired", stats.Expired),
	)
}

// startCleanupRoutine runs in a separate goroutine to remove idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been idle too long
func (m *Manager) cleanupExpiredSessions() int {
	if m.config.IdleTimeout <= 0 {
		return 0
	}

	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, entry := range m.entries {
		if now.Sub(entry.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
	}

	removed := 0
	for _, id := range expired {
		if m.Remove(id) {
			removed++
			m.mu.Lock()
			m.expired++
			m.mu.Unlock()
		}
	}
	return removed
}
