package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/logging"
)

// SnapshotStore is the durable key-value record per conversation.
type SnapshotStore interface {
	// Save writes or replaces the snapshot for its conversation id.
	Save(ctx context.Context, snap *Snapshot) error
	// Load reads a snapshot; ErrSnapshotNotFound when none exists.
	Load(ctx context.Context, conversationID string) (*Snapshot, error)
	// Delete removes a snapshot; deleting a missing record is not an error.
	Delete(ctx context.Context, conversationID string) error
	// List returns every persisted snapshot.
	List(ctx context.Context) ([]*Snapshot, error)
	Close() error
}

// ManagerConfig carries the values the registry needs; mechanism-free so
// tests can construct it directly.
type ManagerConfig struct {
	// DefaultProject is used when GetOrCreate receives no project path.
	DefaultProject string
	// ProjectsRoot bounds every project path.
	ProjectsRoot string
	// ProjectGlobs are doublestar patterns, relative to ProjectsRoot, that
	// a project path must match. Empty means any path under the root.
	ProjectGlobs []string
	// IdleTimeout evicts sessions with no activity for this long.
	IdleTimeout time.Duration
	// ReapInterval is the sweep cadence of the idle reaper.
	ReapInterval time.Duration
}

// Manager is the registry of all Sessions, keyed by conversation id.
// Creation for a given id happens at most once even under concurrent calls;
// the registry lock is the serialization point and construction does no IO.
type Manager struct {
	client agent.Client
	store  SnapshotStore
	cfg    ManagerConfig
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the registry. It is constructed once at process start
// and injected into everything that needs lookup.
func NewManager(client agent.Client, store SnapshotStore, cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 2 * time.Minute
	}
	return &Manager{
		client:   client,
		store:    store,
		cfg:      cfg,
		logger:   logging.New("session-manager"),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live Session for conversationID, constructing and
// registering one (uninitialized, default project when unspecified) if absent.
func (m *Manager) GetOrCreate(conversationID, ownerUserID, projectPath string) (*Session, error) {
	if projectPath == "" {
		projectPath = m.cfg.DefaultProject
	}
	path, err := m.ValidateProjectPath(projectPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok {
		return s, nil
	}
	s := newSession(conversationID, ownerUserID, path, m.client, m.logger)
	m.sessions[conversationID] = s
	m.logger.WithConversation(conversationID).Info("session_created", map[string]interface{}{"project": path})
	return s, nil
}

// Get is a pure lookup with no side effects.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// List enumerates the registry, ordered by conversation id.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversationID() < out[j].ConversationID()
	})
	return out
}

// Restore loads the persisted snapshot for an id that is not currently live
// and registers a Session hydrated from it: identity and metadata only,
// status reset to uninitialized, lastActivityAt preserved. A missing or
// corrupt snapshot yields (nil, false) and registers nothing.
func (m *Manager) Restore(ctx context.Context, conversationID string) (*Session, bool) {
	if s, ok := m.Get(conversationID); ok {
		return s, true
	}

	snap, err := m.store.Load(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			m.logger.WithConversation(conversationID).Warn("snapshot_load_failed", nil, err)
		}
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Someone may have created or restored it while we read storage.
	if s, ok := m.sessions[conversationID]; ok {
		return s, true
	}
	s := newSessionFromSnapshot(snap, m.client, m.logger)
	m.sessions[conversationID] = s
	m.logger.WithConversation(conversationID).Info("session_restored", map[string]interface{}{
		"project": snap.ProjectPath,
	})
	return s, true
}

// Persist serializes the current snapshot to durable storage. Storage
// failures are logged and swallowed: persistence must never abort the
// caller's primary operation.
func (m *Manager) Persist(ctx context.Context, conversationID string) {
	s, ok := m.Get(conversationID)
	if !ok {
		return
	}
	if err := m.store.Save(ctx, s.Snapshot()); err != nil {
		m.logger.WithConversation(conversationID).Error("persist_failed", nil, err)
	}
}

// Clear stops the live binding if any, removes the Session from the
// registry and deletes its persisted record. Returns whether a live
// Session existed.
func (m *Manager) Clear(ctx context.Context, conversationID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()

	if ok {
		s.shutdown(false)
	}
	if err := m.store.Delete(ctx, conversationID); err != nil {
		m.logger.WithConversation(conversationID).Error("snapshot_delete_failed", nil, err)
	}
	return ok
}

// SwitchProject validates the new path, repoints the session and persists
// the updated snapshot.
func (m *Manager) SwitchProject(ctx context.Context, conversationID, newPath string) error {
	s, ok := m.Get(conversationID)
	if !ok {
		return ErrSnapshotNotFound
	}
	path, err := m.ValidateProjectPath(newPath)
	if err != nil {
		return err
	}
	if err := s.SwitchProject(ctx, path); err != nil {
		return err
	}
	m.Persist(ctx, conversationID)
	return nil
}

// Shutdown persists every live session and stops its binding. Used on
// graceful process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.List() {
		m.Persist(ctx, s.ConversationID())
		s.shutdown(false)
	}
}

// Run drives the idle reaper until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(ctx)
		}
	}
}

// reap persists and evicts every session idle past the timeout. Final
// state is persisted exactly once, before removal.
func (m *Manager) reap(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.IdleTimeout)

	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastActivityAt().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	start := time.Now()
	for _, s := range stale {
		if err := m.store.Save(ctx, s.Snapshot()); err != nil {
			m.logger.WithConversation(s.ConversationID()).Error("persist_failed", nil, err)
		}
		s.shutdown(true)
		m.logger.WithConversation(s.ConversationID()).Info("session_reaped", nil)
	}
	if len(stale) > 0 {
		m.logger.TimedEvent("reap_sweep", start, map[string]interface{}{"evicted": len(stale)})
	}
}

// ValidateProjectPath cleans path, requires it to live under the projects
// root and to match one of the allowed patterns.
func (m *Manager) ValidateProjectPath(path string) (string, error) {
	if m.cfg.ProjectsRoot == "" {
		return filepath.Clean(path), nil
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.cfg.ProjectsRoot, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(m.cfg.ProjectsRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside %q: %w", path, m.cfg.ProjectsRoot, ErrProjectNotAllowed)
	}

	globs := m.cfg.ProjectGlobs
	if len(globs) == 0 {
		return abs, nil
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, filepath.ToSlash(rel)); ok {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%q matches no allowed pattern: %w", path, ErrProjectNotAllowed)
}
