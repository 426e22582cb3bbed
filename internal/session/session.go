// Package session owns the binding between one chat conversation and one
// running agent session: the per-conversation state machine, the folding of
// the agent's event stream into outbound notifications, and the registry
// that keeps every live binding and its durable snapshot.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/logging"
)

// Status is the externally observable state of a Session.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusStarting      Status = "starting"
	StatusIdle          Status = "idle"
	StatusBusy          Status = "busy"
	StatusError         Status = "error"
	StatusTerminated    Status = "terminated"
)

// Snapshot is the durable record of a Session, minus its live binding.
// It round-trips through the snapshot store without field loss.
type Snapshot struct {
	ConversationID string    `json:"conversationID"`
	OwnerUserID    string    `json:"ownerUserID"`
	ProjectPath    string    `json:"projectPath"`
	AgentSessionID string    `json:"agentSessionID,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Notifier receives a Session's outbound notifications. Callbacks are
// invoked sequentially, in event arrival order, and must not call back
// into the Session from the same goroutine stack.
type Notifier struct {
	OnOutput     func(Output)
	OnPermission func(agent.PermissionRequest)
	OnError      func(message string)
	OnTerminated func()
}

// Session is the state machine for one conversation-to-agent binding.
// All mutation goes through its operation methods; the event loop goroutine
// started by Start is the only other writer.
type Session struct {
	conversationID string
	ownerUserID    string
	createdAt      time.Time

	client agent.Client
	logger *logging.Logger

	mu             sync.Mutex
	status         Status
	projectPath    string
	agentSessionID string
	lastActivityAt time.Time
	pending        *agent.PermissionRequest
	buffer         turnBuffer
	notifier       Notifier

	// cancelStream tears down the live event subscription; streamGen
	// invalidates event loops that outlive a restart or project switch.
	cancelStream context.CancelFunc
	streamGen    int
	stopping     bool
}

func newSession(conversationID, ownerUserID, projectPath string, client agent.Client, logger *logging.Logger) *Session {
	now := time.Now().UTC()
	return &Session{
		conversationID: conversationID,
		ownerUserID:    ownerUserID,
		projectPath:    projectPath,
		status:         StatusUninitialized,
		createdAt:      now,
		lastActivityAt: now,
		client:         client,
		logger:         logger.WithConversation(conversationID),
	}
}

// newSessionFromSnapshot hydrates identity and metadata from a persisted
// record. No live process is resurrected: status resets to uninitialized
// and a fresh binding is established lazily by the next Start.
func newSessionFromSnapshot(snap *Snapshot, client agent.Client, logger *logging.Logger) *Session {
	return &Session{
		conversationID: snap.ConversationID,
		ownerUserID:    snap.OwnerUserID,
		projectPath:    snap.ProjectPath,
		agentSessionID: snap.AgentSessionID,
		status:         StatusUninitialized,
		createdAt:      snap.CreatedAt,
		lastActivityAt: snap.LastActivityAt,
		client:         client,
		logger:         logger.WithConversation(snap.ConversationID),
	}
}

// SetNotifier attaches the outbound notification callbacks.
func (s *Session) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Start establishes a fresh agent binding. Valid from uninitialized,
// error or terminated; a startup failure leaves the session in error,
// still usable for a later retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusUninitialized, StatusError, StatusTerminated:
	case StatusStarting:
		s.mu.Unlock()
		return fmt.Errorf("start in progress: %w", ErrAlreadyRunning)
	default:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status = StatusStarting
	path := s.projectPath
	s.mu.Unlock()

	agentID, err := s.client.Start(ctx, path)
	if err != nil {
		s.failStart(err)
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	events, err := s.client.SubscribeEvents(streamCtx, agentID)
	if err != nil {
		cancel()
		if !agent.IsStartup(err) {
			err = &agent.StartupError{Cause: err}
		}
		s.failStart(err)
		return err
	}

	s.mu.Lock()
	if s.status != StatusStarting {
		// Cleared or evicted while the blocking start calls were in
		// flight. The registry already let go of this session, so the
		// fresh binding is torn down instead of committed.
		status := s.status
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("session is %s: %w", status, agent.ErrNotRunning)
	}
	s.agentSessionID = agentID
	s.cancelStream = cancel
	s.streamGen++
	gen := s.streamGen
	s.stopping = false
	s.status = StatusIdle
	s.lastActivityAt = time.Now().UTC()
	s.buffer.reset()
	s.mu.Unlock()

	s.logger.WithAgentSession(agentID).Info("session_started", map[string]interface{}{"project": path})
	go s.consume(gen, events)
	return nil
}

func (s *Session) failStart(err error) {
	s.mu.Lock()
	if s.status == StatusStarting {
		s.status = StatusError
	}
	s.mu.Unlock()
	s.logger.Error("session_start_failed", nil, err)
}

// SendMessage forwards one user turn. Rejected with ErrBusy while a turn
// is in flight; one turn at a time, never queued.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	switch s.status {
	case StatusBusy:
		s.mu.Unlock()
		return ErrBusy
	case StatusIdle:
	default:
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session is %s: %w", status, agent.ErrNotRunning)
	}
	s.status = StatusBusy
	s.buffer.reset()
	s.lastActivityAt = time.Now().UTC()
	agentID := s.agentSessionID
	gen := s.streamGen
	s.mu.Unlock()

	if err := s.client.SendMessage(ctx, agentID, text); err != nil {
		// Transient send failures are the caller's to retry; the turn
		// never reached the agent, so the session goes back to idle.
		s.mu.Lock()
		if s.streamGen == gen && s.status == StatusBusy {
			s.status = StatusIdle
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Interrupt requests cancellation of the in-flight turn. On success the
// session returns to idle and any partial output is flushed rather than
// discarded.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusBusy {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session is %s: %w", status, agent.ErrNotRunning)
	}
	agentID := s.agentSessionID
	gen := s.streamGen
	s.mu.Unlock()

	if err := s.client.Interrupt(ctx, agentID); err != nil {
		return err
	}

	s.mu.Lock()
	var out *Output
	if s.streamGen == gen && s.status == StatusBusy {
		s.status = StatusIdle
		s.lastActivityAt = time.Now().UTC()
		if !s.buffer.empty() {
			flushed := s.buffer.flush()
			out = &flushed
		}
	}
	notify := s.notifier
	s.mu.Unlock()

	if out != nil && notify.OnOutput != nil {
		notify.OnOutput(*out)
	}
	return nil
}

// SwitchProject tears down the current agent binding, repoints the session
// at newPath and starts a fresh binding. Conversation identity is preserved;
// the old agent session id is discarded, never reused.
func (s *Session) SwitchProject(ctx context.Context, newPath string) error {
	s.mu.Lock()
	if s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("start in progress: %w", ErrAlreadyRunning)
	}
	agentID := s.agentSessionID
	cancel := s.cancelStream
	wasBusy := s.status == StatusBusy

	s.stopping = true
	s.streamGen++
	s.cancelStream = nil
	s.agentSessionID = ""
	s.projectPath = newPath
	s.pending = nil
	s.buffer.reset()
	s.status = StatusUninitialized
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()

	if wasBusy && agentID != "" {
		// best-effort; the binding is going away regardless
		_ = s.client.Interrupt(ctx, agentID)
	}
	if cancel != nil {
		cancel()
	}

	s.logger.Info("project_switched", map[string]interface{}{"project": newPath})
	return s.Start(ctx)
}

// ReplyToLatestPermission forwards the user's decision for the pending
// permission request and clears it.
func (s *Session) ReplyToLatestPermission(ctx context.Context, decision agent.Decision) error {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return ErrNoPendingPermission
	}
	req := *s.pending
	agentID := s.agentSessionID
	s.mu.Unlock()

	if err := s.client.RespondToPermission(ctx, agentID, req.ID, decision); err != nil {
		return err
	}

	s.mu.Lock()
	if s.pending != nil && s.pending.ID == req.ID {
		s.pending = nil
	}
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// consume is the event loop for one binding generation. It is the single
// consumer of the stream, so notifications fire in arrival order.
func (s *Session) consume(gen int, events <-chan agent.Event) {
	for ev := range events {
		s.handleEvent(gen, ev)
	}

	// Stream closed. A deliberate teardown (switch, clear, shutdown) bumps
	// the generation first, so only an unexpected disconnect lands here.
	s.mu.Lock()
	if gen != s.streamGen || s.stopping {
		s.mu.Unlock()
		return
	}
	s.status = StatusTerminated
	s.cancelStream = nil
	s.pending = nil
	notify := s.notifier
	s.mu.Unlock()

	s.logger.Warn("stream_disconnected", nil, nil)
	if notify.OnTerminated != nil {
		notify.OnTerminated()
	}
}

func (s *Session) handleEvent(gen int, ev agent.Event) {
	s.mu.Lock()
	if gen != s.streamGen {
		s.mu.Unlock()
		return
	}

	var out *Output
	var errMsg string
	var perm *agent.PermissionRequest

	switch ev.Type {
	case agent.EventPartUpdated:
		// Interrupts are cooperative: the agent picks its own stopping
		// point and may keep streaming parts from a turn that has already
		// been flushed and retired. Parts belong to a turn only while one
		// is in flight; stragglers are dropped.
		if ev.Part != nil && s.status == StatusBusy {
			if s.buffer.apply(*ev.Part, s.logger) && !s.buffer.empty() {
				flushed := s.buffer.flush()
				out = &flushed
			}
			s.lastActivityAt = time.Now().UTC()
		}

	case agent.EventStatusChanged:
		switch ev.Status {
		case agent.StatusIdle:
			if s.status == StatusBusy {
				if !s.buffer.empty() {
					flushed := s.buffer.flush()
					out = &flushed
				}
				s.status = StatusIdle
				s.lastActivityAt = time.Now().UTC()
			}
		case agent.StatusBusy:
			if s.status == StatusIdle {
				s.status = StatusBusy
			}
		case agent.StatusError:
			s.status = StatusError
			errMsg = ev.Message
			if errMsg == "" {
				errMsg = "agent reported an error"
			}
		}

	case agent.EventPermissionRequested:
		if ev.Permission != nil {
			p := *ev.Permission
			s.pending = &p
			perm = &p
			s.lastActivityAt = time.Now().UTC()
		}

	case agent.EventSessionError:
		s.status = StatusError
		errMsg = ev.Message
		if errMsg == "" {
			errMsg = "agent session error"
		}
	}

	notify := s.notifier
	s.mu.Unlock()

	if out != nil && notify.OnOutput != nil {
		notify.OnOutput(*out)
	}
	if perm != nil && notify.OnPermission != nil {
		notify.OnPermission(*perm)
	}
	if errMsg != "" {
		s.logger.Error("session_error", nil, fmt.Errorf("%s", errMsg))
		if notify.OnError != nil {
			notify.OnError(errMsg)
		}
	}
}

// shutdown stops the live binding. When emit is true (idle eviction) the
// owner is told via exactly one terminated notification; an explicit clear
// is silent because the caller already knows.
func (s *Session) shutdown(emit bool) {
	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.streamGen++
	cancel := s.cancelStream
	s.cancelStream = nil
	s.pending = nil
	s.status = StatusTerminated
	notify := s.notifier
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if emit && notify.OnTerminated != nil {
		notify.OnTerminated()
	}
}

// Snapshot returns the durable record of the session's current state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{
		ConversationID: s.conversationID,
		OwnerUserID:    s.ownerUserID,
		ProjectPath:    s.projectPath,
		AgentSessionID: s.agentSessionID,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// ConversationID returns the owning conversation key.
func (s *Session) ConversationID() string { return s.conversationID }

// OwnerUserID returns the id of the user who created the session.
func (s *Session) OwnerUserID() string { return s.ownerUserID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ProjectPath returns the current working project.
func (s *Session) ProjectPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectPath
}

// AgentSessionID returns the server-assigned session id, empty until the
// first successful start.
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// LastActivityAt returns the time of the last inbound or outbound activity.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// PendingPermission returns a copy of the outstanding permission request,
// or nil when none is pending.
func (s *Session) PendingPermission() *agent.PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}
