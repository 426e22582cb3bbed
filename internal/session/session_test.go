package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/agent/agenttest"
	"github.com/joss/ocbridge/internal/logging"
)

type notifications struct {
	outputs     chan Output
	permissions chan agent.PermissionRequest
	errors      chan string
	terminated  chan struct{}
}

func newNotifications() *notifications {
	return &notifications{
		outputs:     make(chan Output, 16),
		permissions: make(chan agent.PermissionRequest, 16),
		errors:      make(chan string, 16),
		terminated:  make(chan struct{}, 16),
	}
}

func (n *notifications) notifier() Notifier {
	return Notifier{
		OnOutput:     func(o Output) { n.outputs <- o },
		OnPermission: func(p agent.PermissionRequest) { n.permissions <- p },
		OnError:      func(msg string) { n.errors <- msg },
		OnTerminated: func() { n.terminated <- struct{}{} },
	}
}

func waitOutput(t *testing.T, n *notifications) Output {
	t.Helper()
	select {
	case o := <-n.outputs:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output notification")
		return Output{}
	}
}

func startedSession(t *testing.T) (*Session, *agenttest.Client, *notifications) {
	t.Helper()
	client := agenttest.New()
	s := newSession("42", "user-7", "/proj", client, logging.New("test"))
	n := newNotifications()
	s.SetNotifier(n.notifier())
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StatusIdle, s.Status())
	return s, client, n
}

func TestStartEstablishesBinding(t *testing.T) {
	s, _, _ := startedSession(t)
	assert.NotEmpty(t, s.AgentSessionID())
	assert.Equal(t, StatusIdle, s.Status())
}

func TestStartFailureLeavesErrorAndIsRetryable(t *testing.T) {
	client := agenttest.New()
	client.FailStart(errors.New("connection refused"))
	s := newSession("42", "u", "/proj", client, logging.New("test"))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, agent.IsStartup(err))
	assert.Equal(t, StatusError, s.Status())

	// A later retry from error succeeds.
	client.FailStart(nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusIdle, s.Status())
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	s, _, _ := startedSession(t)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
}

func TestSendMessageMovesToBusy(t *testing.T) {
	s, client, _ := startedSession(t)

	require.NoError(t, s.SendMessage(context.Background(), "hello"))
	assert.Equal(t, StatusBusy, s.Status())

	sent := client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, s.AgentSessionID(), sent[0].SessionID)
}

func TestSendMessageWhileBusyRejectsWithoutForwarding(t *testing.T) {
	s, client, _ := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "first"))

	err := s.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, client.Sent(), 1)
}

func TestSendMessageBeforeStart(t *testing.T) {
	client := agenttest.New()
	s := newSession("42", "u", "/proj", client, logging.New("test"))

	err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, agent.ErrNotRunning)
	assert.Empty(t, client.Sent())
}

func TestSendFailureReturnsToIdle(t *testing.T) {
	s, client, _ := startedSession(t)
	client.FailSend(errors.New("network hiccup"))

	err := s.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, StatusIdle, s.Status())
}

func TestTurnFlushedOnIdleTransition(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "Hi"}})
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: " there"}})
	client.Emit(id, agent.Event{Type: agent.EventStatusChanged, Status: agent.StatusIdle})

	out := waitOutput(t, n)
	assert.Equal(t, "Hi there", out.Text)
	assert.Equal(t, StatusIdle, s.Status())

	// Exactly one output for the turn.
	select {
	case extra := <-n.outputs:
		t.Fatalf("unexpected second output: %q", extra.Text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestThreeFragmentsOneOutput(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	for _, text := range []string{"a", "b", "c"} {
		client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: text}})
	}
	client.Emit(id, agent.Event{Type: agent.EventStatusChanged, Status: agent.StatusIdle})

	out := waitOutput(t, n)
	assert.Equal(t, "abc", out.Text)
}

func TestStepFinishFlushesMidTurn(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "step one"}})
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartStepFinish}})

	out := waitOutput(t, n)
	assert.Equal(t, "step one", out.Text)
	// still busy until the agent goes idle
	assert.Equal(t, StatusBusy, s.Status())
}

func TestErrorEventNotifiesAndTransitions(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventStatusChanged, Status: agent.StatusError, Message: "model overloaded"})

	select {
	case msg := <-n.errors:
		assert.Equal(t, "model overloaded", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no error notification")
	}
	assert.Equal(t, StatusError, s.Status())
}

func TestPermissionFlow(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPermissionRequested, Permission: &agent.PermissionRequest{
		ID:     "perm_1",
		Tool:   "bash",
		Prompt: "run rm -rf build?",
	}})

	select {
	case p := <-n.permissions:
		assert.Equal(t, "perm_1", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no permission notification")
	}
	require.NotNil(t, s.PendingPermission())

	require.NoError(t, s.ReplyToLatestPermission(context.Background(), agent.DecisionOnce))
	assert.Nil(t, s.PendingPermission())

	replies := client.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "perm_1", replies[0].PermissionID)
	assert.Equal(t, agent.DecisionOnce, replies[0].Decision)

	// Cleared exactly once: a second reply has nothing to answer.
	assert.ErrorIs(t, s.ReplyToLatestPermission(context.Background(), agent.DecisionReject), ErrNoPendingPermission)
}

func TestInterruptWhileIdleRejectsWithoutCall(t *testing.T) {
	s, client, _ := startedSession(t)

	err := s.Interrupt(context.Background())
	assert.ErrorIs(t, err, agent.ErrNotRunning)
	assert.Empty(t, client.Aborted())
}

func TestInterruptFlushesPartialOutput(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "partial answ"}})
	// Let the event loop fold the part in before interrupting.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.buffer.empty()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Interrupt(context.Background()))
	assert.Equal(t, StatusIdle, s.Status())
	assert.Len(t, client.Aborted(), 1)

	out := waitOutput(t, n)
	assert.Equal(t, "partial answ", out.Text)
}

func TestFragmentsAfterInterruptAreDropped(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "partial"}})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.buffer.empty()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Interrupt(context.Background()))
	assert.Equal(t, "partial", waitOutput(t, n).Text)

	// The agent picks its own stopping point, so fragments from the
	// retired turn keep arriving after the flush. A marker event that the
	// loop must process afterwards proves the straggler was seen.
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "STALE"}})
	client.Emit(id, agent.Event{Type: agent.EventPermissionRequested, Permission: &agent.PermissionRequest{ID: "perm_9", Prompt: "?"}})
	select {
	case <-n.permissions:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission notification")
	}

	require.NoError(t, s.SendMessage(context.Background(), "again"))
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "clean answer"}})
	client.Emit(id, agent.Event{Type: agent.EventStatusChanged, Status: agent.StatusIdle})

	out := waitOutput(t, n)
	assert.Equal(t, "clean answer", out.Text)
}

func TestStepFinishAfterInterruptEmitsNothing(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "partial"}})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.buffer.empty()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Interrupt(context.Background()))
	assert.Equal(t, "partial", waitOutput(t, n).Text)

	// Stragglers from the retired turn, including its closing step marker,
	// must not flush a second output for a turn that already produced one.
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: " tail"}})
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartStepFinish}})
	client.Emit(id, agent.Event{Type: agent.EventPermissionRequested, Permission: &agent.PermissionRequest{ID: "perm_9", Prompt: "?"}})
	select {
	case <-n.permissions:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission notification")
	}

	select {
	case extra := <-n.outputs:
		t.Fatalf("output emitted for a retired turn: %q", extra.Text)
	default:
	}
	assert.Equal(t, StatusIdle, s.Status())
}

func TestStreamDisconnectTerminatesOnce(t *testing.T) {
	s, client, n := startedSession(t)
	id := s.AgentSessionID()

	client.CloseStream(id)

	select {
	case <-n.terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminated notification")
	}
	assert.Equal(t, StatusTerminated, s.Status())

	select {
	case <-n.terminated:
		t.Fatal("terminated notification duplicated")
	case <-time.After(100 * time.Millisecond):
	}

	// Caller may start again to resume.
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusIdle, s.Status())
}

func TestSwitchProjectPreservesIdentity(t *testing.T) {
	s, client, _ := startedSession(t)
	created := s.CreatedAt()
	oldAgentID := s.AgentSessionID()

	require.NoError(t, s.SwitchProject(context.Background(), "/other"))

	assert.Equal(t, "42", s.ConversationID())
	assert.Equal(t, created, s.CreatedAt())
	assert.Equal(t, "/other", s.ProjectPath())
	assert.Equal(t, StatusIdle, s.Status())
	assert.NotEmpty(t, s.AgentSessionID())
	assert.NotEqual(t, oldAgentID, s.AgentSessionID())

	// The old stream is defunct; no stray terminated notification follows.
	client.CloseStream(oldAgentID)
}

func TestSwitchProjectWhileBusyInterruptsOldBinding(t *testing.T) {
	s, client, _ := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "long task"))
	oldAgentID := s.AgentSessionID()

	require.NoError(t, s.SwitchProject(context.Background(), "/other"))
	assert.Contains(t, client.Aborted(), oldAgentID)
	assert.Equal(t, StatusIdle, s.Status())
}

func TestSwitchProjectClearsPendingPermission(t *testing.T) {
	s, client, n := startedSession(t)
	require.NoError(t, s.SendMessage(context.Background(), "go"))
	id := s.AgentSessionID()

	client.Emit(id, agent.Event{Type: agent.EventPermissionRequested, Permission: &agent.PermissionRequest{ID: "perm_1", Prompt: "?"}})
	select {
	case <-n.permissions:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission notification")
	}

	require.NoError(t, s.SwitchProject(context.Background(), "/other"))
	assert.Nil(t, s.PendingPermission())
}

func TestEndToEndHelloTurn(t *testing.T) {
	client := agenttest.New()
	m := NewManager(client, newMemStore(), ManagerConfig{})

	s, err := m.GetOrCreate("42", "user-7", "/proj")
	require.NoError(t, err)
	assert.Equal(t, StatusUninitialized, s.Status())

	n := newNotifications()
	s.SetNotifier(n.notifier())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusIdle, s.Status())

	require.NoError(t, s.SendMessage(context.Background(), "hello"))
	assert.Equal(t, StatusBusy, s.Status())

	id := s.AgentSessionID()
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: "Hi"}})
	client.Emit(id, agent.Event{Type: agent.EventPartUpdated, Part: &agent.Part{Kind: agent.PartText, Text: " there"}})
	client.Emit(id, agent.Event{Type: agent.EventStatusChanged, Status: agent.StatusIdle})

	out := waitOutput(t, n)
	assert.Equal(t, "Hi there", out.Text)
	assert.Equal(t, StatusIdle, s.Status())

	select {
	case extra := <-n.outputs:
		t.Fatalf("unexpected extra output: %q", extra.Text)
	case <-time.After(100 * time.Millisecond):
	}
}
