// Package agenttest provides a scripted in-memory agent client for tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/joss/ocbridge/internal/agent"
)

// Client is a fake agent.Client. Every Start opens a fresh session whose
// event stream is fed by Emit/CloseStream. Calls are recorded for assertions.
type Client struct {
	mu       sync.Mutex
	streams  map[string]chan agent.Event
	sent     []SentMessage
	replies  []PermissionReply
	aborted  []string
	startErr error
	sendErr  error
	abortErr error
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	SessionID string
	Text      string
}

// PermissionReply records one RespondToPermission call.
type PermissionReply struct {
	SessionID    string
	PermissionID string
	Decision     agent.Decision
}

var _ agent.Client = (*Client)(nil)

func New() *Client {
	return &Client{streams: make(map[string]chan agent.Event)}
}

// FailStart makes subsequent Start calls fail with a StartupError.
func (c *Client) FailStart(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// FailSend makes subsequent SendMessage calls fail.
func (c *Client) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailInterrupt makes subsequent Interrupt calls fail.
func (c *Client) FailInterrupt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortErr = err
}

func (c *Client) Start(ctx context.Context, projectPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return "", &agent.StartupError{Cause: c.startErr}
	}
	id := "ses_" + ulid.Make().String()
	c.streams[id] = make(chan agent.Event, 64)
	return id, nil
}

func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{SessionID: sessionID, Text: text})
	return nil
}

func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return c.abortErr
	}
	c.aborted = append(c.aborted, sessionID)
	return nil
}

func (c *Client) RespondToPermission(ctx context.Context, sessionID, permissionID string, decision agent.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, PermissionReply{SessionID: sessionID, PermissionID: permissionID, Decision: decision})
	return nil
}

func (c *Client) SubscribeEvents(ctx context.Context, sessionID string) (<-chan agent.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.streams[sessionID]
	if !ok {
		return nil, agent.ErrNotRunning
	}
	return ch, nil
}

// Emit pushes an event onto a session's stream.
func (c *Client) Emit(sessionID string, ev agent.Event) {
	c.mu.Lock()
	ch, ok := c.streams[sessionID]
	c.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// CloseStream simulates a stream disconnect.
func (c *Client) CloseStream(sessionID string) {
	c.mu.Lock()
	ch, ok := c.streams[sessionID]
	if ok {
		delete(c.streams, sessionID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Sent returns a copy of recorded SendMessage calls.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Replies returns a copy of recorded permission replies.
func (c *Client) Replies() []PermissionReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PermissionReply(nil), c.replies...)
}

// Aborted returns a copy of recorded Interrupt calls.
func (c *Client) Aborted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.aborted...)
}

// Sessions returns the ids of sessions with a live stream.
func (c *Client) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	return ids
}
