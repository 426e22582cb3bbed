// Package agent defines the contract the bridge uses to talk to a locally
// running coding-agent server: start a working session, push user turns,
// interrupt, answer permission requests, and consume the pushed event stream.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Decision is a user's answer to a permission request.
type Decision string

const (
	DecisionOnce   Decision = "once"
	DecisionAlways Decision = "always"
	DecisionReject Decision = "reject"
)

// Client is the asynchronous interface to the agent server.
// SendMessage returning does not mean a response is ready; replies arrive
// on the event stream returned by SubscribeEvents.
type Client interface {
	// Start establishes a new agent session rooted at projectPath and
	// returns its server-assigned session id.
	Start(ctx context.Context, projectPath string) (string, error)

	// SendMessage enqueues a user turn on an established session.
	SendMessage(ctx context.Context, sessionID, text string) error

	// Interrupt requests cancellation of the in-flight turn.
	// Returns ErrNotRunning if no turn is in flight.
	Interrupt(ctx context.Context, sessionID string) error

	// RespondToPermission answers a pending permission request.
	RespondToPermission(ctx context.Context, sessionID, permissionID string, decision Decision) error

	// SubscribeEvents returns a long-lived, ordered event stream for one
	// session. The channel is closed on disconnect; no replay is offered,
	// so a consumer must treat a reconnect as a fresh start.
	SubscribeEvents(ctx context.Context, sessionID string) (<-chan Event, error)
}

// ErrNotRunning indicates an interrupt or message with no live turn.
var ErrNotRunning = errors.New("agent: no turn in flight")

// StartupError indicates the agent server is unreachable or misconfigured.
type StartupError struct {
	Cause error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent startup failed: %v", e.Cause)
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}

// IsStartup reports whether err is a startup failure.
func IsStartup(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}
