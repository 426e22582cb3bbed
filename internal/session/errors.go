package session

import "errors"

// Operation-level errors surfaced synchronously to callers. Stream-level
// failures never appear here; they arrive through the Notifier.
var (
	// ErrBusy rejects a message while a turn is already in flight.
	ErrBusy = errors.New("session: turn already in flight")

	// ErrAlreadyRunning rejects a start on a session with a live binding.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrNoPendingPermission rejects a permission reply when nothing is pending.
	ErrNoPendingPermission = errors.New("session: no pending permission request")

	// ErrSnapshotNotFound indicates no persisted record exists for a conversation.
	ErrSnapshotNotFound = errors.New("session: snapshot not found")

	// ErrProjectNotAllowed rejects a project path outside the configured
	// projects root or not matching any allowed pattern.
	ErrProjectNotAllowed = errors.New("session: project path not allowed")
)
