package server

import (
	"sync"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/session"
	ocstrings "github.com/joss/ocbridge/internal/strings"
)

// errorMessageLimit bounds error notifications to a chat-safe size.
const errorMessageLimit = 512

// Notification is the outbound wire form of one session notification.
type Notification struct {
	Kind       string                   `json:"kind"` // output, permission, error, terminated
	Output     *session.Output          `json:"output,omitempty"`
	Permission *agent.PermissionRequest `json:"permission,omitempty"`
	Message    string                   `json:"message,omitempty"`
}

// hub fans one session's Notifier callbacks out to any number of feed
// subscribers, preserving arrival order per conversation.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Notification
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]chan Notification)}
}

// notifier builds the callback set for one conversation. Attach it once,
// right after the session is created or restored.
func (h *hub) notifier(conversationID string) session.Notifier {
	return session.Notifier{
		OnOutput: func(o session.Output) {
			h.publish(conversationID, Notification{Kind: "output", Output: &o})
		},
		OnPermission: func(p agent.PermissionRequest) {
			h.publish(conversationID, Notification{Kind: "permission", Permission: &p})
		},
		OnError: func(msg string) {
			// Agent errors can carry whole tracebacks; chat surfaces get
			// a rune-safe prefix.
			h.publish(conversationID, Notification{Kind: "error", Message: ocstrings.TruncateRunes(msg, errorMessageLimit)})
		},
		OnTerminated: func() {
			h.publish(conversationID, Notification{Kind: "terminated"})
		},
	}
}

func (h *hub) publish(conversationID string, n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[conversationID] {
		// Slow subscribers lose notifications rather than stall the
		// session's event loop.
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *hub) subscribe(conversationID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 64)
	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]chan Notification)
	}
	id := h.next
	h.next++
	h.subs[conversationID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[conversationID], id)
		if len(h.subs[conversationID]) == 0 {
			delete(h.subs, conversationID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
