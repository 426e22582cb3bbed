package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joss/ocbridge/internal/logging"
)

// HTTPClient talks to an agent server over its HTTP API, with events
// delivered on a server-sent event feed.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

// Verify HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the agent server at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the event feed is long-lived. Dial and
		// header timeouts still bound connection establishment.
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: logging.New("agent-client"),
	}
}

func (c *HTTPClient) Start(ctx context.Context, projectPath string) (string, error) {
	body, _ := json.Marshal(map[string]string{"directory": projectPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", &StartupError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &StartupError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StartupError{Cause: fmt.Errorf("create session: %s", readError(resp))}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &StartupError{Cause: fmt.Errorf("decode session: %w", err)}
	}
	if out.ID == "" {
		return "", &StartupError{Cause: fmt.Errorf("server returned empty session id")}
	}
	return out.ID, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, sessionID, text string) error {
	payload := map[string]any{
		"messageID": uuid.NewString(),
		"parts": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := c.post(ctx, fmt.Sprintf("/session/%s/message", sessionID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send message: %s", readError(resp))
	}
	return nil
}

func (c *HTTPClient) Interrupt(ctx context.Context, sessionID string) error {
	resp, err := c.post(ctx, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound:
		return ErrNotRunning
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("interrupt: %s", readError(resp))
	}
	return nil
}

func (c *HTTPClient) RespondToPermission(ctx context.Context, sessionID, permissionID string, decision Decision) error {
	body, _ := json.Marshal(map[string]string{"response": string(decision)})

	resp, err := c.post(ctx, fmt.Sprintf("/session/%s/permissions/%s", sessionID, permissionID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("respond to permission: %s", readError(resp))
	}
	return nil
}

// SubscribeEvents opens the server's SSE feed and demultiplexes the
// envelopes for sessionID onto the returned channel. The channel closes
// when the feed disconnects or ctx is cancelled.
func (c *HTTPClient) SubscribeEvents(ctx context.Context, sessionID string) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event?sessionID="+sessionID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("subscribe events: %s", readError(resp))
		resp.Body.Close()
		return nil, err
	}

	events := make(chan Event, 64)
	go c.readFeed(ctx, resp.Body, sessionID, events)
	return events, nil
}

// readFeed scans the SSE body line by line. Only "data:" lines are
// meaningful; the rest (comments, event names, blank separators) are skipped.
func (c *HTTPClient) readFeed(ctx context.Context, body io.ReadCloser, sessionID string, events chan<- Event) {
	defer close(events)
	defer body.Close()

	log := c.logger.WithAgentSession(sessionID)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			log.Warn("bad_event_payload", map[string]interface{}{"data": data}, err)
			continue
		}
		if env.SessionID != "" && env.SessionID != sessionID {
			continue
		}

		ev, ok := env.toEvent()
		if !ok {
			log.Debug("unknown_event_type", map[string]interface{}{"type": env.Type})
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn("event_feed_closed", nil, err)
	}
}

// envelope is the wire form of one pushed event.
type envelope struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"sessionID,omitempty"`
	Part       *Part              `json:"part,omitempty"`
	Status     Status             `json:"status,omitempty"`
	Message    string             `json:"message,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
}

func (e envelope) toEvent() (Event, bool) {
	switch e.Type {
	case "part.updated":
		if e.Part == nil {
			return Event{}, false
		}
		return Event{Type: EventPartUpdated, Part: e.Part}, true
	case "status.changed":
		return Event{Type: EventStatusChanged, Status: e.Status, Message: e.Message}, true
	case "permission.requested":
		if e.Permission == nil {
			return Event{}, false
		}
		return Event{Type: EventPermissionRequested, Permission: e.Permission}, true
	case "session.error":
		return Event{Type: EventSessionError, Message: e.Message}, true
	default:
		return Event{}, false
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
