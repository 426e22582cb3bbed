package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) Event {
	t.Helper()
	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	return e
}

func TestInfoEventShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("session", &buf).WithConversation("42")

	l.Info("turn_started", map[string]interface{}{"chars": 5})

	e := decodeLine(t, &buf)
	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, "session", e.Component)
	assert.Equal(t, "turn_started", e.Event)
	assert.Equal(t, "42", e.Conversation)
	assert.EqualValues(t, 5, e.Extra["chars"])
}

func TestErrorCarriesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("manager", &buf)

	l.Error("persist_failed", nil, errors.New("disk full"))

	e := decodeLine(t, &buf)
	assert.Equal(t, LevelError, e.Level)
	assert.Equal(t, "disk full", e.Error)
}

func TestWithAgentSessionDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("session", &buf)
	child := parent.WithAgentSession("ses_abc")

	parent.Info("parent", nil)
	e := decodeLine(t, &buf)
	assert.Empty(t, e.AgentSession)

	buf.Reset()
	child.Info("child", nil)
	e = decodeLine(t, &buf)
	assert.Equal(t, "ses_abc", e.AgentSession)
}

func TestTimedEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("reaper", &buf)

	l.TimedEvent("sweep", time.Now().Add(-50*time.Millisecond), nil)

	e := decodeLine(t, &buf)
	assert.GreaterOrEqual(t, e.Duration, int64(50))
}
