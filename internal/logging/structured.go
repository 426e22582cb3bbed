// Package logging provides structured JSON logging for bridge components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a structured log event
type Event struct {
	Timestamp    string                 `json:"ts"`
	Level        Level                  `json:"level"`
	Component    string                 `json:"component"`
	Event        string                 `json:"event"`
	Conversation string                 `json:"conversation,omitempty"`
	AgentSession string                 `json:"agent_session,omitempty"`
	Duration     int64                  `json:"duration_ms,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// Logger provides structured logging
type Logger struct {
	component    string
	conversation string
	agentSession string
	out          io.Writer
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component, out: os.Stderr}
}

// NewWithWriter creates a logger writing to the given sink (used in tests).
func NewWithWriter(component string, out io.Writer) *Logger {
	return &Logger{component: component, out: out}
}

// WithConversation sets the conversation context
func (l *Logger) WithConversation(id string) *Logger {
	cp := *l
	cp.conversation = id
	return &cp
}

// WithAgentSession sets the agent session context
func (l *Logger) WithAgentSession(id string) *Logger {
	cp := *l
	cp.agentSession = id
	return &cp
}

// log emits a structured log event
func (l *Logger) log(level Level, event string, extra map[string]interface{}, err error) {
	e := Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Level:        level,
		Component:    l.component,
		Event:        event,
		Conversation: l.conversation,
		AgentSession: l.agentSession,
		Extra:        extra,
	}

	if err != nil {
		e.Error = err.Error()
	}

	data, _ := json.Marshal(e)
	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	l.log(LevelWarn, event, extra, err)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	l.log(LevelError, event, extra, err)
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}) {
	e := Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Level:        LevelInfo,
		Component:    l.component,
		Event:        event,
		Conversation: l.conversation,
		AgentSession: l.agentSession,
		Duration:     time.Since(start).Milliseconds(),
		Extra:        extra,
	}

	data, _ := json.Marshal(e)
	fmt.Fprintln(l.out, string(data))
}
