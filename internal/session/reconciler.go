package session

import (
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/logging"
)

// Output is one flushed turn: the accumulated text of the in-flight
// assistant message plus the structured sub-events observed alongside it.
type Output struct {
	TurnID string `json:"turnID"`
	Text   string `json:"text"`
	Items  []Item `json:"items,omitempty"`
}

// Item is a non-text sub-event recorded during a turn.
type Item struct {
	Kind       agent.PartKind `json:"kind"`
	Tool       string         `json:"tool,omitempty"`
	ToolStatus string         `json:"toolStatus,omitempty"`
	Path       string         `json:"path,omitempty"`
	Text       string         `json:"text,omitempty"`
}

// turnBuffer folds the raw part stream of one turn into a coherent Output.
// Text fragments concatenate in arrival order; tool, file and reasoning
// parts are recorded as items. A step_finish part or a busy-to-idle status
// transition flushes the buffer as exactly one Output.
type turnBuffer struct {
	text  strings.Builder
	items []Item
}

// apply folds one part into the buffer and reports whether the part closes
// a step and the buffer should be flushed now.
func (b *turnBuffer) apply(p agent.Part, log *logging.Logger) bool {
	switch p.Kind {
	case agent.PartText:
		b.text.WriteString(p.Text)
	case agent.PartReasoning:
		b.items = append(b.items, Item{Kind: agent.PartReasoning, Text: p.Text})
	case agent.PartTool:
		b.items = append(b.items, Item{Kind: agent.PartTool, Tool: p.Tool, ToolStatus: p.ToolStatus})
	case agent.PartFile:
		b.items = append(b.items, Item{Kind: agent.PartFile, Path: p.Path})
	case agent.PartStepStart:
		// boundary marker, nothing accumulates
	case agent.PartStepFinish:
		return true
	default:
		log.Warn("unknown_part_kind", map[string]interface{}{"kind": string(p.Kind)}, nil)
	}
	return false
}

func (b *turnBuffer) empty() bool {
	return b.text.Len() == 0 && len(b.items) == 0
}

// flush returns the accumulated Output and resets the buffer.
func (b *turnBuffer) flush() Output {
	out := Output{
		TurnID: ulid.Make().String(),
		Text:   b.text.String(),
		Items:  b.items,
	}
	b.reset()
	return out
}

func (b *turnBuffer) reset() {
	b.text.Reset()
	b.items = nil
}
