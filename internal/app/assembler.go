package app

// Turn accumulates the in-flight assistant response for a single exchange.
// It is a pure reducer over the event stream: no sessions, no I/O. The
// denormalized plain text and the text spans of the block list are kept in
// step on every event, so any intermediate Snapshot is consistent.
type Turn struct {
	text      string
	blocks    []turnBlock
	toolCalls []*ToolCall

	// Index into blocks of the currently open text block, -1 when a tool
	// invocation (or nothing yet) ended the last text run.
	openText int
}

type turnBlockKind int

const (
	turnBlockText turnBlockKind = iota
	turnBlockToolUse
)

type turnBlock struct {
	kind turnBlockKind
	text string
	call *ToolCall
}

func NewTurn() *Turn {
	return &Turn{openText: -1}
}

// Apply reduces one event into the turn state. Events that do not concern
// an assistant turn (session_init, result) are ignored here; the stream
// manager handles them.
func (t *Turn) Apply(ev Event) {
	switch ev.Kind {
	case EventText, EventTextDelta:
		// Full-replace semantics were never observed from the server, so
		// both kinds append.
		t.appendText(ev.Content)
	case EventToolUse:
		call := &ToolCall{
			ID:    ev.ToolID,
			Name:  ev.ToolName,
			Input: ev.ToolInput,
		}
		t.toolCalls = append(t.toolCalls, call)
		t.blocks = append(t.blocks, turnBlock{kind: turnBlockToolUse, call: call})
		// A tool invocation interrupts the text run; the next fragment
		// starts a fresh block instead of resuming the old one.
		t.openText = -1
	case EventToolResult:
		for _, call := range t.toolCalls {
			if call.ID == ev.ToolID {
				call.Result = ev.Content
				call.IsError = ev.IsError
				call.Done = true
				return
			}
		}
		// Unknown tool id: stale or duplicated result, ignore.
	case EventError:
		if ev.Content != "" {
			if t.text != "" {
				t.text += "\n"
			}
			t.text += "[error] " + ev.Content
		}
	case EventSessionInit, EventResult:
	}
}

func (t *Turn) appendText(fragment string) {
	if fragment == "" {
		return
	}
	t.text += fragment
	if t.openText >= 0 {
		t.blocks[t.openText].text += fragment
		return
	}
	t.blocks = append(t.blocks, turnBlock{kind: turnBlockText, text: fragment})
	t.openText = len(t.blocks) - 1
}

// Text returns the accumulated plain text.
func (t *Turn) Text() string {
	return t.text
}

// Empty reports whether the turn has produced any visible output yet.
func (t *Turn) Empty() bool {
	return t.text == "" && len(t.blocks) == 0
}

// Snapshot materializes the current state as an immutable assistant
// message. Blocks and tool calls are deep-copied so a stored snapshot never
// changes when later events arrive. The tool-use blocks and the
// denormalized tool-call list are copies of the same underlying calls, so
// the two views always agree.
func (t *Turn) Snapshot(msg Message) Message {
	msg.Role = RoleAssistant
	msg.Content = t.text
	msg.Blocks = nil
	msg.ToolCalls = nil
	for _, b := range t.blocks {
		switch b.kind {
		case turnBlockText:
			msg.Blocks = append(msg.Blocks, TextBlock{Text: b.text})
		case turnBlockToolUse:
			msg.Blocks = append(msg.Blocks, ToolUseBlock{Call: *b.call})
		}
	}
	for _, call := range t.toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, *call)
	}
	return msg
}
