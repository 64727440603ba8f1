package app

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// EventKind tags the events the agent server emits on a chat stream.
type EventKind string

const (
	EventSessionInit EventKind = "session_init"
	EventText        EventKind = "text"
	EventTextDelta   EventKind = "text_delta"
	EventToolUse     EventKind = "tool_use"
	EventToolResult  EventKind = "tool_result"
	EventResult      EventKind = "result"
	EventError       EventKind = "error"
)

// Event is one decoded frame from the chat stream. Only the fields relevant
// to the Kind are populated.
type Event struct {
	Kind      EventKind
	SessionID string
	Content   string
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	IsError   bool

	// Terminal result metadata.
	Result     string
	Cost       float64
	DurationMs int64
	NumTurns   int
}

type wireEvent struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	SessionID  string         `json:"session_id"`
	ToolID     string         `json:"tool_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	IsError    bool           `json:"is_error"`
	Result     string         `json:"result"`
	Cost       float64        `json:"cost"`
	DurationMs int64          `json:"duration_ms"`
	NumTurns   int            `json:"num_turns"`
}

// Decoder turns the raw chat response body into a sequence of typed events.
// Frames are newline-delimited "data:<json>" lines; anything else is
// skipped. The underlying bufio.Reader buffers bytes until a full line is
// available, so frames and multi-byte runes split across network chunks are
// reassembled before any parsing happens.
type Decoder struct {
	r      *bufio.Reader
	logger *Logger
}

func NewDecoder(r io.Reader, logger *Logger) *Decoder {
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Next returns the next event, or io.EOF when the stream is exhausted.
// Malformed frames never end the stream: they are logged and skipped.
func (d *Decoder) Next() (Event, error) {
	for {
		payload, err := d.nextPayload()
		if err != nil {
			return Event{}, err
		}
		var wire wireEvent
		if jsonErr := json.Unmarshal(payload, &wire); jsonErr != nil {
			d.logger.Warn("dropping malformed frame", map[string]interface{}{
				"error": jsonErr.Error(),
			})
			continue
		}
		ev, ok := wire.toEvent()
		if !ok {
			d.logger.Info("skipping unknown event type", map[string]interface{}{
				"type": wire.Type,
			})
			continue
		}
		return ev, nil
	}
}

// nextPayload returns the JSON body of the next data frame.
func (d *Decoder) nextPayload() ([]byte, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		if body, ok := strings.CutPrefix(line, "data:"); ok {
			body = strings.TrimPrefix(body, " ")
			if body != "" {
				return []byte(body), nil
			}
		}
		if atEOF {
			return nil, io.EOF
		}
	}
}

func (w wireEvent) toEvent() (Event, bool) {
	kind := EventKind(w.Type)
	switch kind {
	case EventSessionInit, EventText, EventTextDelta, EventToolUse,
		EventToolResult, EventResult, EventError:
	default:
		return Event{}, false
	}
	return Event{
		Kind:       kind,
		SessionID:  w.SessionID,
		Content:    w.Content,
		ToolID:     w.ToolID,
		ToolName:   w.ToolName,
		ToolInput:  w.ToolInput,
		IsError:    w.IsError,
		Result:     w.Result,
		Cost:       w.Cost,
		DurationMs: w.DurationMs,
		NumTurns:   w.NumTurns,
	}, true
}
