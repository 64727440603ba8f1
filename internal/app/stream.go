package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateChange is what the manager publishes to the UI whenever the visible
// session's transcript or status moves.
type StateChange struct {
	SessionID string
	Messages  []Message
	Status    SessionStatus
	// Live reports whether a stream is still bound to this session, which
	// is what the loading indicator reflects after a session switch.
	Live bool
}

// TurnResult carries the metadata of a completed exchange.
type TurnResult struct {
	Result     string
	Cost       float64
	DurationMs int64
	NumTurns   int
}

type streamHandle struct {
	cancel context.CancelFunc

	mu         sync.Mutex
	userCancel bool
}

func (h *streamHandle) cancelFor(user bool) {
	h.mu.Lock()
	if user {
		h.userCancel = true
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *streamHandle) cancelledByUser() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userCancel
}

// StreamManager owns one cancellable chat stream per session identifier.
// Sending on a session supersedes that session's previous stream; switching
// the visible session never touches streams for other sessions, whose
// output keeps accumulating in the cache until the user switches back.
//
// Every public operation settles instead of returning stream errors: all
// failures land in the affected session's state as synthetic messages and a
// status, so callers never wrap these in error handling.
type StreamManager struct {
	baseURL string
	http    *http.Client
	logger  *Logger
	cache   *MessageCache

	mu      sync.Mutex
	streams map[string]*streamHandle
	status  map[string]SessionStatus
	results map[string]TurnResult

	changes chan StateChange
}

func NewStreamManager(cfg Config, logger *Logger, cache *MessageCache) *StreamManager {
	m := &StreamManager{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		// No client timeout: the server streams for as long as the turn
		// takes and the client waits indefinitely per chunk.
		http:    &http.Client{},
		logger:  logger,
		cache:   cache,
		streams: make(map[string]*streamHandle),
		status:  make(map[string]SessionStatus),
		results: make(map[string]TurnResult),
		changes: make(chan StateChange, 256),
	}
	cache.SetOnChange(func(sessionID string, msgs []Message) {
		m.push(StateChange{
			SessionID: sessionID,
			Messages:  msgs,
			Status:    m.Status(sessionID),
			Live:      m.Streaming(sessionID),
		})
	})
	return m
}

// Changes delivers visible-state updates to the UI. Delivery is
// best-effort: if the UI falls behind, intermediate states are dropped and
// a later update carries the full transcript anyway.
func (m *StreamManager) Changes() <-chan StateChange {
	return m.changes
}

func (m *StreamManager) push(change StateChange) {
	select {
	case m.changes <- change:
	default:
	}
}

// Status returns the last known status for a session, idle if unknown.
func (m *StreamManager) Status(id string) SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[id]; ok {
		return st
	}
	return StatusIdle
}

// Streaming reports whether a live stream is bound to the session.
func (m *StreamManager) Streaming(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

// LastResult returns the metadata of the session's most recent completed
// turn.
func (m *StreamManager) LastResult(id string) (TurnResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[id]
	return res, ok
}

// SendMessage records the user message and opens a chat stream for the
// active session. A brand-new conversation streams under the provisional
// marker until the server assigns a real identifier. A prior live stream
// for the same session is cancelled first: at most one outbound stream per
// session.
func (m *StreamManager) SendMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	// Capture the target by value now; event handling must never re-read
	// the active session, which the user may switch mid-stream.
	target := m.cache.Active()
	if target == "" {
		target = ProvisionalSession
		m.cache.SetActive(target)
	}
	m.cancelStream(target, false)

	userMsg := NewUserMessage(text)
	m.cache.Set(target, func(prev []Message) []Message {
		return append(prev, userMsg)
	})
	m.setStatus(target, StatusRunning)

	ctx, cancel := context.WithCancel(context.Background())
	handle := &streamHandle{cancel: cancel}
	m.mu.Lock()
	m.streams[target] = handle
	m.mu.Unlock()

	go m.run(ctx, handle, target, userMsg, text)
}

// LoadSession makes a session visible. A cached session restores
// synchronously with no network round-trip; otherwise the full transcript
// is fetched and seeded into the cache. Fetch failures surface as an
// in-conversation message, never as a returned error.
func (m *StreamManager) LoadSession(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if m.cache.Has(id) {
		m.cache.SetActive(id)
		return
	}

	msgs, err := m.fetchTranscript(ctx, id)
	if err != nil {
		m.logger.Error("transcript fetch failed", map[string]interface{}{
			"session_id": id, "error": err.Error(),
		})
		m.cache.Set(id, func(prev []Message) []Message {
			return append(prev, Message{
				ID:        "error-" + uuid.NewString(),
				Role:      RoleAssistant,
				Content:   "[error] could not load session: " + err.Error(),
				CreatedAt: time.Now(),
			})
		})
		m.setStatus(id, StatusError)
		m.cache.SetActive(id)
		return
	}
	m.cache.Set(id, func(prev []Message) []Message { return msgs })
	m.cache.SetActive(id)
}

// NewSession switches to an empty, not-yet-created conversation.
func (m *StreamManager) NewSession() {
	m.cache.SetActive(ProvisionalSession)
}

// ResetSession cancels the active session's stream and any stream still
// keyed under the provisional marker. Partial output stays in the
// transcript, annotated as interrupted by the stream goroutine.
func (m *StreamManager) ResetSession() {
	active := m.cache.Active()
	if active != "" {
		m.cancelStream(active, true)
	}
	if active != ProvisionalSession {
		m.cancelStream(ProvisionalSession, true)
	}
}

func (m *StreamManager) cancelStream(id string, user bool) {
	m.mu.Lock()
	handle := m.streams[id]
	m.mu.Unlock()
	if handle != nil {
		handle.cancelFor(user)
	}
}

func (m *StreamManager) setStatus(id string, st SessionStatus) {
	m.mu.Lock()
	m.status[id] = st
	m.mu.Unlock()
	if m.cache.Active() == id {
		m.push(StateChange{
			SessionID: id,
			Messages:  m.cache.Get(id),
			Status:    st,
			Live:      m.Streaming(id),
		})
	}
}

// run consumes one chat stream. target is fixed at stream start and only
// moves via session_init re-keying; it is never re-read from ambient state.
func (m *StreamManager) run(ctx context.Context, handle *streamHandle, target string, userMsg Message, text string) {
	defer func() { m.finishStream(target, handle) }()

	reqSession := target
	if reqSession == ProvisionalSession {
		reqSession = ""
	}
	body, err := m.openChat(ctx, text, reqSession)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failSession(target, err)
		return
	}
	defer body.Close()

	turn := NewTurn()
	asstID := "assistant-" + uuid.NewString()
	created := time.Now()
	dec := NewDecoder(body, m.logger)

	var streamErr error
	sawResult := false

	for {
		ev, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				streamErr = err
			}
			break
		}
		if ctx.Err() != nil {
			break
		}

		switch ev.Kind {
		case EventSessionInit:
			if target == ProvisionalSession && ev.SessionID != "" {
				m.rekey(handle, target, ev.SessionID)
				m.cache.Rekey(target, ev.SessionID, userMsg)
				target = ev.SessionID
			}
		case EventResult:
			sawResult = true
			m.mu.Lock()
			m.results[target] = TurnResult{
				Result:     ev.Result,
				Cost:       ev.Cost,
				DurationMs: ev.DurationMs,
				NumTurns:   ev.NumTurns,
			}
			m.mu.Unlock()
		case EventError:
			// The server reported a failure mid-stream. It is visible in
			// the transcript and flips the status, but the stream itself
			// keeps going: a terminal result may still follow.
			turn.Apply(ev)
			m.writeTurn(ctx, target, asstID, created, turn)
			m.setStatus(target, StatusError)
		case EventText, EventTextDelta, EventToolUse, EventToolResult:
			turn.Apply(ev)
			m.writeTurn(ctx, target, asstID, created, turn)
		}
	}

	switch {
	case ctx.Err() != nil && handle.cancelledByUser():
		// Explicit cancellation: keep the partial output, annotate it, and
		// leave the status alone.
		if !turn.Empty() {
			msg := turn.Snapshot(Message{ID: asstID, CreatedAt: created})
			msg.Content += "\n[interrupted]"
			m.storeAssistant(target, msg)
		}
		m.logger.Info("stream cancelled", map[string]interface{}{"session_id": target})
	case ctx.Err() != nil:
		// Superseded by a newer stream for the same session; its successor
		// owns the transcript now.
	case streamErr != nil:
		m.failSession(target, streamErr)
	default:
		if m.Status(target) == StatusRunning {
			m.setStatus(target, StatusCompleted)
		}
		if !sawResult {
			m.logger.Info("stream ended without result event", map[string]interface{}{
				"session_id": target,
			})
		}
	}
}

// writeTurn stores the turn's current snapshot, replacing the in-progress
// assistant message. The cancellation check runs inside the cache's
// critical section so a superseded stream cannot clobber its successor.
func (m *StreamManager) writeTurn(ctx context.Context, target, asstID string, created time.Time, turn *Turn) {
	m.cache.Set(target, func(prev []Message) []Message {
		if ctx.Err() != nil {
			return prev
		}
		msg := turn.Snapshot(Message{ID: asstID, CreatedAt: created})
		if n := len(prev); n > 0 && prev[n-1].ID == asstID {
			prev[n-1] = msg
			return prev
		}
		return append(prev, msg)
	})
}

func (m *StreamManager) storeAssistant(target string, msg Message) {
	m.cache.Set(target, func(prev []Message) []Message {
		if n := len(prev); n > 0 && prev[n-1].ID == msg.ID {
			prev[n-1] = msg
			return prev
		}
		return append(prev, msg)
	})
}

func (m *StreamManager) failSession(target string, cause error) {
	m.logger.Error("stream failed", map[string]interface{}{
		"session_id": target, "error": cause.Error(),
	})
	m.cache.Set(target, func(prev []Message) []Message {
		return append(prev, Message{
			ID:        "error-" + uuid.NewString(),
			Role:      RoleAssistant,
			Content:   "[error] " + cause.Error(),
			CreatedAt: time.Now(),
		})
	})
	m.setStatus(target, StatusError)
}

func (m *StreamManager) rekey(handle *streamHandle, provisional, resolved string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[provisional] == handle {
		delete(m.streams, provisional)
		m.streams[resolved] = handle
	}
	if st, ok := m.status[provisional]; ok {
		delete(m.status, provisional)
		m.status[resolved] = st
	}
}

func (m *StreamManager) finishStream(target string, handle *streamHandle) {
	m.mu.Lock()
	if m.streams[target] == handle {
		delete(m.streams, target)
	}
	m.mu.Unlock()
	if m.cache.Active() == target {
		m.push(StateChange{
			SessionID: target,
			Messages:  m.cache.Get(target),
			Status:    m.Status(target),
			Live:      false,
		})
	}
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (m *StreamManager) openChat(ctx context.Context, message, sessionID string) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("chat request failed: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

type transcriptResponse struct {
	Messages []transcriptMessage `json:"messages"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type transcriptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// fetchTranscript replays a stored session. Only user and assistant turns
// are kept; array-shaped content is flattened by concatenating its
// text-typed parts.
func (m *StreamManager) fetchTranscript(ctx context.Context, id string) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("session fetch failed: status %d", resp.StatusCode)
	}

	var parsed transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	var msgs []Message
	for i, tm := range parsed.Messages {
		role := Role(tm.Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		msgs = append(msgs, Message{
			ID:        fmt.Sprintf("hist-%s-%d", id, i),
			Role:      role,
			Content:   flattenContent(tm.Content),
			CreatedAt: time.Now(),
		})
	}
	return msgs, nil
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []transcriptPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}
