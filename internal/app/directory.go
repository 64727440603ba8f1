package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Notification push channel reconnect policy: capped exponential backoff,
// reset after a healthy connection. The cap keeps a dead server from being
// hammered forever at a fixed cadence.
const (
	watchBaseDelay = 5 * time.Second
	watchMaxDelay  = 60 * time.Second
)

func nextWatchDelay(cur time.Duration) time.Duration {
	if cur <= 0 {
		return watchBaseDelay
	}
	cur *= 2
	if cur > watchMaxDelay {
		return watchMaxDelay
	}
	return cur
}

// UpdateKind tags out-of-band session updates from the push channel.
type UpdateKind string

const (
	UpdateNeedsAttention UpdateKind = "needs_attention"
	UpdateStatus         UpdateKind = "status_update"
	UpdateProgress       UpdateKind = "progress"
)

// DirectoryUpdate is one push-channel event applied to a session's
// out-of-band state. State is the post-update view.
type DirectoryUpdate struct {
	Kind  UpdateKind
	State SessionState
}

// Directory lists known sessions and tracks which need human attention,
// independently of the chat stream. Status and pending-action updates are
// last-write-wins per session, with at most one pending action at a time.
type Directory struct {
	baseURL string
	http    *http.Client
	logger  *Logger

	mu    sync.Mutex
	state map[string]SessionState
}

func NewDirectory(cfg Config, logger *Logger) *Directory {
	return &Directory{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:    &http.Client{},
		logger:  logger,
		state:   make(map[string]SessionState),
	}
}

type wireSessionInfo struct {
	SessionID  string  `json:"session_id"`
	Title      *string `json:"title"`
	CreatedAt  string  `json:"created_at"`
	ModifiedAt string  `json:"modified_at"`
}

// List fetches the known sessions, preserving the server's ordering.
func (d *Directory) List(ctx context.Context) ([]SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("session list failed: status %d", resp.StatusCode)
	}

	var wire []wireSessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}

	now := time.Now()
	infos := make([]SessionInfo, 0, len(wire))
	for _, w := range wire {
		info := SessionInfo{
			ID:         w.SessionID,
			CreatedAt:  parseTimestamp(w.CreatedAt, now),
			ModifiedAt: parseTimestamp(w.ModifiedAt, now),
		}
		if w.Title != nil {
			info.Title = *w.Title
		}
		infos = append(infos, info)
	}
	return infos, nil
}

type wireAction struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

type wireNotification struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Progress  string      `json:"progress"`
	Action    *wireAction `json:"action"`
}

// Watch subscribes to the notification push channel for the given session
// ids and applies updates until ctx is cancelled. On any channel error the
// connection is closed and retried with capped exponential backoff.
func (d *Directory) Watch(ctx context.Context, ids []string, updates chan<- DirectoryUpdate) {
	delay := time.Duration(0)
	for ctx.Err() == nil {
		err := d.watchOnce(ctx, ids, updates, func() { delay = 0 })
		if ctx.Err() != nil {
			return
		}
		delay = nextWatchDelay(delay)
		d.logger.Warn("notification channel lost, reconnecting", map[string]interface{}{
			"error": errString(err), "retry_in": delay.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Directory) watchOnce(ctx context.Context, ids []string, updates chan<- DirectoryUpdate, onHealthy func()) error {
	u := d.baseURL + "/api/notifications?session_ids=" + url.QueryEscape(strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification channel: status %d", resp.StatusCode)
	}
	onHealthy()

	dec := NewDecoder(resp.Body, d.logger)
	for {
		payload, err := dec.nextPayload()
		if err != nil {
			return err
		}
		var wire wireNotification
		if jsonErr := json.Unmarshal(payload, &wire); jsonErr != nil {
			d.logger.Warn("dropping malformed notification", map[string]interface{}{
				"error": jsonErr.Error(),
			})
			continue
		}
		update, ok := d.applyNotification(wire)
		if !ok {
			continue
		}
		select {
		case updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Directory) applyNotification(wire wireNotification) (DirectoryUpdate, bool) {
	if wire.SessionID == "" {
		return DirectoryUpdate{}, false
	}
	kind := UpdateKind(wire.Type)

	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.state[wire.SessionID]
	state.SessionID = wire.SessionID
	state.UpdatedAt = time.Now()

	switch kind {
	case UpdateNeedsAttention:
		state.Status = StatusWaitingUser
		state.Pending = actionFromWire(wire.Action)
	case UpdateStatus:
		if wire.Status != "" {
			state.Status = SessionStatus(wire.Status)
		}
		state.Pending = actionFromWire(wire.Action)
	case UpdateProgress:
		state.Progress = wire.Progress
	default:
		return DirectoryUpdate{}, false
	}

	d.state[wire.SessionID] = state
	return DirectoryUpdate{Kind: kind, State: state}, true
}

func actionFromWire(w *wireAction) *PendingAction {
	if w == nil {
		return nil
	}
	action := &PendingAction{
		ID:          w.ID,
		Kind:        ActionKind(w.Type),
		Title:       w.Title,
		Description: w.Description,
	}
	if action.Kind == ActionApproval {
		action.Options = w.Options
	}
	return action
}

// State returns the out-of-band view for one session.
func (d *Directory) State(id string) (SessionState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.state[id]
	return state, ok
}

// Dismiss clears a session's pending action locally without answering it.
func (d *Directory) Dismiss(id string) {
	d.mu.Lock()
	if state, ok := d.state[id]; ok {
		state.Pending = nil
		d.state[id] = state
	}
	d.mu.Unlock()
}

type wireSnapshot struct {
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Progress  string      `json:"progress"`
	Action    *wireAction `json:"action"`
}

// PollStatus is the fallback for environments where the push channel is
// unavailable: one full snapshot per listed session.
func (d *Directory) PollStatus(ctx context.Context, ids []string) ([]SessionState, error) {
	u := d.baseURL + "/api/sessions/status?session_ids=" + url.QueryEscape(strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status poll failed: status %d", resp.StatusCode)
	}

	var wire []wireSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}

	now := time.Now()
	states := make([]SessionState, 0, len(wire))
	d.mu.Lock()
	for _, w := range wire {
		if w.SessionID == "" {
			continue
		}
		state := SessionState{
			SessionID: w.SessionID,
			Status:    SessionStatus(w.Status),
			Progress:  w.Progress,
			Pending:   actionFromWire(w.Action),
			UpdatedAt: now,
		}
		d.state[w.SessionID] = state
		states = append(states, state)
	}
	d.mu.Unlock()
	return states, nil
}

// Respond answers a session's pending action, which unblocks the server
// side and clears the action locally.
func (d *Directory) Respond(ctx context.Context, sessionID, actionID, response string) error {
	payload, err := json.Marshal(map[string]string{
		"action_id": actionID,
		"response":  response,
	})
	if err != nil {
		return err
	}
	u := d.baseURL + "/api/sessions/" + sessionID + "/respond"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("respond failed: status %d", resp.StatusCode)
	}

	d.mu.Lock()
	if state, ok := d.state[sessionID]; ok {
		state.Pending = nil
		state.Status = StatusRunning
		d.state[sessionID] = state
	}
	d.mu.Unlock()
	return nil
}

// Cancel asks the server to stop a running agent turn.
func (d *Directory) Cancel(ctx context.Context, sessionID string) error {
	u := d.baseURL + "/api/sessions/" + sessionID + "/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel failed: status %d", resp.StatusCode)
	}
	return nil
}

// HealthInfo reports the server's self-description.
type HealthInfo struct {
	Status   string `json:"status"`
	Tracing  string `json:"tracing"`
	Provider any    `json:"llm_provider"`
}

// Health pings the server's health endpoint.
func (d *Directory) Health(ctx context.Context) (HealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return HealthInfo{}, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return HealthInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthInfo{}, fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return HealthInfo{}, err
	}
	return info, nil
}

func errString(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}
