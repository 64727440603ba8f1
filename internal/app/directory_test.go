package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, serverURL string) *Directory {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	return NewDirectory(cfg, NewLogger(io.Discard))
}

func TestListPreservesServerOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions", r.URL.Path)
		fmt.Fprint(w, `[
			{"session_id":"zz","title":"newest","created_at":"1700000000","modified_at":"1700000100"},
			{"session_id":"aa","title":null,"created_at":"2023-11-14T22:13:20Z","modified_at":"junk"}
		]`)
	}))
	defer srv.Close()

	d := newTestDirectory(t, srv.URL)
	infos, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Server order, not re-sorted client-side.
	require.Equal(t, "zz", infos[0].ID)
	require.Equal(t, "aa", infos[1].ID)

	require.Equal(t, 2023, infos[0].CreatedAt.Year())
	require.Equal(t, infos[0].CreatedAt, infos[1].CreatedAt)

	// Null title falls back to a truncated id.
	require.Equal(t, "newest", infos[0].DisplayTitle())
	require.Equal(t, "session aa", infos[1].DisplayTitle())

	// Unparseable timestamp fell back to roughly now.
	require.WithinDuration(t, time.Now(), infos[1].ModifiedAt, time.Minute)
}

func TestWatchDelayBackoffCaps(t *testing.T) {
	d := time.Duration(0)
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		d = nextWatchDelay(d)
		seen = append(seen, d)
	}
	require.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second,
	}, seen)
}

func TestWatchAppliesNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/notifications", r.URL.Path)
		require.Equal(t, "s1,s2", r.URL.Query().Get("session_ids"))
		writeFrame(w, `{"type":"needs_attention","session_id":"s1","action":{"id":"act-1","type":"approval_required","title":"Allow?","description":"wants to run rm","options":["allow","deny"]}}`)
		writeFrame(w, `{"type":"progress","session_id":"s2","progress":"3/5 files"}`)
		writeFrame(w, `{"type":"status_update","session_id":"s1","status":"running"}`)
		writeFrame(w, `{"type":"bogus","session_id":"s1"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := newTestDirectory(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan DirectoryUpdate, 16)
	go d.Watch(ctx, []string{"s1", "s2"}, updates)

	collect := func() DirectoryUpdate {
		select {
		case u := <-updates:
			return u
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for update")
			return DirectoryUpdate{}
		}
	}

	first := collect()
	require.Equal(t, UpdateNeedsAttention, first.Kind)
	require.Equal(t, StatusWaitingUser, first.State.Status)
	require.NotNil(t, first.State.Pending)
	require.Equal(t, ActionApproval, first.State.Pending.Kind)
	require.Equal(t, []string{"allow", "deny"}, first.State.Pending.Options)

	second := collect()
	require.Equal(t, UpdateProgress, second.Kind)
	require.Equal(t, "3/5 files", second.State.Progress)

	third := collect()
	require.Equal(t, UpdateStatus, third.Kind)
	require.Equal(t, StatusRunning, third.State.Status)
	// A status_update overwrites the pending action too.
	require.Nil(t, third.State.Pending)

	state, ok := d.State("s1")
	require.True(t, ok)
	require.Equal(t, StatusRunning, state.Status)
}

func TestWatchQuestionActionCarriesNoOptions(t *testing.T) {
	d := newTestDirectory(t, "http://unused")
	update, ok := d.applyNotification(wireNotification{
		Type:      "needs_attention",
		SessionID: "s1",
		Action: &wireAction{
			ID: "act-2", Type: "question", Title: "Which db?",
			Options: []string{"should", "be", "dropped"},
		},
	})
	require.True(t, ok)
	require.Equal(t, ActionQuestion, update.State.Pending.Kind)
	require.Nil(t, update.State.Pending.Options)
}

func TestNewPendingActionReplacesOld(t *testing.T) {
	d := newTestDirectory(t, "http://unused")
	notify := func(actionID string) {
		_, ok := d.applyNotification(wireNotification{
			Type:      "needs_attention",
			SessionID: "s1",
			Action:    &wireAction{ID: actionID, Type: "question"},
		})
		require.True(t, ok)
	}
	notify("act-1")
	notify("act-2")

	state, _ := d.State("s1")
	require.Equal(t, "act-2", state.Pending.ID)
}

func TestPollStatusFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/status", r.URL.Path)
		fmt.Fprint(w, `[
			{"session_id":"s1","status":"waiting_user","action":{"id":"a1","type":"error","title":"failed"}},
			{"session_id":"s2","status":"completed","progress":"done"}
		]`)
	}))
	defer srv.Close()

	d := newTestDirectory(t, srv.URL)
	states, err := d.PollStatus(context.Background(), []string{"s1", "s2"})
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, StatusWaitingUser, states[0].Status)
	require.Equal(t, ActionError, states[0].Pending.Kind)
	require.Equal(t, "done", states[1].Progress)

	cached, ok := d.State("s2")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, cached.Status)
}

func TestRespondClearsPendingAndResumes(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/s1/respond", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDirectory(t, srv.URL)
	d.applyNotification(wireNotification{
		Type: "needs_attention", SessionID: "s1",
		Action: &wireAction{ID: "act-1", Type: "approval_required"},
	})

	err := d.Respond(context.Background(), "s1", "act-1", "allow")
	require.NoError(t, err)
	gotBody := <-bodies
	require.Contains(t, gotBody, `"action_id":"act-1"`)
	require.Contains(t, gotBody, `"response":"allow"`)

	state, _ := d.State("s1")
	require.Nil(t, state.Pending)
	require.Equal(t, StatusRunning, state.Status)
}

func TestDismissClearsPendingLocally(t *testing.T) {
	d := newTestDirectory(t, "http://unused")
	d.applyNotification(wireNotification{
		Type: "needs_attention", SessionID: "s1",
		Action: &wireAction{ID: "act-1", Type: "question"},
	})
	d.Dismiss("s1")

	state, _ := d.State("s1")
	require.Nil(t, state.Pending)
}

func TestCancelPostsToServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sessions/s1/cancel", r.URL.Path)
	}))
	defer srv.Close()

	d := newTestDirectory(t, srv.URL)
	require.NoError(t, d.Cancel(context.Background(), "s1"))
}
