package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, serverURL string) *StreamManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	return NewStreamManager(cfg, NewLogger(io.Discard), NewMessageCache())
}

func writeFrame(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func waitChange(t *testing.T, m *StreamManager, pred func(StateChange) bool) StateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-m.Changes():
			if pred(change) {
				return change
			}
		case <-deadline:
			t.Fatal("timed out waiting for state change")
		}
	}
}

func waitStreamDone(t *testing.T, m *StreamManager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Streaming(id) {
		if time.Now().After(deadline) {
			t.Fatalf("stream for %s never finished", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func lastContent(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

func TestSendMessageStreamsAndRekeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		writeFrame(w, `{"type":"session_init","session_id":"sess-1"}`)
		writeFrame(w, `{"type":"text_delta","content":"Hello"}`)
		writeFrame(w, `{"type":"tool_use","tool_id":"t1","tool_name":"search","tool_input":{"q":"x"}}`)
		writeFrame(w, `{"type":"tool_result","tool_id":"t1","content":"one hit"}`)
		writeFrame(w, `{"type":"text_delta","content":", world"}`)
		writeFrame(w, `{"type":"result","result":"done","cost":0.01,"duration_ms":500,"num_turns":1}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.SendMessage("hi")

	waitChange(t, m, func(c StateChange) bool {
		return c.SessionID == "sess-1" && c.Status == StatusCompleted
	})

	require.False(t, m.cache.Has(ProvisionalSession))
	require.Equal(t, "sess-1", m.cache.Active())

	msgs := m.cache.Get("sess-1")
	require.Len(t, msgs, 2)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)

	asst := msgs[1]
	require.Equal(t, RoleAssistant, asst.Role)
	require.Equal(t, "Hello, world", asst.Content)
	require.Len(t, asst.Blocks, 3)
	require.Equal(t, TextBlock{Text: "Hello"}, asst.Blocks[0])
	tool := asst.Blocks[1].(ToolUseBlock)
	require.Equal(t, "one hit", tool.Call.Result)
	require.True(t, tool.Call.Done)
	require.Equal(t, TextBlock{Text: ", world"}, asst.Blocks[2])

	res, ok := m.LastResult("sess-1")
	require.True(t, ok)
	require.Equal(t, "done", res.Result)
	require.Equal(t, int64(500), res.DurationMs)
}

func TestCacheIsolationUnderSessionSwitch(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"type":"text_delta","content":"par"}`)
		<-gate
		writeFrame(w, `{"type":"text_delta","content":"tial done"}`)
		writeFrame(w, `{"type":"result"}`)
	})
	mux.HandleFunc("/api/sessions/B", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages":[{"role":"assistant","content":"old B content"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.cache.Set("A", func(prev []Message) []Message { return prev })
	m.cache.SetActive("A")

	m.SendMessage("question for A")
	waitChange(t, m, func(c StateChange) bool {
		return c.SessionID == "A" && strings.Contains(lastContent(c.Messages), "par")
	})

	// Navigate away while A is still streaming.
	m.LoadSession(context.Background(), "B")
	require.Equal(t, "B", m.cache.Active())
	require.Equal(t, "old B content", lastContent(m.cache.Get("B")))

	// Let A finish in the background, invisibly.
	close(gate)
	waitStreamDone(t, m, "A")

	// Switching back restores exactly the state A would have had anyway.
	m.LoadSession(context.Background(), "A")
	msgs := m.cache.Get("A")
	require.Len(t, msgs, 2)
	require.Equal(t, "question for A", msgs[0].Content)
	require.Equal(t, "partial done", msgs[1].Content)
	require.Equal(t, StatusCompleted, m.Status("A"))
}

func TestCancellationPreservesPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"type":"text_delta","content":"partial result"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.SendMessage("go")

	waitChange(t, m, func(c StateChange) bool {
		return strings.Contains(lastContent(c.Messages), "partial result")
	})

	m.ResetSession()
	change := waitChange(t, m, func(c StateChange) bool {
		return strings.Contains(lastContent(c.Messages), "[interrupted]")
	})

	require.Contains(t, lastContent(change.Messages), "partial result")
	// Cancellation itself never forces an error status.
	require.NotEqual(t, StatusError, m.Status(ProvisionalSession))
}

func TestTransportFailureAppendsSyntheticError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.SendMessage("hi")

	change := waitChange(t, m, func(c StateChange) bool {
		return c.Status == StatusError
	})
	require.Contains(t, lastContent(change.Messages), "[error]")
	// The user message survives alongside the synthetic error.
	require.Equal(t, "hi", change.Messages[0].Content)
}

func TestSendSupersedesPriorStream(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			writeFrame(w, `{"type":"text_delta","content":"first answer"}`)
			<-r.Context().Done()
			return
		}
		writeFrame(w, `{"type":"text_delta","content":"second answer"}`)
		writeFrame(w, `{"type":"result"}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.cache.Set("A", func(prev []Message) []Message { return prev })
	m.cache.SetActive("A")

	m.SendMessage("one")
	waitChange(t, m, func(c StateChange) bool {
		return strings.Contains(lastContent(c.Messages), "first answer")
	})

	m.SendMessage("two")
	waitChange(t, m, func(c StateChange) bool {
		return c.Status == StatusCompleted && strings.Contains(lastContent(c.Messages), "second answer")
	})

	msgs := m.cache.Get("A")
	require.Len(t, msgs, 4)
	require.Equal(t, "one", msgs[0].Content)
	// The superseded stream's partial output stays, un-annotated: the user
	// asked a new question, they did not cancel.
	require.Equal(t, "first answer", msgs[1].Content)
	require.Equal(t, "two", msgs[2].Content)
	require.Equal(t, "second answer", msgs[3].Content)
}

func TestLoadSessionFlattensTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/old1", r.URL.Path)
		fmt.Fprint(w, `{"messages":[
			{"role":"user","content":"plain string"},
			{"role":"assistant","content":[
				{"type":"text","text":"part one, "},
				{"type":"tool_use","text":"ignored"},
				{"type":"text","text":"part two"}
			]},
			{"role":"system","content":"dropped"}
		]}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.LoadSession(context.Background(), "old1")

	msgs := m.cache.Get("old1")
	require.Len(t, msgs, 2)
	require.Equal(t, "plain string", msgs[0].Content)
	require.Equal(t, "part one, part two", msgs[1].Content)
	require.Equal(t, "old1", m.cache.Active())
}

func TestLoadSessionCacheHitSkipsNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, `{"messages":[]}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.cache.Set("warm", func(prev []Message) []Message {
		return append(prev, Message{ID: "m1", Role: RoleUser, Content: "cached"})
	})

	m.LoadSession(context.Background(), "warm")

	require.Equal(t, 0, hits)
	require.Equal(t, "cached", lastContent(m.cache.Get("warm")))
}

func TestLoadSessionFetchFailureSettles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.LoadSession(context.Background(), "gone")

	require.Equal(t, "gone", m.cache.Active())
	require.Equal(t, StatusError, m.Status("gone"))
	require.Contains(t, lastContent(m.cache.Get("gone")), "could not load session")
}

func TestMidStreamErrorEventKeepsStreamAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"type":"session_init","session_id":"sess-e"}`)
		writeFrame(w, `{"type":"text_delta","content":"so far"}`)
		writeFrame(w, `{"type":"error","content":"tool crashed"}`)
		writeFrame(w, `{"type":"text_delta","content":" recovered"}`)
		writeFrame(w, `{"type":"result"}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.SendMessage("go")
	waitChange(t, m, func(c StateChange) bool {
		return c.SessionID == "sess-e" && !c.Live &&
			strings.Contains(lastContent(c.Messages), "recovered")
	})

	msgs := m.cache.Get("sess-e")
	content := lastContent(msgs)
	require.Contains(t, content, "[error] tool crashed")
	require.Contains(t, content, "recovered")
	// An application-level error pins the status even though the stream
	// ran to completion afterwards.
	require.Equal(t, StatusError, m.Status("sess-e"))
}
