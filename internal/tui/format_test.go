package tui

import (
	"testing"

	"agentchat/internal/app"
)

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hell…"},
		{"héllo wörld", 6, "héllo…"},
		{"hello", 0, ""},
		{"hello", 1, "h"},
	}
	for _, c := range cases {
		got := truncateRunes(c.in, c.max)
		if got != c.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestOneLine(t *testing.T) {
	got := oneLine("  a\r\nb\n\n  c   d  ")
	want := "a b c d"
	if got != want {
		t.Errorf("oneLine = %q, want %q", got, want)
	}
}

func TestToolCallLine(t *testing.T) {
	running := app.ToolCall{Name: "bash", Input: map[string]any{"command": "ls"}}
	if got := toolCallLine(running); got != "▸ bash command=ls …" {
		t.Errorf("running = %q", got)
	}

	done := app.ToolCall{Name: "bash", Done: true}
	if got := toolCallLine(done); got != "✓ bash" {
		t.Errorf("done = %q", got)
	}

	failed := app.ToolCall{Name: "bash", Done: true, IsError: true}
	if got := toolCallLine(failed); got != "✗ bash" {
		t.Errorf("failed = %q", got)
	}

	anon := app.ToolCall{Done: true}
	if got := toolCallLine(anon); got != "✓ tool" {
		t.Errorf("anonymous = %q", got)
	}
}

func TestSummarizeInputOrdersKeys(t *testing.T) {
	got := summarizeInput(map[string]any{"b": 2, "a": 1, "c": "x y"})
	want := "a=1 b=2 c=x y"
	if got != want {
		t.Errorf("summarizeInput = %q, want %q", got, want)
	}
	if summarizeInput(nil) != "" {
		t.Error("nil input should be empty")
	}
}

func TestToolResultPreview(t *testing.T) {
	call := app.ToolCall{Name: "read", Done: true, Result: "line one\nline two"}
	if got := toolResultPreview(call, 40); got != "line one line two" {
		t.Errorf("preview = %q", got)
	}
	if got := toolResultPreview(app.ToolCall{Name: "read"}, 40); got != "" {
		t.Errorf("pending call should have no preview, got %q", got)
	}
}

func TestStatusLabel(t *testing.T) {
	if got := statusLabel(app.StatusIdle, true); got != "streaming" {
		t.Errorf("live = %q", got)
	}
	if got := statusLabel(app.StatusWaitingUser, false); got != "needs input" {
		t.Errorf("waiting = %q", got)
	}
	if got := statusLabel(app.StatusIdle, false); got != "ready" {
		t.Errorf("idle = %q", got)
	}
}

func TestSessionGlyph(t *testing.T) {
	attn := app.SessionState{Pending: &app.PendingAction{ID: "a"}, Status: app.StatusRunning}
	if got := sessionGlyph(attn, true); got != "!" {
		t.Errorf("attention should win, got %q", got)
	}
	if got := sessionGlyph(app.SessionState{}, true); got != "●" {
		t.Errorf("streaming = %q", got)
	}
	if got := sessionGlyph(app.SessionState{Status: app.StatusError}, false); got != "✗" {
		t.Errorf("error = %q", got)
	}
	if got := sessionGlyph(app.SessionState{Status: app.StatusCompleted}, false); got != " " {
		t.Errorf("completed = %q", got)
	}
}

func TestResultLine(t *testing.T) {
	got := resultLine(app.TurnResult{Cost: 0.0123, DurationMs: 4250, NumTurns: 3})
	want := "$0.0123 · 4.3s · 3 turns"
	if got != want {
		t.Errorf("resultLine = %q, want %q", got, want)
	}
}
