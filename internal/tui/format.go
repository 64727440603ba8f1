package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"agentchat/internal/app"
)

// toolCallLine compacts one tool invocation into a single list line.
func toolCallLine(call app.ToolCall) string {
	name := call.Name
	if name == "" {
		name = "tool"
	}
	args := summarizeInput(call.Input)
	if args != "" {
		args = " " + args
	}
	switch {
	case !call.Done:
		return fmt.Sprintf("▸ %s%s …", name, args)
	case call.IsError:
		return fmt.Sprintf("✗ %s%s", name, args)
	default:
		return fmt.Sprintf("✓ %s%s", name, args)
	}
}

// summarizeInput flattens tool arguments to "key=value" pairs in key order,
// truncated so one call never dominates the transcript.
func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := oneLine(fmt.Sprintf("%v", input[k]))
		parts = append(parts, k+"="+truncateRunes(v, 40))
	}
	return truncateRunes(strings.Join(parts, " "), 80)
}

// toolResultPreview is the indented result line shown under a finished call.
func toolResultPreview(call app.ToolCall, width int) string {
	if !call.Done || strings.TrimSpace(call.Result) == "" {
		return ""
	}
	return truncateRunes(oneLine(call.Result), max(12, width))
}

func statusLabel(st app.SessionStatus, live bool) string {
	if live {
		return "streaming"
	}
	switch st {
	case app.StatusRunning:
		return "running"
	case app.StatusWaitingUser:
		return "needs input"
	case app.StatusCompleted:
		return "done"
	case app.StatusError:
		return "error"
	default:
		return "ready"
	}
}

// sessionGlyph marks a directory row: attention beats live beats idle.
func sessionGlyph(state app.SessionState, streaming bool) string {
	switch {
	case state.Pending != nil:
		return "!"
	case streaming || state.Status == app.StatusRunning:
		return "●"
	case state.Status == app.StatusError:
		return "✗"
	default:
		return " "
	}
}

// resultLine formats turn metadata for the top bar.
func resultLine(res app.TurnResult) string {
	dur := time.Duration(res.DurationMs) * time.Millisecond
	return fmt.Sprintf("$%.4f · %s · %d turns", res.Cost, dur.Round(100*time.Millisecond), res.NumTurns)
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	if maxRunes <= 1 {
		return string(r[:maxRunes])
	}
	return string(r[:maxRunes-1]) + "…"
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(s)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
