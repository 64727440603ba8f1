package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func textDelta(s string) Event {
	return Event{Kind: EventTextDelta, Content: s}
}

func TestTurnAccumulatesText(t *testing.T) {
	turn := NewTurn()
	fragments := []string{"The ", "answer ", "is ", "42."}
	for _, f := range fragments {
		turn.Apply(textDelta(f))
	}

	require.Equal(t, "The answer is 42.", turn.Text())

	msg := turn.Snapshot(Message{ID: "a1"})
	require.Equal(t, "The answer is 42.", msg.Content)
	require.Len(t, msg.Blocks, 1)
	require.Equal(t, TextBlock{Text: "The answer is 42."}, msg.Blocks[0])
}

func TestTurnTextAndFullTextTreatedAlike(t *testing.T) {
	turn := NewTurn()
	turn.Apply(Event{Kind: EventText, Content: "a"})
	turn.Apply(Event{Kind: EventTextDelta, Content: "b"})

	require.Equal(t, "ab", turn.Text())
	require.Len(t, turn.Snapshot(Message{}).Blocks, 1)
}

func TestToolUseSplitsTextBlocks(t *testing.T) {
	turn := NewTurn()
	turn.Apply(textDelta("a"))
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T", ToolName: "search"})
	turn.Apply(textDelta("b"))

	msg := turn.Snapshot(Message{})
	require.Len(t, msg.Blocks, 3)
	require.Equal(t, TextBlock{Text: "a"}, msg.Blocks[0])
	tool, ok := msg.Blocks[1].(ToolUseBlock)
	require.True(t, ok)
	require.Equal(t, "T", tool.Call.ID)
	require.Equal(t, TextBlock{Text: "b"}, msg.Blocks[2])

	require.Equal(t, "ab", msg.Content)
}

func TestToolResultUpdatesBothViews(t *testing.T) {
	turn := NewTurn()
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T", ToolName: "search"})
	turn.Apply(Event{Kind: EventToolResult, ToolID: "T", Content: "3 hits", IsError: false})

	msg := turn.Snapshot(Message{})
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "3 hits", msg.ToolCalls[0].Result)
	require.True(t, msg.ToolCalls[0].Done)

	block := msg.Blocks[0].(ToolUseBlock)
	require.Equal(t, "3 hits", block.Call.Result)
	require.True(t, block.Call.Done)
}

func TestUnknownToolResultIsNoop(t *testing.T) {
	turn := NewTurn()
	turn.Apply(textDelta("hello"))
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T", ToolName: "search"})
	before := turn.Snapshot(Message{ID: "x"})

	turn.Apply(Event{Kind: EventToolResult, ToolID: "never-seen", Content: "boom", IsError: true})
	after := turn.Snapshot(Message{ID: "x"})

	require.Equal(t, before, after)
}

func TestErrorEventAnnotatesTextOnly(t *testing.T) {
	turn := NewTurn()
	turn.Apply(textDelta("partial"))
	turn.Apply(Event{Kind: EventError, Content: "provider exploded"})

	require.Equal(t, "partial\n[error] provider exploded", turn.Text())

	msg := turn.Snapshot(Message{})
	// Blocks are untouched by error events.
	require.Len(t, msg.Blocks, 1)
	require.Equal(t, TextBlock{Text: "partial"}, msg.Blocks[0])
}

func TestSnapshotIsImmutable(t *testing.T) {
	turn := NewTurn()
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T", ToolName: "search"})
	first := turn.Snapshot(Message{})

	turn.Apply(Event{Kind: EventToolResult, ToolID: "T", Content: "late"})

	require.False(t, first.ToolCalls[0].Done)
	require.Equal(t, "", first.Blocks[0].(ToolUseBlock).Call.Result)
}

func TestTextAfterToolResultStartsNewBlock(t *testing.T) {
	turn := NewTurn()
	turn.Apply(textDelta("before"))
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T1", ToolName: "a"})
	turn.Apply(Event{Kind: EventToolUse, ToolID: "T2", ToolName: "b"})
	turn.Apply(Event{Kind: EventToolResult, ToolID: "T1", Content: "r1"})
	turn.Apply(textDelta("after"))
	turn.Apply(textDelta(" more"))

	msg := turn.Snapshot(Message{})
	require.Len(t, msg.Blocks, 4)
	require.Equal(t, TextBlock{Text: "before"}, msg.Blocks[0])
	require.Equal(t, TextBlock{Text: "after more"}, msg.Blocks[3])
	require.Equal(t, "beforeafter more", msg.Content)
}
