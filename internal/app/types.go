package app

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionStatus tracks where a session is in its turn lifecycle.
type SessionStatus string

const (
	StatusIdle        SessionStatus = "idle"
	StatusRunning     SessionStatus = "running"
	StatusWaitingUser SessionStatus = "waiting_user"
	StatusCompleted   SessionStatus = "completed"
	StatusError       SessionStatus = "error"
)

// ToolCall is one tool invocation within an assistant turn. Result and
// IsError stay zero until the matching tool_result arrives; Done records
// that it did.
type ToolCall struct {
	ID      string
	Name    string
	Input   map[string]any
	Result  string
	IsError bool
	Done    bool
}

// ContentBlock is one ordered chunk of an assistant turn: either a text
// span or a tool invocation. The set of variants is closed; consumers
// switch over the concrete types and treat anything else as a bug.
type ContentBlock interface {
	isContentBlock()
}

type TextBlock struct {
	Text string
}

type ToolUseBlock struct {
	Call ToolCall
}

func (TextBlock) isContentBlock()    {}
func (ToolUseBlock) isContentBlock() {}

// Message is a single transcript entry. Content always carries the full
// plain text; Blocks, when present, are the authoritative structured view
// and their text spans concatenate to the same string while a turn is
// streaming.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Blocks    []ContentBlock
	ToolCalls []ToolCall
	CreatedAt time.Time
}

func NewUserMessage(text string) Message {
	return Message{
		ID:        "user-" + uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
}

// ActionKind classifies what a pending action is asking of the user.
type ActionKind string

const (
	ActionApproval ActionKind = "approval_required"
	ActionQuestion ActionKind = "question"
	ActionError    ActionKind = "error"
)

// PendingAction is a server-declared need for human input. A session holds
// at most one at a time; a newer one replaces the old.
type PendingAction struct {
	ID          string
	Kind        ActionKind
	Title       string
	Description string
	Options     []string
}

// SessionInfo is one row of the session directory listing.
type SessionInfo struct {
	ID         string
	Title      string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// DisplayTitle falls back to a truncated session id when the server has no
// title for the session.
func (s SessionInfo) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("session %s", id)
}

// SessionState is the out-of-band view of a session maintained by the
// directory: status, the pending action if any, and a free-text progress
// line.
type SessionState struct {
	SessionID string
	Status    SessionStatus
	Pending   *PendingAction
	Progress  string
	UpdatedAt time.Time
}
