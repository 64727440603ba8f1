package app

import "sync"

// ProvisionalSession keys state for a conversation the server has not yet
// assigned a real identifier to. Exactly one resolved identifier replaces
// it once session_init arrives.
const ProvisionalSession = "__new__"

// MessageCache owns the per-session transcript, decoupled from whichever
// session the UI is showing. Streams write here under their own session id;
// only mutations to the active session reach the change callback, which is
// what lets a background stream keep accumulating invisibly after the user
// navigates away.
type MessageCache struct {
	mu       sync.Mutex
	entries  map[string][]Message
	active   string
	onChange func(sessionID string, msgs []Message)
}

func NewMessageCache() *MessageCache {
	return &MessageCache{entries: make(map[string][]Message)}
}

// SetOnChange registers the single observer mirroring the active session
// into visible state. The callback runs outside the cache lock.
func (c *MessageCache) SetOnChange(fn func(sessionID string, msgs []Message)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *MessageCache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetActive switches the visible session and immediately mirrors its entry.
func (c *MessageCache) SetActive(id string) {
	c.mu.Lock()
	c.active = id
	msgs := copyMessages(c.entries[id])
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(id, msgs)
	}
}

func (c *MessageCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns a copy of the session's message list, empty if unknown.
func (c *MessageCache) Get(id string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMessages(c.entries[id])
}

// Set applies a copy-on-write update to one session's message list. The
// updater receives a fresh copy of the previous list, so slices handed out
// by earlier Get calls are never mutated. Returning nil clears the entry's
// messages but keeps the session known.
func (c *MessageCache) Set(id string, update func(prev []Message) []Message) {
	c.mu.Lock()
	next := update(copyMessages(c.entries[id]))
	c.entries[id] = next
	notify := id == c.active
	msgs := copyMessages(next)
	fn := c.onChange
	c.mu.Unlock()
	if notify && fn != nil {
		fn(id, msgs)
	}
}

// Rekey moves a conversation buffered under the provisional marker to its
// server-assigned identifier. If nothing had been cached yet under the
// provisional key, the resolved entry is seeded with the first user message
// so it is not lost. The active pointer follows the move.
func (c *MessageCache) Rekey(provisional, resolved string, seed Message) {
	if provisional == resolved || resolved == "" {
		return
	}
	c.mu.Lock()
	msgs, had := c.entries[provisional]
	delete(c.entries, provisional)
	if !had || len(msgs) == 0 {
		if seed.ID != "" {
			msgs = []Message{seed}
		}
	}
	c.entries[resolved] = msgs
	moved := false
	if c.active == provisional {
		c.active = resolved
		moved = true
	}
	out := copyMessages(msgs)
	fn := c.onChange
	c.mu.Unlock()
	if moved && fn != nil {
		fn(resolved, out)
	}
}

// Sessions lists the session ids with cached state, in no particular order.
func (c *MessageCache) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func copyMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
