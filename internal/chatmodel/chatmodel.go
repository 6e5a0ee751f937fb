// Package chatmodel implements the chat history data model: ChatMessage,
// Turn and ChatHistory. Message ids are generated with google/uuid, the
// same id library ai/agents/runner uses for conversation/session
// identifiers.
package chatmodel

import (
	"github.com/google/uuid"

	"github.com/hrygo/chatbroker/internal/brokerr"
	"github.com/hrygo/chatbroker/internal/events"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one model-level message: zero or more content items
// authored by one role.
type ChatMessage struct {
	ID      string
	Role    Role
	Name    string
	Content []events.ContentItem

	// OriginalMessengerID is set once the first UI segment for this
	// message is confirmed sent by the messenger.
	OriginalMessengerID int64
	hasMessengerID      bool
}

// NewChatMessage creates a message with a fresh id.
func NewChatMessage(role Role, name string, content []events.ContentItem) *ChatMessage {
	return &ChatMessage{
		ID:      uuid.NewString(),
		Role:    role,
		Name:    name,
		Content: content,
	}
}

// SetOriginalMessengerID records the messenger-assigned id once the
// owning segment is confirmed sent.
func (m *ChatMessage) SetOriginalMessengerID(id int64) {
	m.OriginalMessengerID = id
	m.hasMessengerID = true
}

func (m *ChatMessage) HasOriginalMessengerID() bool { return m.hasMessengerID }

// Turn is a contiguous block: one or more user messages followed by zero
// or more assistant messages. The ordering "all user messages precede
// all assistant messages" is not enforced: AddUserMessages with
// forceAddToLastTurn (ContinueResponse's synthetic "please continue")
// appends a user message after the turn's existing assistant messages.
type Turn struct {
	Messages []*ChatMessage
}

func (t *Turn) lastAssistantIndex() int {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// History is the ordered sequence of turns for one chat.
type History struct {
	turns []*Turn
}

func NewHistory() *History {
	return &History{}
}

// AddUserMessages appends messages either into the current last turn
// (forceAddToLastTurn, used for system continuations like the synthetic
// "please continue") or as a brand-new turn.
func (h *History) AddUserMessages(messages []*ChatMessage, forceAddToLastTurn bool) {
	if len(messages) == 0 {
		return
	}
	if forceAddToLastTurn && len(h.turns) > 0 {
		last := h.turns[len(h.turns)-1]
		last.Messages = append(last.Messages, messages...)
		return
	}
	h.turns = append(h.turns, &Turn{Messages: append([]*ChatMessage{}, messages...)})
}

// AddAssistantMessage appends to the last existing turn. Fails with
// InvalidStateError if there is no turn yet 
func (h *History) AddAssistantMessage(msg *ChatMessage) error {
	if len(h.turns) == 0 {
		return brokerr.InvalidState("chatmodel: cannot add assistant message with no prior turn")
	}
	last := h.turns[len(h.turns)-1]
	last.Messages = append(last.Messages, msg)
	return nil
}

// RemoveMessageFromLastTurn removes msg by identity (matching ID) from
// the last turn. Reports whether it was found. If the turn
// becomes empty, the turn itself is dropped.
func (h *History) RemoveMessageFromLastTurn(msg *ChatMessage) bool {
	if len(h.turns) == 0 || msg == nil {
		return false
	}
	idx := len(h.turns) - 1
	last := h.turns[idx]
	for i, m := range last.Messages {
		if m.ID == msg.ID {
			last.Messages = append(last.Messages[:i], last.Messages[i+1:]...)
			if len(last.Messages) == 0 {
				h.turns = h.turns[:idx]
			}
			return true
		}
	}
	return false
}

// RemoveAllAssistantMessagesFromLastTurn removes and returns, in
// original order, every assistant message in the last turn. Used by
// RegenerateResponse 
func (h *History) RemoveAllAssistantMessagesFromLastTurn() []*ChatMessage {
	if len(h.turns) == 0 {
		return nil
	}
	idx := len(h.turns) - 1
	last := h.turns[idx]
	var removed []*ChatMessage
	kept := last.Messages[:0:0]
	for _, m := range last.Messages {
		if m.Role == RoleAssistant {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	last.Messages = kept
	if len(last.Messages) == 0 {
		h.turns = h.turns[:idx]
	}
	return removed
}

// GetLastAssistantMessage scans the last turn for its most recent
// assistant message, or returns nil.
func (h *History) GetLastAssistantMessage() *ChatMessage {
	if len(h.turns) == 0 {
		return nil
	}
	last := h.turns[len(h.turns)-1]
	i := last.lastAssistantIndex()
	if i < 0 {
		return nil
	}
	return last.Messages[i]
}

// GetAllMessagesForAI returns a flat, read-only snapshot in turn order
// and in-turn order, with no hidden trimming 
func (h *History) GetAllMessagesForAI() []*ChatMessage {
	var out []*ChatMessage
	for _, t := range h.turns {
		out = append(out, t.Messages...)
	}
	return out
}

// UpdateMessageOriginalId finds the message with id modelID across all
// turns and records the messenger-side id on it.
func (h *History) UpdateMessageOriginalId(modelID string, messengerID int64) bool {
	for _, t := range h.turns {
		for _, m := range t.Messages {
			if m.ID == modelID {
				m.SetOriginalMessengerID(messengerID)
				return true
			}
		}
	}
	return false
}

// HasLastTurn reports whether at least one turn exists.
func (h *History) HasLastTurn() bool { return len(h.turns) > 0 }

// TurnCount reports the number of turns — used by tests asserting S1/S3
// history shape.
func (h *History) TurnCount() int { return len(h.turns) }
