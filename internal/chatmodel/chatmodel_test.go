package chatmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/events"
)

func textMsg(role Role, text string) *ChatMessage {
	return NewChatMessage(role, "", []events.ContentItem{{Kind: events.ContentText, Text: text}})
}

func TestHistory_AddUserMessages_NewTurnVsForced(t *testing.T) {
	h := NewHistory()
	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "hi")}, false)
	require.Equal(t, 1, h.TurnCount())

	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "please continue")}, true)
	assert.Equal(t, 1, h.TurnCount(), "forceAddToLastTurn should not open a new turn")

	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "new topic")}, false)
	assert.Equal(t, 2, h.TurnCount())
}

func TestHistory_AddAssistantMessage_RequiresTurn(t *testing.T) {
	h := NewHistory()
	err := h.AddAssistantMessage(textMsg(RoleAssistant, "hello"))
	require.Error(t, err)

	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "hi")}, false)
	err = h.AddAssistantMessage(textMsg(RoleAssistant, "hello"))
	require.NoError(t, err)

	msgs := h.GetAllMessagesForAI()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestHistory_RemoveMessageFromLastTurn_DropsEmptyTurn(t *testing.T) {
	h := NewHistory()
	msg := textMsg(RoleUser, "hi")
	h.AddUserMessages([]*ChatMessage{msg}, false)

	removed := h.RemoveMessageFromLastTurn(msg)
	assert.True(t, removed)
	assert.Equal(t, 0, h.TurnCount())

	assert.False(t, h.RemoveMessageFromLastTurn(msg), "second removal should report not-found")
}

func TestHistory_RegenerateResponse_RemovesAllAssistantMessages(t *testing.T) {
	h := NewHistory()
	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "hi")}, false)
	a1 := textMsg(RoleAssistant, "first attempt")
	require.NoError(t, h.AddAssistantMessage(a1))

	removed := h.RemoveAllAssistantMessagesFromLastTurn()
	require.Len(t, removed, 1)
	assert.Equal(t, a1.ID, removed[0].ID)
	assert.Nil(t, h.GetLastAssistantMessage())
	// The user message survives; the turn is not dropped since it still
	// has a user message.
	assert.Equal(t, 1, h.TurnCount())
}

func TestHistory_GetLastAssistantMessage(t *testing.T) {
	h := NewHistory()
	h.AddUserMessages([]*ChatMessage{textMsg(RoleUser, "hi")}, false)
	assert.Nil(t, h.GetLastAssistantMessage())

	a := textMsg(RoleAssistant, "hello")
	require.NoError(t, h.AddAssistantMessage(a))
	got := h.GetLastAssistantMessage()
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
}

func TestHistory_UpdateMessageOriginalId(t *testing.T) {
	h := NewHistory()
	msg := textMsg(RoleUser, "hi")
	h.AddUserMessages([]*ChatMessage{msg}, false)

	found := h.UpdateMessageOriginalId(msg.ID, 42)
	assert.True(t, found)
	assert.True(t, msg.HasOriginalMessengerID())
	assert.EqualValues(t, 42, msg.OriginalMessengerID)

	assert.False(t, h.UpdateMessageOriginalId("nonexistent", 1))
}
