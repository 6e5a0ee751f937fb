package telegram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/messenger"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("12345")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, id)

	_, err = parseChatID("not-a-number")
	assert.Error(t, err)
}

func TestInlineKeyboard_NilForNoButtons(t *testing.T) {
	assert.Nil(t, inlineKeyboard(nil))
	assert.Nil(t, inlineKeyboard([]string{}))
}

func TestInlineKeyboard_OneRowPerButtonSet(t *testing.T) {
	kb := inlineKeyboard([]string{"Stop", "Continue"})
	require.NotNil(t, kb)
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Len(t, kb.InlineKeyboard[0], 2)
}

func TestClassifyEditError(t *testing.T) {
	outcome, err := classifyEditError(nil)
	assert.NoError(t, err)
	assert.Equal(t, messenger.Success, outcome)

	outcome, err = classifyEditError(errors.New("Bad Request: message is not modified"))
	assert.NoError(t, err)
	assert.Equal(t, messenger.NotModified, outcome)

	outcome, err = classifyEditError(errors.New("Bad Request: message to edit not found"))
	assert.NoError(t, err)
	assert.Equal(t, messenger.MessageDeleted, outcome)

	outcome, err = classifyEditError(errors.New("Bad Request: MESSAGE_ID_INVALID"))
	assert.NoError(t, err)
	assert.Equal(t, messenger.MessageDeleted, outcome)

	outcome, err = classifyEditError(errors.New("some other transport failure"))
	assert.Error(t, err)
	assert.Equal(t, messenger.Success, outcome)
}
