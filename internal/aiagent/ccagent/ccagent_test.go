package ccagent

import (
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatIDToSessionID_IsDeterministic(t *testing.T) {
	a := ChatIDToSessionID("chat-42")
	b := ChatIDToSessionID("chat-42")
	c := ChatIDToSessionID("chat-43")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestToPromptMessages_JoinsTextContentPerMessage(t *testing.T) {
	history := []*chatmodel.ChatMessage{
		chatmodel.NewChatMessage(chatmodel.RoleUser, "", []events.ContentItem{
			{Kind: events.ContentText, Text: "hello "},
			{Kind: events.ContentText, Text: "world"},
		}),
		chatmodel.NewChatMessage(chatmodel.RoleAssistant, "", []events.ContentItem{{Kind: events.ContentText, Text: "hi"}}),
	}
	out := toPromptMessages(history)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0]["role"])
	assert.Equal(t, "hello world", out[0]["content"])
	assert.Equal(t, "assistant", out[1]["role"])
	assert.Equal(t, "hi", out[1]["content"])
}

// newTestResponse builds a streamingResponse with a buffered channel big
// enough for pump to run synchronously against an in-memory reader,
// bypassing exec.Cmd entirely (pump only needs an io.Reader).
func newTestResponse() *streamingResponse {
	return &streamingResponse{deltas: make(chan string, 32), logger: discardLogger()}
}

func TestPump_DeliversDeltasThenStopsAtResult(t *testing.T) {
	r := newTestResponse()
	input := strings.NewReader(
		`{"type":"delta","delta":"Hel"}` + "\n" +
			`{"type":"delta","delta":"lo"}` + "\n" +
			`{"type":"result","content":[{"type":"text","text":"Hello"}]}` + "\n",
	)
	r.pump(input)

	var got []string
	for d := range r.deltas {
		got = append(got, d)
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)
	require.Len(t, r.StructuredContent(), 1)
	assert.Equal(t, "Hello", r.StructuredContent()[0].Text)
	assert.NoError(t, r.Err())
}

func TestPump_RecordsAgentReportedError(t *testing.T) {
	r := newTestResponse()
	input := strings.NewReader(`{"type":"error","error":"agent crashed"}` + "\n")
	r.pump(input)

	for range r.deltas {
	}
	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "agent crashed")
}

func TestPump_SkipsUnparseableLines(t *testing.T) {
	r := newTestResponse()
	input := strings.NewReader(
		"not json at all\n" +
			`{"type":"delta","delta":"ok"}` + "\n",
	)
	r.pump(input)

	var got []string
	for d := range r.deltas {
		got = append(got, d)
	}
	assert.Equal(t, []string{"ok"}, got)
	assert.NoError(t, r.Err())
}

func TestClose_IsIdempotent(t *testing.T) {
	r := newTestResponse()
	r.cancel = func() {}
	r.cmd = &exec.Cmd{}
	assert.NotPanics(t, func() {
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
	})
}
