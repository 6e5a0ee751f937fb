package openaiagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/chatmodel"
)

// sseChunk formats one OpenAI-compatible streaming chunk the way a real
// provider would emit it over SSE.
func sseChunk(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
}

func TestAgent_GetResponseStream_DeliversDeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		sseChunk(w, "Hello")
		flusher.Flush()
		sseChunk(w, ", world")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	agent := New(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model"}, nil)
	history := []*chatmodel.ChatMessage{chatmodel.NewChatMessage(chatmodel.RoleUser, "", nil)}

	resp, err := agent.GetResponseStream(context.Background(), "chat-1", history)
	require.NoError(t, err)
	defer resp.Close()

	var got []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-resp.TextDeltas():
			if !ok {
				assert.Equal(t, []string{"Hello", ", world"}, got)
				assert.Nil(t, resp.StructuredContent())
				return
			}
			got = append(got, d)
		case <-deadline:
			t.Fatal("timed out waiting for deltas")
		}
	}
}
