// Package aiagent defines the AI agent contract , grounded
// on ai/llm.go's channel-based ChatStream shape: the core never talks
// HTTP/SSE directly, only this interface.
package aiagent

import (
	"context"

	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
)

// Agent opens a lazy sequence of text deltas plus optional final
// structured content for one chat turn.
type Agent interface {
	// GetResponseStream starts the call and returns a StreamingResponse.
	// historySnapshot is the read-only turn-ordered message list from
	// ChatHistory.GetAllMessagesForAI.
	GetResponseStream(ctx context.Context, chatID string, historySnapshot []*chatmodel.ChatMessage) (StreamingResponse, error)

	// Close releases any resources the agent itself owns (client
	// connections, subprocess handles). Called when the Chat that owns
	// this agent is disposed or replaced on SetMode.
	Close() error
}

// StreamingResponse is the lazy, finite, non-restartable sequence of
// text deltas an Agent call produces.
type StreamingResponse interface {
	// TextDeltas returns a channel of incremental text fragments (never
	// cumulative). Empty strings are permitted and ignored by the
	// streaming pipeline. The channel closes when the sequence ends,
	// whether normally, by error, or by ctx cancellation.
	TextDeltas() <-chan string

	// Err returns the terminal error, if any, once TextDeltas' channel
	// has closed. Returns nil for a clean end-of-stream.
	Err() error

	// StructuredContent is called after delta iteration ends; it
	// returns either an ordered list of final content items (text+media)
	// or nil if the agent has no structured payload to attach.
	StructuredContent() []events.ContentItem

	// Close cancels any in-flight I/O and unblocks a pending TextDeltas
	// read. Safe to call multiple times.
	Close() error
}
