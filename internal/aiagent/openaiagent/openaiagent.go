// Package openaiagent implements internal/aiagent.Agent against any
// OpenAI-compatible chat-completions endpoint, grounded on
// ai/llm.go's LLMService.ChatStream contract — a channel of text deltas
// plus a terminal stats/error channel — rebuilt here on top of
// github.com/sashabaranov/go-openai's ChatCompletionStream, and on
// internal/profile.Profile's provider-default map (zai/deepseek/openai/
// siliconflow/dashscope/openrouter/ollama all speak this same protocol).
package openaiagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
)

// Config configures one OpenAI-compatible provider.
type Config struct {
	Provider string // "zai" | "deepseek" | "openai" | "siliconflow" | "dashscope" | "openrouter" | "ollama"
	APIKey   string
	BaseURL  string
	Model    string
}

// Agent is the concrete OpenAI-compatible streaming agent.
type Agent struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	oaConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaConfig.BaseURL = cfg.BaseURL
	}
	return &Agent{
		client: openai.NewClientWithConfig(oaConfig),
		model:  cfg.Model,
		logger: logger,
	}
}

var _ aiagent.Agent = (*Agent)(nil)

func toOpenAIMessages(history []*chatmodel.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case chatmodel.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case chatmodel.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case chatmodel.RoleTool:
			role = openai.ChatMessageRoleTool
		}
		var text string
		for _, c := range m.Content {
			if c.Kind == events.ContentText {
				text += c.Text
			}
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: text})
	}
	return out
}

func (a *Agent) GetResponseStream(ctx context.Context, chatID string, historySnapshot []*chatmodel.ChatMessage) (aiagent.StreamingResponse, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := a.client.CreateChatCompletionStream(streamCtx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: toOpenAIMessages(historySnapshot),
		Stream:   true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openaiagent: start stream: %w", err)
	}

	resp := &streamingResponse{
		stream: stream,
		deltas: make(chan string, 16),
		cancel: cancel,
		logger: a.logger,
		chatID: chatID,
	}
	go resp.pump()
	return resp, nil
}

func (a *Agent) Close() error { return nil }

type streamingResponse struct {
	stream *openai.ChatCompletionStream
	deltas chan string
	cancel context.CancelFunc
	logger *slog.Logger
	chatID string

	err    error
	closed bool
}

func (r *streamingResponse) pump() {
	defer close(r.deltas)
	defer r.stream.Close()
	for {
		resp, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.err = fmt.Errorf("openaiagent: recv: %w", err)
			r.logger.Warn("openaiagent: stream error", "chat_id", r.chatID, "error", err)
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		r.deltas <- delta
	}
}

func (r *streamingResponse) TextDeltas() <-chan string { return r.deltas }
func (r *streamingResponse) Err() error                { return r.err }

// StructuredContent is always nil for the plain chat-completions
// protocol: this provider has no final non-text payload to attach,
// unlike the CLI-subprocess agent (internal/aiagent/ccagent) which can
// surface tool-produced images.
func (r *streamingResponse) StructuredContent() []events.ContentItem { return nil }

func (r *streamingResponse) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	return nil
}
