// Package ccagent implements internal/aiagent.Agent by driving a local
// CLI subprocess that speaks a stream-json protocol, wholesale-grounded
// on ai/agents/runner/{runner.go,session_manager.go,events.go,types.go}:
// the same scanner-per-stdout-line parsing, the same deterministic
// conversation-id -> session-id derivation (ConversationIDToSessionID),
// and the same context-cancellation-driven shutdown, repurposed from
// "Claude Code CLI with tool-use events" to "any local agent binary that
// emits one JSON object per line on stdout".
package ccagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
)

const (
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

// sessionNamespace is this broker's own UUID v5 namespace, analogous to
// runner.go's divineSenseNamespace — a fixed, arbitrary 16 bytes so the
// mapping from chat id to CLI session id is stable across restarts.
var sessionNamespace = uuid.Must(uuid.FromBytes([]byte{
	0x4b, 0x3a, 0x9e, 0x71, 0x2c, 0x5d, 0x41, 0x9a,
	0x8e, 0x1f, 0x6b, 0x2d, 0x9c, 0x4a, 0x7e, 0x11,
}))

// ChatIDToSessionID deterministically derives a CLI session id from a
// chat id, mirroring runner.go's ConversationIDToSessionID.
func ChatIDToSessionID(chatID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte("chatbroker:chat:"+chatID)).String()
}

// line is the stream-json wire shape this agent understands: one JSON
// object per line of stdout, mirrored from
// ai/agents/runner/types.go's StreamMessage but trimmed to the fields
// the broker actually consumes.
type line struct {
	Type    string `json:"type"`
	Delta   string `json:"delta,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		MimeType string `json:"mime_type,omitempty"`
		Data     string `json:"data,omitempty"` // base64, decoded by caller if needed
	} `json:"content,omitempty"`
}

// Config configures one CLI-backed agent.
type Config struct {
	BinaryPath string // resolved via exec.LookPath by New if empty
	WorkDir    string
	ExtraArgs  []string
}

// Agent drives the configured CLI binary once per GetResponseStream
// call, one subprocess per call (no session reuse across chats — the
// broker owns chat-level session identity, not the CLI).
type Agent struct {
	binaryPath string
	workDir    string
	extraArgs  []string
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	binPath := cfg.BinaryPath
	if binPath == "" {
		resolved, err := exec.LookPath("chatbroker-agent")
		if err != nil {
			return nil, fmt.Errorf("ccagent: agent binary not found: %w", err)
		}
		binPath = resolved
	}
	return &Agent{binaryPath: binPath, workDir: cfg.WorkDir, extraArgs: cfg.ExtraArgs, logger: logger}, nil
}

var _ aiagent.Agent = (*Agent)(nil)

func (a *Agent) Close() error { return nil }

func (a *Agent) GetResponseStream(ctx context.Context, chatID string, historySnapshot []*chatmodel.ChatMessage) (aiagent.StreamingResponse, error) {
	sessionID := ChatIDToSessionID(chatID)
	streamCtx, cancel := context.WithCancel(ctx)

	args := append([]string{"--session-id", sessionID, "--output-format", "stream-json"}, a.extraArgs...)
	cmd := exec.CommandContext(streamCtx, a.binaryPath, args...)
	cmd.Dir = a.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ccagent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ccagent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ccagent: start: %w", err)
	}

	promptPayload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"history": toPromptMessages(historySnapshot),
	})
	if err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("ccagent: marshal prompt: %w", err)
	}
	if _, err := stdin.Write(append(promptPayload, '\n')); err != nil {
		a.logger.Warn("ccagent: write prompt failed", "chat_id", chatID, "error", err)
	}
	_ = stdin.Close()

	resp := &streamingResponse{
		cmd:    cmd,
		cancel: cancel,
		deltas: make(chan string, 32),
		logger: a.logger,
		chatID: chatID,
	}
	go resp.pump(stdout)
	return resp, nil
}

func toPromptMessages(history []*chatmodel.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, m := range history {
		var text string
		for _, c := range m.Content {
			if c.Kind == events.ContentText {
				text += c.Text
			}
		}
		out = append(out, map[string]any{"role": string(m.Role), "content": text})
	}
	return out
}

type streamingResponse struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	deltas chan string
	logger *slog.Logger
	chatID string

	mu          sync.Mutex
	err         error
	structured  []events.ContentItem
	closed      bool
}

func (r *streamingResponse) pump(stdout interface{ Read([]byte) (int, error) }) {
	defer close(r.deltas)
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			r.logger.Warn("ccagent: skipping unparseable line", "chat_id", r.chatID, "error", err)
			continue
		}
		switch l.Type {
		case "delta":
			if l.Delta != "" {
				r.deltas <- l.Delta
			}
		case "error":
			r.mu.Lock()
			r.err = fmt.Errorf("ccagent: agent reported error: %s", l.Error)
			r.mu.Unlock()
			return
		case "result":
			if len(l.Content) > 0 {
				items := make([]events.ContentItem, 0, len(l.Content))
				for _, c := range l.Content {
					kind := events.ContentText
					switch c.Type {
					case "image":
						kind = events.ContentImage
					case "document":
						kind = events.ContentDocument
					}
					items = append(items, events.ContentItem{Kind: kind, Text: c.Text, MimeType: c.MimeType})
				}
				r.mu.Lock()
				r.structured = items
				r.mu.Unlock()
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		r.mu.Lock()
		r.err = fmt.Errorf("ccagent: scan stdout: %w", err)
		r.mu.Unlock()
	}
}

func (r *streamingResponse) TextDeltas() <-chan string { return r.deltas }

func (r *streamingResponse) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *streamingResponse) StructuredContent() []events.ContentItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.structured
}

func (r *streamingResponse) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return nil
}
