// Package executor implements the per-chat batch executor :
// serialization of batches for one chat, preemption of an in-flight
// batch by a newer one, and the guarantee that every batch's user
// messages land in history even when its pipeline run is cancelled. The
// (lock, cancellationSource, queue) triplet is this package's own
// invention per design note; the lock-acquire/release
// discipline around it is grounded on
// ai/agents/runner/session_manager.go's cleanupSessionLocked pattern
// (always pair Lock with a guaranteed matching Unlock via defer, even on
// early-return paths).
package executor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/hrygo/chatbroker/internal/chat"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
)

// ScreenshotProvider captures a screenshot for the Ctrl+C/Ctrl+V hotkey
// phases (phases 2a/2b). Returns nil data if no screenshot is
// available; that is not an error.
type ScreenshotProvider interface {
	Capture(ctx context.Context, chatID string) ([]byte, string, error) // bytes, mimeType, error
}

// ActionProcessor receives a batch's last button-click event (phase 4,
// "dispatch to the action processor"). runPipeline calls it for every
// action id, after Session.Action has mapped the five lifecycle buttons
// to their triggers.
type ActionProcessor interface {
	Process(ctx context.Context, s *chat.Session, e events.Event) error
}

// CommandRunner executes a single Command-kind event (phase
// 3, "execute each in order"). internal/commands.Registry implements
// this.
type CommandRunner interface {
	Run(ctx context.Context, s *chat.Session, e events.Event) error
}

// classifiedBatch is the result of tep 1's classification.
type classifiedBatch struct {
	Expire       []events.Event
	CtrlC        []events.Event
	CtrlV        []events.Event
	Commands     []events.Event
	Actions      []events.Event
	Messages     []events.Event
	isOnlyExpire bool
	lastAction   *events.Event
}

func classify(evs []events.Event) classifiedBatch {
	sorted := append([]events.Event(nil), evs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OrderID < sorted[j].OrderID })

	var cb classifiedBatch
	for _, e := range sorted {
		switch e.Kind {
		case events.KindExpire:
			cb.Expire = append(cb.Expire, e)
		case events.KindHotkeyC:
			cb.CtrlC = append(cb.CtrlC, e)
		case events.KindHotkeyV:
			cb.CtrlV = append(cb.CtrlV, e)
		case events.KindCommand:
			cb.Commands = append(cb.Commands, e)
		case events.KindAction:
			cb.Actions = append(cb.Actions, e)
			ev := e
			cb.lastAction = &ev
		case events.KindMessage:
			cb.Messages = append(cb.Messages, e)
		}
	}
	cb.isOnlyExpire = len(cb.Expire) > 0 && len(sorted) == 1
	return cb
}

func toChatMessages(evs []events.Event) []*chatmodel.ChatMessage {
	var out []*chatmodel.ChatMessage
	for _, e := range evs {
		out = append(out, chatmodel.NewChatMessage(chatmodel.RoleUser, e.Username, e.Content))
	}
	return out
}

// Executor serializes batches for exactly one chat.
type Executor struct {
	chatID  string
	session *chat.Session

	screenshot ScreenshotProvider
	actions    ActionProcessor
	commands   CommandRunner

	mu            sync.Mutex // serializes pipeline execution for this chat
	queueMu       sync.Mutex // guards pending and currentCancel
	pending       []classifiedBatch
	currentCancel context.CancelFunc

	logger *slog.Logger
}

// New creates an Executor bound to one chat's Session.
func New(chatID string, session *chat.Session, screenshot ScreenshotProvider, actions ActionProcessor, commands CommandRunner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{chatID: chatID, session: session, screenshot: screenshot, actions: actions, commands: commands, logger: logger}
}

// ExecuteBatch runs ten-step algorithm for one micro-batch.
func (ex *Executor) ExecuteBatch(ctx context.Context, evs []events.Event) error {
	cb := classify(evs)

	// Step 2: enqueue.
	ex.queueMu.Lock()
	ex.pending = append(ex.pending, cb)
	// Step 3: cancel the current in-flight batch's token without
	// disposing it — the running task disposes its own token in its
	// deferred cleanup once it observes the cancellation.
	if ex.currentCancel != nil {
		ex.currentCancel()
	}
	ex.queueMu.Unlock()

	// Step 4: acquire the per-chat lock. Everything from here on runs
	// with at most one goroutine active for this chat.
	ex.mu.Lock()
	defer ex.mu.Unlock()

	// Step 5: new linked cancellation source, published as "current".
	runCtx, cancel := context.WithCancel(ctx)
	ex.queueMu.Lock()
	ex.currentCancel = cancel
	ex.queueMu.Unlock()
	defer func() {
		ex.queueMu.Lock()
		if ex.currentCancel != nil {
			// Clears unconditionally; see clearIfCurrentLocked.
			ex.clearIfCurrentLocked(cancel)
		}
		ex.queueMu.Unlock()
		cancel()
	}()

	// Step 6: dequeue one batch — may differ from cb if a newer batch
	// was enqueued between step 2 and here.
	ex.queueMu.Lock()
	batch := ex.pending[0]
	ex.pending = ex.pending[1:]
	remaining := len(ex.pending)
	ex.queueMu.Unlock()

	// Step 7: unconditionally append this batch's user messages.
	if len(batch.Messages) > 0 {
		if err := ex.session.AddMessages(runCtx, toChatMessages(batch.Messages)); err != nil {
			ex.logger.Warn("executor: AddMessages failed", "chat_id", ex.chatID, "error", err)
		}
	}

	// Step 8: bail out now if a newer batch already cancelled us.
	if runCtx.Err() != nil {
		return runCtx.Err()
	}

	// Step 9: only the last batch in the queue runs the pipeline.
	if remaining > 0 {
		return nil
	}
	return ex.runPipeline(runCtx, batch)
}

// clearIfCurrentLocked clears ex.currentCancel. Go cannot compare
// context.CancelFunc values, so mine is not compared against anything
// and the clear is unconditional. Kept as a method for clarity at the
// call site.
func (ex *Executor) clearIfCurrentLocked(mine context.CancelFunc) {
	// Go cannot compare func values; we rely on the fact that only one
	// goroutine holds ex.mu at a time (step 4's lock), so whichever
	// batch is actually running is by construction the one whose cancel
	// is published. The next batch's ExecuteBatch call will overwrite
	// currentCancel itself once it acquires ex.mu — so it is always safe
	// to clear here unconditionally, because no other goroutine can be
	// inside this critical section concurrently in the period between
	// this defer running and the next batch's step 5.
	ex.currentCancel = nil
}

func (ex *Executor) runPipeline(ctx context.Context, batch classifiedBatch) error {
	// Phase 1: Expire-only batch resets the chat.
	if batch.isOnlyExpire {
		return ex.session.ResetChat(ctx)
	}

	// Phase 2a: Ctrl+C.
	if len(batch.CtrlC) > 0 {
		return ex.runHotkey(ctx, "Here is my current screen, please explain what you see:")
	}

	// Phase 2b: Ctrl+V.
	if len(batch.CtrlV) > 0 {
		return ex.runHotkey(ctx, "Here is what I copied, please respond to it:")
	}

	// Phase 3: Commands, in order.
	if ex.commands != nil {
		for _, e := range batch.Commands {
			if err := ex.commands.Run(ctx, ex.session, e); err != nil {
				ex.logger.Warn("executor: command failed", "chat_id", ex.chatID, "command", e.Command, "error", err)
			}
		}
	}

	// Phase 4: last action, only if no messages arrived this batch.
	if batch.lastAction != nil && len(batch.Messages) == 0 {
		if err := ex.session.Action(ctx, batch.lastAction.ActionID); err != nil {
			ex.logger.Warn("executor: action trigger failed", "chat_id", ex.chatID, "error", err)
		}
		if ex.actions != nil {
			if err := ex.actions.Process(ctx, ex.session, *batch.lastAction); err != nil {
				ex.logger.Warn("executor: action processor failed", "chat_id", ex.chatID, "error", err)
			}
		}
	}

	// Phase 5: messages drive a response.
	if len(batch.Messages) > 0 {
		return ex.doResponseToLastMessage(ctx)
	}
	return nil
}

func (ex *Executor) runHotkey(ctx context.Context, prompt string) error {
	var content []events.ContentItem
	if ex.screenshot != nil {
		data, mime, err := ex.screenshot.Capture(ctx, ex.chatID)
		if err != nil {
			ex.logger.Warn("executor: screenshot capture failed", "chat_id", ex.chatID, "error", err)
		} else if len(data) > 0 {
			content = append(content, events.ContentItem{Kind: events.ContentImage, Data: data, MimeType: mime})
		}
	}
	content = append(content, events.ContentItem{Kind: events.ContentText, Text: prompt})
	msg := chatmodel.NewChatMessage(chatmodel.RoleUser, "", content)
	if err := ex.session.AddMessages(ctx, []*chatmodel.ChatMessage{msg}); err != nil {
		return err
	}
	return ex.doResponseToLastMessage(ctx)
}

// doResponseToLastMessage fires UserRequestResponse, which the machine
// accepts only from WaitingForNewMessages (any other state yields an
// InvalidStateError). At most one call runs per
// overlapping batch run, because runPipeline only executes for the
// last batch in the queue.
func (ex *Executor) doResponseToLastMessage(ctx context.Context) error {
	return ex.session.RequestResponse(ctx)
}
