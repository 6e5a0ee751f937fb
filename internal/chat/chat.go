// Package chat implements the per-chat façade: the object
// that owns one chat's history, UI state and active AI agent, and
// exposes the high-level operations the state machine (internal/fsm)
// drives. Resource ownership (chat owns agent, agent replaced on
// SetMode, everything keyed by chat id in a shared TTL store) is
// grounded on ai/agents/runner/session_manager.go's Session, generalized
// from "one CLI subprocess" to "one chat's history + UI + agent".
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/brokerr"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/expirestore"
	"github.com/hrygo/chatbroker/internal/messenger"
	"github.com/hrygo/chatbroker/internal/uiview"
)

const continuePrompt = "please continue"

// State is the {history, uiState} pair the expiring store owns for one
// chat id ("ChatState").
type State struct {
	History *chatmodel.History
	UI      *uiview.State
}

func stateKey(chatID string) string { return chatID + "_state" }

// AgentFactory builds the AI agent for a given mode. Chat calls it
// lazily (at most once per mode swap) via a singleflight group so
// concurrent InitiateResponse calls racing a SetMode don't construct two
// agents for the same chat.
type AgentFactory func(ctx context.Context, mode string) (aiagent.Agent, error)

// Chat is the per-chat façade. One Chat instance is cached for the
// lifetime of a chat id ("Lazy one-shot resource"); the batch
// executor and event batcher hold it, the state machine calls it.
type Chat struct {
	ID   string
	mode string

	store *expirestore.Store
	ttl   time.Duration // Infinite for premium chats

	msgr messenger.Messenger
	mk   AgentFactory

	agent   aiagent.Agent
	agentSF singleflight.Group

	logger *slog.Logger
}

// New creates a Chat bound to chatID. ttl is the TTL the chat's state
// is (re)registered with in store on every mutation;
// expirestore.Infinite for premium chats per 
func New(chatID string, store *expirestore.Store, msgr messenger.Messenger, mk AgentFactory, ttl time.Duration, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{ID: chatID, store: store, msgr: msgr, mk: mk, ttl: ttl, logger: logger, mode: "default"}
}

// state returns this chat's State, creating it lazily on first access.
func (c *Chat) state() *State {
	if v, ok := c.store.Get(stateKey(c.ID)); ok {
		if st, ok := v.(*State); ok {
			return st
		}
		c.logger.Warn("chat: state type mismatch in store, recreating", "chat_id", c.ID)
	}
	st := &State{History: chatmodel.NewHistory(), UI: uiview.NewState()}
	_ = c.store.Set(stateKey(c.ID), st, c.ttl)
	return st
}

// save re-registers the (mutated in place) state under its key, which
// refreshes its TTL — the "replaced atomically on every mutation"
// behavior from Because History/UI are mutated through pointer
// receivers, the stored pointer already reflects the mutation; Set here
// exists purely to bump expiresAt.
func (c *Chat) save(st *State) {
	_ = c.store.Set(stateKey(c.ID), st, c.ttl)
}

// History exposes the chat's history snapshot accessor for callers
// (e.g. the batch executor's screenshot/hotkey phases) that need to
// append a message without going through a full InitiateResponse.
func (c *Chat) History() *chatmodel.History { return c.state().History }

// UI exposes the chat's UI state.
func (c *Chat) UI() *uiview.State { return c.state().UI }

// Mode returns the currently active mode name.
func (c *Chat) Mode() string { return c.mode }

// OnEnterWaitingForFirstMessage clears any cached state and sends a
// one-shot mode-intro notice 
func (c *Chat) OnEnterWaitingForFirstMessage(ctx context.Context, introText string) {
	c.store.Remove(stateKey(c.ID))
	if introText == "" {
		return
	}
	if _, err := c.msgr.SendText(ctx, c.ID, messenger.TextDTO{Text: introText}, nil); err != nil {
		c.logger.Warn("chat: failed to send mode-intro notice", "chat_id", c.ID, "error", err)
	}
}

// AddUserMessages appends to history only; no messenger I/O.
func (c *Chat) AddUserMessages(messages []*chatmodel.ChatMessage, forceAddToLastTurn bool) {
	st := c.state()
	st.History.AddUserMessages(messages, forceAddToLastTurn)
	c.save(st)
}

// SetMode swaps the active agent for mode, discarding the old one.
func (c *Chat) SetMode(ctx context.Context, mode string) error {
	agent, err, _ := c.agentSF.Do(mode, func() (any, error) {
		return c.mk(ctx, mode)
	})
	if err != nil {
		return brokerr.Transport("chat: failed to build agent for mode "+mode, err)
	}
	if c.agent != nil {
		_ = c.agent.Close()
	}
	c.agent = agent.(aiagent.Agent)
	c.mode = mode
	return nil
}

func (c *Chat) ensureAgent(ctx context.Context) (aiagent.Agent, error) {
	if c.agent != nil {
		return c.agent, nil
	}
	if err := c.SetMode(ctx, c.mode); err != nil {
		return nil, err
	}
	return c.agent, nil
}

// InitiateOutcome is the result of InitiateResponse/ContinueResponse/
// RegenerateResponse, consumed by the state machine via
// internal/streaming.
type InitiateOutcome struct {
	Ok            bool
	ModelMessage  *chatmodel.ChatMessage
	Segment       *uiview.Segment
	Response      aiagent.StreamingResponse
	FailureReason brokerr.Code // CodeCancelled or CodeTransport
	Err           error
}

// cancelButton / initialButtons mirror tep 3 ("a single
// Cancel button").
var cancelButtons = []string{"Cancel"}

// InitiateResponse executes five-step sequence. On any
// failure it rolls back the partially-created assistant message and UI
// segment before returning Failure.
func (c *Chat) InitiateResponse(ctx context.Context) InitiateOutcome {
	st := c.state()

	// Step 1: strip buttons from the currently-active-buttons segment.
	if holder := st.UI.ActiveButtonsHolder(); holder != nil {
		c.stripButtons(ctx, holder)
	}

	// Step 2: history snapshot.
	snapshot := st.History.GetAllMessagesForAI()

	// Step 3: create assistant message + initial UI segment.
	modelMsg := chatmodel.NewChatMessage(chatmodel.RoleAssistant, "", nil)
	if err := st.History.AddAssistantMessage(modelMsg); err != nil {
		return InitiateOutcome{Ok: false, FailureReason: brokerr.CodeInvalidState, Err: err}
	}
	seg := st.UI.CreateInitialUIMessage(modelMsg.ID, "...", nil, cancelButtons)
	messengerID, err := c.msgr.SendText(ctx, c.ID, messenger.TextDTO{Text: seg.TextContent}, cancelButtons)
	if err != nil {
		st.History.RemoveMessageFromLastTurn(modelMsg)
		st.UI.RemoveUIMessages(modelMsg.ID)
		c.save(st)
		return c.classifyFailure(ctx, err)
	}
	seg.MarkAsSent(messengerID)
	st.History.UpdateMessageOriginalId(modelMsg.ID, messengerID)

	// Step 4: call the AI agent.
	agent, err := c.ensureAgent(ctx)
	if err != nil {
		c.rollbackInitiate(ctx, st, modelMsg)
		return c.classifyFailure(ctx, err)
	}
	resp, err := agent.GetResponseStream(ctx, c.ID, snapshot)
	if err != nil {
		c.rollbackInitiate(ctx, st, modelMsg)
		return c.classifyFailure(ctx, err)
	}

	c.save(st)
	return InitiateOutcome{Ok: true, ModelMessage: modelMsg, Segment: seg, Response: resp}
}

func (c *Chat) rollbackInitiate(ctx context.Context, st *State, modelMsg *chatmodel.ChatMessage) {
	st.History.RemoveMessageFromLastTurn(modelMsg)
	for _, seg := range st.UI.RemoveUIMessages(modelMsg.ID) {
		if seg.HasMessengerID() {
			if _, derr := c.msgr.DeleteMessage(ctx, c.ID, seg.MessengerMessageID); derr != nil {
				c.logger.Warn("chat: failed to delete rollback segment", "chat_id", c.ID, "error", derr)
			}
		}
	}
	c.save(st)
}

func (c *Chat) classifyFailure(ctx context.Context, err error) InitiateOutcome {
	if ctx.Err() != nil || brokerr.Is(err, brokerr.CodeCancelled) {
		return InitiateOutcome{Ok: false, FailureReason: brokerr.CodeCancelled, Err: err}
	}
	return InitiateOutcome{Ok: false, FailureReason: brokerr.CodeTransport, Err: err}
}

func (c *Chat) stripButtons(ctx context.Context, seg *uiview.Segment) {
	outcome, err := c.msgr.EditText(ctx, c.ID, seg.MessengerMessageID, messenger.TextDTO{Text: seg.TextContent}, nil)
	if err != nil {
		c.logger.Warn("chat: failed to strip active buttons", "chat_id", c.ID, "error", err)
		return
	}
	if outcome == messenger.MessageDeleted {
		seg.IsDeleted = true
	}
	seg.ActiveButtons = nil
}

// ContinueResponse appends a synthetic "please continue" user message
// forced into the last turn, then runs InitiateResponse. On failure the
// synthetic message is removed and Continue/Regenerate buttons are
// restored on the previous assistant message 
func (c *Chat) ContinueResponse(ctx context.Context) InitiateOutcome {
	st := c.state()
	synthetic := chatmodel.NewChatMessage(chatmodel.RoleUser, "", []events.ContentItem{{Kind: events.ContentText, Text: continuePrompt}})
	st.History.AddUserMessages([]*chatmodel.ChatMessage{synthetic}, true)
	c.save(st)

	outcome := c.InitiateResponse(ctx)
	if !outcome.Ok {
		st := c.state()
		st.History.RemoveMessageFromLastTurn(synthetic)
		c.restoreRecoveryButtons(st)
		c.save(st)
	}
	return outcome
}

// RegenerateResponse removes all assistant messages (and their UI
// segments, in reverse order) from the last turn before running
// InitiateResponse 
func (c *Chat) RegenerateResponse(ctx context.Context) InitiateOutcome {
	st := c.state()
	removed := st.History.RemoveAllAssistantMessagesFromLastTurn()
	for _, msg := range removed {
		for _, seg := range st.UI.RemoveUIMessages(msg.ID) {
			if seg.HasMessengerID() {
				if _, err := c.msgr.DeleteMessage(ctx, c.ID, seg.MessengerMessageID); err != nil {
					c.logger.Warn("chat: failed to delete regenerated segment", "chat_id", c.ID, "error", err)
				}
			}
		}
	}
	c.save(st)
	return c.InitiateResponse(ctx)
}

// restoreRecoveryButtons sets Continue+Regenerate buttons on the last
// assistant message's final UI segment, used by ContinueResponse's
// failure path to hand control back to the message that preceded the
// failed synthetic continuation.
func (c *Chat) restoreRecoveryButtons(st *State) {
	last := st.History.GetLastAssistantMessage()
	if last == nil {
		return
	}
	segs := st.UI.Segments(last.ID)
	if len(segs) == 0 {
		return
	}
	st.UI.SetActiveButtons(segs[len(segs)-1], []string{"Continue", "Regenerate"})
}

const retryMessageText = "Sorry, something went wrong. Try again?"

// OnEnterError appends a short assistant "try again" message with a
// Retry button 
func (c *Chat) OnEnterError(ctx context.Context) {
	st := c.state()
	msg := chatmodel.NewChatMessage(chatmodel.RoleAssistant, "", []events.ContentItem{{Kind: events.ContentText, Text: retryMessageText}})
	if err := st.History.AddAssistantMessage(msg); err != nil {
		c.logger.Warn("chat: OnEnterError could not append retry message", "chat_id", c.ID, "error", err)
		return
	}
	seg := st.UI.CreateInitialUIMessage(msg.ID, retryMessageText, nil, []string{"Retry"})
	if id, err := c.msgr.SendText(ctx, c.ID, messenger.TextDTO{Text: retryMessageText}, []string{"Retry"}); err == nil {
		seg.MarkAsSent(id)
		st.History.UpdateMessageOriginalId(msg.ID, id)
	} else {
		c.logger.Warn("chat: failed to send retry message", "chat_id", c.ID, "error", err)
	}
	c.save(st)
}

// OnExitError removes the "try again" message created by OnEnterError.
func (c *Chat) OnExitError(ctx context.Context) {
	st := c.state()
	msg := st.History.GetLastAssistantMessage()
	if msg == nil {
		return
	}
	for _, seg := range st.UI.RemoveUIMessages(msg.ID) {
		if seg.HasMessengerID() {
			if _, err := c.msgr.DeleteMessage(ctx, c.ID, seg.MessengerMessageID); err != nil {
				c.logger.Warn("chat: failed to delete retry message", "chat_id", c.ID, "error", err)
			}
		}
	}
	st.History.RemoveMessageFromLastTurn(msg)
	c.save(st)
}

// Reset drops this chat's cached state entirely, returning it to a
// fresh WaitingForFirstMessage chat.
func (c *Chat) Reset() {
	c.store.Remove(stateKey(c.ID))
}

// Close disposes the chat's active agent ("Disposal").
func (c *Chat) Close() error {
	if c.agent != nil {
		return c.agent.Close()
	}
	return nil
}

// String implements fmt.Stringer for log lines.
func (c *Chat) String() string {
	return fmt.Sprintf("Chat{id=%s, mode=%s}", c.ID, c.mode)
}
