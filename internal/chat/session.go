package chat

import (
	"context"
	"log/slog"

	"github.com/hrygo/chatbroker/internal/brokerr"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/fsm"
	"github.com/hrygo/chatbroker/internal/messenger/mediaprep"
	"github.com/hrygo/chatbroker/internal/streaming"
)

// Session is the composition root for one chat: it wires a Chat (§4.F)
// to its own fsm.Machine (§4.G) and drives internal/streaming (§4.H)
// from the machine's transition hook. Per design note ("the
// state machine references chat but does not own it"), Machine itself
// never imports this package — Session is what closes the loop, holding
// both as siblings instead of nesting one inside the other.
type Session struct {
	Chat    *Chat
	Machine *fsm.Machine

	maxTextLen  int
	maxPhotoLen int
	mediaPrep   mediaprep.Config

	introLoader func(mode string) string

	pending     *pendingStream
	pendingMode string
	logger      *slog.Logger
}

type pendingStream struct {
	outcome InitiateOutcome
}

// NewSession builds a Session around chat, wiring its machine's
// transition hook to chat's operations. It uses mediaprep.DefaultConfig
// for outgoing photo resizing; use NewSessionWithMediaPrep to override.
func NewSession(c *Chat, maxTextLen, maxPhotoLen int, introLoader func(mode string) string, logger *slog.Logger) *Session {
	return NewSessionWithMediaPrep(c, maxTextLen, maxPhotoLen, mediaprep.DefaultConfig(), introLoader, logger)
}

// NewSessionWithMediaPrep is NewSession with an explicit mediaprep.Config,
// used by deployments that want stricter/looser photo-transcoding
// limits than the default.
func NewSessionWithMediaPrep(c *Chat, maxTextLen, maxPhotoLen int, mediaPrep mediaprep.Config, introLoader func(mode string) string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{Chat: c, maxTextLen: maxTextLen, maxPhotoLen: maxPhotoLen, mediaPrep: mediaPrep, introLoader: introLoader, logger: logger}
	s.Machine = fsm.New(s.onTransition, logger)
	return s
}

// State reports the machine's current state.
func (s *Session) State() fsm.State { return s.Machine.State() }

// RequestResponse fires UserRequestResponse.
func (s *Session) RequestResponse(ctx context.Context) error {
	return s.Machine.Fire(fsm.UserRequestResponse, ctx)
}

// Continue fires UserContinue.
func (s *Session) Continue(ctx context.Context) error {
	return s.Machine.Fire(fsm.UserContinue, ctx)
}

// Regenerate fires UserRegenerate.
func (s *Session) Regenerate(ctx context.Context) error {
	return s.Machine.Fire(fsm.UserRegenerate, ctx)
}

// AddMessages appends messages to history and fires UserAddMessages.
// forceAddToLastTurn is false for ordinary user turns — the forced path
// is used internally by ContinueResponse's synthetic message only.
func (s *Session) AddMessages(ctx context.Context, messages []*chatmodel.ChatMessage) error {
	s.Chat.AddUserMessages(messages, false)
	return s.Machine.Fire(fsm.UserAddMessages, ctx)
}

// ResetChat fires UserReset.
func (s *Session) ResetChat(ctx context.Context) error {
	return s.Machine.Fire(fsm.UserReset, ctx)
}

// SetMode fires UserSetMode. Per DESIGN.md's Open Question decision, the
// agent swap happens inside the transition hook so that firing from
// Streaming correctly rebuilds the agent before re-initiating.
func (s *Session) SetMode(ctx context.Context, mode string) error {
	s.pendingMode = mode
	return s.Machine.Fire(fsm.UserSetMode, ctx)
}

// Action dispatches a button callback by its action id (the "Action"
// event kind) to the matching trigger. Unknown ids are ignored; the
// command/action dispatch registry (internal/commands) is responsible
// for anything beyond these five lifecycle buttons.
func (s *Session) Action(ctx context.Context, actionID string) error {
	switch actionID {
	case "Cancel", "Stop":
		s.Machine.Cancel()
		return nil
	case "Retry", "Regenerate":
		return s.Regenerate(ctx)
	case "Continue":
		return s.Continue(ctx)
	default:
		return nil
	}
}

// onTransition is the fsm.Hook bound to this session. It runs the
// side effect matching each entered state, then fires the follow-up
// trigger the side effect's outcome calls for. The machine keeps the
// transition marked running while this hook runs, so a trigger fired
// here is queued and applied by fsm.Machine.fireLocked's loop right
// after this hook returns, before the outer Fire/TryFire returns.
func (s *Session) onTransition(rawCtx fsm.Context, from, to fsm.State, trigger fsm.Trigger) error {
	ctx, _ := rawCtx.(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	if from == fsm.Error && to != fsm.Error {
		s.Chat.OnExitError(ctx)
	}

	switch to {
	case fsm.WaitingForFirstMessage:
		if trigger == fsm.UserSetMode {
			if err := s.Chat.SetMode(ctx, s.pendingMode); err != nil {
				s.logger.Warn("chat: mode switch failed", "chat_id", s.Chat.ID, "mode", s.pendingMode, "error", err)
			}
		}
		intro := ""
		if s.introLoader != nil {
			intro = s.introLoader(s.Chat.Mode())
		}
		s.Chat.OnEnterWaitingForFirstMessage(ctx, intro)

	case fsm.Error:
		if from != fsm.Error {
			s.Chat.OnEnterError(ctx)
		}

	case fsm.InitiateAIResponse:
		s.runInitiate(ctx, trigger)

	case fsm.Streaming:
		s.runStreaming(ctx)
	}

	return nil
}

// runInitiate executes the Chat-level operation matching trigger and
// fires the matching follow-up trigger ("InitiateAIResponse ->
// AIProducedContent/AIResponseError/UserCancel(internal)").
func (s *Session) runInitiate(ctx context.Context, trigger fsm.Trigger) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.Machine.SetCancel(cancel)

	var outcome InitiateOutcome
	switch trigger {
	case fsm.UserSetMode:
		if err := s.Chat.SetMode(streamCtx, s.pendingMode); err != nil {
			outcome = InitiateOutcome{Ok: false, FailureReason: brokerr.CodeTransport, Err: err}
			break
		}
		outcome = s.Chat.InitiateResponse(streamCtx)
	case fsm.UserContinue:
		outcome = s.Chat.ContinueResponse(streamCtx)
	case fsm.UserRegenerate:
		outcome = s.Chat.RegenerateResponse(streamCtx)
	default: // UserRequestResponse
		outcome = s.Chat.InitiateResponse(streamCtx)
	}

	if !outcome.Ok {
		if outcome.FailureReason == brokerr.CodeCancelled {
			s.Machine.TryFire(fsm.UserCancel, ctx)
		} else {
			s.Machine.TryFire(fsm.AIResponseError, ctx)
		}
		return
	}

	s.pending = &pendingStream{outcome: outcome}
	s.Machine.TryFire(fsm.AIProducedContent, ctx)
}

// runStreaming runs internal/streaming over the pending stream context
// produced by runInitiate and fires the matching follow-up trigger
// ("Streaming -> AIResponseFinished/AIResponseError/UserStop").
func (s *Session) runStreaming(ctx context.Context) {
	p := s.pending
	s.pending = nil
	if p == nil {
		s.logger.Error("chat: entered Streaming with no pending stream context", "chat_id", s.Chat.ID)
		s.Machine.TryFire(fsm.AIResponseError, ctx)
		return
	}

	st := s.Chat.state()
	result := streaming.Run(ctx, streaming.Deps{
		Messenger:      s.Chat.msgr,
		ChatID:         s.Chat.ID,
		History:        st.History,
		UI:             st.UI,
		ModelMessage:   p.outcome.ModelMessage,
		InitialSegment: p.outcome.Segment,
		Response:       p.outcome.Response,
		MaxTextLen:     s.maxTextLen,
		MaxPhotoLen:    s.maxPhotoLen,
		MediaPrep:      s.mediaPrep,
		Logger:         s.logger,
	})
	s.Chat.save(st)

	switch result.Outcome {
	case streaming.Finished:
		s.Machine.TryFire(fsm.AIResponseFinished, ctx)
	case streaming.Cancelled:
		s.Machine.TryFire(fsm.UserStop, ctx)
	default:
		s.logger.Warn("chat: streaming failed", "chat_id", s.Chat.ID, "error", result.Err)
		s.Machine.TryFire(fsm.AIResponseError, ctx)
	}
}
