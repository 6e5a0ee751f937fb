// Package fsm implements the chat lifecycle state machine :
// states, guarded triggers, a FIFO trigger queue for reentrant fires, and
// serialized transitions. The lock/status discipline is grounded on
// ai/agents/runner/session_manager.go's Session (a mutex-guarded status
// field with SetStatus/GetStatus accessors), generalized here from a
// single status field to a full guarded-transition table because the
// chat lifecycle has many more states and trigger-dependent guards than
// a CLI subprocess's starting/ready/busy/dead.
package fsm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hrygo/chatbroker/internal/brokerr"
)

// State is one of the five chat lifecycle states 
type State string

const (
	WaitingForFirstMessage State = "WaitingForFirstMessage"
	WaitingForNewMessages  State = "WaitingForNewMessages"
	InitiateAIResponse     State = "InitiateAIResponse"
	Streaming              State = "Streaming"
	Error                  State = "Error"
)

// Trigger is one of the events that can move the machine between states.
type Trigger string

const (
	UserAddMessages     Trigger = "UserAddMessages"
	UserReset           Trigger = "UserReset"
	UserSetMode         Trigger = "UserSetMode"
	UserRequestResponse Trigger = "UserRequestResponse"
	UserContinue        Trigger = "UserContinue"
	UserRegenerate      Trigger = "UserRegenerate"
	UserCancel          Trigger = "UserCancel" // internal
	UserStop            Trigger = "UserStop"   // internal
	AIProducedContent   Trigger = "AIProducedContent"
	AIResponseFinished  Trigger = "AIResponseFinished"
	AIResponseError     Trigger = "AIResponseError"
)

// transitionKey identifies one (from-state, trigger) table entry.
type transitionKey struct {
	from    State
	trigger Trigger
}

// table encodes transition table verbatim.
var table = map[transitionKey]State{
	{WaitingForFirstMessage, UserAddMessages}: WaitingForNewMessages,
	{WaitingForFirstMessage, UserReset}:       WaitingForFirstMessage,
	{WaitingForFirstMessage, UserSetMode}:     WaitingForFirstMessage,

	{WaitingForNewMessages, UserRequestResponse}: InitiateAIResponse,
	{WaitingForNewMessages, UserContinue}:        InitiateAIResponse,
	{WaitingForNewMessages, UserRegenerate}:       InitiateAIResponse,
	{WaitingForNewMessages, UserAddMessages}:      WaitingForNewMessages,
	{WaitingForNewMessages, UserReset}:            WaitingForFirstMessage,

	{InitiateAIResponse, AIProducedContent}: Streaming,
	{InitiateAIResponse, AIResponseError}:    Error,
	{InitiateAIResponse, UserCancel}:         WaitingForNewMessages,
	{InitiateAIResponse, UserAddMessages}:    WaitingForNewMessages,
	{InitiateAIResponse, UserReset}:          WaitingForFirstMessage,

	{Streaming, AIResponseFinished}: WaitingForNewMessages,
	{Streaming, AIResponseError}:    Error,
	{Streaming, UserStop}:           WaitingForNewMessages,
	{Streaming, UserReset}:          WaitingForFirstMessage,
	{Streaming, UserAddMessages}:    WaitingForNewMessages,
	{Streaming, UserSetMode}:        InitiateAIResponse,

	{Error, UserRegenerate}:  InitiateAIResponse,
	{Error, UserAddMessages}: WaitingForNewMessages,
	{Error, UserReset}:       WaitingForFirstMessage,
}

// cancelStates are the states whose active AI stream must be cancelled
// when the machine transitions away from them (§5
// "Cancellation semantics").
var cancelStates = map[State]bool{
	InitiateAIResponse: true,
	Streaming:          true,
}

// Context carries whatever the caller needs threaded through a
// transition's side effects (the owning Chat, in practice). It is opaque
// to the machine itself.
type Context any

// Hook is invoked synchronously after the state has flipped, with the
// machine's lock released for the duration of the call (see fireLocked).
// A hook is free to call Fire/TryFire reentrantly on the same machine —
// on the same goroutine, the outer transition is still marked running,
// so the reentrant call is queued rather than applied immediately, and
// runs once this hook returns.
type Hook func(ctx Context, from, to State, trigger Trigger) error

// Machine is one chat's state machine. All transitions are serialized by
// mu; triggers that arrive while a transition is executing are queued
// and run FIFO once the current transition (and any hook it ran)
// completes.
type Machine struct {
	mu      sync.Mutex
	state   State
	queue   []queuedTrigger
	running bool

	cancel context.CancelFunc // cancels the active AI stream, if any

	onTransition Hook
	logger       *slog.Logger
}

type queuedTrigger struct {
	trigger Trigger
	ctx     Context
}

// New creates a Machine in WaitingForFirstMessage. onTransition, if
// non-nil, runs after every successful transition with the machine's
// lock released (see fireLocked).
func New(onTransition Hook, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:        WaitingForFirstMessage,
		onTransition: onTransition,
		logger:       logger,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanFire reports whether trigger is accepted from the current state.
func (m *Machine) CanFire(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := table[transitionKey{m.state, trigger}]
	return ok
}

// SetCancel registers the cancel func for the AI stream the machine is
// about to own (called by InitiateAIResponse's caller before firing
// AIProducedContent). Transitions leaving InitiateAIResponse/Streaming
// invoke it exactly once.
func (m *Machine) SetCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
}

// Cancel invokes the currently-registered stream cancel func, if any.
// Used when a user-initiated Cancel/Stop button click should interrupt
// whatever AI call or stream is in flight; the cancellation itself then
// surfaces as ctx.Err() to the in-flight operation, which fires
// UserCancel/UserStop once it unwinds 
func (m *Machine) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TryFire fires trigger if permitted from the current state and reports
// whether it did. If a transition is already in progress on this
// machine, the trigger is queued and runs later; TryFire then returns
// true immediately (the trigger was accepted for processing, not
// necessarily applied yet) as long as it would be legal from *some*
// reachable state — queued triggers that turn out illegal when their
// turn comes are silently dropped and logged, matching "guards are
// re-checked at fire time" semantics.
func (m *Machine) TryFire(trigger Trigger, ctx Context) bool {
	m.mu.Lock()
	if m.running {
		m.queue = append(m.queue, queuedTrigger{trigger, ctx})
		m.mu.Unlock()
		return true
	}
	to, ok := table[transitionKey{m.state, trigger}]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.fireLocked(trigger, to, ctx)
	return true
}

// Fire fires trigger, failing with InvalidStateError if not permitted
// from the current state (and no transition is in progress to queue
// behind).
func (m *Machine) Fire(trigger Trigger, ctx Context) error {
	m.mu.Lock()
	if m.running {
		m.queue = append(m.queue, queuedTrigger{trigger, ctx})
		m.mu.Unlock()
		return nil
	}
	to, ok := table[transitionKey{m.state, trigger}]
	if !ok {
		state := m.state
		m.mu.Unlock()
		return brokerr.InvalidState("fsm: trigger " + string(trigger) + " not permitted from " + string(state))
	}
	m.fireLocked(trigger, to, ctx)
	return nil
}

// fireLocked performs one transition and then drains the queue. Caller
// must hold mu and leaves it unlocked on return.
//
// mu is released for the duration of the onTransition call: every
// production hook (Session.onTransition) synchronously triggers the next
// step of the AI response pipeline, which fires further triggers back
// into this same machine from the same goroutine — since sync.Mutex is
// not reentrant, holding mu across that call would deadlock the first
// time a hook ever fired anything. m.running stays true for the whole
// window (transition plus hook plus any reentrant fires the hook makes),
// so a same-goroutine reentrant Fire/TryFire sees running and queues
// instead of racing the state directly. Once the hook returns, mu is
// re-acquired and any triggers queued during the call are drained in
// FIFO order, each re-checked against the table at its own turn ("guards
// are re-checked at fire time").
func (m *Machine) fireLocked(trigger Trigger, to State, ctx Context) {
	for {
		from := m.state
		if cancelStates[from] && from != to {
			if m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
		}
		m.state = to
		m.running = true
		m.mu.Unlock()

		if m.onTransition != nil {
			if err := m.onTransition(ctx, from, to, trigger); err != nil {
				m.logger.Error("fsm: transition hook failed", "from", from, "to", to, "trigger", trigger, "error", err)
			}
		}

		m.mu.Lock()
		m.running = false

		next, ok := m.nextQueuedLocked()
		if !ok {
			m.mu.Unlock()
			return
		}
		trigger, to, ctx = next.trigger, next.to, next.ctx
	}
}

// nextQueuedLocked pops queued triggers until it finds one still legal
// from the current state, dropping illegal ones with a warning. Caller
// must hold mu.
func (m *Machine) nextQueuedLocked() (resolvedTrigger, bool) {
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		to, ok := table[transitionKey{m.state, next.trigger}]
		if !ok {
			m.logger.Warn("fsm: dropping queued trigger, no longer legal", "trigger", next.trigger, "state", m.state)
			continue
		}
		return resolvedTrigger{trigger: next.trigger, to: to, ctx: next.ctx}, true
	}
	return resolvedTrigger{}, false
}

// resolvedTrigger is a queued trigger paired with the destination state
// it resolved to when nextQueuedLocked checked it against the table.
type resolvedTrigger struct {
	trigger Trigger
	to      State
	ctx     Context
}
