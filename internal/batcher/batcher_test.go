package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/access"
	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/chat"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/executor"
	"github.com/hrygo/chatbroker/internal/expirestore"
	"github.com/hrygo/chatbroker/internal/messenger"
)

type fakeMessenger struct {
	mu        sync.Mutex
	nextID    int64
	sentTexts []string
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID string, dto messenger.TextDTO, buttons []string) (int64, error) {
	f.mu.Lock()
	f.nextID++
	f.sentTexts = append(f.sentTexts, dto.Text)
	f.mu.Unlock()
	return f.nextID, nil
}

func (f *fakeMessenger) textsSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

func (f *fakeMessenger) SendPhoto(ctx context.Context, chatID string, dto messenger.PhotoDTO, buttons []string) (int64, error) {
	f.mu.Lock()
	f.nextID++
	f.mu.Unlock()
	return f.nextID, nil
}
func (f *fakeMessenger) EditText(ctx context.Context, chatID string, id int64, dto messenger.TextDTO, buttons []string) (messenger.EditOutcome, error) {
	return messenger.Success, nil
}
func (f *fakeMessenger) EditPhoto(ctx context.Context, chatID string, id int64, dto messenger.PhotoDTO, buttons []string) (messenger.EditOutcome, error) {
	return messenger.Success, nil
}
func (f *fakeMessenger) DeleteMessage(ctx context.Context, chatID string, id int64) (bool, error) {
	return true, nil
}
func (f *fakeMessenger) MaxTextMessageLen() int  { return 1000 }
func (f *fakeMessenger) MaxPhotoMessageLen() int { return 1000 }

type fastAgent struct{}

func (a *fastAgent) GetResponseStream(ctx context.Context, chatID string, history []*chatmodel.ChatMessage) (aiagent.StreamingResponse, error) {
	deltas := make(chan string, 1)
	deltas <- "ok"
	close(deltas)
	return &stream{deltas: deltas}, nil
}
func (a *fastAgent) Close() error { return nil }

type stream struct{ deltas chan string }

func (s *stream) TextDeltas() <-chan string               { return s.deltas }
func (s *stream) Err() error                              { return nil }
func (s *stream) StructuredContent() []events.ContentItem { return nil }
func (s *stream) Close() error                            { return nil }

func msgEvent(chatID, username string, orderID int64, text string) events.Event {
	return events.Event{
		ChatID:   chatID,
		Username: username,
		OrderID:  orderID,
		Kind:     events.KindMessage,
		Content:  []events.ContentItem{{Kind: events.ContentText, Text: text}},
	}
}

// newTestFactories wires a SessionFactory/ExecutorFactory pair over a
// single fakeMessenger/fastAgent, and hands back the messenger (so a
// test can assert on what it was sent), plus a way to look up the
// chat.Session a test's chat id was lazily given (runtimeFor's
// singleflight builds it at most once, so the same *chat.Session is
// returned on every later lookup for that chat id).
func newTestFactories(t *testing.T) (SessionFactory, ExecutorFactory, *fakeMessenger, func(chatID string) *chat.Session) {
	t.Helper()
	store := expirestore.New(time.Hour, nil)
	t.Cleanup(func() { store.Close() })
	msgr := &fakeMessenger{}
	agentFactory := func(ctx context.Context, mode string) (aiagent.Agent, error) { return &fastAgent{}, nil }

	var mu sync.Mutex
	built := make(map[string]*chat.Session)

	sessionOf := func(ctx context.Context, chatID string) (*chat.Session, error) {
		c := chat.New(chatID, store, msgr, agentFactory, expirestore.Infinite, nil)
		s := chat.NewSession(c, 1000, 1000, nil, nil)
		mu.Lock()
		built[chatID] = s
		mu.Unlock()
		return s, nil
	}
	executorOf := func(chatID string, s *chat.Session) *executor.Executor {
		return executor.New(chatID, s, nil, nil, nil, nil)
	}
	sessionFor := func(chatID string) *chat.Session {
		mu.Lock()
		defer mu.Unlock()
		return built[chatID]
	}
	return sessionOf, executorOf, msgr, sessionFor
}

// TestBatcher_FlushesOnMaxBatchSize covers the count-triggered flush path:
// hitting maxBatch dispatches immediately without waiting for the window.
func TestBatcher_FlushesOnMaxBatchSize(t *testing.T) {
	sessionOf, executorOf, msgr, sessionFor := newTestFactories(t)
	b := New(nil, msgr, sessionOf, executorOf, WithWindow(time.Hour), WithMaxBatchSize(2))

	producer := make(chan events.Event, 4)
	producer <- msgEvent("chat1", "alice", 1, "hi")
	producer <- msgEvent("chat1", "alice", 2, "there")
	close(producer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, producer)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := sessionFor("chat1")
		return s != nil && s.Chat.History().TurnCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "hitting maxBatch must dispatch without waiting for the window")

	cancel()
	<-done
	b.Wait()
}

// TestBatcher_FlushesOnWindowExpiry covers the timer-triggered flush path
// when a chat's buffer never reaches maxBatch.
func TestBatcher_FlushesOnWindowExpiry(t *testing.T) {
	sessionOf, executorOf, msgr, sessionFor := newTestFactories(t)
	b := New(nil, msgr, sessionOf, executorOf, WithWindow(30*time.Millisecond), WithMaxBatchSize(100))

	producer := make(chan events.Event, 1)
	producer <- msgEvent("chat1", "alice", 1, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, producer)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := sessionFor("chat1")
		return s != nil && s.Chat.History().TurnCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "the window timer must flush a buffer that never reached maxBatch")

	cancel()
	<-done
	b.Wait()
}

// TestBatcher_AccessCheckerDropsDisallowedEvents covers the access-gate:
// a batch the checker denies never reaches a chat's executor, is
// reported through Metrics.RecordAccessDenied, and gets a rejection text
// sent to the messenger instead.
func TestBatcher_AccessCheckerDropsDisallowedEvents(t *testing.T) {
	sessionOf, executorOf, msgr, sessionFor := newTestFactories(t)

	policy, err := access.CompilePolicy(`username == "allowed"`)
	require.NoError(t, err)
	checker := access.NewChecker("", "", policy)

	metrics := &recordingMetrics{}
	b := New(checker, msgr, sessionOf, executorOf, WithWindow(20*time.Millisecond), WithMaxBatchSize(100), WithMetrics(metrics))

	producer := make(chan events.Event, 1)
	producer <- msgEvent("chat1", "denied", 1, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, producer)
		close(done)
	}()

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.denied > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	b.Wait()

	require.Nil(t, sessionFor("chat1"), "a denied batch must never reach the executor, so no chat runtime is ever built")
	require.Equal(t, []string{accessDeniedText}, msgr.textsSent(), "the messenger must receive the rejection text on denial")
}

// TestBatcher_AccessCheckUsesFirstMessageOrCommandUsername covers
// extracting the batch's access-check username from the first
// Message/Command event rather than checking every event independently:
// a control-only Action event with no username of its own must not
// bypass (or redundantly re-run) the check against an empty username.
func TestBatcher_AccessCheckUsesFirstMessageOrCommandUsername(t *testing.T) {
	sessionOf, executorOf, msgr, sessionFor := newTestFactories(t)

	policy, err := access.CompilePolicy(`username == "allowed"`)
	require.NoError(t, err)
	checker := access.NewChecker("", "", policy)

	b := New(checker, msgr, sessionOf, executorOf, WithWindow(20*time.Millisecond), WithMaxBatchSize(100))

	producer := make(chan events.Event, 2)
	producer <- events.Event{ChatID: "chat1", Kind: events.KindAction, ActionID: "stop", OrderID: 1}
	producer <- msgEvent("chat1", "allowed", 2, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, producer)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := sessionFor("chat1")
		return s != nil && s.Chat.History().TurnCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "the batch's Message username must admit the whole batch, including the leading Action event")

	cancel()
	<-done
	b.Wait()

	require.Empty(t, msgr.textsSent(), "an admitted batch must not receive a rejection text")
}

type recordingMetrics struct {
	mu     sync.Mutex
	denied int
	depth  map[string]int
}

func (m *recordingMetrics) SetQueueDepth(chatID string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == nil {
		m.depth = make(map[string]int)
	}
	m.depth[chatID] = depth
}

func (m *recordingMetrics) RecordAccessDenied(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied++
}
