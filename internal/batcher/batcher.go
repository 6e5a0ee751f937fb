// Package batcher implements the event batcher: a fan-in merge of every
// event producer, grouping by chat id, (duration, count) buffering,
// lazy per-chat Session/Executor construction, and dispatch into
// internal/executor. The lazy-construct-once-under-contention pattern
// is grounded on internal/chat.Chat's agentSF singleflight.Group use,
// generalized here from "one agent per mode" to "one Session and one
// Executor per chat id"; the fan-out concurrency cap is grounded on
// server/router/api/v1/v1.go's thumbnailSemaphore field
// (golang.org/x/sync/semaphore.Weighted bounding concurrent
// image-processing goroutines), generalized to bounding concurrent
// per-chat dispatch goroutines.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/chatbroker/internal/access"
	"github.com/hrygo/chatbroker/internal/chat"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/executor"
	"github.com/hrygo/chatbroker/internal/messenger"
)

// accessDeniedText is the short rejection sent to a chat whose access
// check fails for an assembled batch, matching internal/chat.go's
// retryMessageText convention of a short, user-facing constant.
const accessDeniedText = "You don't have access to this chat."

// DefaultWindow and DefaultMaxBatchSize are the (250ms, 100-count)
// buffering parameters decided in DESIGN.md's Open Question resolution.
const (
	DefaultWindow       = 250 * time.Millisecond
	DefaultMaxBatchSize = 100
)

// SessionFactory builds a fresh Session for a chat id. runtimeFor calls
// it through singleflight and caches the result, so it runs once per
// chat id once a call succeeds; a failed call is not cached and runs
// again on the chat's next batch.
type SessionFactory func(ctx context.Context, chatID string) (*chat.Session, error)

// ExecutorFactory builds the Executor wrapping a Session, letting the
// caller supply the screenshot/action/command collaborators without this
// package importing every concrete implementation.
type ExecutorFactory func(chatID string, s *chat.Session) *executor.Executor

// Metrics is the subset of internal/metrics.Exporter the batcher reports
// to; kept as a narrow interface so tests can supply a no-op.
type Metrics interface {
	SetQueueDepth(chatID string, depth int)
	RecordAccessDenied(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(string, int)    {}
func (noopMetrics) RecordAccessDenied(string)    {}

// Batcher merges events from any number of producer channels, buffers
// them per chat id, and dispatches completed micro-batches to each
// chat's Executor.
type Batcher struct {
	window      time.Duration
	maxBatch    int
	concurrency int64

	access       *access.Checker
	msgr         messenger.Messenger
	sessionOf    SessionFactory
	executorOf   ExecutorFactory
	metrics      Metrics
	logger       *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	buffers  map[string][]events.Event
	sf       singleflight.Group // one goroutine constructs a chat's Session/Executor
	sessions map[string]*chatRuntime

	wg sync.WaitGroup
}

type chatRuntime struct {
	session *chat.Session
	exec    *executor.Executor
}

// Option configures a Batcher at construction.
type Option func(*Batcher)

func WithWindow(d time.Duration) Option { return func(b *Batcher) { b.window = d } }
func WithMaxBatchSize(n int) Option     { return func(b *Batcher) { b.maxBatch = n } }
func WithConcurrency(n int64) Option    { return func(b *Batcher) { b.concurrency = n } }
func WithMetrics(m Metrics) Option      { return func(b *Batcher) { b.metrics = m } }
func WithLogger(l *slog.Logger) Option  { return func(b *Batcher) { b.logger = l } }

// New creates a Batcher. checker may be nil to admit every event. msgr is
// used solely to deliver the access-denied rejection text (step 2); it
// never touches a per-chat Session/Messenger pairing otherwise.
func New(checker *access.Checker, msgr messenger.Messenger, sessionOf SessionFactory, executorOf ExecutorFactory, opts ...Option) *Batcher {
	b := &Batcher{
		window:      DefaultWindow,
		maxBatch:    DefaultMaxBatchSize,
		concurrency: 16,
		access:      checker,
		msgr:        msgr,
		sessionOf:   sessionOf,
		executorOf:  executorOf,
		metrics:     noopMetrics{},
		logger:      slog.Default(),
		buffers:     make(map[string][]events.Event),
		sessions:    make(map[string]*chatRuntime),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.sem = semaphore.NewWeighted(b.concurrency)
	return b
}

// Run fan-in merges every producer channel until ctx is cancelled or all
// producers close. Each incoming event is appended to its chat id's
// buffer; a per-chat flush timer of b.window, or hitting b.maxBatch,
// assembles the buffered events into one batch, which is then checked
// against the access checker (using the batch's own resolved username)
// before being dispatched. Events still buffered when every producer has
// closed are flushed before Run returns; those still buffered when ctx
// is cancelled are dropped.
func (b *Batcher) Run(ctx context.Context, producers ...<-chan events.Event) {
	merged := b.fanIn(ctx, producers...)

	timers := make(map[string]*time.Timer)
	flush := make(chan string, 256)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-merged:
			if !ok {
				b.mu.Lock()
				pending := make([]string, 0, len(b.buffers))
				for chatID := range b.buffers {
					pending = append(pending, chatID)
				}
				b.mu.Unlock()
				for _, chatID := range pending {
					b.flushChat(ctx, chatID)
				}
				return
			}
			b.ingest(e, timers, flush)
		case chatID := <-flush:
			b.flushChat(ctx, chatID)
			delete(timers, chatID)
		}
	}
}

func (b *Batcher) fanIn(ctx context.Context, producers ...<-chan events.Event) <-chan events.Event {
	out := make(chan events.Event)
	var wg sync.WaitGroup
	wg.Add(len(producers))
	for _, p := range producers {
		go func(p <-chan events.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-p:
					if !ok {
						return
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (b *Batcher) ingest(e events.Event, timers map[string]*time.Timer, flush chan<- string) {
	b.mu.Lock()
	b.buffers[e.ChatID] = append(b.buffers[e.ChatID], e)
	size := len(b.buffers[e.ChatID])
	b.mu.Unlock()

	if size >= b.maxBatch {
		if t, ok := timers[e.ChatID]; ok {
			t.Stop()
			delete(timers, e.ChatID)
		}
		select {
		case flush <- e.ChatID:
		default:
			go func() { flush <- e.ChatID }()
		}
		return
	}

	if _, ok := timers[e.ChatID]; !ok {
		chatID := e.ChatID
		timers[chatID] = time.AfterFunc(b.window, func() {
			select {
			case flush <- chatID:
			default:
				go func() { flush <- chatID }()
			}
		})
	}
}

func (b *Batcher) flushChat(ctx context.Context, chatID string) {
	b.mu.Lock()
	batch := b.buffers[chatID]
	delete(b.buffers, chatID)
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	username := usernameForBatch(batch)
	if b.access != nil && !b.access.IsAllowed(ctx, chatID, username) {
		b.metrics.RecordAccessDenied("not_allowed")
		if b.msgr != nil {
			if _, err := b.msgr.SendText(ctx, chatID, messenger.TextDTO{Text: accessDeniedText}, nil); err != nil {
				b.logger.Warn("batcher: failed to send access-denied rejection", "chat_id", chatID, "error", err)
			}
		}
		return
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		b.dispatch(ctx, chatID, batch)
	}()
}

// usernameForBatch extracts the username the access check runs against:
// the Username of the first Message or Command event in the batch, or
// "_" if the batch has none (only control events — Action, Expire,
// Hotkey — which never carry a meaningful username of their own).
func usernameForBatch(batch []events.Event) string {
	for _, e := range batch {
		if e.Kind == events.KindMessage || e.Kind == events.KindCommand {
			return e.Username
		}
	}
	return "_"
}

func (b *Batcher) dispatch(ctx context.Context, chatID string, batch []events.Event) {
	rt, err := b.runtimeFor(ctx, chatID)
	if err != nil {
		b.logger.Warn("batcher: failed to build chat runtime", "chat_id", chatID, "error", err)
		return
	}

	b.mu.Lock()
	depth := len(b.buffers[chatID])
	b.mu.Unlock()
	b.metrics.SetQueueDepth(chatID, depth)

	if err := rt.exec.ExecuteBatch(ctx, batch); err != nil && ctx.Err() == nil {
		b.logger.Warn("batcher: batch execution failed", "chat_id", chatID, "error", err)
	}
}

// runtimeFor returns the cached chatRuntime for chatID, constructing it
// at most once even under concurrent first-access (singleflight, same
// shape as internal/chat.Chat.SetMode's agentSF use). A construction
// failure is not cached, so the next event for the same chat id retries.
func (b *Batcher) runtimeFor(ctx context.Context, chatID string) (*chatRuntime, error) {
	b.mu.Lock()
	if rt, ok := b.sessions[chatID]; ok {
		b.mu.Unlock()
		return rt, nil
	}
	b.mu.Unlock()

	v, err, _ := b.sf.Do(chatID, func() (any, error) {
		b.mu.Lock()
		if rt, ok := b.sessions[chatID]; ok {
			b.mu.Unlock()
			return rt, nil
		}
		b.mu.Unlock()
		s, err := b.sessionOf(ctx, chatID)
		if err != nil {
			return nil, err
		}
		rt := &chatRuntime{session: s, exec: b.executorOf(chatID, s)}
		b.mu.Lock()
		b.sessions[chatID] = rt
		b.mu.Unlock()
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chatRuntime), nil
}

// Wait blocks until every in-flight dispatch goroutine has returned,
// used by graceful shutdown after Run's context is cancelled.
func (b *Batcher) Wait() {
	b.wg.Wait()
}
