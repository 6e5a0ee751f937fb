package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/messenger"
	"github.com/hrygo/chatbroker/internal/uiview"
)

// fakeMessenger records every send/edit call so tests can assert on the
// sequence of text a given messenger id was ever shown, covering
// invariant 4 (streaming monotonicity) and invariant 5 (no silent loss).
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int64
	sent     map[int64]string
	editSeq  map[int64][]string
	deleted  map[int64]bool
	editFail map[int64]messenger.EditOutcome
	maxText  int
}

func newFakeMessenger() *fakeMessenger {
	return newFakeMessengerWithMax(168)
}

func newFakeMessengerWithMax(maxText int) *fakeMessenger {
	return &fakeMessenger{
		sent:     make(map[int64]string),
		editSeq:  make(map[int64][]string),
		deleted:  make(map[int64]bool),
		editFail: make(map[int64]messenger.EditOutcome),
		maxText:  maxText,
	}
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID string, dto messenger.TextDTO, buttons []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.sent[id] = dto.Text
	f.editSeq[id] = []string{dto.Text}
	return id, nil
}

func (f *fakeMessenger) SendPhoto(ctx context.Context, chatID string, dto messenger.PhotoDTO, buttons []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	return id, nil
}

func (f *fakeMessenger) EditText(ctx context.Context, chatID string, id int64, dto messenger.TextDTO, buttons []string) (messenger.EditOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outcome, ok := f.editFail[id]; ok {
		return outcome, nil
	}
	f.editSeq[id] = append(f.editSeq[id], dto.Text)
	return messenger.Success, nil
}

func (f *fakeMessenger) EditPhoto(ctx context.Context, chatID string, id int64, dto messenger.PhotoDTO, buttons []string) (messenger.EditOutcome, error) {
	return messenger.Success, nil
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, chatID string, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[id] = true
	return true, nil
}

func (f *fakeMessenger) MaxTextMessageLen() int  { return f.maxText }
func (f *fakeMessenger) MaxPhotoMessageLen() int { return 200 }

// fakeStream is a controllable aiagent.StreamingResponse.
type fakeStream struct {
	deltas     chan string
	err        error
	structured []events.ContentItem
}

func (s *fakeStream) TextDeltas() <-chan string          { return s.deltas }
func (s *fakeStream) Err() error                         { return s.err }
func (s *fakeStream) StructuredContent() []events.ContentItem { return s.structured }
func (s *fakeStream) Close() error                        { return nil }

func newDeps(t *testing.T, msgr *fakeMessenger, resp *fakeStream) (Deps, *chatmodel.ChatMessage, *uiview.Segment) {
	t.Helper()
	ui := uiview.NewState()
	modelMsg := chatmodel.NewChatMessage(chatmodel.RoleAssistant, "", nil)
	seg := ui.CreateInitialUIMessage(modelMsg.ID, "...", nil, []string{"Cancel"})
	id, err := msgr.SendText(context.Background(), "chat1", messenger.TextDTO{Text: "..."}, []string{"Cancel"})
	require.NoError(t, err)
	seg.MarkAsSent(id)

	return Deps{
		Messenger:      msgr,
		ChatID:         "chat1",
		History:        chatmodel.NewHistory(),
		UI:             ui,
		ModelMessage:   modelMsg,
		InitialSegment: seg,
		Response:       resp,
		MaxTextLen:     msgr.maxText,
		MaxPhotoLen:    200,
	}, modelMsg, seg
}

// TestRun_BasicRoundTrip covers scenario S1.
func TestRun_BasicRoundTrip(t *testing.T) {
	msgr := newFakeMessenger()
	stream := &fakeStream{deltas: make(chan string, 4)}
	stream.deltas <- "Hello, "
	stream.deltas <- "world"
	close(stream.deltas)

	deps, modelMsg, _ := newDeps(t, msgr, stream)
	result := Run(context.Background(), deps)

	require.Equal(t, Finished, result.Outcome)
	require.Len(t, modelMsg.Content, 1)
	assert.Equal(t, "Hello, world", modelMsg.Content[0].Text)

	segs := deps.UI.Segments(modelMsg.ID)
	require.Len(t, segs, 1)
	assert.Equal(t, "Hello, world", segs[0].TextContent)
	assert.Equal(t, []string{"Continue", "Regenerate"}, segs[0].ActiveButtons)
}

// TestRun_OverflowSplitsIntoTwoSegments covers scenario S2.
func TestRun_OverflowSplitsIntoTwoSegments(t *testing.T) {
	msgr := newFakeMessenger()
	stream := &fakeStream{deltas: make(chan string, 2)}
	a168 := strings.Repeat("A", 168)
	b200 := strings.Repeat("B", 200)
	stream.deltas <- a168
	stream.deltas <- b200
	close(stream.deltas)

	deps, modelMsg, _ := newDeps(t, msgr, stream)
	result := Run(context.Background(), deps)

	require.Equal(t, Finished, result.Outcome)
	segs := deps.UI.Segments(modelMsg.ID)
	require.Len(t, segs, 2)
	assert.Equal(t, a168, segs[0].TextContent)
	assert.Equal(t, b200, segs[1].TextContent)

	total := len(segs[0].TextContent) + len(segs[1].TextContent)
	assert.Equal(t, 368, total)
}

// TestRun_RapidChunksPreserveContentAndMonotonicity covers scenario S5 and
// invariant 4 (each successive edit on one segment is a prefix extension
// of the previous one, until overflow starts a new segment).
func TestRun_RapidChunksPreserveContentAndMonotonicity(t *testing.T) {
	msgr := newFakeMessenger()
	stream := &fakeStream{deltas: make(chan string, 1000)}
	var want strings.Builder
	for i := 0; i < 1000; i++ {
		chunk := fmt.Sprintf("%04d", i)
		stream.deltas <- chunk
		want.WriteString(chunk)
	}
	close(stream.deltas)

	deps, modelMsg, initialSeg := newDeps(t, msgr, stream)
	result := Run(context.Background(), deps)
	require.Equal(t, Finished, result.Outcome)

	segs := deps.UI.Segments(modelMsg.ID)
	var gotAll strings.Builder
	for _, seg := range segs {
		gotAll.WriteString(seg.TextContent)
	}
	assert.Equal(t, want.String(), gotAll.String(), "invariant 5: no silent loss on overflow")
	assert.Equal(t, 4000, gotAll.Len())

	// Monotonicity: every edit recorded against the initial segment's
	// messenger id must be a prefix of the one that follows it.
	editSeq := msgr.editSeq[initialSeg.MessengerMessageID]
	for i := 1; i < len(editSeq); i++ {
		assert.True(t, strings.HasPrefix(editSeq[i], editSeq[i-1]),
			"edit %d (%q) should extend edit %d (%q)", i, editSeq[i], i-1, editSeq[i-1])
	}
}

// TestRun_CancelMidStreamPreservesBuffer covers scenario S3's streaming
// half: cancellation during delta iteration must leave the
// already-produced UI segments untouched and restore recovery buttons.
func TestRun_CancelMidStreamPreservesBuffer(t *testing.T) {
	msgr := newFakeMessenger()
	deltas := make(chan string, 1)
	deltas <- "Start of answer..."
	stream := &fakeStream{deltas: deltas}

	deps, modelMsg, seg := newDeps(t, msgr, stream)

	ctx, cancel := context.WithCancel(context.Background())
	// Model the aiagent contract ("disposing the stream ... unblocks any
	// pending delta read"): once ctx is cancelled, the stream's channel
	// closes after the already-buffered delta is delivered.
	go func() {
		<-ctx.Done()
		close(deltas)
	}()
	cancel()

	result := Run(ctx, deps)
	assert.Equal(t, Cancelled, result.Outcome)

	segs := deps.UI.Segments(modelMsg.ID)
	require.Len(t, segs, 1)
	assert.Equal(t, seg.ID, segs[0].ID)
	assert.Equal(t, []string{"Continue", "Regenerate"}, segs[0].ActiveButtons,
		"cancel cleanup restores recovery buttons on the last surviving segment")
}

// TestRun_CancelBeforeAnyDeltaRemovesPlaceholderFromHistory covers
// scenario S3's history half: when cancellation lands before any delta
// ever arrived, the placeholder never became visible content and must be
// rolled back from history too, restoring recovery buttons on whatever
// assistant message preceded it.
func TestRun_CancelBeforeAnyDeltaRemovesPlaceholderFromHistory(t *testing.T) {
	msgr := newFakeMessenger()
	deltas := make(chan string)
	stream := &fakeStream{deltas: deltas}

	deps, modelMsg, _ := newDeps(t, msgr, stream)

	userMsg := chatmodel.NewChatMessage(chatmodel.RoleUser, "", []events.ContentItem{{Kind: events.ContentText, Text: "hi"}})
	deps.History.AddUserMessages([]*chatmodel.ChatMessage{userMsg}, false)
	prior := chatmodel.NewChatMessage(chatmodel.RoleAssistant, "", []events.ContentItem{{Kind: events.ContentText, Text: "Start of answer..."}})
	require.NoError(t, deps.History.AddAssistantMessage(prior))
	priorSeg := deps.UI.CreateInitialUIMessage(prior.ID, "Start of answer...", nil, nil)
	require.NoError(t, deps.History.AddAssistantMessage(modelMsg))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		close(deltas)
	}()
	cancel()

	result := Run(ctx, deps)
	assert.Equal(t, Cancelled, result.Outcome)

	assert.Nil(t, deps.UI.Segments(modelMsg.ID), "the never-shown placeholder's UI segment must be gone")
	assert.Equal(t, 1, deps.History.TurnCount())
	last := deps.History.GetLastAssistantMessage()
	require.NotNil(t, last)
	assert.Equal(t, prior.ID, last.ID, "the unsent placeholder must be gone, leaving the prior assistant message last")
	assert.Equal(t, []string{"Continue", "Regenerate"}, priorSeg.ActiveButtons,
		"recovery buttons must land back on the prior assistant message's segment")
}

// TestRun_EmptyReplyWithoutStructuredContentIsError covers AIEmptyResponse.
func TestRun_EmptyReplyWithoutStructuredContentIsError(t *testing.T) {
	msgr := newFakeMessenger()
	stream := &fakeStream{deltas: make(chan string)}
	close(stream.deltas)

	deps, _, _ := newDeps(t, msgr, stream)
	result := Run(context.Background(), deps)
	require.Equal(t, Failed, result.Outcome)
	require.Error(t, result.Err)
}

// TestRun_StructuredContentOverridesText covers invariant 5's second half:
// when structured content is returned non-empty, it replaces the
// accumulated text rather than being appended to it.
func TestRun_StructuredContentOverridesText(t *testing.T) {
	msgr := newFakeMessenger()
	stream := &fakeStream{
		deltas:     make(chan string, 1),
		structured: []events.ContentItem{{Kind: events.ContentText, Text: "final answer"}},
	}
	stream.deltas <- "draft text"
	close(stream.deltas)

	deps, modelMsg, _ := newDeps(t, msgr, stream)
	result := Run(context.Background(), deps)
	require.Equal(t, Finished, result.Outcome)
	require.Len(t, modelMsg.Content, 1)
	assert.Equal(t, "final answer", modelMsg.Content[0].Text)
}

// TestRun_MessageDeletedEditOutcomeMarksSegmentDeleted covers the
// messenger edit policy: MessageDeleted is not an error.
func TestRun_MessageDeletedEditOutcomeMarksSegmentDeleted(t *testing.T) {
	// maxText well above MessageUpdateStepInChars so the mid-stream
	// update-edit path fires instead of overflow.
	msgr := newFakeMessengerWithMax(500)
	stream := &fakeStream{deltas: make(chan string, 2)}
	stream.deltas <- strings.Repeat("x", MessageUpdateStepInChars+1)
	stream.deltas <- "more"
	close(stream.deltas)

	deps, modelMsg, seg := newDeps(t, msgr, stream)
	msgr.editFail[seg.MessengerMessageID] = messenger.MessageDeleted

	result := Run(context.Background(), deps)
	require.Equal(t, Finished, result.Outcome)
	segs := deps.UI.Segments(modelMsg.ID)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].IsDeleted)
}
