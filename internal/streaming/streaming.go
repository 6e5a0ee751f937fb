// Package streaming implements the streaming pipeline: reads
// lazy text deltas from an aiagent.StreamingResponse, keeps the visible
// UI segments coherent under length-driven splitting, attaches final
// structured content, and runs the cancel/error cleanup paths. Grounded
// on ai/agents/runner/runner.go's streamOutput/dispatchCallback dual-path
// delta handling (stdout-line-by-line with ctx-cancellation-aware reads),
// generalized from "parse one CLI's stream-json protocol" to "drain any
// aiagent.StreamingResponse and keep N messenger bubbles in sync".
package streaming

import (
	"context"
	"log/slog"

	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/brokerr"
	"github.com/hrygo/chatbroker/internal/chatmodel"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/messenger"
	"github.com/hrygo/chatbroker/internal/messenger/mediaprep"
	"github.com/hrygo/chatbroker/internal/uiview"
)

// MessageUpdateStepInChars is the chunk size at which an in-progress
// edit is pushed to the messenger (constant).
const MessageUpdateStepInChars = 168

var stopButtons = []string{"Stop"}
var recoveryButtons = []string{"Continue", "Regenerate"}

// Outcome classifies how the pipeline ended.
type Outcome int

const (
	Finished Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "Finished"
	case Cancelled:
		return "Cancelled"
	default:
		return "Failed"
	}
}

// Result is what Run returns to its caller (internal/executor), which
// maps it onto the matching fsm trigger.
type Result struct {
	Outcome Outcome
	Err     error
}

// Deps is everything Run needs. History and UI are the chat's live
// mutable state (internal/chat.State fields); Run mutates them in
// place, the same way internal/chat's own operations do.
type Deps struct {
	Messenger      messenger.Messenger
	ChatID         string
	History        *chatmodel.History
	UI             *uiview.State
	ModelMessage   *chatmodel.ChatMessage
	InitialSegment *uiview.Segment
	Response       aiagent.StreamingResponse
	MaxTextLen     int
	MaxPhotoLen    int
	// MediaPrep resizes/recompresses outgoing photo bytes before they
	// reach Messenger.SendPhoto. Zero value (Config{}) disables prep and
	// sends structured-content bytes as-is.
	MediaPrep mediaprep.Config
	Logger    *slog.Logger
}

type session struct {
	Deps
	current             *uiview.Segment
	contentBuilder      []rune
	fullContentBuilder  []rune
	charsSinceLastEdit  int
	hasOverflowed       bool
}

// Run drains d.Response until it ends, keeping d.UI's segments for
// d.ModelMessage in sync, then finalizes content and buttons. It never
// panics on cancellation. The loop ends when d.Response's TextDeltas
// channel closes, or, once ctx is cancelled, right after the next delta
// is absorbed; a cancelled ctx by itself does not unblock a pending
// read. Either way the matching cleanup path runs.
func Run(ctx context.Context, d Deps) Result {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &session{Deps: d, current: d.InitialSegment}

	for delta := range d.Response.TextDeltas() {
		if delta == "" {
			continue
		}
		s.absorb(ctx, delta)
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		s.cleanup(ctx, recoveryButtons)
		return Result{Outcome: Cancelled, Err: ctx.Err()}
	}
	if err := d.Response.Err(); err != nil {
		s.cleanup(ctx, nil)
		return Result{Outcome: Failed, Err: brokerr.Transport("streaming: AI stream ended with error", err)}
	}

	return s.finalize(ctx)
}

// absorb processes one non-empty delta (step 1).
func (s *session) absorb(ctx context.Context, delta string) {
	s.contentBuilder = append(s.contentBuilder, []rune(delta)...)
	s.fullContentBuilder = append(s.fullContentBuilder, []rune(delta)...)
	s.charsSinceLastEdit += len([]rune(delta))

	if len(s.contentBuilder) >= s.MaxTextLen {
		s.overflow(ctx)
		return
	}
	if s.charsSinceLastEdit >= MessageUpdateStepInChars {
		s.editCurrent(ctx, string(s.contentBuilder), stopButtons)
		s.charsSinceLastEdit = 0
	}
}

func (s *session) overflow(ctx context.Context) {
	s.hasOverflowed = true
	segText := string(s.contentBuilder[:s.MaxTextLen])
	tail := string(s.contentBuilder[s.MaxTextLen:])

	s.current.TextContent = segText
	s.editCurrent(ctx, segText, nil) // no buttons during streaming mid-overflow

	s.contentBuilder = []rune(tail)
	s.charsSinceLastEdit = len(s.contentBuilder)

	next := s.UI.CreateNextSegment(s.ModelMessage.ID, tail, nil, stopButtons)
	if id, err := s.Messenger.SendText(ctx, s.ChatID, messenger.TextDTO{Text: tail}, stopButtons); err == nil {
		next.MarkAsSent(id)
	} else {
		s.Logger.Warn("streaming: failed to send overflow segment", "chat_id", s.ChatID, "error", err)
	}
	s.current = next
}

func (s *session) editCurrent(ctx context.Context, text string, buttons []string) {
	s.current.TextContent = text
	if !s.current.HasMessengerID() {
		return
	}
	outcome, err := s.Messenger.EditText(ctx, s.ChatID, s.current.MessengerMessageID, messenger.TextDTO{Text: text}, buttons)
	if err != nil {
		s.Logger.Warn("streaming: edit failed", "chat_id", s.ChatID, "error", err)
		return
	}
	if outcome == messenger.MessageDeleted {
		s.current.IsDeleted = true
	}
	// NotModified is treated as success (messenger edit policy).
}

// finalize runs teps 3-7 once the delta sequence has ended
// cleanly.
func (s *session) finalize(ctx context.Context) Result {
	structured := s.Response.StructuredContent()
	fullText := string(s.fullContentBuilder)

	if len(structured) > 0 {
		s.ModelMessage.Content = structured
	} else if fullText == "" {
		s.cleanup(ctx, nil)
		return Result{Outcome: Failed, Err: brokerr.AIEmptyResponse("streaming: empty reply and no structured content")}
	} else {
		s.ModelMessage.Content = []events.ContentItem{{Kind: events.ContentText, Text: fullText}}
	}

	hasMedia := false
	for _, item := range structured {
		if item.Kind != events.ContentText {
			hasMedia = true
			break
		}
	}

	// Step 4: finalize the current segment's text; if it's empty and
	// media is about to follow, delete the empty bubble instead of
	// leaving a blank message.
	finalText := string(s.contentBuilder)
	if len(structured) > 0 {
		finalText = textOnlyJoin(structured)
	}
	s.current.TextContent = finalText
	if finalText == "" && hasMedia {
		if s.current.HasMessengerID() {
			if _, err := s.Messenger.DeleteMessage(ctx, s.ChatID, s.current.MessengerMessageID); err != nil {
				s.Logger.Warn("streaming: failed to delete empty pre-media segment", "chat_id", s.ChatID, "error", err)
			}
		}
		s.current.IsDeleted = true
	} else {
		s.editCurrent(ctx, finalText, nil)
	}

	// Step 5: one UI segment per non-text structured item.
	for _, item := range structured {
		if item.Kind == events.ContentText {
			continue
		}
		seg := s.UI.CreateNextSegment(s.ModelMessage.ID, "", []events.ContentItem{item}, nil)
		photoBytes := item.Data
		if prepped, err := s.MediaPrep.PrepareForSend(photoBytes); err == nil {
			photoBytes = prepped
		} else if len(photoBytes) > 0 {
			s.Logger.Warn("streaming: media prep failed, sending original bytes", "chat_id", s.ChatID, "error", err)
		}
		dto := messenger.PhotoDTO{Data: photoBytes, MimeType: item.MimeType}
		if id, err := s.Messenger.SendPhoto(ctx, s.ChatID, dto, nil); err == nil {
			seg.MarkAsSent(id)
		} else {
			s.Logger.Warn("streaming: failed to send media segment", "chat_id", s.ChatID, "error", err)
		}
		s.current = seg
	}

	// Step 6: final-pass splitting guard.
	s.splitOverlongSegments(ctx)

	// Step 7: Continue/Regenerate buttons on the final segment.
	segs := s.UI.Segments(s.ModelMessage.ID)
	if len(segs) > 0 {
		s.UI.SetActiveButtons(segs[len(segs)-1], recoveryButtons)
	}

	return Result{Outcome: Finished}
}

func textOnlyJoin(items []events.ContentItem) string {
	var out []rune
	for _, it := range items {
		if it.Kind == events.ContentText {
			out = append(out, []rune(it.Text)...)
		}
	}
	return string(out)
}

// splitOverlongSegments guards against any segment whose text still
// exceeds MaxTextLen by the time streaming finished (it should not,
// since absorb already splits at overflow, but structured-content
// replacement can introduce a longer final text).
func (s *session) splitOverlongSegments(ctx context.Context) {
	segs := s.UI.Segments(s.ModelMessage.ID)
	for _, seg := range segs {
		if len([]rune(seg.TextContent)) <= s.MaxTextLen {
			continue
		}
		parts := uiview.SplitTextByLength(seg.TextContent, s.MaxTextLen)
		seg.TextContent = parts[0]
		s.editCurrent2(ctx, seg, parts[0])
		for _, part := range parts[1:] {
			next := s.UI.CreateNextSegment(s.ModelMessage.ID, part, nil, nil)
			if id, err := s.Messenger.SendText(ctx, s.ChatID, messenger.TextDTO{Text: part}, nil); err == nil {
				next.MarkAsSent(id)
			}
			s.current = next
		}
	}
}

func (s *session) editCurrent2(ctx context.Context, seg *uiview.Segment, text string) {
	if !seg.HasMessengerID() {
		return
	}
	if _, err := s.Messenger.EditText(ctx, s.ChatID, seg.MessengerMessageID, messenger.TextDTO{Text: text}, nil); err != nil {
		s.Logger.Warn("streaming: final-pass split edit failed", "chat_id", s.ChatID, "error", err)
	}
}

// cleanup unwinds an abnormal end of stream (cancel or error). If no
// delta was ever absorbed, the attempt never became visible as real
// content: the placeholder is rolled back exactly like InitiateResponse's
// own failure path, removing it from both d.UI and d.History, and any
// recovery buttons are restored on the assistant message that preceded
// it. If some text did arrive, it is preserved (invariant 5): the model
// message keeps whatever text survived, and only trailing still-empty UI
// segments are trimmed before recoveryButtons are applied.
func (s *session) cleanup(ctx context.Context, buttons []string) {
	if len(s.fullContentBuilder) == 0 {
		for _, seg := range s.UI.RemoveUIMessages(s.ModelMessage.ID) {
			if seg.HasMessengerID() {
				if _, err := s.Messenger.DeleteMessage(ctx, s.ChatID, seg.MessengerMessageID); err != nil {
					s.Logger.Warn("streaming: cleanup delete failed", "chat_id", s.ChatID, "error", err)
				}
			}
		}
		s.History.RemoveMessageFromLastTurn(s.ModelMessage)
		if buttons != nil {
			if prior := s.History.GetLastAssistantMessage(); prior != nil {
				if segs := s.UI.Segments(prior.ID); len(segs) > 0 {
					s.UI.SetActiveButtons(segs[len(segs)-1], buttons)
				}
			}
		}
		return
	}

	s.ModelMessage.Content = []events.ContentItem{{Kind: events.ContentText, Text: string(s.fullContentBuilder)}}
	s.editCurrent(ctx, string(s.contentBuilder), nil)

	segs := s.UI.Segments(s.ModelMessage.ID)
	for len(segs) > 0 {
		last := segs[len(segs)-1]
		if last.TextContent != "" || len(last.MediaContent) > 0 {
			break
		}
		s.UI.RemoveLastUIMessage(s.ModelMessage.ID)
		if last.HasMessengerID() {
			if _, err := s.Messenger.DeleteMessage(ctx, s.ChatID, last.MessengerMessageID); err != nil {
				s.Logger.Warn("streaming: cleanup delete failed", "chat_id", s.ChatID, "error", err)
			}
		}
		segs = s.UI.Segments(s.ModelMessage.ID)
	}
	if buttons != nil && len(segs) > 0 {
		s.UI.SetActiveButtons(segs[len(segs)-1], buttons)
	}
}
