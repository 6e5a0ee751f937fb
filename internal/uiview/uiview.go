// Package uiview implements the UI view model: the mapping from one
// model message to N visible messenger segments, and the chat-wide
// single-active-buttons invariant.
package uiview

import (
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/chatbroker/internal/events"
)

// Segment is one visible messenger bubble.
type Segment struct {
	ID                 string
	ParentModelID      string
	SegmentIndex       int
	TextContent        string
	MediaContent       []events.ContentItem
	MessengerMessageID int64
	hasMessengerID     bool
	IsSent             bool
	IsDeleted          bool
	ActiveButtons      []string
}

func (s *Segment) HasMessengerID() bool { return s.hasMessengerID }

// MarkAsSent transitions the segment to isSent=true and records the
// messenger-assigned id.
func (s *Segment) MarkAsSent(messengerID int64) {
	s.MessengerMessageID = messengerID
	s.hasMessengerID = true
	s.IsSent = true
}

// State is the per-chat UI state: parentModelId -> ordered segments,
// plus the chat-wide active-buttons holder pointer.
type State struct {
	segmentsByParent map[string][]*Segment
	activeHolder     *Segment
}

func NewState() *State {
	return &State{segmentsByParent: make(map[string][]*Segment)}
}

// CreateInitialUIMessage installs segment 0 for a model message,
// optionally owning active buttons.
func (s *State) CreateInitialUIMessage(parentModelID string, text string, media []events.ContentItem, buttons []string) *Segment {
	seg := &Segment{
		ID:            shortuuid.New(),
		ParentModelID: parentModelID,
		SegmentIndex:  0,
		TextContent:   text,
		MediaContent:  media,
	}
	s.segmentsByParent[parentModelID] = []*Segment{seg}
	if len(buttons) > 0 {
		s.SetActiveButtons(seg, buttons)
	}
	return seg
}

// CreateNextSegment appends a further segment with index = current
// count for parentModelID.
func (s *State) CreateNextSegment(parentModelID string, text string, media []events.ContentItem, buttons []string) *Segment {
	existing := s.segmentsByParent[parentModelID]
	seg := &Segment{
		ID:            shortuuid.New(),
		ParentModelID: parentModelID,
		SegmentIndex:  len(existing),
		TextContent:   text,
		MediaContent:  media,
	}
	s.segmentsByParent[parentModelID] = append(existing, seg)
	if len(buttons) > 0 {
		s.SetActiveButtons(seg, buttons)
	}
	return seg
}

// Segments returns the ordered segment list for a model message.
func (s *State) Segments(parentModelID string) []*Segment {
	return s.segmentsByParent[parentModelID]
}

// SetActiveButtons enforces the chat-wide single-active-buttons
// invariant (invariant 3): setting a non-empty list on seg
// clears any previously marked holder first.
func (s *State) SetActiveButtons(seg *Segment, buttons []string) {
	if len(buttons) == 0 {
		return
	}
	if s.activeHolder != nil && s.activeHolder != seg {
		s.activeHolder.ActiveButtons = nil
	}
	seg.ActiveButtons = buttons
	s.activeHolder = seg
}

// ClearActiveButtons clears the current holder (if any) and returns it.
func (s *State) ClearActiveButtons() *Segment {
	holder := s.activeHolder
	if holder != nil {
		holder.ActiveButtons = nil
		s.activeHolder = nil
	}
	return holder
}

// ActiveButtonsHolder returns the current holder, or nil.
func (s *State) ActiveButtonsHolder() *Segment {
	return s.activeHolder
}

// RemoveUIMessages removes and returns all segments for parentModelID in
// reverse order (so the caller can delete newest-first from the
// messenger), clearing active-buttons if the removed set held them.
func (s *State) RemoveUIMessages(parentModelID string) []*Segment {
	segs := s.segmentsByParent[parentModelID]
	if len(segs) == 0 {
		return nil
	}
	delete(s.segmentsByParent, parentModelID)

	reversed := make([]*Segment, len(segs))
	for i, seg := range segs {
		reversed[len(segs)-1-i] = seg
		if s.activeHolder == seg {
			s.activeHolder = nil
		}
	}
	return reversed
}

// RemoveLastUIMessage removes and returns the last segment for
// parentModelID, or nil if none exist.
func (s *State) RemoveLastUIMessage(parentModelID string) *Segment {
	segs := s.segmentsByParent[parentModelID]
	if len(segs) == 0 {
		return nil
	}
	last := segs[len(segs)-1]
	s.segmentsByParent[parentModelID] = segs[:len(segs)-1]
	if len(s.segmentsByParent[parentModelID]) == 0 {
		delete(s.segmentsByParent, parentModelID)
	}
	if s.activeHolder == last {
		s.activeHolder = nil
	}
	return last
}

// SplitTextByLength splits text deterministically into chunks of maxLen:
// the k-th segment is text[k*maxLen : (k+1)*maxLen]; the last is the
// remainder. Empty input produces one empty segment.
func SplitTextByLength(text string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return []string{""}
	}
	var out []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
