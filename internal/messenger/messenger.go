// Package messenger defines the transport-agnostic contract the core
// consumes, grounded on plugin/chat_apps/channels.ChatChannel
// but reshaped around edit outcomes instead of webhook parsing — the
// broker core never parses inbound payloads itself, it only sends/edits.
package messenger

import "context"

// EditOutcome is the three-valued result of an edit — lets the core
// avoid exceptions for the common "user deleted the message" case.
type EditOutcome int

const (
	Success EditOutcome = iota
	NotModified
	MessageDeleted
)

func (o EditOutcome) String() string {
	switch o {
	case Success:
		return "Success"
	case NotModified:
		return "NotModified"
	case MessageDeleted:
		return "MessageDeleted"
	default:
		return "Unknown"
	}
}

// TextDTO is the payload for SendText/EditText.
type TextDTO struct {
	Text string
}

// PhotoDTO is the payload for SendPhoto/EditPhoto.
type PhotoDTO struct {
	Caption  string
	Data     []byte
	MimeType string
}

// Messenger is the contract the broker core consumes. A concrete
// implementation (internal/messenger/telegram) must be safe for
// concurrent use — it is shared across all chats.
type Messenger interface {
	SendText(ctx context.Context, chatID string, dto TextDTO, buttons []string) (messengerID int64, err error)
	SendPhoto(ctx context.Context, chatID string, dto PhotoDTO, buttons []string) (messengerID int64, err error)
	EditText(ctx context.Context, chatID string, messengerID int64, dto TextDTO, buttons []string) (EditOutcome, error)
	EditPhoto(ctx context.Context, chatID string, messengerID int64, dto PhotoDTO, buttons []string) (EditOutcome, error)
	DeleteMessage(ctx context.Context, chatID string, messengerID int64) (bool, error)

	// MaxTextMessageLen and MaxPhotoMessageLen are pure constants used
	// for splitting; effective max equals configured minus a small tag
	// reserve.
	MaxTextMessageLen() int
	MaxPhotoMessageLen() int
}
