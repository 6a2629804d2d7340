// Package channels defines the transport contract used by the session
// layer. A Transport is one live connection for one channel identity (a
// WhatsApp number); the session manager drives it and consumes its events.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageOther    MessageType = "other"
)

// Presence is a chat-level activity indicator.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
)

// Transport is one connection for one channel. Implementations must be safe
// for concurrent sends while Events is being drained.
type Transport interface {
	// Connect starts the connection. Progress (QR challenges, open, close)
	// is reported through Events; Connect itself only fails on setup errors.
	Connect(ctx context.Context) error

	// Events returns the event stream. It is closed after Disconnect.
	Events() <-chan Event

	// SendText sends a plain text message to a participant.
	SendText(ctx context.Context, to, text string) error

	// SendMedia sends an image or video message.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// SetPresence updates the chat presence shown to a participant.
	SetPresence(ctx context.Context, to string, p Presence) error

	// DownloadMedia fetches the media of an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)

	// Disconnect closes the connection without touching stored credentials.
	Disconnect()

	// PurgeCredentials deletes the stored credential material.
	PurgeCredentials(ctx context.Context) error
}

// Dialer creates a Transport for a channel number.
type Dialer interface {
	Dial(channel string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(channel string) (Transport, error)

// Dial calls f(channel).
func (f DialerFunc) Dial(channel string) (Transport, error) { return f(channel) }

// EventKind tags the payload of an Event.
type EventKind int

const (
	EventConnection EventKind = iota
	EventCredentials
	EventMessages
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnection:
		return "connection"
	case EventCredentials:
		return "credentials"
	case EventMessages:
		return "messages"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ConnectionState is the transport-level connection state.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateQR         ConnectionState = "qr"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// CloseCause describes why a connection closed.
type CloseCause struct {
	// Terminal is true when the credentials are no longer valid (logged out).
	Terminal bool
	Reason   string
}

// ConnectionUpdate is the payload of an EventConnection.
type ConnectionUpdate struct {
	State ConnectionState
	// QRCode is the raw challenge string (StateQR only).
	QRCode string
	// Cause is set for StateClose.
	Cause *CloseCause
}

// Event is a single item on a Transport's event stream.
type Event struct {
	Kind       EventKind
	Connection *ConnectionUpdate
	Messages   []*IncomingMessage
	Err        error
}

// IncomingMessage represents a message received from the transport.
type IncomingMessage struct {
	// ID is the unique message identifier in the transport.
	ID string

	// Channel is the receiving channel number.
	Channel string

	// ChatID is the full chat address (e.g. 5491100000000@s.whatsapp.net).
	ChatID string

	// From is the sender address.
	From string

	// Participant is the group participant address, empty for direct chats.
	Participant string

	// FromName is the sender display name (if available).
	FromName string

	IsGroup bool
	FromMe  bool

	Type MessageType

	// Content is the text content of the message.
	Content string

	// Media contains media attachment details (if any).
	Media *MediaInfo

	Timestamp time.Time
}

// HasContent reports whether the message carries text or media.
func (m *IncomingMessage) HasContent() bool {
	return m != nil && (m.Content != "" || m.Media != nil)
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is MessageImage or MessageVideo.
	Type MessageType

	// URL is fetched by the transport when Data is empty.
	URL string

	Data     []byte
	MimeType string
	Caption  string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	FileSize uint64
	Duration uint32
	URL      string

	// DirectPath and the hashes below are needed to fetch and decrypt
	// WhatsApp media.
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
	ErrMediaDownloadFailed = fmt.Errorf("failed to download media")
	ErrInvalidAddress      = fmt.Errorf("invalid participant address")
)
