package whatsapp

import (
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// keepAliveCloseAfter is the number of consecutive keep-alive failures
// after which the connection is reported closed.
const keepAliveCloseAfter = 3

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.closeSent.Store(false)
		w.logger.Info("whatsapp: connected")
		w.emitConnection(&channels.ConnectionUpdate{State: channels.StateOpen})

	case *events.PairSuccess:
		// The sqlstore has committed the new keys before dispatch.
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform, "business", evt.BusinessName)
		w.emit(channels.Event{Kind: channels.EventCredentials})

	case *events.Disconnected:
		w.logger.Warn("whatsapp: disconnected")
		w.emitClose(false, "connection_lost")

	case *events.StreamReplaced:
		w.logger.Error("whatsapp: stream replaced, another client took over the session")
		w.emitClose(false, "stream_replaced")

	case *events.LoggedOut:
		reason := "logged_out"
		if evt.Reason != 0 {
			reason = "logged_out: " + evt.Reason.String()
		}
		w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		w.emitClose(true, reason)

	case *events.ConnectFailure:
		terminal := evt.Reason.IsLoggedOut()
		w.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "message", evt.Message, "terminal", terminal)
		w.emitClose(terminal, "connect_failure: "+evt.Reason.String())

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.emitClose(false, "temporary_ban: "+evt.Code.String())

	case *events.StreamError:
		w.logger.Error("whatsapp: stream error", "code", evt.Code)
		switch evt.Code {
		case "503", "540", "541":
			w.emitClose(false, "stream_error: "+evt.Code)
		}

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		// Half-open sockets look connected but are dead.
		if evt.ErrorCount >= keepAliveCloseAfter && w.connected.Load() {
			w.emitClose(false, "keepalive_timeout")
		}

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice not enabled")
	}
}

// handleMessageEvt converts an incoming whatsmeow message and emits it.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	// Status broadcasts are never conversations.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	w.emitMessages(w.toIncoming(evt))
}

// toIncoming builds the transport-neutral message. LID addresses are
// resolved to phone addresses when the store knows the mapping.
func (w *WhatsApp) toIncoming(evt *events.Message) *channels.IncomingMessage {
	sender := w.resolveJID(evt.Info.Sender)
	chat := w.resolveJID(evt.Info.Chat)

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   w.number,
		ChatID:    chat,
		From:      sender,
		FromName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	if msg.IsGroup {
		msg.Participant = sender
	}
	extractMessageContent(evt.Message, msg)
	return msg
}

func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server != types.HiddenUserServer {
		return jid.String()
	}
	c := w.getClient()
	if c == nil || c.Store == nil {
		return jid.String()
	}
	alt, err := c.Store.GetAltJID(w.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid.String()
	}
	w.logger.Debug("whatsapp: resolved LID to phone", "lid", jid.String(), "phone", alt.String())
	return alt.String()
}

// mediaMessage is the getter set shared by whatsmeow's downloadable
// message protos.
type mediaMessage interface {
	GetMimetype() string
	GetFileLength() uint64
	GetURL() string
	GetDirectPath() string
	GetMediaKey() []byte
	GetFileSHA256() []byte
	GetFileEncSHA256() []byte
}

func mediaInfo(kind channels.MessageType, m mediaMessage, seconds uint32) *channels.MediaInfo {
	return &channels.MediaInfo{
		Type:          kind,
		MimeType:      m.GetMimetype(),
		FileSize:      m.GetFileLength(),
		Duration:      seconds,
		URL:           m.GetURL(),
		DirectPath:    m.GetDirectPath(),
		MediaKey:      m.GetMediaKey(),
		FileSHA256:    m.GetFileSHA256(),
		FileEncSHA256: m.GetFileEncSHA256(),
	}
}

// extractMessageContent sets the type, text and media of msg. Kinds the
// bot ignores come out as MessageOther with no content.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageOther
	switch {
	case waMsg == nil:
	case waMsg.Conversation != nil:
		msg.Type, msg.Content = channels.MessageText, waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		msg.Type, msg.Content = channels.MessageText, waMsg.GetExtendedTextMessage().GetText()
	case waMsg.AudioMessage != nil:
		a := waMsg.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = mediaInfo(channels.MessageAudio, a, a.GetSeconds())
	// Captions are not read: only plain text and voice notes reach the
	// assistant.
	case waMsg.ImageMessage != nil:
		msg.Type = channels.MessageImage
		msg.Media = mediaInfo(channels.MessageImage, waMsg.GetImageMessage(), 0)
	case waMsg.VideoMessage != nil:
		v := waMsg.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Media = mediaInfo(channels.MessageVideo, v, v.GetSeconds())
	case waMsg.DocumentMessage != nil:
		msg.Type = channels.MessageDocument
	case waMsg.StickerMessage != nil:
		msg.Type = channels.MessageSticker
	}
}
