package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// SendText sends a plain text message.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) error {
	c, err := w.connectedClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if _, err := c.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("sending text: %w", err)
	}
	return nil
}

// SendMedia uploads an image or video and sends it with its caption.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	c, err := w.connectedClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}

	data := media.Data
	mimeType := media.MimeType
	if len(data) == 0 {
		if media.URL == "" {
			return fmt.Errorf("media has neither data nor URL")
		}
		data, mimeType, err = w.downloadFromURL(ctx, media.URL)
		if err != nil {
			return err
		}
		if media.MimeType != "" {
			mimeType = media.MimeType
		}
	}

	waMsg, err := buildMediaMessage(ctx, c, media, data, mimeType)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}
	if _, err := c.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// uploader is the part of whatsmeow.Client used to upload media.
type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

func buildMediaMessage(ctx context.Context, up uploader, media *channels.MediaMessage, data []byte, mimeType string) (*waE2E.Message, error) {
	switch media.Type {
	case channels.MessageImage:
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = "image/jpeg"
		}
		resp, err := up.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("uploading image: %w", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optionalString(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil

	case channels.MessageVideo:
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = "video/mp4"
		}
		resp, err := up.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("uploading video: %w", err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optionalString(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil
	}
	return nil, fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, media.Type)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// downloadFromURL fetches media bytes from a public URL.
func (w *WhatsApp) downloadFromURL(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching media: HTTP %d", resp.StatusCode)
	}

	limit := int64(w.cfg.MaxMediaSizeMB) << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media exceeds %d MB", w.cfg.MaxMediaSizeMB)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// DownloadMedia fetches and decrypts the media of an incoming message.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg == nil || msg.Media == nil {
		return nil, "", fmt.Errorf("%w: message has no media", channels.ErrMediaDownloadFailed)
	}
	c, err := w.connectedClient()
	if err != nil {
		return nil, "", err
	}

	downloadable, err := downloadableFromInfo(msg.Media)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Download(ctx, downloadable)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	return data, msg.Media.MimeType, nil
}

// downloadableFromInfo rebuilds the proto message whatsmeow needs to fetch
// and decrypt media.
func downloadableFromInfo(info *channels.MediaInfo) (whatsmeow.DownloadableMessage, error) {
	switch info.Type {
	case channels.MessageAudio:
		return &waE2E.AudioMessage{
			URL:           proto.String(info.URL),
			DirectPath:    proto.String(info.DirectPath),
			MediaKey:      info.MediaKey,
			FileSHA256:    info.FileSHA256,
			FileEncSHA256: info.FileEncSHA256,
			Mimetype:      proto.String(info.MimeType),
			FileLength:    proto.Uint64(info.FileSize),
		}, nil
	case channels.MessageImage:
		return &waE2E.ImageMessage{
			URL:           proto.String(info.URL),
			DirectPath:    proto.String(info.DirectPath),
			MediaKey:      info.MediaKey,
			FileSHA256:    info.FileSHA256,
			FileEncSHA256: info.FileEncSHA256,
			Mimetype:      proto.String(info.MimeType),
			FileLength:    proto.Uint64(info.FileSize),
		}, nil
	case channels.MessageVideo:
		return &waE2E.VideoMessage{
			URL:           proto.String(info.URL),
			DirectPath:    proto.String(info.DirectPath),
			MediaKey:      info.MediaKey,
			FileSHA256:    info.FileSHA256,
			FileEncSHA256: info.FileEncSHA256,
			Mimetype:      proto.String(info.MimeType),
			FileLength:    proto.Uint64(info.FileSize),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, info.Type)
}

// SetPresence shows a chat activity indicator to a participant.
func (w *WhatsApp) SetPresence(ctx context.Context, to string, p channels.Presence) error {
	c, err := w.connectedClient()
	if err != nil {
		// Presence is best effort.
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}

	state, media := chatPresence(p)
	return c.SendChatPresence(ctx, jid, state, media)
}

func chatPresence(p channels.Presence) (types.ChatPresence, types.ChatPresenceMedia) {
	switch p {
	case channels.PresenceRecording:
		return types.ChatPresenceComposing, types.ChatPresenceMediaAudio
	case channels.PresencePaused:
		return types.ChatPresencePaused, types.ChatPresenceMediaText
	}
	return types.ChatPresenceComposing, types.ChatPresenceMediaText
}
