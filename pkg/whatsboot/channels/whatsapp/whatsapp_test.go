package whatsapp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTransport(t *testing.T) *WhatsApp {
	t.Helper()
	w := New(Config{AuthDir: t.TempDir()}, "5491100000000", testLogger())
	t.Cleanup(w.Disconnect)
	return w
}

func nextEvent(t *testing.T, w *WhatsApp) channels.Event {
	t.Helper()
	select {
	case evt := <-w.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return channels.Event{}
}

func TestConfigEffective(t *testing.T) {
	cfg := Config{}.Effective()
	assert.Equal(t, "./auth", cfg.AuthDir)
	assert.Equal(t, "WhatsBoot", cfg.DeviceName)
	assert.Equal(t, 50, cfg.MaxMediaSizeMB)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 256, cfg.EventBuffer)

	cfg = Config{AuthDir: "/var/lib/wb", EventBuffer: 8}.Effective()
	assert.Equal(t, "/var/lib/wb", cfg.AuthDir)
	assert.Equal(t, 8, cfg.EventBuffer)
	assert.Equal(t, filepath.Join("/var/lib/wb", "123"), cfg.SessionDir("123"))
}

func TestNewDialer(t *testing.T) {
	d := NewDialer(Config{AuthDir: t.TempDir()}, testLogger())

	tr, err := d.Dial("5491100000000")
	require.NoError(t, err)
	w, ok := tr.(*WhatsApp)
	require.True(t, ok)
	assert.Equal(t, "5491100000000", w.Number())
	w.Disconnect()

	_, err = d.Dial("not-a-number")
	assert.ErrorIs(t, err, channels.ErrInvalidAddress)
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    types.JID
		wantErr bool
	}{
		{in: "5491100000000", want: types.NewJID("5491100000000", types.DefaultUserServer)},
		{in: "+54 9 11 0000-0000", want: types.NewJID("5491100000000", types.DefaultUserServer)},
		{in: "5491100000000@s.whatsapp.net", want: types.NewJID("5491100000000", types.DefaultUserServer)},
		{in: "120363000000000000@g.us", want: types.NewJID("120363000000000000", types.GroupServer)},
		{in: "", wantErr: true},
		{in: "12345", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseJID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, channels.ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleEventConnectionMapping(t *testing.T) {
	t.Run("connected reports open", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.Connected{})
		evt := nextEvent(t, w)
		require.Equal(t, channels.EventConnection, evt.Kind)
		assert.Equal(t, channels.StateOpen, evt.Connection.State)
		assert.True(t, w.IsConnected())
	})

	t.Run("logged out is terminal", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
		evt := nextEvent(t, w)
		require.Equal(t, channels.StateClose, evt.Connection.State)
		require.NotNil(t, evt.Connection.Cause)
		assert.True(t, evt.Connection.Cause.Terminal)
	})

	t.Run("connect failure terminal only when logged out", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut})
		assert.True(t, nextEvent(t, w).Connection.Cause.Terminal)

		w2 := newTestTransport(t)
		w2.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureReason(500)})
		assert.False(t, nextEvent(t, w2).Connection.Cause.Terminal)
	})

	t.Run("recoverable closes", func(t *testing.T) {
		for name, raw := range map[string]interface{}{
			"disconnected":    &events.Disconnected{},
			"stream replaced": &events.StreamReplaced{},
			"stream error":    &events.StreamError{Code: "503"},
		} {
			t.Run(name, func(t *testing.T) {
				w := newTestTransport(t)
				w.handleEvent(raw)
				evt := nextEvent(t, w)
				require.Equal(t, channels.StateClose, evt.Connection.State)
				assert.False(t, evt.Connection.Cause.Terminal)
			})
		}
	})

	t.Run("close reported once per connection", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.StreamReplaced{})
		w.handleEvent(&events.Disconnected{})
		_ = nextEvent(t, w)
		assert.Len(t, w.Events(), 0)

		w.handleEvent(&events.Connected{})
		assert.Equal(t, channels.StateOpen, nextEvent(t, w).Connection.State)
		w.handleEvent(&events.Disconnected{})
		assert.Equal(t, channels.StateClose, nextEvent(t, w).Connection.State)
	})

	t.Run("non fatal stream error is ignored", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.StreamError{Code: "515"})
		assert.Len(t, w.Events(), 0)
	})

	t.Run("pair success reports credentials", func(t *testing.T) {
		w := newTestTransport(t)
		w.handleEvent(&events.PairSuccess{ID: types.NewJID("5491100000000", types.DefaultUserServer)})
		assert.Equal(t, channels.EventCredentials, nextEvent(t, w).Kind)
	})

	t.Run("keep-alive closes after repeated failures", func(t *testing.T) {
		w := newTestTransport(t)
		w.connected.Store(true)
		w.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1})
		assert.Len(t, w.Events(), 0)
		w.handleEvent(&events.KeepAliveTimeout{ErrorCount: 3})
		assert.Equal(t, "keepalive_timeout", nextEvent(t, w).Connection.Cause.Reason)
	})
}

func TestHandleMessageEvt(t *testing.T) {
	w := newTestTransport(t)
	sender := types.NewJID("5491122223333", types.DefaultUserServer)

	w.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "ABC123",
			PushName:      "Ana",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("hola")},
	})

	evt := nextEvent(t, w)
	require.Equal(t, channels.EventMessages, evt.Kind)
	require.Len(t, evt.Messages, 1)
	msg := evt.Messages[0]
	assert.Equal(t, "ABC123", msg.ID)
	assert.Equal(t, "5491100000000", msg.Channel)
	assert.Equal(t, "5491122223333@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, "5491122223333@s.whatsapp.net", msg.From)
	assert.Empty(t, msg.Participant)
	assert.Equal(t, "Ana", msg.FromName)
	assert.Equal(t, channels.MessageText, msg.Type)
	assert.Equal(t, "hola", msg.Content)

	t.Run("status broadcasts are dropped", func(t *testing.T) {
		w.handleEvent(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID, Sender: sender},
			},
			Message: &waE2E.Message{Conversation: proto.String("story")},
		})
		assert.Len(t, w.Events(), 0)
	})

	t.Run("group messages carry participant", func(t *testing.T) {
		group := types.NewJID("120363000000000000", types.GroupServer)
		w.handleEvent(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			},
			Message: &waE2E.Message{Conversation: proto.String("hola grupo")},
		})
		msg := nextEvent(t, w).Messages[0]
		assert.True(t, msg.IsGroup)
		assert.Equal(t, "5491122223333@s.whatsapp.net", msg.Participant)
	})
}

func TestExtractMessageContent(t *testing.T) {
	tests := []struct {
		name      string
		in        *waE2E.Message
		wantType  channels.MessageType
		wantText  string
		wantMedia bool
	}{
		{name: "nil", in: nil, wantType: channels.MessageOther},
		{name: "conversation", in: &waE2E.Message{Conversation: proto.String("hola")}, wantType: channels.MessageText, wantText: "hola"},
		{
			name:     "extended text",
			in:       &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("mirá esto")}},
			wantType: channels.MessageText, wantText: "mirá esto",
		},
		{
			name: "voice note",
			in: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
				Mimetype:   proto.String("audio/ogg; codecs=opus"),
				DirectPath: proto.String("/v/t62/abc"),
				PTT:        proto.Bool(true),
			}},
			wantType: channels.MessageAudio, wantMedia: true,
		},
		{
			name:     "image caption ignored",
			in:       &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("precio?")}},
			wantType: channels.MessageImage, wantMedia: true,
		},
		{
			name:     "video caption ignored",
			in:       &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("¿cuánto sale?")}},
			wantType: channels.MessageVideo, wantMedia: true,
		},
		{
			name:     "document caption ignored",
			in:       &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("factura")}},
			wantType: channels.MessageDocument,
		},
		{name: "sticker", in: &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, wantType: channels.MessageSticker},
		{name: "unsupported", in: &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{}}, wantType: channels.MessageOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &channels.IncomingMessage{}
			extractMessageContent(tt.in, msg)
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.wantText, msg.Content)
			assert.Equal(t, tt.wantMedia, msg.Media != nil)
		})
	}

	t.Run("audio media info", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		extractMessageContent(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:   proto.String("audio/ogg"),
			DirectPath: proto.String("/v/t62/abc"),
			MediaKey:   []byte{1, 2, 3},
			Seconds:    proto.Uint32(7),
			FileLength: proto.Uint64(2048),
		}}, msg)
		require.NotNil(t, msg.Media)
		assert.Equal(t, "audio/ogg", msg.Media.MimeType)
		assert.Equal(t, "/v/t62/abc", msg.Media.DirectPath)
		assert.Equal(t, []byte{1, 2, 3}, msg.Media.MediaKey)
		assert.Equal(t, uint32(7), msg.Media.Duration)
		assert.Equal(t, uint64(2048), msg.Media.FileSize)
	})
}

type fakeUploader struct {
	gotType whatsmeow.MediaType
	gotData []byte
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.gotType = mt
	f.gotData = data
	return whatsmeow.UploadResponse{
		URL:        "https://mmg.whatsapp.net/x",
		DirectPath: "/v/t62/x",
		MediaKey:   []byte{9},
		FileLength: uint64(len(data)),
	}, nil
}

func TestBuildMediaMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("image", func(t *testing.T) {
		up := &fakeUploader{}
		msg, err := buildMediaMessage(ctx, up, &channels.MediaMessage{
			Type: channels.MessageImage, Caption: "Aquí tienes la imagen solicitada.",
		}, []byte("png-bytes"), "")
		require.NoError(t, err)
		assert.Equal(t, whatsmeow.MediaImage, up.gotType)
		require.NotNil(t, msg.ImageMessage)
		assert.Equal(t, "Aquí tienes la imagen solicitada.", msg.ImageMessage.GetCaption())
		assert.Equal(t, "image/jpeg", msg.ImageMessage.GetMimetype())
		assert.Equal(t, "/v/t62/x", msg.ImageMessage.GetDirectPath())
		assert.Equal(t, uint64(9), msg.ImageMessage.GetFileLength())
	})

	t.Run("video keeps mime", func(t *testing.T) {
		up := &fakeUploader{}
		msg, err := buildMediaMessage(ctx, up, &channels.MediaMessage{Type: channels.MessageVideo}, []byte("mp4"), "video/quicktime")
		require.NoError(t, err)
		assert.Equal(t, whatsmeow.MediaVideo, up.gotType)
		require.NotNil(t, msg.VideoMessage)
		assert.Equal(t, "video/quicktime", msg.VideoMessage.GetMimetype())
		assert.Nil(t, msg.VideoMessage.Caption)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := buildMediaMessage(ctx, &fakeUploader{}, &channels.MediaMessage{Type: channels.MessageDocument}, nil, "")
		assert.ErrorIs(t, err, channels.ErrMediaNotSupported)
	})
}

func TestDownloadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes"))
		case "/big":
			_, _ = w.Write(make([]byte, 2<<20))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	w := New(Config{AuthDir: t.TempDir(), MaxMediaSizeMB: 1}, "5491100000000", testLogger())
	defer w.Disconnect()

	data, mimeType, err := w.downloadFromURL(context.Background(), srv.URL+"/ok.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, "image/jpeg", mimeType)

	_, _, err = w.downloadFromURL(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "HTTP 404")

	_, _, err = w.downloadFromURL(context.Background(), srv.URL+"/big")
	assert.ErrorContains(t, err, "exceeds 1 MB")
}

func TestDownloadableFromInfo(t *testing.T) {
	d, err := downloadableFromInfo(&channels.MediaInfo{Type: channels.MessageAudio, DirectPath: "/p", MediaKey: []byte{1}})
	require.NoError(t, err)
	audio, ok := d.(*waE2E.AudioMessage)
	require.True(t, ok)
	assert.Equal(t, "/p", audio.GetDirectPath())
	assert.Equal(t, []byte{1}, audio.GetMediaKey())

	_, err = downloadableFromInfo(&channels.MediaInfo{Type: channels.MessageSticker})
	assert.ErrorIs(t, err, channels.ErrMediaNotSupported)
}

func TestSendRequiresConnection(t *testing.T) {
	w := newTestTransport(t)
	ctx := context.Background()

	assert.ErrorIs(t, w.SendText(ctx, "5491122223333", "hola"), channels.ErrChannelDisconnected)
	assert.ErrorIs(t, w.SendMedia(ctx, "5491122223333", &channels.MediaMessage{Type: channels.MessageImage, URL: "http://x"}), channels.ErrChannelDisconnected)
	_, _, err := w.DownloadMedia(ctx, &channels.IncomingMessage{Media: &channels.MediaInfo{Type: channels.MessageAudio}})
	assert.ErrorIs(t, err, channels.ErrChannelDisconnected)
	assert.NoError(t, w.SetPresence(ctx, "5491122223333", channels.PresenceComposing))
}

func TestChatPresence(t *testing.T) {
	state, media := chatPresence(channels.PresenceRecording)
	assert.Equal(t, types.ChatPresenceComposing, state)
	assert.Equal(t, types.ChatPresenceMediaAudio, media)

	state, _ = chatPresence(channels.PresencePaused)
	assert.Equal(t, types.ChatPresencePaused, state)

	state, media = chatPresence(channels.PresenceComposing)
	assert.Equal(t, types.ChatPresenceComposing, state)
	assert.Equal(t, types.ChatPresenceMediaText, media)
}

func TestDisconnectClosesEvents(t *testing.T) {
	w := New(Config{AuthDir: t.TempDir()}, "5491100000000", testLogger())
	w.Disconnect()
	w.Disconnect()

	_, ok := <-w.Events()
	assert.False(t, ok)

	// Events after Disconnect are dropped without panicking.
	w.handleEvent(&events.Connected{})
	w.emitMessages(&channels.IncomingMessage{ID: "x"})
}

func TestPurgeCredentialsRemovesAuthDir(t *testing.T) {
	root := t.TempDir()
	w := New(Config{AuthDir: root}, "5491100000000", testLogger())
	defer w.Disconnect()

	dir := filepath.Join(root, "5491100000000")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SessionFile), []byte("keys"), 0o600))

	require.NoError(t, w.PurgeCredentials(context.Background()))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestStoreCacheForgetClosesDB(t *testing.T) {
	ctx := context.Background()
	c := newStoreCache()
	dbPath := filepath.Join(t.TempDir(), SessionFile)

	first, err := c.get(ctx, "5491100000000", dbPath)
	require.NoError(t, err)
	again, err := c.get(ctx, "5491100000000", dbPath)
	require.NoError(t, err)
	assert.Same(t, first, again)

	db := c.byNumber["5491100000000"].db
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, c.forget("5491100000000"))
	assert.Error(t, db.PingContext(ctx))
	assert.NotContains(t, c.byNumber, "5491100000000")

	// Unknown numbers are a no-op.
	assert.NoError(t, c.forget("5491100000000"))
}
