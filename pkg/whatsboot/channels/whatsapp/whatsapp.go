// Package whatsapp implements channels.Transport over whatsmeow, the native
// Go WhatsApp Web client.
//
// One WhatsApp value is one connection attempt for one number. Credential
// material lives in a per-number sqlstore database under the auth
// directory. Reconnection is not handled here: close events are reported
// with a CloseCause and the session manager decides what to do.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// SessionFile is the name of the credential database inside a number's
// auth directory.
const SessionFile = "session.db"

// Config holds WhatsApp transport configuration.
type Config struct {
	// AuthDir holds one sub-directory per number with its session store.
	AuthDir string `yaml:"auth_dir"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// MaxMediaSizeMB bounds media fetched from URLs before upload.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`

	// DownloadTimeout bounds fetching media from URLs.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// EventBuffer is the capacity of the event stream.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		AuthDir:         "./auth",
		DeviceName:      "WhatsBoot",
		MaxMediaSizeMB:  50,
		DownloadTimeout: 30 * time.Second,
		EventBuffer:     256,
	}
}

// Effective returns the config with zero values replaced by defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.AuthDir == "" {
		c.AuthDir = def.AuthDir
	}
	if c.DeviceName == "" {
		c.DeviceName = def.DeviceName
	}
	if c.MaxMediaSizeMB <= 0 {
		c.MaxMediaSizeMB = def.MaxMediaSizeMB
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// SessionDir returns the auth directory of a number.
func (c Config) SessionDir(number string) string {
	return filepath.Join(c.AuthDir, number)
}

// Dialer creates one transport per connection attempt. Session stores are
// kept open across attempts for the same number.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
	stores *storeCache
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg.Effective(),
		logger: logger,
		stores: newStoreCache(),
	}
}

// Dial implements channels.Dialer.
func (d *Dialer) Dial(number string) (channels.Transport, error) {
	if channels.Digits(number) != number || number == "" {
		return nil, fmt.Errorf("%w: %q", channels.ErrInvalidAddress, number)
	}
	w := New(d.cfg, number, d.logger)
	w.stores = d.stores
	return w, nil
}

var (
	_ channels.Dialer    = (*Dialer)(nil)
	_ channels.Transport = (*WhatsApp)(nil)
)

// storeCache holds the open session store of each number.
type storeCache struct {
	mu       sync.Mutex
	byNumber map[string]*openedStore
}

func newStoreCache() *storeCache {
	return &storeCache{byNumber: make(map[string]*openedStore)}
}

type openedStore struct {
	container *sqlstore.Container
	db        *sql.DB
}

func (c *storeCache) get(ctx context.Context, number, dbPath string) (*sqlstore.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.byNumber[number]; ok {
		return st.container, nil
	}
	st, err := openStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	c.byNumber[number] = st
	return st.container, nil
}

// forget closes and drops a number's store before its files are deleted.
func (c *storeCache) forget(number string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.byNumber[number]
	if !ok {
		return nil
	}
	delete(c.byNumber, number)
	return st.db.Close()
}

func openStore(ctx context.Context, dbPath string) (*openedStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrading session db: %w", err)
	}
	return &openedStore{container: container, db: db}, nil
}

// WhatsApp is a channels.Transport backed by a whatsmeow client.
type WhatsApp struct {
	cfg    Config
	number string
	logger *slog.Logger

	stores *storeCache

	mu     sync.Mutex
	client *whatsmeow.Client

	events       chan channels.Event
	eventsClosed atomic.Bool

	connected atomic.Bool
	// closeSent suppresses duplicate close reports for one connection.
	closeSent atomic.Bool
	// stopping is set by Disconnect so the socket teardown is not reported.
	stopping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a transport for number. Nothing is opened until Connect.
func New(cfg Config, number string, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	ctx, cancel := context.WithCancel(context.Background())
	return &WhatsApp{
		cfg:    cfg,
		number: number,
		logger: logger.With("component", "whatsapp", "channel", number),
		events: make(chan channels.Event, cfg.EventBuffer),
		stores: newStoreCache(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Number returns the channel number this transport serves.
func (w *WhatsApp) Number() string { return w.number }

// Events returns the event stream. It is closed by Disconnect.
func (w *WhatsApp) Events() <-chan channels.Event { return w.events }

// IsConnected reports whether the socket is open and authenticated.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Connect opens the session store and starts the connection. When no
// credentials are stored the QR login runs in the background and each
// challenge is reported as a StateQR connection event.
func (w *WhatsApp) Connect(ctx context.Context) error {
	dir := w.cfg.SessionDir(w.number)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating auth dir: %w", err)
	}

	dbPath := filepath.Join(dir, SessionFile)
	container, err := w.stores.get(ctx, w.number, dbPath)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(w.handleEvent)
	// Reconnects are driven by the session manager with its own backoff.
	client.EnableAutoReconnect = false

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	w.emitConnection(&channels.ConnectionUpdate{State: channels.StateConnecting})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(w.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		w.logger.Info("whatsapp: no stored credentials, waiting for QR scan")
		go w.watchQR(qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.logger.Info("whatsapp: connecting with stored credentials",
		"jid", client.Store.ID.String())
	return nil
}

// watchQR forwards QR challenges until the login completes or fails.
func (w *WhatsApp) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	attempts := 0
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				attempts++
				w.logger.Info("whatsapp: QR code ready", "attempt", attempts)
				w.emitConnection(&channels.ConnectionUpdate{
					State:  channels.StateQR,
					QRCode: evt.Code,
				})

			case "success":
				w.logger.Info("whatsapp: QR login successful")
				return

			case "timeout":
				w.logger.Warn("whatsapp: QR code expired", "attempts", attempts)
				w.emitClose(false, "qr_timeout")
				return

			default:
				err := evt.Error
				if err == nil {
					err = fmt.Errorf("QR login: %s", evt.Event)
				}
				w.logger.Error("whatsapp: QR login error", "error", err)
				w.emit(channels.Event{Kind: channels.EventError, Err: err})
				return
			}
		}
	}
}

// Disconnect closes the socket and the event stream. Stored credentials
// are kept.
func (w *WhatsApp) Disconnect() {
	w.stopping.Store(true)
	w.connected.Store(false)
	w.cancel()

	if c := w.getClient(); c != nil {
		c.Disconnect()
	}

	// Mark the stream as closed before closing it so emit never sends on a
	// closed channel.
	if w.eventsClosed.CompareAndSwap(false, true) {
		close(w.events)
	}
	w.logger.Info("whatsapp: disconnected")
}

// PurgeCredentials logs the device out when possible and removes the
// number's auth directory.
func (w *WhatsApp) PurgeCredentials(ctx context.Context) error {
	var errs []error
	if c := w.getClient(); c != nil && c.Store != nil && c.Store.ID != nil {
		if err := c.Logout(ctx); err != nil {
			w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
			c.Disconnect()
			if delErr := c.Store.Delete(ctx); delErr != nil {
				errs = append(errs, fmt.Errorf("deleting device store: %w", delErr))
			}
		}
	}
	if err := w.stores.forget(w.number); err != nil {
		errs = append(errs, fmt.Errorf("closing session db: %w", err))
	}
	if err := os.RemoveAll(w.cfg.SessionDir(w.number)); err != nil {
		errs = append(errs, fmt.Errorf("removing auth dir: %w", err))
	}
	if len(errs) == 0 {
		w.logger.Info("whatsapp: credentials purged")
	}
	return errors.Join(errs...)
}

func (w *WhatsApp) getClient() *whatsmeow.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// connectedClient returns the client when the socket is usable.
func (w *WhatsApp) connectedClient() (*whatsmeow.Client, error) {
	c := w.getClient()
	if c == nil || !w.connected.Load() {
		return nil, channels.ErrChannelDisconnected
	}
	return c, nil
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (w *WhatsApp) emitConnection(update *channels.ConnectionUpdate) {
	w.emit(channels.Event{Kind: channels.EventConnection, Connection: update})
}

// emitClose reports a close once per connection.
func (w *WhatsApp) emitClose(terminal bool, reason string) {
	w.connected.Store(false)
	if w.stopping.Load() || !w.closeSent.CompareAndSwap(false, true) {
		return
	}
	w.emitConnection(&channels.ConnectionUpdate{
		State: channels.StateClose,
		Cause: &channels.CloseCause{Terminal: terminal, Reason: reason},
	})
}

// emit delivers lifecycle events, waiting for room in the stream.
func (w *WhatsApp) emit(evt channels.Event) {
	if w.eventsClosed.Load() {
		return
	}
	defer func() {
		// Disconnect may close the stream between the check and the send.
		_ = recover()
	}()
	select {
	case w.events <- evt:
	case <-w.ctx.Done():
	}
}

// emitMessages delivers inbound messages, dropping them when the consumer
// is behind.
func (w *WhatsApp) emitMessages(msgs ...*channels.IncomingMessage) {
	if w.eventsClosed.Load() || len(msgs) == 0 {
		return
	}
	defer func() { _ = recover() }()
	select {
	case w.events <- channels.Event{Kind: channels.EventMessages, Messages: msgs}:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: event stream full, dropping message",
			"from", msgs[0].From, "type", msgs[0].Type)
	}
}

// parseJID converts a participant address to types.JID.
// Accepts "5511999999999", "5511999999999@s.whatsapp.net" or group IDs like
// "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("%w: empty", channels.ErrInvalidAddress)
	}
	if strings.Contains(s, "@") {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", channels.ErrInvalidAddress, err)
		}
		return jid, nil
	}

	digits := channels.Digits(s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("%w: phone number too short: %s", channels.ErrInvalidAddress, s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
