// Package session drives channel connections. A Manager owns the lifecycle
// of one channel's transport, runs its event loop and feeds inbound messages
// to the pipeline. The Orchestrator owns the set of live managers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/metrics"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/pipeline"
)

// State is a Manager lifecycle state.
type State string

const (
	StateInitializing       State = "initializing"
	StateAwaitingCredential State = "awaiting_credential"
	StateConnected          State = "connected"
	StateReconnecting       State = "reconnecting"
	StateClosing            State = "closing"
	StateTerminated         State = "terminated"
)

// Status messages sent to provisioning callers and status subscribers.
const (
	MessageNotConnected = "WhatsBoot no está conectado. Por favor, genere un nuevo código QR."
	MessageConnected    = "Conexión exitosa"
	MessageClosedNoQR   = "Connection closed. Unable to generate QR code."
	MessageErrorNoQR    = "Connection error. Unable to generate QR code."
)

// ProvisionStatus is the outcome reported to a provisioning caller.
type ProvisionStatus string

const (
	ProvisionQR        ProvisionStatus = "qr"
	ProvisionConnected ProvisionStatus = "connected"
	ProvisionFailed    ProvisionStatus = "failed"
)

// ProvisionResult answers a provisioning request.
type ProvisionResult struct {
	Status    ProvisionStatus `json:"status"`
	QRCodeURL string          `json:"qr_code_url,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ProvisionFunc receives the provisioning result. It is called at most once.
type ProvisionFunc func(ProvisionResult)

// Handler processes one inbound message. pipeline.Pipeline implements it.
type Handler interface {
	Handle(ctx context.Context, s pipeline.Sender, msg *channels.IncomingMessage)
}

// Session is one connection attempt of a channel.
type Session struct {
	ID        string
	StartedAt time.Time

	// replySent is set once a provisioning answer went out for this
	// attempt and is never cleared.
	replySent bool
	connected bool
}

// Snapshot is a read-only view of a Manager.
type Snapshot struct {
	Number    string    `json:"number"`
	TenantID  int64     `json:"tenant_id"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
	Attempt   int       `json:"reconnect_attempt"`

	// Busy counts participants with queued or running messages.
	Busy int `json:"busy_participants"`
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeRecoverable
	outcomeTerminal
)

// managerDeps are the collaborators shared by every Manager of an
// Orchestrator.
type managerDeps struct {
	dialer       channels.Dialer
	handler      Handler
	broadcaster  *broadcast.Broadcaster
	renderer     QRRenderer
	backoff      Backoff
	metrics      *metrics.Metrics
	logger       *slog.Logger
	queueSize    int
	purgeTimeout time.Duration
}

// Manager owns one channel's connection lifecycle. It implements
// pipeline.Sender over whichever transport is current.
type Manager struct {
	number   string
	tenantID int64
	deps     managerDeps
	logger   *slog.Logger
	onExit   func(m *Manager, terminal bool)

	mu        sync.RWMutex
	state     State
	since     time.Time
	session   *Session
	transport channels.Transport
	provision ProvisionFunc
	attempt   int

	queue  *keyedQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newManager(number string, tenantID int64, provision ProvisionFunc, deps managerDeps, onExit func(*Manager, bool)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		number:    number,
		tenantID:  tenantID,
		deps:      deps,
		logger:    deps.logger.With("channel", number),
		onExit:    onExit,
		provision: provision,
		queue:     newKeyedQueue(deps.queueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Channel implements pipeline.Sender.
func (m *Manager) Channel() string { return m.number }

// TenantID implements pipeline.Sender.
func (m *Manager) TenantID() int64 { return m.tenantID }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a read-only view of the manager.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Number:   m.number,
		TenantID: m.tenantID,
		State:    m.state,
		Since:    m.since,
		Attempt:  m.attempt,
		Busy:     m.queue.Lanes(),
	}
	if m.session != nil {
		snap.SessionID = m.session.ID
		snap.Connected = m.session.connected
	}
	return snap
}

// Done is closed when the event loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) start() { go m.run() }

// stop ends the event loop and waits for in-flight messages. The channel's
// credentials are kept.
func (m *Manager) stop(ctx context.Context) error {
	m.setState(StateClosing)
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", m.number, ctx.Err())
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.queue.Close()

	for {
		switch m.runSession() {
		case outcomeStopped:
			m.setState(StateTerminated)
			m.exit(false)
			return
		case outcomeTerminal:
			m.setState(StateTerminated)
			m.exit(true)
			return
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		delay := m.deps.backoff.Next(attempt)
		m.setState(StateReconnecting)
		m.deps.metrics.Reconnect(m.number)
		m.logger.Info("session: restarting connection", "attempt", attempt, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			m.setState(StateTerminated)
			m.exit(false)
			return
		}
	}
}

func (m *Manager) exit(terminal bool) {
	// Exited managers leave the state gauge.
	m.deps.metrics.SessionTransition(string(StateTerminated), "")
	if m.onExit != nil {
		m.onExit(m, terminal)
	}
}

// runSession performs one connection attempt and drains its events until
// the connection closes or the manager stops.
func (m *Manager) runSession() outcome {
	s := &Session{ID: uuid.NewString(), StartedAt: time.Now()}
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.setState(StateInitializing)

	tr, err := m.deps.dialer.Dial(m.number)
	if err != nil {
		m.logger.Error("session: dial failed", "error", err)
		m.answer(s, ProvisionResult{Status: ProvisionFailed, Message: MessageErrorNoQR})
		return outcomeTerminal
	}
	m.setTransport(tr)
	defer func() {
		m.setTransport(nil)
		tr.Disconnect()
	}()

	if err := tr.Connect(m.ctx); err != nil {
		if m.ctx.Err() != nil {
			return outcomeStopped
		}
		m.logger.Error("session: connect failed", "session", s.ID, "error", err)
		m.answer(s, ProvisionResult{Status: ProvisionFailed, Message: MessageErrorNoQR})
		return outcomeRecoverable
	}

	events := tr.Events()
	for {
		select {
		case <-m.ctx.Done():
			return outcomeStopped
		case evt, ok := <-events:
			if !ok {
				if m.ctx.Err() != nil {
					return outcomeStopped
				}
				m.logger.Warn("session: event stream ended", "session", s.ID)
				return outcomeRecoverable
			}
			if out, done := m.handleEvent(s, tr, evt); done {
				return out
			}
		}
	}
}

// handleEvent applies one transport event. It reports done when the
// connection attempt is over.
func (m *Manager) handleEvent(s *Session, tr channels.Transport, evt channels.Event) (outcome, bool) {
	switch evt.Kind {
	case channels.EventConnection:
		if evt.Connection == nil {
			return 0, false
		}
		return m.handleConnection(s, tr, evt.Connection)

	case channels.EventCredentials:
		// The transport persists key material before emitting; nothing is
		// processed for this channel until that write has returned.
		m.logger.Debug("session: credentials updated", "session", s.ID)

	case channels.EventMessages:
		for _, msg := range evt.Messages {
			m.enqueue(msg)
		}

	case channels.EventError:
		m.logger.Error("session: transport error", "session", s.ID, "error", evt.Err)
		m.answer(s, ProvisionResult{Status: ProvisionFailed, Message: MessageErrorNoQR})
	}
	return 0, false
}

func (m *Manager) handleConnection(s *Session, tr channels.Transport, update *channels.ConnectionUpdate) (outcome, bool) {
	switch update.State {
	case channels.StateConnecting:
		m.logger.Debug("session: connecting", "session", s.ID)

	case channels.StateQR:
		m.setState(StateAwaitingCredential)
		if m.replied(s) {
			m.logger.Debug("session: QR refresh swallowed", "session", s.ID)
			return 0, false
		}
		url, err := m.deps.renderer.Render(m.number, update.QRCode)
		if err != nil {
			m.logger.Error("session: rendering QR failed", "error", err)
			m.answer(s, ProvisionResult{Status: ProvisionFailed, Message: MessageErrorNoQR})
			return 0, false
		}
		m.logger.Info("session: QR code published", "session", s.ID, "url", url)
		m.answer(s, ProvisionResult{Status: ProvisionQR, QRCodeURL: url})
		m.publish(broadcast.KindQR, MessageNotConnected)

	case channels.StateOpen:
		m.mu.Lock()
		s.connected = true
		m.attempt = 0
		m.mu.Unlock()
		m.setState(StateConnected)
		m.logger.Info("session: connected", "session", s.ID)
		m.answer(s, ProvisionResult{Status: ProvisionConnected, Message: MessageConnected})
		m.publish(broadcast.KindConnected, MessageConnected)

	case channels.StateClose:
		m.mu.Lock()
		s.connected = false
		m.mu.Unlock()

		cause := update.Cause
		if cause != nil && cause.Terminal {
			m.logger.Warn("session: logged out, purging credentials",
				"session", s.ID, "reason", cause.Reason)
			m.publish(broadcast.KindTerminated, MessageNotConnected)
			m.answer(s, ProvisionResult{Status: ProvisionFailed, Message: MessageClosedNoQR})
			m.purge(tr)
			return outcomeTerminal, true
		}

		reason := "unknown"
		if cause != nil {
			reason = cause.Reason
		}
		m.logger.Warn("session: connection closed", "session", s.ID, "reason", reason)
		m.publish(broadcast.KindDisconnected, MessageNotConnected)
		return outcomeRecoverable, true
	}
	return 0, false
}

func (m *Manager) purge(tr channels.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), m.deps.purgeTimeout)
	defer cancel()
	if err := tr.PurgeCredentials(ctx); err != nil {
		m.logger.Error("session: purging credentials failed", "error", err)
	}
}

// enqueue hands a message to the participant's FIFO lane.
func (m *Manager) enqueue(msg *channels.IncomingMessage) {
	key := msg.Participant
	if key == "" {
		key = msg.From
	}
	if key == "" {
		key = msg.ChatID
	}
	err := m.queue.Submit(channels.UserPart(key), func() {
		m.deps.handler.Handle(m.ctx, m, msg)
	})
	if err != nil {
		m.logger.Warn("session: message dropped", "id", msg.ID, "from", msg.From, "error", err)
	}
}

func (m *Manager) replied(s *Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.replySent
}

// answer delivers res to the waiting provisioning caller, once per Session.
// An unanswered caller carries over to the next Session.
func (m *Manager) answer(s *Session, res ProvisionResult) {
	m.mu.Lock()
	if s.replySent {
		m.mu.Unlock()
		return
	}
	s.replySent = true
	fn := m.provision
	m.provision = nil
	m.mu.Unlock()

	if fn != nil {
		fn(res)
	}
}

func (m *Manager) publish(kind broadcast.Kind, message string) {
	if m.deps.broadcaster == nil {
		return
	}
	m.deps.broadcaster.Publish(broadcast.Status{Number: m.number, Message: message, Kind: kind})
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	prev := m.state
	if prev == st {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.since = time.Now()
	m.mu.Unlock()

	m.deps.metrics.SessionTransition(string(prev), string(st))
	m.logger.Debug("session: state changed", "from", prev, "to", st)
}

func (m *Manager) setTransport(tr channels.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = tr
}

func (m *Manager) currentTransport() (channels.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.transport == nil || m.session == nil || !m.session.connected {
		return nil, channels.ErrChannelDisconnected
	}
	return m.transport, nil
}

// SendText implements pipeline.Sender.
func (m *Manager) SendText(ctx context.Context, to, text string) error {
	tr, err := m.currentTransport()
	if err != nil {
		return err
	}
	return tr.SendText(ctx, to, text)
}

// SendMedia implements pipeline.Sender.
func (m *Manager) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	tr, err := m.currentTransport()
	if err != nil {
		return err
	}
	return tr.SendMedia(ctx, to, media)
}

// SetPresence implements pipeline.Sender.
func (m *Manager) SetPresence(ctx context.Context, to string, p channels.Presence) error {
	tr, err := m.currentTransport()
	if err != nil {
		return err
	}
	return tr.SetPresence(ctx, to, p)
}

// DownloadMedia implements pipeline.Sender.
func (m *Manager) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	tr, err := m.currentTransport()
	if err != nil {
		return nil, "", err
	}
	return tr.DownloadMedia(ctx, msg)
}

var _ pipeline.Sender = (*Manager)(nil)
