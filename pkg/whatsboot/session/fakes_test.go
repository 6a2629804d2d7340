package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/pipeline"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is driven by the test through push.
type fakeTransport struct {
	dialer *fakeDialer
	number string

	mu           sync.Mutex
	events       chan channels.Event
	closed       bool
	creds        string
	texts        []string
	media        []*channels.MediaMessage
	purged       bool
	disconnected bool
	connectErr   error
}

func (t *fakeTransport) Connect(context.Context) error {
	if t.connectErr != nil {
		return t.connectErr
	}
	t.mu.Lock()
	t.creds = t.dialer.credentials(t.number)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Events() <-chan channels.Event { return t.events }

func (t *fakeTransport) push(evt channels.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- evt
}

func (t *fakeTransport) pushState(state channels.ConnectionState) {
	t.push(channels.Event{Kind: channels.EventConnection, Connection: &channels.ConnectionUpdate{State: state}})
}

func (t *fakeTransport) pushQR() {
	t.mu.Lock()
	code := t.creds
	t.mu.Unlock()
	t.push(channels.Event{Kind: channels.EventConnection, Connection: &channels.ConnectionUpdate{
		State:  channels.StateQR,
		QRCode: code,
	}})
}

func (t *fakeTransport) pushClose(terminal bool) {
	t.push(channels.Event{Kind: channels.EventConnection, Connection: &channels.ConnectionUpdate{
		State: channels.StateClose,
		Cause: &channels.CloseCause{Terminal: terminal, Reason: "test"},
	}})
}

func (t *fakeTransport) SendText(_ context.Context, _, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, text)
	return nil
}

func (t *fakeTransport) SendMedia(_ context.Context, _ string, m *channels.MediaMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.media = append(t.media, m)
	return nil
}

func (t *fakeTransport) SetPresence(context.Context, string, channels.Presence) error { return nil }

func (t *fakeTransport) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return nil, "", errors.New("no media")
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	if !t.closed {
		t.closed = true
		close(t.events)
	}
}

func (t *fakeTransport) PurgeCredentials(context.Context) error {
	t.mu.Lock()
	t.purged = true
	t.mu.Unlock()
	t.dialer.purge(t.number)
	return nil
}

func (t *fakeTransport) wasPurged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.purged
}

func (t *fakeTransport) wasDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

func (t *fakeTransport) credentialCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// fakeDialer hands out fake transports and keeps the credential store.
type fakeDialer struct {
	mu         sync.Mutex
	dialed     chan *fakeTransport
	creds      map[string]string
	connectErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 32), creds: make(map[string]string)}
}

func (d *fakeDialer) Dial(number string) (channels.Transport, error) {
	d.mu.Lock()
	connectErr := d.connectErr
	d.mu.Unlock()
	t := &fakeTransport{
		dialer:     d,
		number:     number,
		events:     make(chan channels.Event, 16),
		connectErr: connectErr,
	}
	d.dialed <- t
	return t, nil
}

// credentials returns the stored material, generating it when absent.
func (d *fakeDialer) credentials(number string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.creds[number]; ok {
		return c
	}
	c := uuid.NewString()
	d.creds[number] = c
	return c
}

func (d *fakeDialer) purge(number string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.creds, number)
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return nil
}

// fakeRenderer records rendered challenges.
type fakeRenderer struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (r *fakeRenderer) Render(number, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.codes = append(r.codes, code)
	return QRCodeURL("http://wb.test", number), nil
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

// recordingHandler captures messages per participant and can reply.
type recordingHandler struct {
	mu    sync.Mutex
	seen  map[string][]string
	reply string
	delay time.Duration
	total chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(map[string][]string), total: make(chan struct{}, 128)}
}

func (h *recordingHandler) Handle(ctx context.Context, s pipeline.Sender, msg *channels.IncomingMessage) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.seen[msg.From] = append(h.seen[msg.From], msg.Content)
	reply := h.reply
	h.mu.Unlock()
	if reply != "" {
		_ = s.SendText(ctx, msg.From, reply)
	}
	h.total <- struct{}{}
}

func (h *recordingHandler) messages(from string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen[from]...)
}

// provisionSink collects provisioning answers.
type provisionSink struct {
	mu      sync.Mutex
	results []ProvisionResult
}

func (p *provisionSink) fn(res ProvisionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

func (p *provisionSink) all() []ProvisionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProvisionResult(nil), p.results...)
}

type fakeTenants map[string]int64

func (f fakeTenants) TenantForChannel(_ context.Context, number string) (int64, error) {
	if id, ok := f[number]; ok {
		return id, nil
	}
	return 0, store.ErrNotFound
}

type harness struct {
	orch     *Orchestrator
	dialer   *fakeDialer
	renderer *fakeRenderer
	handler  *recordingHandler
	statuses <-chan broadcast.Status
}

func newHarness(t *testing.T, cfg Config, tenants TenantResolver) *harness {
	t.Helper()
	h := &harness{
		dialer:   newFakeDialer(),
		renderer: &fakeRenderer{},
		handler:  newRecordingHandler(),
	}
	b := broadcast.New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	h.statuses, _ = b.Subscribe(ctx)

	h.orch = NewOrchestrator(cfg, Deps{
		Dialer:      h.dialer,
		Handler:     h.handler,
		Broadcaster: b,
		Renderer:    h.renderer,
		Backoff:     BackoffFunc(func(int) time.Duration { return time.Millisecond }),
		Tenants:     tenants,
		Logger:      testLogger(),
	})
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = h.orch.ShutdownAll(shutdownCtx)
		cancel()
		b.Close()
	})
	return h
}

func (h *harness) nextStatus(t *testing.T) broadcast.Status {
	t.Helper()
	select {
	case st := <-h.statuses:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return broadcast.Status{}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, m.State())
}
