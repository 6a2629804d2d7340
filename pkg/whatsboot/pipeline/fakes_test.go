package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/conversation"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/quota"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

type sentText struct{ to, text string }

type fakeSender struct {
	mu        sync.Mutex
	channel   string
	tenant    int64
	texts     []sentText
	media     []*channels.MediaMessage
	presences []channels.Presence
	mediaErr  error
	audio     []byte
	audioErr  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{channel: "5491100000000", tenant: 7}
}

func (f *fakeSender) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{to, text})
	return nil
}

func (f *fakeSender) SendMedia(_ context.Context, _ string, m *channels.MediaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaErr != nil {
		return f.mediaErr
	}
	f.media = append(f.media, m)
	return nil
}

func (f *fakeSender) SetPresence(_ context.Context, _ string, p channels.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}

func (f *fakeSender) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return f.audio, "audio/ogg", f.audioErr
}

func (f *fakeSender) Channel() string { return f.channel }
func (f *fakeSender) TenantID() int64 { return f.tenant }

func (f *fakeSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].text
}

func (f *fakeSender) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type completion struct {
	system  string
	history []conversation.Turn
	text    string
}

type fakeCompleter struct {
	mu      sync.Mutex
	calls   []completion
	replies []string
	err     error
	respond func(text string) string
}

func (f *fakeCompleter) Complete(_ context.Context, system string, history []conversation.Turn, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, completion{system, history, text})
	if f.err != nil {
		return "", f.err
	}
	if f.respond != nil {
		return f.respond(text), nil
	}
	if len(f.replies) == 0 {
		return "Claro, te ayudo.", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

// fakeStore is an in-memory DataStore shared by every unit of work.
type fakeStore struct {
	mu       sync.Mutex
	prompt   store.PromptConfig
	usage    quota.Usage
	limit    int
	audit    []store.AuditRecord
	acquired int
	released int
}

func (f *fakeStore) Acquire(context.Context) (UnitOfWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &fakeUoW{s: f}, nil
}

func (f *fakeStore) records() []store.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.AuditRecord(nil), f.audit...)
}

func (f *fakeStore) used() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage.Messages
}

type fakeUoW struct{ s *fakeStore }

func (u *fakeUoW) TenantUsage(context.Context, int64) (quota.Usage, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	return u.s.usage, nil
}

func (u *fakeUoW) PlanLimit(context.Context, int64) (int, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	return u.s.limit, nil
}

func (u *fakeUoW) PromptConfig(_ context.Context, channel string) (store.PromptConfig, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.s.prompt.Prompt == "" {
		return store.PromptConfig{}, store.ErrNotFound
	}
	return u.s.prompt, nil
}

func (u *fakeUoW) LastReply(_ context.Context, participant string, promptID int64) (string, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for i := len(u.s.audit) - 1; i >= 0; i-- {
		r := u.s.audit[i]
		if r.Participant == participant && r.PromptID == promptID {
			return r.Reply, nil
		}
	}
	return "", store.ErrNotFound
}

func (u *fakeUoW) RecordReply(_ context.Context, rec store.AuditRecord) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.audit = append(u.s.audit, rec)
	return nil
}

func (u *fakeUoW) IncrementUsage(context.Context, int64) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.usage.Messages++
	return nil
}

func (u *fakeUoW) Release() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.released++
}

var errSend = errors.New("send failed")
