// Package pipeline turns one inbound message into at most one reply. It
// owns the ordered policy: filtering, voice transcription, operator
// commands, quota, yes/no follow-ups, completion, post-processing, media
// dispatch and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/conversation"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/dedupe"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/llm"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/metrics"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/quota"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

// Config holds the pipeline settings.
type Config struct {
	// SkipParticipantMessages drops events that carry a participant field.
	SkipParticipantMessages bool `yaml:"skip_participant_messages"`

	// LegacyGreeting answers a repeated "hola" with the last reply instead
	// of asking the completion provider.
	LegacyGreeting bool `yaml:"legacy_greeting"`

	// StoreTimeout bounds each data store call (default: 10s).
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// CompletionTimeout bounds each completion call (default: 30s).
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	// HistoryTurns is how many recent turns go into the prompt (default: 5).
	HistoryTurns int `yaml:"history_turns"`

	// MaxWords bounds a reply before sentence completion (default: 200).
	MaxWords int `yaml:"max_words"`

	// DedupeWindow is how long message IDs are remembered (default: 10m).
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:      10 * time.Second,
		CompletionTimeout: 30 * time.Second,
		HistoryTurns:      5,
		MaxWords:          DefaultMaxWords,
		DedupeWindow:      10 * time.Minute,
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = def.CompletionTimeout
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = def.HistoryTurns
	}
	if c.MaxWords <= 0 {
		c.MaxWords = def.MaxWords
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = def.DedupeWindow
	}
	return c
}

// Sender is the channel-side surface the pipeline replies through.
type Sender interface {
	media.Sender
	SetPresence(ctx context.Context, to string, p channels.Presence) error
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)

	// Channel returns the channel number the message arrived on.
	Channel() string

	// TenantID returns the tenant bound to the channel, or 0 when unknown.
	TenantID() int64
}

// Completer produces a reply for a system prompt, recent turns and the
// participant's text.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []conversation.Turn, userText string) (string, error)
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

// UnitOfWork is the data access held for one pipeline invocation.
type UnitOfWork interface {
	quota.Store
	PromptConfig(ctx context.Context, channel string) (store.PromptConfig, error)
	LastReply(ctx context.Context, participant string, promptID int64) (string, error)
	RecordReply(ctx context.Context, rec store.AuditRecord) error
	IncrementUsage(ctx context.Context, tenantID int64) error
	Release()
}

// DataStore hands out units of work.
type DataStore interface {
	Acquire(ctx context.Context) (UnitOfWork, error)
}

type sqlStore struct{ s *store.Store }

func (a sqlStore) Acquire(ctx context.Context) (UnitOfWork, error) {
	uow, err := a.s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return uow, nil
}

// FromStore adapts a *store.Store to DataStore.
func FromStore(s *store.Store) DataStore { return sqlStore{s: s} }

// Pipeline handles inbound messages. It is safe for concurrent use; calls
// for the same participant are serialized on the conversation state.
type Pipeline struct {
	cfg atomic.Pointer[Config]

	registry    *conversation.Registry
	store       DataStore
	completer   Completer
	transcriber Transcriber
	guard       *quota.Guard
	resolver    *media.Resolver
	seen        *dedupe.Window
	statuses    *broadcast.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Deps are the collaborators of a Pipeline. Transcriber, Broadcaster and
// Metrics may be nil.
type Deps struct {
	Registry    *conversation.Registry
	Store       DataStore
	Completer   Completer
	Transcriber Transcriber
	Guard       *quota.Guard
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guard := deps.Guard
	if guard == nil {
		guard = quota.NewGuard()
	}
	registry := deps.Registry
	if registry == nil {
		registry = conversation.NewRegistry(logger)
	}

	cfg = cfg.Effective()
	p := &Pipeline{
		registry:    registry,
		store:       deps.Store,
		completer:   deps.Completer,
		transcriber: deps.Transcriber,
		guard:       guard,
		resolver:    media.NewResolver(logger),
		seen:        dedupe.New(cfg.DedupeWindow, 0),
		statuses:    deps.Broadcaster,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "pipeline"),
	}
	p.cfg.Store(&cfg)
	return p
}

// Config returns the active settings.
func (p *Pipeline) Config() Config { return *p.cfg.Load() }

// UpdateToggles swaps the runtime toggles without a restart.
func (p *Pipeline) UpdateToggles(skipParticipant, legacyGreeting bool) {
	next := *p.cfg.Load()
	next.SkipParticipantMessages = skipParticipant
	next.LegacyGreeting = legacyGreeting
	p.cfg.Store(&next)
	p.logger.Info("pipeline: toggles updated",
		"skip_participant_messages", skipParticipant,
		"legacy_greeting", legacyGreeting)
}

// Registry returns the conversation registry.
func (p *Pipeline) Registry() *conversation.Registry { return p.registry }

// invocation carries the per-message values shared by the steps.
type invocation struct {
	sender      Sender
	msg         *channels.IncomingMessage
	channel     string
	participant string
	to          string
	state       *conversation.State
	cfg         Config

	uow    UnitOfWork
	tenant int64
	prompt *store.PromptConfig
}

// Handle runs the policy for one inbound message. It never returns an
// error: failures end as a user-facing message, a log line, or both.
func (p *Pipeline) Handle(ctx context.Context, s Sender, msg *channels.IncomingMessage) {
	channel := s.Channel()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Message(channel, metrics.OutcomePanic)
			p.logger.Error("pipeline: panic recovered",
				"channel", channel,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	cfg := p.Config()
	if reason := filter(cfg, msg); reason != "" {
		p.logger.Debug("pipeline: message filtered", "channel", channel, "reason", reason)
		p.metrics.Message(channel, metrics.OutcomeFiltered)
		return
	}
	if msg.ID != "" && p.seen.Seen(dedupe.Key(channel, msg.ID)) {
		p.logger.Debug("pipeline: duplicate message dropped", "channel", channel, "id", msg.ID)
		p.metrics.Message(channel, metrics.OutcomeDuplicate)
		return
	}

	inv := &invocation{
		sender:      s,
		msg:         msg,
		channel:     channel,
		participant: channels.Digits(msg.From),
		to:          msg.ChatID,
		cfg:         cfg,
	}
	if inv.to == "" {
		inv.to = msg.From
	}

	inv.state = p.registry.GetOrCreate(channel, inv.participant)
	inv.state.Lock()
	defer inv.state.Unlock()

	defer func() {
		if inv.uow != nil {
			inv.uow.Release()
		}
	}()

	p.handle(ctx, inv)
}

func filter(cfg Config, msg *channels.IncomingMessage) string {
	switch {
	case !msg.HasContent():
		return "no content"
	case msg.IsGroup || channels.IsGroupAddress(msg.ChatID):
		return "group chat"
	case msg.FromMe:
		return "own message"
	case cfg.SkipParticipantMessages && msg.Participant != "":
		return "participant message"
	}
	return ""
}

func (p *Pipeline) handle(ctx context.Context, inv *invocation) {
	text := strings.TrimSpace(inv.msg.Content)

	if inv.msg.Type == channels.MessageAudio {
		transcript, ok := p.transcribe(ctx, inv)
		if !ok {
			return
		}
		text = transcript
	}

	switch text {
	case CommandPause:
		inv.state.Status = conversation.StatusPaused
		p.reply(ctx, inv, ReplyPaused)
		p.metrics.Message(inv.channel, metrics.OutcomeCommand)
		p.logger.Info("pipeline: conversation paused", "channel", inv.channel, "participant", inv.participant)
		return
	case CommandResume:
		inv.state.Status = conversation.StatusActive
		p.reply(ctx, inv, ReplyResumed)
		p.metrics.Message(inv.channel, metrics.OutcomeCommand)
		p.logger.Info("pipeline: conversation resumed", "channel", inv.channel, "participant", inv.participant)
		return
	}

	if inv.state.Paused() {
		p.metrics.Message(inv.channel, metrics.OutcomePaused)
		return
	}
	if text == "" {
		p.metrics.Message(inv.channel, metrics.OutcomeFiltered)
		return
	}

	if !p.checkQuota(ctx, inv) {
		return
	}

	if err := inv.sender.SetPresence(ctx, inv.to, channels.PresenceComposing); err != nil {
		p.logger.Debug("pipeline: presence update failed", "channel", inv.channel, "error", err)
	}

	if inv.cfg.LegacyGreeting && p.greetedBefore(ctx, inv, text) {
		return
	}

	if inv.state.Pending() {
		if handled := p.followUp(ctx, inv, text); handled {
			return
		}
	}

	p.answer(ctx, inv, text)
}

// transcribe downloads and transcribes a voice note. On failure the
// participant gets the classified message and ok is false.
func (p *Pipeline) transcribe(ctx context.Context, inv *invocation) (string, bool) {
	if err := inv.sender.SetPresence(ctx, inv.to, channels.PresenceRecording); err != nil {
		p.logger.Debug("pipeline: presence update failed", "channel", inv.channel, "error", err)
	}

	fail := func(kind media.TranscriptionErrorKind, err error) (string, bool) {
		p.logger.Warn("pipeline: voice note failed",
			"channel", inv.channel,
			"participant", inv.participant,
			"kind", kind,
			"error", err)
		p.metrics.TranscriptionError(string(kind))
		p.metrics.Message(inv.channel, metrics.OutcomeAudioFailed)
		p.reply(ctx, inv, kind.UserMessage())
		return "", false
	}

	if p.transcriber == nil {
		return fail(media.TranscriptionUnconfigured, media.ErrProviderUnconfigured)
	}

	data, mimeType, err := inv.sender.DownloadMedia(ctx, inv.msg)
	if err != nil {
		return fail(media.TranscriptionSourceMissing, err)
	}

	text, err := p.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		return fail(media.ClassifyTranscriptionError(err), err)
	}

	p.logger.Info("pipeline: voice note transcribed", "channel", inv.channel, "chars", len(text))
	return text, true
}

// acquire opens the unit of work on first use.
func (p *Pipeline) acquire(ctx context.Context, inv *invocation) error {
	if inv.uow != nil {
		return nil
	}
	if p.store == nil {
		return errors.New("no data store configured")
	}
	// The timeout only bounds waiting for a pooled connection; the unit
	// of work stays usable after cancel.
	sctx, cancel := context.WithTimeout(ctx, inv.cfg.StoreTimeout)
	defer cancel()

	uow, err := p.store.Acquire(sctx)
	if err != nil {
		return err
	}
	inv.uow = uow
	return nil
}

// promptConfig loads the channel's prompt once per invocation.
func (p *Pipeline) promptConfig(ctx context.Context, inv *invocation) (*store.PromptConfig, error) {
	if inv.prompt != nil {
		return inv.prompt, nil
	}
	if err := p.acquire(ctx, inv); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, inv.cfg.StoreTimeout)
	defer cancel()

	cfg, err := inv.uow.PromptConfig(sctx, inv.channel)
	if err != nil {
		return nil, err
	}
	inv.prompt = &cfg
	return inv.prompt, nil
}

// checkQuota resolves the tenant and runs the guard. A denial is sent to
// the participant and false is returned.
func (p *Pipeline) checkQuota(ctx context.Context, inv *invocation) bool {
	deny := func(d quota.Decision) bool {
		p.logger.Info("pipeline: quota denied",
			"channel", inv.channel,
			"tenant", inv.tenant,
			"error", d.Err)
		p.metrics.Message(inv.channel, metrics.OutcomeQuotaDenied)
		p.reply(ctx, inv, d.Message)
		return false
	}

	if err := p.acquire(ctx, inv); err != nil {
		return deny(quota.Decision{Message: quota.MessageLookupFailed, Err: fmt.Errorf("%w: %w", quota.ErrQuotaLookupFailed, err)})
	}

	inv.tenant = inv.sender.TenantID()
	if inv.tenant == 0 {
		cfg, err := p.promptConfig(ctx, inv)
		if err != nil {
			return deny(quota.Decision{Message: quota.MessageLookupFailed, Err: fmt.Errorf("%w: %w", quota.ErrQuotaLookupFailed, err)})
		}
		inv.tenant = cfg.TenantID
	}

	sctx, cancel := context.WithTimeout(ctx, inv.cfg.StoreTimeout)
	defer cancel()

	d := p.guard.Check(sctx, inv.uow, inv.tenant)
	if !d.Allowed {
		return deny(d)
	}
	return true
}

// greetedBefore answers a repeated greeting with the last reply sent to
// this participant under the same prompt.
func (p *Pipeline) greetedBefore(ctx context.Context, inv *invocation, text string) bool {
	if !strings.Contains(strings.ToLower(text), "hola") {
		return false
	}
	cfg, err := p.promptConfig(ctx, inv)
	if err != nil {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, inv.cfg.StoreTimeout)
	defer cancel()

	last, err := inv.uow.LastReply(sctx, inv.participant, cfg.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("pipeline: last reply lookup failed", "channel", inv.channel, "error", err)
		}
		return false
	}

	p.reply(ctx, inv, ReplyGreetedBefore+last)
	p.metrics.Message(inv.channel, metrics.OutcomeReplied)
	return true
}

// followUp handles a plain yes/no to the last question. It returns false
// when text is neither, so the message goes through the general path.
func (p *Pipeline) followUp(ctx context.Context, inv *invocation, text string) bool {
	question := inv.state.LastQuestion

	switch {
	case IsAffirmative(text):
		if tag := inv.state.LastMediaPrompt; tag != "" && p.sendOfferedMedia(ctx, inv, text, tag) {
			inv.state.ClearPending()
			return true
		}
		inv.state.Append(conversation.Turn{Role: conversation.RoleUser, Content: "Sí"})
		p.metaAnswer(ctx, inv, affirmativePrompt(question))
	case IsNegative(text):
		inv.state.Append(conversation.Turn{Role: conversation.RoleUser, Content: "No"})
		p.metaAnswer(ctx, inv, negativePrompt(question))
	default:
		return false
	}

	inv.state.ClearPending()
	return true
}

// sendOfferedMedia sends the media the last question offered. It returns
// false when the tag has no configured URL.
func (p *Pipeline) sendOfferedMedia(ctx context.Context, inv *invocation, text, tag string) bool {
	cfg, err := p.promptConfig(ctx, inv)
	if err != nil {
		p.logger.Error("pipeline: prompt lookup failed", "channel", inv.channel, "error", err)
		p.reply(ctx, inv, ReplyMediaFailed)
		return true
	}

	asset, ok := media.Lookup(tag, cfg.Media)
	if !ok {
		return false
	}

	err = inv.sender.SendMedia(ctx, inv.to, &channels.MediaMessage{
		Type:    asset.Type,
		URL:     asset.URL,
		Caption: ReplyMediaCaption,
	})
	if err != nil {
		p.logger.Error("pipeline: offered media send failed",
			"channel", inv.channel, "tag", tag, "error", err)
		p.metrics.Message(inv.channel, metrics.OutcomeSendFailed)
		p.reply(ctx, inv, ReplyMediaFailed)
		return true
	}

	inv.state.Append(conversation.Turn{
		Role:    conversation.RoleAssistant,
		Content: fmt.Sprintf("Mostró %s: %s", asset.Type, tag),
	})
	p.persist(ctx, inv, cfg, text, fmt.Sprintf("Envió %s en respuesta a una afirmación", asset.Type))
	p.notify(inv, ReplyMediaCaption)
	p.metrics.Message(inv.channel, metrics.OutcomeMedia)
	return true
}

// metaAnswer completes with a follow-up instruction instead of the
// participant's literal text.
func (p *Pipeline) metaAnswer(ctx context.Context, inv *invocation, instruction string) {
	cfg, err := p.promptConfig(ctx, inv)
	if err != nil {
		p.logger.Error("pipeline: prompt lookup failed", "channel", inv.channel, "error", err)
		return
	}
	reply := p.complete(ctx, cfg.Prompt+"\n\n"+instruction, nil, instruction)
	p.deliver(ctx, inv, cfg, instruction, reply)
}

// answer is the general path.
func (p *Pipeline) answer(ctx context.Context, inv *invocation, text string) {
	cfg, err := p.promptConfig(ctx, inv)
	if err != nil {
		p.logger.Error("pipeline: prompt lookup failed", "channel", inv.channel, "error", err)
		return
	}

	history := inv.state.Recent(inv.cfg.HistoryTurns)
	inv.state.Append(conversation.Turn{Role: conversation.RoleUser, Content: text})

	reply := p.complete(ctx, cfg.Prompt, history, text)
	p.deliver(ctx, inv, cfg, text, reply)
}

// deliver post-processes a completion, updates the pending question,
// dispatches it and records it.
func (p *Pipeline) deliver(ctx context.Context, inv *invocation, cfg *store.PromptConfig, question, completion string) {
	reply := PostProcess(completion, inv.cfg.MaxWords)
	inv.state.NoteReply(reply, ContainsQuestion(reply), media.FirstTag(reply))

	sent, err := p.resolver.Dispatch(ctx, inv.sender, inv.to, reply, cfg.Media)
	if err != nil {
		p.logger.Error("pipeline: reply not delivered",
			"channel", inv.channel, "participant", inv.participant, "error", err)
		p.metrics.Message(inv.channel, metrics.OutcomeSendFailed)
		return
	}

	outcome := metrics.OutcomeReplied
	if sent.Asset != nil {
		inv.state.LastMediaPrompt = sent.Asset.Tag
		outcome = metrics.OutcomeMedia
	}
	inv.state.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: reply})
	p.persist(ctx, inv, cfg, question, reply)
	p.notify(inv, reply)
	p.metrics.Message(inv.channel, outcome)
}

// complete calls the completer and substitutes a fallback on failure.
func (p *Pipeline) complete(ctx context.Context, system string, history []conversation.Turn, text string) string {
	if p.completer == nil {
		return FallbackError
	}

	cctx, cancel := context.WithTimeout(ctx, p.Config().CompletionTimeout)
	defer cancel()

	start := time.Now()
	out, err := p.completer.Complete(cctx, system, history, text)
	p.metrics.Completion(time.Since(start), err == nil)
	if err == nil {
		return out
	}

	p.logger.Warn("pipeline: completion failed, using fallback", "error", err)
	switch {
	case errors.Is(err, llm.ErrEmptyInput):
		return FallbackMissingInput
	case errors.Is(err, llm.ErrEmptyResponse):
		return FallbackEmptyResponse
	default:
		return FallbackError
	}
}

// persist writes the audit row and bumps usage. Failures are logged only.
func (p *Pipeline) persist(ctx context.Context, inv *invocation, cfg *store.PromptConfig, question, reply string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.cfg.StoreTimeout)
	defer cancel()

	err := inv.uow.RecordReply(sctx, store.AuditRecord{
		TenantID:       inv.tenant,
		Channel:        inv.channel,
		Participant:    inv.participant,
		PromptID:       cfg.ID,
		Question:       question,
		Reply:          reply,
		Type:           store.AuditResponse,
		ReceivedAt:     time.Now(),
		ConversationID: inv.state.ID,
	})
	if err != nil {
		p.metrics.PersistenceError()
		p.logger.Error("pipeline: audit write failed", "channel", inv.channel, "error", err)
	}

	if err := inv.uow.IncrementUsage(sctx, inv.tenant); err != nil {
		p.metrics.PersistenceError()
		p.logger.Error("pipeline: usage increment failed", "channel", inv.channel, "tenant", inv.tenant, "error", err)
	}
}

// reply sends a fixed text. Send failures are logged.
func (p *Pipeline) reply(ctx context.Context, inv *invocation, text string) {
	if err := inv.sender.SendText(ctx, inv.to, text); err != nil {
		p.logger.Error("pipeline: send failed",
			"channel", inv.channel, "participant", inv.participant, "error", err)
		return
	}
	p.notify(inv, text)
}

// notify tells status clients that a reply went out.
func (p *Pipeline) notify(inv *invocation, text string) {
	if p.statuses == nil {
		return
	}
	p.statuses.Publish(broadcast.Status{
		Number:      inv.channel,
		Participant: inv.participant,
		Message:     text,
		Kind:        broadcast.KindReply,
	})
}
