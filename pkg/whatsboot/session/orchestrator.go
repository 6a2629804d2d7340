package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/metrics"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

// Config holds session configuration.
type Config struct {
	// AuthDir holds one credential directory per channel number. Boot
	// starts every channel found here.
	AuthDir string `yaml:"auth_dir"`

	// QRDir is where QR images are written; it is served under /uploads/.
	QRDir string `yaml:"qr_dir"`

	// PublicBaseURL prefixes QR image URLs returned to callers.
	PublicBaseURL string `yaml:"public_base_url"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// QueueSize bounds pending messages per participant.
	QueueSize int `yaml:"queue_size"`

	// BootConcurrency bounds channels started in parallel at boot.
	BootConcurrency int `yaml:"boot_concurrency"`

	PurgeTimeout time.Duration `yaml:"purge_timeout"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		AuthDir:         "./auth",
		QRDir:           "./uploads",
		PublicBaseURL:   "http://localhost:3000",
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      2 * time.Minute,
		QueueSize:       100,
		BootConcurrency: 4,
		PurgeTimeout:    10 * time.Second,
	}
}

// Effective returns the config with zero values replaced by defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.AuthDir == "" {
		c.AuthDir = def.AuthDir
	}
	if c.QRDir == "" {
		c.QRDir = def.QRDir
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = def.PublicBaseURL
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BootConcurrency <= 0 {
		c.BootConcurrency = def.BootConcurrency
	}
	if c.PurgeTimeout <= 0 {
		c.PurgeTimeout = def.PurgeTimeout
	}
	return c
}

// TenantResolver finds the tenant that owns a channel.
type TenantResolver interface {
	TenantForChannel(ctx context.Context, number string) (int64, error)
}

// Deps are the Orchestrator's collaborators. Renderer and Backoff default
// to a PNGRenderer and an ExponentialBackoff built from Config.
type Deps struct {
	Dialer      channels.Dialer
	Handler     Handler
	Broadcaster *broadcast.Broadcaster
	Renderer    QRRenderer
	Backoff     Backoff
	Tenants     TenantResolver
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrInvalidChannel  = errors.New("invalid channel number")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

// Orchestrator owns the live managers, one per channel number.
type Orchestrator struct {
	cfg     Config
	deps    managerDeps
	tenants TenantResolver
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Manager
	closed   bool
}

// NewOrchestrator creates an Orchestrator. No channel is started.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.Effective()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	renderer := deps.Renderer
	if renderer == nil {
		renderer = PNGRenderer{Dir: cfg.QRDir, BaseURL: cfg.PublicBaseURL}
	}
	backoff := deps.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
	}

	return &Orchestrator{
		cfg: cfg,
		deps: managerDeps{
			dialer:       deps.Dialer,
			handler:      deps.Handler,
			broadcaster:  deps.Broadcaster,
			renderer:     renderer,
			backoff:      backoff,
			metrics:      deps.Metrics,
			logger:       logger,
			queueSize:    cfg.QueueSize,
			purgeTimeout: cfg.PurgeTimeout,
		},
		tenants:  deps.Tenants,
		logger:   logger,
		sessions: make(map[string]*Manager),
	}
}

// Start runs a manager for channel. The manager outlives ctx; provision,
// when non-nil, receives the first QR or connection outcome.
//
// A channel that is already connected for the same tenant is left alone and
// provision is answered right away. Any other live manager is replaced.
func (o *Orchestrator) Start(ctx context.Context, channel string, tenantID int64, provision ProvisionFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" || channels.Digits(channel) != channel {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrShuttingDown
		}
		existing := o.sessions[channel]
		if existing == nil {
			m := newManager(channel, tenantID, provision, o.deps, o.onExit)
			o.sessions[channel] = m
			o.mu.Unlock()

			o.logger.Info("session: starting channel", "channel", channel, "tenant", tenantID)
			m.start()
			return nil
		}
		if existing.State() == StateConnected && existing.TenantID() == tenantID {
			o.mu.Unlock()
			if provision != nil {
				provision(ProvisionResult{Status: ProvisionConnected, Message: MessageConnected})
			}
			return nil
		}
		delete(o.sessions, channel)
		o.mu.Unlock()

		o.logger.Info("session: replacing channel", "channel", channel, "state", existing.State())
		if err := existing.stop(ctx); err != nil {
			return err
		}
	}
}

// Regenerate discards a channel's credentials and starts it again so a new
// QR code is issued.
func (o *Orchestrator) Regenerate(ctx context.Context, channel string, provision ProvisionFunc) error {
	if channel == "" || channels.Digits(channel) != channel {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	tenantID := o.tenantFor(ctx, channel)

	o.mu.Lock()
	existing := o.sessions[channel]
	delete(o.sessions, channel)
	o.mu.Unlock()
	if existing != nil {
		if err := existing.stop(ctx); err != nil {
			return err
		}
	}

	tr, err := o.deps.dialer.Dial(channel)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", channel, err)
	}
	err = tr.PurgeCredentials(ctx)
	tr.Disconnect()
	if err != nil {
		return fmt.Errorf("purging %s: %w", channel, err)
	}

	return o.Start(ctx, channel, tenantID, provision)
}

// tenantFor returns the tenant of a live manager or, failing that, the
// stored channel binding. Unknown channels resolve to 0.
func (o *Orchestrator) tenantFor(ctx context.Context, channel string) int64 {
	if m := o.Get(channel); m != nil {
		return m.TenantID()
	}
	if o.tenants == nil {
		return 0
	}
	tenantID, err := o.tenants.TenantForChannel(ctx, channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("session: tenant lookup failed", "channel", channel, "error", err)
		}
		return 0
	}
	return tenantID
}

// Boot starts every channel that has credentials under AuthDir. Channels
// with no stored tenant binding are skipped.
func (o *Orchestrator) Boot(ctx context.Context) error {
	entries, err := os.ReadDir(o.cfg.AuthDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			o.logger.Info("session: no auth directory, nothing to boot", "dir", o.cfg.AuthDir)
			return nil
		}
		return fmt.Errorf("reading auth dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BootConcurrency)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		number := entry.Name()
		if channels.Digits(number) != number {
			o.logger.Warn("session: skipping non-channel directory", "dir", number)
			continue
		}
		g.Go(func() error {
			if o.tenants == nil {
				return o.Start(gctx, number, 0, nil)
			}
			tenantID, err := o.tenants.TenantForChannel(gctx, number)
			if errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("session: channel has no tenant binding, skipping", "channel", number)
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolving tenant for %s: %w", number, err)
			}
			return o.Start(gctx, number, tenantID, nil)
		})
	}
	return g.Wait()
}

// Get returns the live manager of channel, or nil.
func (o *Orchestrator) Get(channel string) *Manager {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[channel]
}

// Channels returns a snapshot of every live manager, sorted by number.
func (o *Orchestrator) Channels() []Snapshot {
	o.mu.RLock()
	managers := make([]*Manager, 0, len(o.sessions))
	for _, m := range o.sessions {
		managers = append(managers, m)
	}
	o.mu.RUnlock()

	out := make([]Snapshot, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// SendText sends text to a participant through a live channel.
func (o *Orchestrator) SendText(ctx context.Context, channel, participant, text string) error {
	m := o.Get(channel)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return m.SendText(ctx, participant, text)
}

// SendMedia sends an image or video from url to a participant.
func (o *Orchestrator) SendMedia(ctx context.Context, channel, participant string, mediaType channels.MessageType, url, caption string) error {
	m := o.Get(channel)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return m.SendMedia(ctx, participant, &channels.MediaMessage{
		Type:    mediaType,
		URL:     url,
		Caption: caption,
	})
}

// Shutdown stops a channel's manager. Credentials are kept.
func (o *Orchestrator) Shutdown(ctx context.Context, channel string) error {
	o.mu.Lock()
	m := o.sessions[channel]
	delete(o.sessions, channel)
	o.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return m.stop(ctx)
}

// ShutdownAll stops every manager and refuses new starts.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	managers := make([]*Manager, 0, len(o.sessions))
	for _, m := range o.sessions {
		managers = append(managers, m)
	}
	o.sessions = make(map[string]*Manager)
	o.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(managers))
	for i, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.stop(ctx)
		}()
	}
	wg.Wait()
	o.logger.Info("session: all channels stopped", "count", len(managers))
	return errors.Join(errs...)
}

// onExit deregisters a manager whose event loop ended on its own.
func (o *Orchestrator) onExit(m *Manager, terminal bool) {
	o.mu.Lock()
	if o.sessions[m.number] == m {
		delete(o.sessions, m.number)
	}
	o.mu.Unlock()
	if terminal {
		o.logger.Info("session: channel terminated", "channel", m.number)
	}
}
