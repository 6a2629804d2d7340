// Package gateway exposes the provisioning API, the QR image directory and
// the live status socket over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/conversation"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/session"
)

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address (default ":3000").
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /uploads/.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`

	// UploadsDir is served under /uploads/. It must match the session QR dir.
	UploadsDir string `yaml:"uploads_dir"`

	// ProvisionTimeout bounds how long a provisioning request waits for a
	// QR code or an open connection.
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Address:          ":3000",
		UploadsDir:       "./uploads",
		ProvisionTimeout: 60 * time.Second,
	}
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.UploadsDir == "" {
		c.UploadsDir = def.UploadsDir
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = def.ProvisionTimeout
	}
	return c
}

// Sessions is the slice of the orchestrator the gateway drives.
type Sessions interface {
	Start(ctx context.Context, channel string, tenantID int64, provision session.ProvisionFunc) error
	Regenerate(ctx context.Context, channel string, provision session.ProvisionFunc) error
	Channels() []session.Snapshot
}

// Tenants checks and records tenant ownership of channels.
type Tenants interface {
	UserExists(ctx context.Context, tenantID int64) (bool, error)
	RegisterChannel(ctx context.Context, tenantID int64, number string) error
}

// Conversations exposes the per-participant conversation states.
type Conversations interface {
	List(channel string) []conversation.Snapshot
	Count() int
}

// HealthReporter reports database backend health.
type HealthReporter interface {
	Status(ctx context.Context) map[string]database.HealthStatus
}

// Deps are the collaborators the gateway serves.
type Deps struct {
	Sessions    Sessions
	Tenants     Tenants
	Health      HealthReporter
	Broadcaster *broadcast.Broadcaster

	// Conversations backs the conversation counts; nil hides them.
	Conversations Conversations

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	deps      Deps
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

// New creates a new Gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:    cfg.Effective(),
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		validate:  validator.New(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Handler builds the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and QR images are always public.
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(g.config.UploadsDir))))

	mux.HandleFunc("/create-bot", g.handleCreateBot)
	mux.HandleFunc("/regenerate_qr", g.handleRegenerateQR)
	mux.HandleFunc("/api/channels", g.handleListChannels)
	mux.HandleFunc("/api/channels/{number}/conversations", g.handleChannelConversations)
	mux.HandleFunc("/ws", g.handleWebSocket)
	if g.deps.Metrics != nil {
		mux.Handle("/metrics", g.deps.Metrics)
	}

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if !(ip != nil && ip.IsLoopback()) && host != "localhost" {
			g.logger.Warn("gateway: no auth token and bound to a non-loopback address, provisioning is open to the network",
				"address", g.config.Address)
		}
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
