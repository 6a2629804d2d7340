// Package store reads and writes the bot's relational data: tenants,
// plans, channel registrations, prompt configurations and the reply audit
// log. Queries are written with '?' placeholders and rebound for the
// configured backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/quota"
)

// AuditResponse is the messages.type value of a bot reply.
const AuditResponse = "response"

// Errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrReleased     = errors.New("unit of work already released")
	ErrChannelTaken = errors.New("channel bound to another tenant")
)

// PromptConfig is the prompt and media library bound to a channel.
type PromptConfig struct {
	ID       int64
	Prompt   string
	TenantID int64
	Media    media.Library
}

// AuditRecord is one row of the reply audit log.
type AuditRecord struct {
	TenantID       int64
	Channel        string
	Participant    string
	PromptID       int64
	Question       string
	Reply          string
	Type           string
	ReceivedAt     time.Time
	ConversationID string
}

// ChannelRecord is a registered channel.
type ChannelRecord struct {
	Number    string
	TenantID  int64
	CreatedAt time.Time
}

// Store is the data store over the database hub.
type Store struct {
	hub    *database.Hub
	logger *slog.Logger
}

// New creates a store over hub.
func New(hub *database.Hub, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{hub: hub, logger: logger.With("component", "store")}
}

// Acquire checks out one connection for the duration of a unit of work.
// The caller must call Release.
func (s *Store) Acquire(ctx context.Context) (*UnitOfWork, error) {
	conn, err := s.hub.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &UnitOfWork{conn: conn, rebind: s.hub.Rebind}, nil
}

// UserExists reports whether a tenant row exists.
func (s *Store) UserExists(ctx context.Context, tenantID int64) (bool, error) {
	var n int
	err := s.hub.DB().QueryRowContext(ctx, s.hub.Rebind("SELECT COUNT(*) FROM users WHERE id = ?"), tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check user %d: %w", tenantID, err)
	}
	return n > 0, nil
}

// TenantForChannel returns the tenant that owns a channel number.
func (s *Store) TenantForChannel(ctx context.Context, number string) (int64, error) {
	var tenantID int64
	err := s.hub.DB().QueryRowContext(ctx,
		s.hub.Rebind("SELECT user_id FROM chatbots WHERE number = ?"), number).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("channel %s: %w", number, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup channel %s: %w", number, err)
	}
	return tenantID, nil
}

// RegisterChannel binds number to tenantID. A number already bound to a
// different tenant is never moved; ErrChannelTaken is returned instead.
func (s *Store) RegisterChannel(ctx context.Context, tenantID int64, number string) error {
	current, err := s.TenantForChannel(ctx, number)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err = s.hub.Exec(ctx, "INSERT INTO chatbots (user_id, number, created_at) VALUES (?, ?, ?)",
			tenantID, number, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("register channel %s: %w", number, err)
		}
		s.logger.Info("store: channel registered", "number", number, "tenant", tenantID)
		return nil
	case err != nil:
		return err
	case current != tenantID:
		return fmt.Errorf("channel %s: %w (tenant %d)", number, ErrChannelTaken, current)
	}
	return nil
}

// ListChannels returns every registered channel ordered by number.
func (s *Store) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	rows, err := s.hub.Query(ctx, "SELECT number, user_id, created_at FROM chatbots ORDER BY number")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelRecord
	for rows.Next() {
		var (
			rec     ChannelRecord
			created sql.NullTime
		)
		if err := rows.Scan(&rec.Number, &rec.TenantID, &created); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		rec.CreatedAt = created.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnitOfWork holds one connection for a single pipeline invocation.
type UnitOfWork struct {
	conn   *sql.Conn
	rebind func(string) string
}

var _ quota.Store = (*UnitOfWork)(nil)

// Release returns the connection to the pool. Safe to call more than once.
func (u *UnitOfWork) Release() {
	if u == nil || u.conn == nil {
		return
	}
	u.conn.Close()
	u.conn = nil
}

func (u *UnitOfWork) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if u.conn == nil {
		return nil, ErrReleased
	}
	return u.conn.QueryRowContext(ctx, u.rebind(query), args...), nil
}

func (u *UnitOfWork) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if u.conn == nil {
		return nil, ErrReleased
	}
	return u.conn.ExecContext(ctx, u.rebind(query), args...)
}

// PromptConfig loads the prompt bound to a channel number.
func (u *UnitOfWork) PromptConfig(ctx context.Context, channel string) (PromptConfig, error) {
	row, err := u.queryRow(ctx, `
		SELECT p.cod_prom, p.prompt, c.user_id,
			p.image_url, p.image_url_1, p.image_url_2, p.image_url_3,
			p.image_url_4, p.image_url_5, p.image_url_6,
			p.video_url_1, p.video_url_2, p.video_url_3, p.video_url_4
		FROM promp p
		JOIN chatbots c ON p.numcel = c.number
		WHERE c.number = ?
		ORDER BY p.cod_prom
		LIMIT 1`, channel)
	if err != nil {
		return PromptConfig{}, err
	}

	var (
		cfg    PromptConfig
		images [media.MaxImages]sql.NullString
		videos [media.MaxVideos]sql.NullString
	)
	dest := []any{&cfg.ID, &cfg.Prompt, &cfg.TenantID}
	for i := range images {
		dest = append(dest, &images[i])
	}
	for i := range videos {
		dest = append(dest, &videos[i])
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptConfig{}, fmt.Errorf("prompt for %s: %w", channel, ErrNotFound)
		}
		return PromptConfig{}, fmt.Errorf("load prompt for %s: %w", channel, err)
	}
	for i, v := range images {
		cfg.Media.Images[i] = v.String
	}
	for i, v := range videos {
		cfg.Media.Videos[i] = v.String
	}
	return cfg, nil
}

// TenantUsage returns the tenant's plan, message count and billing window.
func (u *UnitOfWork) TenantUsage(ctx context.Context, tenantID int64) (quota.Usage, error) {
	row, err := u.queryRow(ctx, "SELECT id_plan, msn, fecha_inicio, fecha_fin FROM users WHERE id = ?", tenantID)
	if err != nil {
		return quota.Usage{}, err
	}

	var (
		plan       sql.NullInt64
		start, end sql.NullTime
		usage      quota.Usage
	)
	if err := row.Scan(&plan, &usage.Messages, &start, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Usage{}, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
		}
		return quota.Usage{}, fmt.Errorf("load usage for tenant %d: %w", tenantID, err)
	}
	if !plan.Valid {
		return quota.Usage{}, fmt.Errorf("tenant %d has no plan: %w", tenantID, ErrNotFound)
	}
	usage.PlanID = plan.Int64
	usage.WindowStart = start.Time
	usage.WindowEnd = end.Time
	return usage, nil
}

// PlanLimit returns a plan's message cap.
func (u *UnitOfWork) PlanLimit(ctx context.Context, planID int64) (int, error) {
	row, err := u.queryRow(ctx, "SELECT message FROM planes WHERE id_plan = ?", planID)
	if err != nil {
		return 0, err
	}
	var limit int
	if err := row.Scan(&limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("plan %d: %w", planID, ErrNotFound)
		}
		return 0, fmt.Errorf("load plan %d: %w", planID, err)
	}
	return limit, nil
}

// IncrementUsage adds one to the tenant's message counter.
func (u *UnitOfWork) IncrementUsage(ctx context.Context, tenantID int64) error {
	res, err := u.exec(ctx, "UPDATE users SET msn = msn + 1 WHERE id = ?", tenantID)
	if err != nil {
		return fmt.Errorf("increment usage for tenant %d: %w", tenantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	return nil
}

// RecordReply appends one row to the audit log.
func (u *UnitOfWork) RecordReply(ctx context.Context, rec AuditRecord) error {
	if rec.Type == "" {
		rec.Type = AuditResponse
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	_, err := u.exec(ctx, `
		INSERT INTO messages (user_id, number, sender_number, id_prom, question, message, type, received_at, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Channel, rec.Participant, rec.PromptID,
		rec.Question, rec.Reply, rec.Type, rec.ReceivedAt.UTC(), rec.ConversationID)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

// LastReply returns the most recent reply sent to participant under
// promptID, or ErrNotFound.
func (u *UnitOfWork) LastReply(ctx context.Context, participant string, promptID int64) (string, error) {
	row, err := u.queryRow(ctx, `
		SELECT message FROM messages
		WHERE sender_number = ? AND id_prom = ?
		ORDER BY received_at DESC, id DESC
		LIMIT 1`, participant, promptID)
	if err != nil {
		return "", err
	}
	var msg string
	if err := row.Scan(&msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load last reply: %w", err)
	}
	return msg, nil
}
