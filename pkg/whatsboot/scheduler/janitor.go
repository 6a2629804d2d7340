// Package scheduler runs periodic housekeeping on a cron schedule. Its only
// job today is the janitor that removes stale scratch audio and QR images.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config configures the janitor.
type Config struct {
	// Enabled turns the janitor on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a 5-field cron expression or descriptor (@hourly,
	// @every 10m, ...).
	Schedule string `yaml:"schedule"`

	// ScratchMaxAge is how old a scratch audio file must be before removal.
	ScratchMaxAge time.Duration `yaml:"scratch_max_age"`

	// QRMaxAge is how old a QR image must be before removal.
	QRMaxAge time.Duration `yaml:"qr_max_age"`
}

// DefaultConfig returns the janitor defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Schedule:      "@every 10m",
		ScratchMaxAge: time.Hour,
		QRMaxAge:      24 * time.Hour,
	}
}

// Effective fills zero values with defaults. Enabled is left as set.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.ScratchMaxAge <= 0 {
		c.ScratchMaxAge = def.ScratchMaxAge
	}
	if c.QRMaxAge <= 0 {
		c.QRMaxAge = def.QRMaxAge
	}
	return c
}

// Sweep removes files in Dir matching Pattern whose modification time is
// older than MaxAge. Subdirectories are never touched.
type Sweep struct {
	Name    string
	Dir     string
	Pattern string
	MaxAge  time.Duration
}

// Janitor runs a set of sweeps on a cron schedule.
type Janitor struct {
	cfg    Config
	sweeps []Sweep
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor creates a janitor for sweeps.
func NewJanitor(cfg Config, sweeps []Sweep, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cfg:    cfg.Effective(),
		sweeps: sweeps,
		logger: logger.With("component", "janitor"),
		now:    time.Now,
	}
}

// Start registers the sweep job and starts the cron runner. A disabled
// janitor starts nothing.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.logger.Info("janitor disabled")
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("janitor started", "schedule", j.cfg.Schedule, "sweeps", len(j.sweeps))
	return nil
}

// Stop stops the cron runner and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		j.logger.Warn("janitor stop timed out")
	}
	j.logger.Info("janitor stopped")
}

// RunOnce runs every sweep and returns how many files were removed.
func (j *Janitor) RunOnce(ctx context.Context) int {
	total := 0
	for _, sw := range j.sweeps {
		if ctx.Err() != nil {
			break
		}
		n, err := j.sweep(sw)
		if err != nil {
			j.logger.Warn("janitor: sweep failed", "sweep", sw.Name, "dir", sw.Dir, "error", err)
		}
		if n > 0 {
			j.logger.Info("janitor: removed stale files", "sweep", sw.Name, "count", n)
		}
		total += n
	}
	return total
}

func (j *Janitor) sweep(sw Sweep) (int, error) {
	entries, err := os.ReadDir(sw.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := j.now().Add(-sw.MaxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(sw.Pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(sw.Dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
