package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polravi/mapmyactivities/internal/importer"
	"github.com/polravi/mapmyactivities/internal/notify"
	"github.com/polravi/mapmyactivities/internal/replica"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (*replica.Report, error)
}

// Notifier streams server change notifications.
type Notifier interface {
	Notifications(ctx context.Context) (<-chan notify.Message, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync without being asked.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a sync request or file
	// event before acting. This batches rapid updates together.
	DebounceInterval time.Duration

	// ReconnectDelay is the first wait after losing the notification
	// socket. It doubles up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// InboxDir is watched for files to import. Empty disables the inbox.
	InboxDir string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:      30 * time.Second,
		DebounceInterval:  500 * time.Millisecond,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	out := *c
	if out.SyncInterval <= 0 {
		out.SyncInterval = def.SyncInterval
	}
	if out.DebounceInterval <= 0 {
		out.DebounceInterval = def.DebounceInterval
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = def.ReconnectDelay
	}
	if out.MaxReconnectDelay < out.ReconnectDelay {
		out.MaxReconnectDelay = max(def.MaxReconnectDelay, out.ReconnectDelay)
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// Daemon orchestrates syncing, notifications and the inbox.
type Daemon struct {
	syncer   Syncer
	store    importer.Creator
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	trigger chan struct{}

	mu      sync.Mutex
	syncs   int
	lastErr error
}

// New creates a daemon. notifier may be nil, in which case the daemon only
// syncs on its interval and on inbox imports. store receives inbox imports
// and may be nil when InboxDir is empty.
func New(syncer Syncer, store importer.Creator, notifier Notifier, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()
	if config.InboxDir != "" && store == nil {
		return nil, errors.New("store cannot be nil when an inbox is configured")
	}

	return &Daemon{
		syncer:   syncer,
		store:    store,
		notifier: notifier,
		config:   config,
		logger:   config.Logger.With(slog.String("component", "daemon")),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// RequestSync asks for a sync soon. It never blocks.
func (d *Daemon) RequestSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Syncs returns how many sync cycles ran and the last error, if the last
// cycle failed.
func (d *Daemon) Syncs() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs, d.lastErr
}

// Run blocks until ctx is cancelled or a component fails to start.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon",
		slog.Duration("interval", d.config.SyncInterval),
		slog.String("inbox", d.config.InboxDir),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.syncLoop(ctx)
		return nil
	})
	if d.notifier != nil {
		g.Go(func() error {
			d.notifyLoop(ctx)
			return nil
		})
	}
	if d.config.InboxDir != "" {
		inbox, err := newInbox(d.config.InboxDir, d.store, d.config.DebounceInterval, d.logger)
		if err != nil {
			return fmt.Errorf("failed to start inbox: %w", err)
		}
		g.Go(func() error {
			return inbox.run(ctx, d.RequestSync)
		})
	}

	err := g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// syncLoop syncs at start, on every tick and after each debounced request.
func (d *Daemon) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(d.config.DebounceInterval)
	defer debounce.Stop()
	pending := true

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.syncOnce(ctx)

		case <-d.trigger:
			if !pending {
				debounce.Reset(d.config.DebounceInterval)
				pending = true
			}

		case <-debounce.C:
			pending = false
			d.syncOnce(ctx)
		}
	}
}

func (d *Daemon) syncOnce(ctx context.Context) {
	report, err := d.syncer.Sync(ctx)

	d.mu.Lock()
	d.syncs++
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("sync failed", "error", err)
		}
		return
	}
	if report.Pulled+report.Kept+report.Deleted+report.Pushed > 0 {
		d.logger.Debug("synced",
			slog.Int("pulled", report.Pulled),
			slog.Int("kept", report.Kept),
			slog.Int("deleted", report.Deleted),
			slog.Int("pushed", report.Pushed),
			slog.Duration("took", report.Took),
		)
	}
}

// notifyLoop holds the notification socket open, reconnecting with
// exponential backoff, and turns every message into a sync request.
func (d *Daemon) notifyLoop(ctx context.Context) {
	delay := d.config.ReconnectDelay
	for {
		msgs, err := d.notifier.Notifications(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("notification socket unavailable", "error", err, "retry_in", delay)
		} else {
			delay = d.config.ReconnectDelay
			// Anything missed while disconnected.
			d.RequestSync()
			for range msgs {
				d.RequestSync()
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("notification socket closed", "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, d.config.MaxReconnectDelay)
	}
}
