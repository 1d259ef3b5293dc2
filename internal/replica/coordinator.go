package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// Remote is the server side of a sync.
type Remote interface {
	Pull(ctx context.Context, req *delta.PullRequest) (*delta.PullResponse, error)
	Push(ctx context.Context, req *delta.PushRequest) error
}

// State is the coordinator's sync state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Status is a snapshot of the coordinator for display.
type Status struct {
	State        State     `json:"state"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	LastError    string    `json:"lastError,omitempty"`
	Pending      int       `json:"pending"`
}

// Report describes one completed sync.
type Report struct {
	Pulled  int   // remote records applied as-is
	Kept    int   // remote records overridden by local pending changes
	Deleted int   // records removed by remote tombstones
	Pushed  int   // local changes sent
	Cursor  int64 // new pull cursor
	Took    time.Duration
}

// Coordinator runs pull-then-push cycles between a Store and a Remote. At
// most one cycle runs at a time.
type Coordinator struct {
	store  *Store
	remote Remote
	logger *slog.Logger
	now    func() time.Time

	syncMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over store and remote.
func NewCoordinator(store *Store, remote Remote, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		remote: remote,
		now:    time.Now,
		status: Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	return c
}

// Sync pulls remote changes into the store, then pushes the local journal.
// The cursor advances and the journal is cleared only when both steps
// succeed; after a failure the next Sync repeats the work.
func (c *Coordinator) Sync(ctx context.Context) (*Report, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.setState(StateSyncing, nil)
	start := c.now()
	report, err := c.sync(ctx)
	if err != nil {
		c.logger.Warn("sync failed", slog.Any("error", err))
		c.setState(StateError, err)
		return nil, err
	}
	report.Took = c.now().Sub(start)

	c.mu.Lock()
	c.status.State = StateIdle
	c.status.LastError = ""
	c.status.LastSyncedAt = schema.FromMillis(report.Cursor)
	c.mu.Unlock()

	c.logger.Info("sync complete",
		slog.Int("pulled", report.Pulled),
		slog.Int("kept", report.Kept),
		slog.Int("pushed", report.Pushed),
		slog.Duration("took", report.Took),
	)
	return report, nil
}

func (c *Coordinator) sync(ctx context.Context) (*Report, error) {
	cursor, err := c.store.Cursor()
	if err != nil {
		return nil, err
	}

	pulled, err := c.remote.Pull(ctx, &delta.PullRequest{LastPulledAt: cursor, SchemaVersion: delta.SchemaVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to pull: %w", err)
	}
	applied, err := c.store.ApplyRemote(pulled.Changes)
	if err != nil {
		return nil, err
	}

	pending, err := c.store.PendingChanges()
	if err != nil {
		return nil, err
	}
	if pending.Len() > 0 {
		lastPulledAt := pulled.Timestamp
		if err := c.remote.Push(ctx, &delta.PushRequest{Changes: pending.Changes, LastPulledAt: &lastPulledAt}); err != nil {
			return nil, fmt.Errorf("failed to push %d changes: %w", pending.Len(), err)
		}
	}
	if err := c.store.MarkSynced(pending, pulled.Timestamp); err != nil {
		return nil, err
	}

	return &Report{
		Pulled:  applied.Applied,
		Kept:    applied.Kept,
		Deleted: applied.Deleted,
		Pushed:  pending.Len(),
		Cursor:  pulled.Timestamp,
	}, nil
}

func (c *Coordinator) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = state
	if err != nil {
		c.status.LastError = err.Error()
	}
}

// Status returns the current state and the number of pending changes.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	st := c.status
	c.mu.RUnlock()

	n, err := c.store.PendingCount()
	if err != nil {
		c.logger.Warn("failed to count pending changes", slog.Any("error", err))
	}
	st.Pending = n
	return st
}

// Store returns the replica the coordinator syncs.
func (c *Coordinator) Store() *Store {
	return c.store
}
