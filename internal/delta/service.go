package delta

import (
	"context"
	"log/slog"
	"time"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

const (
	// DefaultMaxPushAttempts bounds the re-merge loop on version conflicts.
	DefaultMaxPushAttempts = 3

	// DefaultMaxClockSkew is how far in the future a pull cursor may be.
	DefaultMaxClockSkew = 5 * time.Minute
)

// Store is the document store the service reads and writes.
type Store interface {
	Get(ctx context.Context, col schema.Collection, id string) (*db.Document, error)
	Snapshot(ctx context.Context, ownerID string, since *int64, at time.Time) (*db.Snapshot, error)
	Commit(ctx context.Context, b *db.Batch) (*db.CommitResult, error)
}

// Notifier is told which collections of an owner changed after a commit.
type Notifier interface {
	NotifyChanges(ownerID string, collections []schema.Collection, at time.Time)
}

// Service serves pulls and pushes against a Store.
type Service struct {
	store           Store
	notifier        Notifier
	metrics         *observability.SyncMetrics
	logger          *slog.Logger
	now             func() time.Time
	maxPushAttempts int
	maxClockSkew    time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *observability.SyncMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxPushAttempts sets how many times a push is merged before giving up.
func WithMaxPushAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPushAttempts = n
		}
	}
}

// New creates a Service.
//
// Example:
//
//	store, err := db.Open("data/mma.db")
//	if err != nil {
//	    return err
//	}
//	svc := delta.New(store, delta.WithLogger(logger))
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		now:             time.Now,
		maxPushAttempts: DefaultMaxPushAttempts,
		maxClockSkew:    DefaultMaxClockSkew,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "delta"))
	return s
}

func (s *Service) stamp() time.Time {
	return schema.Stamp(s.now())
}

func (s *Service) notify(ownerID string, cols []schema.Collection, at time.Time) {
	if s.notifier == nil || len(cols) == 0 {
		return
	}
	s.notifier.NotifyChanges(ownerID, cols, at)
}
