// Package recurrence materializes recurring tasks and runs the daily
// server-side jobs.
//
// Once a day the generator scans every live task carrying a recurrence rule
// and, when the rule matches the day, creates an instance: a copy of the
// template in todo, due that day, without a rule of its own and linked back
// through parentTaskId.
//
// Instance ids are derived from (template id, day), and instances are
// inserted with create-if-absent, so running the job twice for the same day
// creates nothing the second time.
//
// All days are UTC calendar days.
package recurrence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// instanceNamespace scopes the name-based UUIDs of recurrence instances.
var instanceNamespace = uuid.MustParse("6f1d3c1e-8a4b-5e7f-9c2d-0b1a2e3f4d5c")

// Store is what the jobs need from the server store.
type Store interface {
	ListRecurring(ctx context.Context) ([]db.Document, error)
	ListLive(ctx context.Context, col schema.Collection) ([]db.Document, error)
	Commit(ctx context.Context, b *db.Batch) (*db.CommitResult, error)
}

// Notifier is told which owners got new records.
type Notifier interface {
	NotifyChanges(ownerID string, collections []schema.Collection, at time.Time)
}

// Generator runs the recurrence and goal expiry jobs.
type Generator struct {
	store    Store
	notifier Notifier
	metrics  *observability.SyncMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

func WithNotifier(n Notifier) Option {
	return func(g *Generator) { g.notifier = n }
}

func WithMetrics(m *observability.SyncMetrics) Option {
	return func(g *Generator) { g.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithClock replaces time.Now for stamping generated records.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a Generator over store.
func NewGenerator(store Store, opts ...Option) *Generator {
	g := &Generator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With(slog.String("component", "recurrence"))
	return g
}

// RunResult summarizes one generator run.
type RunResult struct {
	Day     time.Time
	Scanned int // recurring templates looked at
	Due     int // templates whose rule matched the day
	Created int // instances written
	Skipped int // instances that already existed
	Ended   int // templates past their end date
}

// Run creates the instances due on the UTC day containing today.
func (g *Generator) Run(ctx context.Context, today time.Time) (res *RunResult, err error) {
	day := Day(today)
	ctx, span := observability.StartSpan(ctx, "recurrence.Run")
	defer func() { observability.EndSpan(span, err) }()

	docs, err := g.store.ListRecurring(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring tasks: %w", err)
	}

	now := schema.Stamp(g.now())
	res = &RunResult{Day: day}
	batch := db.NewBatch(now)
	var owners []string

	for i := range docs {
		source, err := docs[i].Task()
		if err != nil {
			g.logger.Warn("skipping unreadable task", slog.String("task", docs[i].ID), slog.Any("error", err))
			continue
		}
		if source.Deleted || source.Recurrence == nil {
			continue
		}
		res.Scanned++

		if Ended(source.Recurrence, day) {
			res.Ended++
			continue
		}
		if !ShouldCreate(source, day) {
			continue
		}
		res.Due++

		doc, err := db.EncodeTask(Instance(source, day, now))
		if err != nil {
			return nil, err
		}
		batch.CreateIfAbsent(doc)
		if !slices.Contains(owners, source.OwnerID) {
			owners = append(owners, source.OwnerID)
		}
	}

	commit, err := g.store.Commit(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to commit recurrence instances: %w", err)
	}
	res.Created = commit.Written
	res.Skipped = commit.Skipped
	g.metrics.RecurrenceCreated(res.Created)

	if res.Created > 0 && g.notifier != nil {
		for _, owner := range owners {
			g.notifier.NotifyChanges(owner, []schema.Collection{schema.CollectionTasks}, commit.Stamp)
		}
	}

	g.logger.Info("recurrence run complete",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("scanned", res.Scanned),
		slog.Int("created", res.Created),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// Day returns UTC midnight of the day containing t.
func Day(t time.Time) time.Time {
	return schema.StartOfDay(t.UTC())
}

// Ended reports whether the rule's end date lies before day.
func Ended(rule *schema.RecurrenceRule, day time.Time) bool {
	return rule.EndDate != nil && rule.EndDate.Before(day)
}

// ShouldCreate reports whether the template's rule fires on day.
// Monthly and yearly rules fire on the template's creation day (and month).
// The rule's interval is not applied.
func ShouldCreate(source *schema.Task, day time.Time) bool {
	rule := source.Recurrence
	if rule == nil {
		return false
	}
	day = day.UTC()
	created := source.CreatedAt.UTC()

	switch rule.Type {
	case schema.Daily:
		return true
	case schema.Weekly:
		return slices.Contains(rule.DaysOfWeek, int(day.Weekday()))
	case schema.Monthly:
		return day.Day() == created.Day()
	case schema.Yearly:
		return day.Day() == created.Day() && day.Month() == created.Month()
	default:
		return false
	}
}

// InstanceID is the deterministic id of the instance of sourceID on day.
func InstanceID(sourceID string, day time.Time) string {
	return uuid.NewSHA1(instanceNamespace, []byte(sourceID+"/"+day.UTC().Format(time.DateOnly))).String()
}

// Instance builds the task generated from source on day.
func Instance(source *schema.Task, day, now time.Time) *schema.Task {
	inst := *source
	due := Day(day)
	parent := source.ID

	inst.ID = InstanceID(source.ID, day)
	inst.Status = schema.StatusTodo
	inst.DueDate = &due
	inst.Recurrence = nil
	inst.ParentTaskID = &parent
	inst.Deleted = false
	inst.Version = 0
	inst.Tags = slices.Clone(source.Tags)
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return &inst
}
