package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

const maxExpireAttempts = 3

// ExpireGoals marks every active goal whose period ended before now as
// expired, in one batch. It returns the number of goals expired.
func (g *Generator) ExpireGoals(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := observability.StartSpan(ctx, "recurrence.ExpireGoals")
	defer func() { observability.EndSpan(span, err) }()

	for attempt := 1; attempt <= maxExpireAttempts; attempt++ {
		n, owners, stamp, err := g.expireOnce(ctx, now)
		if errors.Is(err, db.ErrVersionConflict) {
			g.logger.Warn("goal expiry raced a push, retrying", slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return 0, err
		}

		g.metrics.GoalsExpired(n)
		if g.notifier != nil {
			for _, owner := range owners {
				g.notifier.NotifyChanges(owner, []schema.Collection{schema.CollectionGoals}, stamp)
			}
		}
		g.logger.Info("goal expiry complete", slog.Int("expired", n))
		return n, nil
	}
	return 0, fmt.Errorf("failed to expire goals: %w", db.ErrVersionConflict)
}

func (g *Generator) expireOnce(ctx context.Context, now time.Time) (int, []string, time.Time, error) {
	docs, err := g.store.ListLive(ctx, schema.CollectionGoals)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("failed to list goals: %w", err)
	}

	stamp := schema.Stamp(g.now())
	batch := db.NewBatch(stamp)
	var owners []string
	for i := range docs {
		goal, err := docs[i].Goal()
		if err != nil {
			g.logger.Warn("skipping unreadable goal", slog.String("goal", docs[i].ID), slog.Any("error", err))
			continue
		}
		if !goal.Expired(now) {
			continue
		}
		expect := goal.Version
		goal.Status = schema.GoalExpired
		goal.UpdatedAt = stamp
		doc, err := db.EncodeGoal(goal)
		if err != nil {
			return 0, nil, time.Time{}, err
		}
		batch.Replace(doc, expect)
		if !slices.Contains(owners, goal.OwnerID) {
			owners = append(owners, goal.OwnerID)
		}
	}

	res, err := g.store.Commit(ctx, batch)
	if err != nil {
		return 0, nil, time.Time{}, err
	}
	return batch.Len(), owners, res.Stamp, nil
}
