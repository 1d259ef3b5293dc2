package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/merge"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// Restore explicitly moves a discarded task back to todo. Sync merges never
// lower a status, so this is the only way out of discarded.
func (s *Service) Restore(ctx context.Context, ownerID, id string, to schema.Status) (*schema.Task, error) {
	if ownerID == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}

	for attempt := 1; attempt <= s.maxPushAttempts; attempt++ {
		doc, err := s.store.Get(ctx, schema.CollectionTasks, id)
		if errors.Is(err, db.ErrNotFound) || (err == nil && doc.OwnerID != ownerID) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, &PushError{Op: "fetch", Err: err}
		}

		task, err := doc.Task()
		if err != nil {
			return nil, &PushError{Op: "encode", Err: err}
		}
		now := s.stamp()
		if err := merge.Restore(task, to, now); err != nil {
			return nil, err
		}
		updated, err := db.EncodeTask(task)
		if err != nil {
			return nil, &PushError{Op: "encode", Err: err}
		}

		b := db.NewBatch(now)
		b.Replace(updated, doc.Version)
		res, err := s.store.Commit(ctx, b)
		if err != nil {
			if errors.Is(err, db.ErrVersionConflict) {
				s.metrics.ConflictRetry()
				continue
			}
			return nil, &PushError{Op: "commit", Err: err}
		}

		task.Version = updated.Version
		task.UpdatedAt = res.Stamp
		s.logger.Info("task restored", slog.String("owner", ownerID), slog.String("task", id))
		s.notify(ownerID, []schema.Collection{schema.CollectionTasks}, res.Stamp)
		return task, nil
	}
	return nil, &PushError{Op: "commit", Err: fmt.Errorf("%w: restore of %s gave up after %d attempts", ErrConflict, id, s.maxPushAttempts)}
}
