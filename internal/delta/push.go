package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// Push applies a device's change set for ownerID in one atomic commit.
func (s *Service) Push(ctx context.Context, ownerID string, changes schema.Changes) (err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "delta.Push",
		attribute.Int("tasks", changes.Tasks.Len()),
		attribute.Int("goals", changes.Goals.Len()),
	)
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.ObserveRequest("push", outcome(err), time.Since(start))
	}()

	if err := s.validatePush(ownerID, &changes); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}

	var lastConflict error
	for attempt := 1; attempt <= s.maxPushAttempts; attempt++ {
		now := s.stamp()
		batch, touched, err := s.buildBatch(ctx, ownerID, &changes, now)
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}

		res, err := s.store.Commit(ctx, batch)
		if err == nil {
			for _, col := range touched {
				s.metrics.AddRecords("push", string(col), changes.For(col).Len())
			}
			s.logger.Info("push committed",
				slog.String("owner", ownerID),
				slog.Int("written", res.Written),
				slog.Int("attempt", attempt),
			)
			s.notify(ownerID, touched, res.Stamp)
			return nil
		}
		if !errors.Is(err, db.ErrVersionConflict) {
			return &PushError{Op: "commit", Err: err}
		}

		lastConflict = err
		s.metrics.ConflictRetry()
		s.logger.Warn("push raced a concurrent write, re-merging",
			slog.String("owner", ownerID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if ctx.Err() != nil {
			return &PushError{Op: "commit", Err: ctx.Err()}
		}
	}

	return &PushError{
		Op:  "commit",
		Err: fmt.Errorf("%w: gave up after %d attempts: %w", ErrConflict, s.maxPushAttempts, lastConflict),
	}
}

// validatePush rejects malformed change sets before anything is read.
func (s *Service) validatePush(ownerID string, changes *schema.Changes) error {
	if ownerID == "" {
		return &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	now := s.stamp()

	for _, k := range kinds {
		cs := changes.For(k.col)
		seen := make(map[string]string, cs.Len())
		claim := func(path, id string) error {
			if id == "" {
				return &ValidationError{Field: path + ".id", Reason: "is required"}
			}
			if prev, dup := seen[id]; dup {
				return &ValidationError{Field: path + ".id", Reason: fmt.Sprintf("duplicates %s", prev)}
			}
			seen[id] = path
			return nil
		}

		for i, p := range cs.Created {
			path := fmt.Sprintf("changes.%s.created[%d]", k.col, i)
			if err := checkEntry(path, p, ownerID, claim); err != nil {
				return err
			}
			if _, err := k.create(p, ownerID, now); err != nil {
				return invalid(path, err)
			}
		}
		for i, p := range cs.Updated {
			path := fmt.Sprintf("changes.%s.updated[%d]", k.col, i)
			if err := checkEntry(path, p, ownerID, claim); err != nil {
				return err
			}
			if err := k.checkUpdated(p); err != nil {
				return invalid(path, err)
			}
		}
		for i, id := range cs.Deleted {
			if err := claim(fmt.Sprintf("changes.%s.deleted[%d]", k.col, i), id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkEntry(path string, p schema.Payload, ownerID string, claim func(path, id string) error) error {
	if p == nil {
		return &ValidationError{Field: path, Reason: "must be an object"}
	}
	if err := claim(path, p.ID()); err != nil {
		return err
	}
	if p.Has("ownerId") {
		if owner, _ := p.String("ownerId"); owner != ownerID {
			return &ValidationError{Field: path + ".ownerId", Reason: "does not match the caller"}
		}
	}
	return nil
}

// buildBatch reads the current server state and computes every write.
func (s *Service) buildBatch(ctx context.Context, ownerID string, changes *schema.Changes, now time.Time) (*db.Batch, []schema.Collection, error) {
	b := db.NewBatch(now)
	var touched []schema.Collection

	for _, k := range kinds {
		cs := changes.For(k.col)
		before := b.Len()

		for i, p := range cs.Created {
			path := fmt.Sprintf("changes.%s.created[%d]", k.col, i)
			if err := s.upsert(ctx, b, k, ownerID, path, p, now); err != nil {
				return nil, nil, err
			}
		}
		for i, p := range cs.Updated {
			path := fmt.Sprintf("changes.%s.updated[%d]", k.col, i)
			if err := s.upsert(ctx, b, k, ownerID, path, p, now); err != nil {
				return nil, nil, err
			}
		}
		for i, id := range cs.Deleted {
			path := fmt.Sprintf("changes.%s.deleted[%d]", k.col, i)
			if err := s.remove(ctx, b, k, ownerID, path, id, now); err != nil {
				return nil, nil, err
			}
		}

		if b.Len() > before {
			touched = append(touched, k.col)
		}
	}
	return b, touched, nil
}

// upsert creates the record when the server has never seen it and merges
// otherwise, whether the client listed it as created or updated.
func (s *Service) upsert(ctx context.Context, b *db.Batch, k kind, ownerID, path string, p schema.Payload, now time.Time) error {
	doc, err := s.store.Get(ctx, k.col, p.ID())
	switch {
	case errors.Is(err, db.ErrNotFound):
		created, err := k.create(p, ownerID, now)
		if err != nil {
			return classify(path, err)
		}
		b.Create(created)
		return nil
	case err != nil:
		return &PushError{Op: "fetch", Err: err}
	}

	if doc.OwnerID != ownerID {
		return &ValidationError{Field: path + ".id", Reason: "belongs to another user"}
	}
	merged, err := k.merge(doc, p, now)
	if err != nil {
		return classify(path, err)
	}
	b.Replace(merged, doc.Version)
	return nil
}

// remove tombstones a record. Unknown ids and existing tombstones are skipped.
func (s *Service) remove(ctx context.Context, b *db.Batch, k kind, ownerID, path, id string, now time.Time) error {
	doc, err := s.store.Get(ctx, k.col, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil
	case err != nil:
		return &PushError{Op: "fetch", Err: err}
	}
	if doc.OwnerID != ownerID {
		return &ValidationError{Field: path, Reason: "belongs to another user"}
	}
	if doc.Deleted {
		return nil
	}
	dead, err := k.tombstone(doc, now)
	if err != nil {
		return &PushError{Op: "encode", Err: err}
	}
	b.Replace(dead, doc.Version)
	return nil
}

// classify separates bad client data from server-side failures.
func classify(path string, err error) error {
	var fe *schema.FieldError
	if errors.As(err, &fe) {
		return invalid(path, err)
	}
	return &PushError{Op: "encode", Err: err}
}

func isValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
