package delta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// PullResult is the outcome of a pull.
type PullResult struct {
	Changes   schema.Changes
	Timestamp time.Time // next cursor
}

// Response converts the result to its wire form.
func (r *PullResult) Response() PullResponse {
	return PullResponse{Changes: r.Changes, Timestamp: schema.Millis(r.Timestamp)}
}

// Pull returns the caller's changes since cursor (everything when cursor is nil).
func (s *Service) Pull(ctx context.Context, ownerID string, cursor *time.Time) (res *PullResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "delta.Pull", attribute.Bool("bootstrap", cursor == nil))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.ObserveRequest("pull", outcome(err), time.Since(start))
	}()

	if err := s.checkCursor(ownerID, cursor); err != nil {
		return nil, err
	}

	var since *int64
	if cursor != nil {
		ms := schema.Millis(*cursor)
		since = &ms
	}

	// The stamp and the reads come from one store transaction: every write
	// committed later carries a greater updatedAt and is picked up next time.
	snap, err := s.store.Snapshot(ctx, ownerID, since, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to pull: %w", err)
	}
	ts := schema.FromMillis(snap.Stamp)

	res = &PullResult{Changes: schema.NewChanges(), Timestamp: ts}
	for _, col := range schema.Collections {
		cs, err := changeSet(snap.Docs[col], since)
		if err != nil {
			return nil, err
		}
		*res.Changes.For(col) = cs
		s.metrics.AddRecords("pull", string(col), cs.Len())
	}

	s.logger.Debug("pull served",
		slog.String("owner", ownerID),
		slog.Int("tasks", res.Changes.Tasks.Len()),
		slog.Int("goals", res.Changes.Goals.Len()),
		slog.Int64("timestamp", schema.Millis(ts)),
	)
	return res, nil
}

func (s *Service) checkCursor(ownerID string, cursor *time.Time) error {
	if ownerID == "" {
		return &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	if cursor == nil {
		return nil
	}
	if cursor.Before(time.UnixMilli(0)) {
		return &ValidationError{Field: "lastPulledAt", Reason: "must not be negative"}
	}
	if cursor.After(s.now().Add(s.maxClockSkew)) {
		return &ValidationError{Field: "lastPulledAt", Reason: "is in the future"}
	}
	return nil
}

// changeSet sorts a collection's changed documents into created, updated and
// deleted.
func changeSet(docs []db.Document, since *int64) (schema.ChangeSet, error) {
	cs := schema.NewChangeSet()
	for i := range docs {
		doc := &docs[i]
		// Deletion wins over creation inside the same window.
		if doc.Deleted {
			cs.Deleted = append(cs.Deleted, doc.ID)
			continue
		}
		p, err := doc.Payload()
		if err != nil {
			return schema.ChangeSet{}, err
		}
		if since == nil || doc.CreatedAt > *since {
			cs.Created = append(cs.Created, p)
		} else {
			cs.Updated = append(cs.Updated, p)
		}
	}
	return cs, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.StatusOK
	case isValidation(err):
		return observability.StatusValidation
	case isConflict(err):
		return observability.StatusConflict
	default:
		return observability.StatusError
	}
}
