package delta

import (
	"fmt"
	"time"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// SchemaVersion is the highest protocol schema version the server speaks.
const SchemaVersion = 1

// PullRequest is the body of POST /v1/sync/pull.
type PullRequest struct {
	LastPulledAt  *int64 `json:"lastPulledAt"` // unix ms, null on first sync
	SchemaVersion int    `json:"schemaVersion"`
}

// Cursor validates the request and returns the cursor as an instant.
func (r *PullRequest) Cursor() (*time.Time, error) {
	if r.SchemaVersion < 0 || r.SchemaVersion > SchemaVersion {
		return nil, &ValidationError{
			Field:  "schemaVersion",
			Reason: fmt.Sprintf("unsupported version %d (server speaks %d)", r.SchemaVersion, SchemaVersion),
		}
	}
	if r.LastPulledAt == nil {
		return nil, nil
	}
	if *r.LastPulledAt < 0 {
		return nil, &ValidationError{Field: "lastPulledAt", Reason: "must not be negative"}
	}
	t := schema.FromMillis(*r.LastPulledAt)
	return &t, nil
}

// PullResponse is the body returned by a pull.
type PullResponse struct {
	Changes   schema.Changes `json:"changes"`
	Timestamp int64          `json:"timestamp"` // unix ms, the next cursor
}

// PushRequest is the body of POST /v1/sync/push.
type PushRequest struct {
	Changes      schema.Changes `json:"changes"`
	LastPulledAt *int64         `json:"lastPulledAt"`
}

// RestoreRequest is the body of POST /v1/tasks/:id/restore.
type RestoreRequest struct {
	Status schema.Status `json:"status" binding:"required"`
}
