// Package merge resolves a client's view of a record against the server's.
//
// The policy is per field and deterministic:
//   - status only moves forward (todo < in_progress < done < discarded);
//   - a quadrant sent by the client always wins, whatever the timestamps say;
//   - any other field sent by the client wins, omitted fields keep the server value;
//   - a tombstone on the server is never cleared;
//   - version, createdAt and updatedAt belong to the server.
//
// Functions here are pure; persistence and stamping happen in the caller.
package merge

import (
	"errors"
	"fmt"
	"time"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// ErrInvalidTransition is returned when an explicit status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// serverOwned are never taken from a client payload during a merge.
var serverOwned = []string{"version", "createdAt", "updatedAt", "ownerId", "id"}

// ResolveStatus returns the further-progressed of two statuses.
func ResolveStatus(server, client schema.Status) schema.Status {
	if client.Rank() > server.Rank() {
		return client
	}
	return server
}

// MergeTask overlays a (possibly partial) client payload on the server task.
func MergeTask(server *schema.Task, client schema.Payload) (*schema.Task, error) {
	base, err := schema.EncodePayload(server)
	if err != nil {
		return nil, err
	}
	merged := schema.KeepTombstone(base, base.Overlay(client.Without(serverOwned...)))

	task, err := schema.DecodeTask(merged)
	if err != nil {
		return nil, err
	}
	if s, ok := client.String("status"); ok {
		task.Status = ResolveStatus(server.Status, schema.Status(s))
	}
	return task, nil
}

// MergeGoal overlays a (possibly partial) client payload on the server goal.
// Client fields win outright; goals have no ordered fields.
func MergeGoal(server *schema.Goal, client schema.Payload) (*schema.Goal, error) {
	base, err := schema.EncodePayload(server)
	if err != nil {
		return nil, err
	}
	merged := schema.KeepTombstone(base, base.Overlay(client.Without(serverOwned...)))
	return schema.DecodeGoal(merged)
}

// CanTransition reports whether a user may explicitly move a task from one
// status to another. Done is terminal; discarded may only go back to todo.
func CanTransition(from, to schema.Status) bool {
	if from == to {
		return true
	}
	if from == schema.StatusDiscarded && to == schema.StatusTodo {
		return true
	}
	if from == schema.StatusDone {
		return false
	}
	return to.Rank() >= from.Rank()
}

// Restore moves a discarded task back to todo. This is the only way a status
// goes backwards; sync merges never do it.
func Restore(task *schema.Task, to schema.Status, now time.Time) error {
	if task.Deleted {
		return fmt.Errorf("%w: task %s is deleted", ErrInvalidTransition, task.ID)
	}
	if task.Status != schema.StatusDiscarded || to != schema.StatusTodo {
		return fmt.Errorf("%w: cannot restore task %s from %s to %s", ErrInvalidTransition, task.ID, task.Status, to)
	}
	task.Status = to
	task.UpdatedAt = schema.Stamp(now)
	return nil
}
