// Package schema defines the synchronized records and the wire shapes of the
// delta sync protocol.
//
// # Records
//
// Two collections are synchronized between the server store and every device
// replica: tasks and goals. Both are flat JSON documents keyed by id and owned
// by exactly one user:
//
//	{
//	  "id": "7b0c...",
//	  "ownerId": "user-1",
//	  "title": "Write report",
//	  "status": "in_progress",
//	  "eisenhowerQuadrant": 2,
//	  "sortOrder": 1500,
//	  "deleted": false,
//	  "version": 4,
//	  "createdAt": "2026-01-01T09:00:00Z",
//	  "updatedAt": "2026-01-02T10:30:00.123Z"
//	}
//
// Records are never physically removed. Deleting sets the deleted flag (a
// tombstone) and the flag is never cleared by sync.
//
// # Payloads
//
// Clients may send partial records. A Payload keeps the raw JSON object so the
// merge code can tell a field that was omitted from a field that was sent with
// its zero value:
//
//	p := schema.Payload{}
//	_ = p.Set("id", "7b0c...")
//	_ = p.Set("status", schema.StatusDone)
//	task, err := schema.DecodeTask(p)
//
// # Change sets
//
// Pull responses and push requests carry Changes, one ChangeSet per
// collection. Created and updated entries are payloads, deleted entries are
// bare ids. Encoded change sets always contain all three arrays.
//
// # Time
//
// Instants inside records are RFC3339 strings. Sync cursors travel as Unix
// milliseconds, so server stamps are truncated to millisecond precision (see
// Stamp) to keep cursor comparisons exact.
package schema
