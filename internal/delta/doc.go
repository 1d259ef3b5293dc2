// Package delta implements the server side of the delta sync protocol.
//
// # Pull
//
// A device sends the cursor it got from its previous pull (nil on first
// sync). The service returns, per collection, every record of the caller whose
// server stamp is after the cursor, classified as:
//
//   - deleted: the record is a tombstone (id only, wins over created)
//   - created: no cursor, or the record was created after the cursor
//   - updated: everything else
//
// together with the server time taken before the reads, which becomes the
// device's next cursor. Tasks and goals are read independently; the two
// change sets are not a joint snapshot.
//
// # Push
//
// A device sends its local changes. Tasks are processed before goals; per
// collection created, then updated, then deleted entries. Updates are merged
// against the stored record (see package merge) and every written record gets
// a fresh server stamp. All writes of a push are committed in one batch.
//
// Every stored record carries a version. A merged write is only committed if
// the record is still at the version the merge was computed from; otherwise
// the whole change set is re-read and re-merged, up to MaxPushAttempts times,
// after which Push fails with a PushError wrapping ErrConflict.
//
// # Errors
//
//   - *ValidationError (errors.Is ErrValidation): malformed request, nothing written
//   - *PushError: persistence failure, nothing written, retry the whole change set
package delta
