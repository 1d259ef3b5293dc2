package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// advanceClock moves the sync clock to at, or past its last value, and
// returns the new stamp. It must run inside a write transaction: the row
// update holds the lock until the transaction ends. With strict the stamp is
// always greater than any handed out before.
func advanceClock(ctx context.Context, tx *sqlx.Tx, at int64, strict bool) (int64, error) {
	bump := "last_stamp"
	if strict {
		bump = "last_stamp + 1"
	}
	query := tx.Rebind(`UPDATE sync_clock SET last_stamp = CASE WHEN last_stamp >= ? THEN ` + bump + ` ELSE ? END WHERE id = 1`)
	if _, err := tx.ExecContext(ctx, query, at, at); err != nil {
		return 0, fmt.Errorf("failed to advance sync clock: %w", err)
	}
	var stamp int64
	if err := tx.GetContext(ctx, &stamp, `SELECT last_stamp FROM sync_clock WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to read sync clock: %w", err)
	}
	return stamp, nil
}

// Snapshot is an owner's changes read at one point of the sync clock.
type Snapshot struct {
	// Stamp is the clock value the read was taken at. Every committed write
	// has updated_at <= Stamp; every later one gets a greater value.
	Stamp int64
	Docs  map[schema.Collection][]Document
}

// Snapshot reads the owner's documents changed after since (all of them when
// since is nil) in every collection. The clock is advanced to at first, and
// the reads share its transaction, so no commit can land between the stamp
// and the reads.
func (db *DB) Snapshot(ctx context.Context, ownerID string, since *int64, at time.Time) (*Snapshot, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stamp, err := advanceClock(ctx, tx, schema.Millis(at), false)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Stamp: stamp, Docs: make(map[schema.Collection][]Document, len(schema.Collections))}
	for _, col := range schema.Collections {
		docs, err := changedSince(ctx, tx, col, ownerID, since)
		if err != nil {
			return nil, err
		}
		snap.Docs[col] = docs
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return snap, nil
}
