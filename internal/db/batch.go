package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/polravi/mapmyactivities/internal/schema"
)

type opKind int

const (
	opCreate opKind = iota
	opCreateIfAbsent
	opReplace
)

type batchOp struct {
	kind   opKind
	doc    *Document
	expect int64
}

// Batch collects writes that Commit applies atomically.
//
// Every document written by a batch gets the same updated_at: the batch time,
// or one millisecond past the previous commit when that is not earlier. The
// zero Batch uses the wall clock at commit.
type Batch struct {
	ops []batchOp
	at  time.Time
}

// NewBatch returns a batch stamped from at.
func NewBatch(at time.Time) *Batch {
	return &Batch{at: at}
}

// Create inserts a new document at version 1. Commit fails with
// ErrVersionConflict if the id already exists.
func (b *Batch) Create(doc *Document) {
	b.ops = append(b.ops, batchOp{kind: opCreate, doc: doc})
}

// CreateIfAbsent inserts a new document at version 1 unless the id already
// exists, in which case the write is skipped.
func (b *Batch) CreateIfAbsent(doc *Document) {
	b.ops = append(b.ops, batchOp{kind: opCreateIfAbsent, doc: doc})
}

// Replace overwrites a document that must still be at expectVersion. The new
// version is expectVersion+1.
func (b *Batch) Replace(doc *Document, expectVersion int64) {
	b.ops = append(b.ops, batchOp{kind: opReplace, doc: doc, expect: expectVersion})
}

// Len returns the number of queued writes.
func (b *Batch) Len() int {
	return len(b.ops)
}

// CommitResult reports what a commit wrote.
type CommitResult struct {
	Written int       // documents inserted or replaced
	Skipped int       // CreateIfAbsent writes that found an existing id
	Stamp   time.Time // updated_at of every written document
}

// Commit applies the batch in one transaction. If any precondition fails
// nothing is written and the error wraps ErrVersionConflict.
func (db *DB) Commit(ctx context.Context, b *Batch) (*CommitResult, error) {
	res := &CommitResult{}
	if b == nil || len(b.ops) == 0 {
		return res, nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := b.at
	if at.IsZero() {
		at = time.Now()
	}
	atMs := schema.Millis(schema.Stamp(at))
	stamp, err := advanceClock(ctx, tx, atMs, true)
	if err != nil {
		return nil, err
	}

	type written struct {
		doc     *Document
		stamped Document
		version int64
	}
	var done []written

	for _, op := range b.ops {
		// Documents created with the batch time take the commit stamp as
		// their creation time too.
		stamped, err := op.doc.stamped(stamp, op.kind != opReplace && op.doc.CreatedAt >= atMs)
		if err != nil {
			return nil, err
		}

		switch op.kind {
		case opCreate, opCreateIfAbsent:
			n, err := insertDocument(ctx, tx, &stamped)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				if op.kind == opCreate {
					return nil, fmt.Errorf("%w: %s %s already exists", ErrVersionConflict, op.doc.Collection, op.doc.ID)
				}
				res.Skipped++
				continue
			}
			done = append(done, written{op.doc, stamped, 1})
			res.Written++

		case opReplace:
			n, err := replaceDocument(ctx, tx, &stamped, op.expect)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, fmt.Errorf("%w: %s %s is no longer at version %d", ErrVersionConflict, op.doc.Collection, op.doc.ID, op.expect)
			}
			done = append(done, written{op.doc, stamped, op.expect + 1})
			res.Written++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, w := range done {
		*w.doc = w.stamped
		w.doc.Version = w.version
	}
	res.Stamp = schema.FromMillis(stamp)
	return res, nil
}

// stamped returns a copy of the document with updated_at (and, with created,
// created_at) set to stamp in both the columns and the JSON body.
func (d *Document) stamped(stamp int64, created bool) (Document, error) {
	out := *d
	var body schema.Payload
	if err := json.Unmarshal([]byte(d.Body), &body); err != nil {
		return out, fmt.Errorf("failed to parse %s %s: %w", d.Collection, d.ID, err)
	}
	out.UpdatedAt = stamp
	if err := body.Set("updatedAt", schema.FromMillis(stamp)); err != nil {
		return out, err
	}
	if created {
		out.CreatedAt = stamp
		if err := body.Set("createdAt", schema.FromMillis(stamp)); err != nil {
			return out, err
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("failed to marshal %s %s: %w", d.Collection, d.ID, err)
	}
	out.Body = string(data)
	return out, nil
}

func insertDocument(ctx context.Context, tx *sqlx.Tx, doc *Document) (int64, error) {
	query := tx.Rebind(`
	INSERT INTO documents (
		collection, id, owner_id, body, deleted, has_recurrence,
		version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT (collection, id) DO NOTHING
	`)
	result, err := tx.ExecContext(ctx, query,
		doc.Collection,
		doc.ID,
		doc.OwnerID,
		doc.Body,
		boolInt(doc.Deleted),
		boolInt(doc.HasRecurrence),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s %s: %w", doc.Collection, doc.ID, err)
	}
	return result.RowsAffected()
}

func replaceDocument(ctx context.Context, tx *sqlx.Tx, doc *Document, expect int64) (int64, error) {
	query := tx.Rebind(`
	UPDATE documents SET
		owner_id = ?,
		body = ?,
		deleted = ?,
		has_recurrence = ?,
		version = ?,
		created_at = ?,
		updated_at = ?
	WHERE collection = ? AND id = ? AND version = ?
	`)
	result, err := tx.ExecContext(ctx, query,
		doc.OwnerID,
		doc.Body,
		boolInt(doc.Deleted),
		boolInt(doc.HasRecurrence),
		expect+1,
		doc.CreatedAt,
		doc.UpdatedAt,
		doc.Collection,
		doc.ID,
		expect,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s %s: %w", doc.Collection, doc.ID, err)
	}
	return result.RowsAffected()
}
