package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// Document is one stored record.
type Document struct {
	Collection    string `db:"collection"`
	ID            string `db:"id"`
	OwnerID       string `db:"owner_id"`
	Body          string `db:"body"`
	Deleted       bool   `db:"deleted"`
	HasRecurrence bool   `db:"has_recurrence"`
	Version       int64  `db:"version"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// EncodeTask converts a task into a document.
func EncodeTask(t *schema.Task) (*Document, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}
	return &Document{
		Collection:    string(schema.CollectionTasks),
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		Body:          string(body),
		Deleted:       t.Deleted,
		HasRecurrence: t.Recurrence != nil,
		Version:       t.Version,
		CreatedAt:     schema.Millis(t.CreatedAt),
		UpdatedAt:     schema.Millis(t.UpdatedAt),
	}, nil
}

// EncodeGoal converts a goal into a document.
func EncodeGoal(g *schema.Goal) (*Document, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal goal %s: %w", g.ID, err)
	}
	return &Document{
		Collection: string(schema.CollectionGoals),
		ID:         g.ID,
		OwnerID:    g.OwnerID,
		Body:       string(body),
		Deleted:    g.Deleted,
		Version:    g.Version,
		CreatedAt:  schema.Millis(g.CreatedAt),
		UpdatedAt:  schema.Millis(g.UpdatedAt),
	}, nil
}

// Task decodes the document body. The version column is authoritative.
func (d *Document) Task() (*schema.Task, error) {
	var t schema.Task
	if err := json.Unmarshal([]byte(d.Body), &t); err != nil {
		return nil, fmt.Errorf("failed to parse task %s: %w", d.ID, err)
	}
	t.Version = d.Version
	t.Deleted = d.Deleted
	return &t, nil
}

// Goal decodes the document body. The version column is authoritative.
func (d *Document) Goal() (*schema.Goal, error) {
	var g schema.Goal
	if err := json.Unmarshal([]byte(d.Body), &g); err != nil {
		return nil, fmt.Errorf("failed to parse goal %s: %w", d.ID, err)
	}
	g.Version = d.Version
	g.Deleted = d.Deleted
	return &g, nil
}

// Payload returns the body as a wire payload.
func (d *Document) Payload() (schema.Payload, error) {
	var p schema.Payload
	if err := json.Unmarshal([]byte(d.Body), &p); err != nil {
		return nil, fmt.Errorf("failed to parse %s %s: %w", d.Collection, d.ID, err)
	}
	if err := p.Set("version", d.Version); err != nil {
		return nil, err
	}
	return p, nil
}

const documentColumns = `collection, id, owner_id, body, deleted, has_recurrence, version, created_at, updated_at`

// Get returns a single document.
// Returns ErrNotFound if it does not exist (tombstones are returned).
func (db *DB) Get(ctx context.Context, col schema.Collection, id string) (*Document, error) {
	var doc Document
	query := db.conn.Rebind(`SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND id = ?`)
	if err := db.conn.GetContext(ctx, &doc, query, string(col), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s %s: %w", col, id, err)
	}
	return &doc, nil
}

// ChangedSince returns the owner's documents of a collection whose server
// stamp is strictly after since (Unix ms). A nil since returns everything,
// tombstones included. Pulls use Snapshot, which orders the read against
// concurrent commits.
func (db *DB) ChangedSince(ctx context.Context, col schema.Collection, ownerID string, since *int64) ([]Document, error) {
	return changedSince(ctx, db.conn, col, ownerID, since)
}

func changedSince(ctx context.Context, q sqlx.ExtContext, col schema.Collection, ownerID string, since *int64) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND owner_id = ?`
	args := []any{string(col), ownerID}
	if since != nil {
		query += ` AND updated_at > ?`
		args = append(args, *since)
	}
	query += ` ORDER BY updated_at, id`

	docs := []Document{}
	if err := sqlx.SelectContext(ctx, q, &docs, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", col, err)
	}
	return docs, nil
}

// ListRecurring returns every live task carrying a recurrence rule, across owners.
func (db *DB) ListRecurring(ctx context.Context) ([]Document, error) {
	query := db.conn.Rebind(`SELECT ` + documentColumns + ` FROM documents
		WHERE collection = ? AND has_recurrence = 1 AND deleted = 0
		ORDER BY owner_id, id`)
	docs := []Document{}
	if err := db.conn.SelectContext(ctx, &docs, query, string(schema.CollectionTasks)); err != nil {
		return nil, fmt.Errorf("failed to list recurring tasks: %w", err)
	}
	return docs, nil
}

// ListLive returns every non-deleted document of a collection, across owners.
func (db *DB) ListLive(ctx context.Context, col schema.Collection) ([]Document, error) {
	query := db.conn.Rebind(`SELECT ` + documentColumns + ` FROM documents
		WHERE collection = ? AND deleted = 0
		ORDER BY owner_id, id`)
	docs := []Document{}
	if err := db.conn.SelectContext(ctx, &docs, query, string(col)); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", col, err)
	}
	return docs, nil
}

// Count returns the number of documents in a collection, tombstones included.
func (db *DB) Count(ctx context.Context, col schema.Collection) (int, error) {
	var count int
	query := db.conn.Rebind(`SELECT COUNT(*) FROM documents WHERE collection = ?`)
	if err := db.conn.GetContext(ctx, &count, query, string(col)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", col, err)
	}
	return count, nil
}
