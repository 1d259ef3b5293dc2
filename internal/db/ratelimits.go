package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageCount returns how many times a user performed action on day (yyyy-mm-dd).
func (db *DB) UsageCount(ctx context.Context, userID, action, day string) (int, error) {
	var count int
	query := db.conn.Rebind(`SELECT count FROM rate_limits WHERE user_id = ? AND action = ? AND day = ?`)
	if err := db.conn.GetContext(ctx, &count, query, userID, action, day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read usage for %s/%s: %w", userID, action, err)
	}
	return count, nil
}

// TakeQuota increments the usage counter unless it already reached limit.
// It returns the counter after the call and whether the increment happened.
func (db *DB) TakeQuota(ctx context.Context, userID, action, day string, limit int, now time.Time) (int, bool, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count,
		tx.Rebind(`SELECT count FROM rate_limits WHERE user_id = ? AND action = ? AND day = ?`),
		userID, action, day)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to read usage for %s/%s: %w", userID, action, err)
	}
	if count >= limit {
		return count, false, nil
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
	INSERT INTO rate_limits (user_id, action, day, count, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT (user_id, action, day) DO UPDATE SET
		count = rate_limits.count + 1,
		updated_at = excluded.updated_at
	`), userID, action, day, now.UnixMilli())
	if err != nil {
		return 0, false, fmt.Errorf("failed to record usage for %s/%s: %w", userID, action, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count + 1, true, nil
}
