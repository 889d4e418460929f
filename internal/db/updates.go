package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Update is one entry of a room's update log.
type Update struct {
	ID   int64
	Data []byte
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureRoom(ctx context.Context, e execer, roomID string) error {
	if _, err := e.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id, name) VALUES (?, '')", roomID); err != nil {
		return err
	}
	_, err := e.ExecContext(ctx, "UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", roomID)
	return err
}

// SaveUpdate appends a delta to the room's update log, creating the room if needed.
func (d *Database) SaveUpdate(ctx context.Context, roomID string, update []byte) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRoom(ctx, tx, roomID); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO document_updates (room_id, update_data) VALUES (?, ?)",
		roomID, update,
	); err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return tx.Commit()
}

// GetUpdates returns the room's update log in insertion order.
func (d *Database) GetUpdates(ctx context.Context, roomID string) ([]Update, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, update_data FROM document_updates WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.Data); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (d *Database) GetUpdateCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_updates WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// Snapshot operations

// SaveSnapshot replaces the room's snapshot. updateCount is the number of log
// entries folded into it by compaction; live flushes pass 0.
func (d *Database) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte, updateCount int) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRoom(ctx, tx, roomID); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	if err := saveSnapshot(ctx, tx, roomID, snapshot, updateCount); err != nil {
		return err
	}
	return tx.Commit()
}

func saveSnapshot(ctx context.Context, e execer, roomID string, snapshot []byte, updateCount int) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot_data, update_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = excluded.update_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, snapshot, updateCount)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns a nil snapshot without error when the room has none.
func (d *Database) GetSnapshot(ctx context.Context, roomID string) ([]byte, int, error) {
	var snapshot []byte
	var updateCount int
	err := d.db.QueryRowContext(ctx,
		"SELECT snapshot_data, update_count FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&snapshot, &updateCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	return snapshot, updateCount, err
}

// Compact stores a snapshot that covers every update up to and including
// lastID, and removes those updates, in one transaction.
func (d *Database) Compact(ctx context.Context, roomID string, snapshot []byte, lastID int64, folded int) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := saveSnapshot(ctx, tx, roomID, snapshot, folded); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM document_updates WHERE room_id = ? AND id <= ?",
		roomID, lastID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete updates: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// LoadDocument returns the latest snapshot and the remaining update log of a
// room. Log entries already covered by the snapshot merge as no-ops.
func (d *Database) LoadDocument(ctx context.Context, roomID string) ([]byte, [][]byte, error) {
	snapshot, _, err := d.GetSnapshot(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("get snapshot: %w", err)
	}
	updates, err := d.GetUpdates(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("get updates: %w", err)
	}

	data := make([][]byte, len(updates))
	for i, u := range updates {
		data[i] = u.Data
	}
	return snapshot, data, nil
}
