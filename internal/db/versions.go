package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Version is a named text snapshot of a room, created by a commit.
type Version struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"` // Auto-saved vs manual
}

const versionColumns = "id, room_id, name, description, content, content_hash, created_by, is_auto, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (*Version, error) {
	var v Version
	err := s.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVersion saves a new version of the document
func (d *Database) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if err := d.CreateRoom(ctx, v.RoomID, ""); err != nil {
		return nil, err
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO document_versions (room_id, name, description, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.RoomID, v.Name, v.Description, v.Content, v.ContentHash, v.CreatedBy, v.IsAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetVersion(ctx, id)
}

// GetVersion returns nil without error when the version does not exist.
func (d *Database) GetVersion(ctx context.Context, id int64) (*Version, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM document_versions WHERE id = ?", id)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListVersions returns all versions for a room, newest first
func (d *Database) ListVersions(ctx context.Context, roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) GetVersionCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// GetLatestVersion returns the most recent version for a room
func (d *Database) GetLatestVersion(ctx context.Context, roomID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, roomID)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (d *Database) DeleteVersion(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM document_versions WHERE id = ?", id)
	return err
}

// DeleteOldAutoVersions removes old auto-saved versions, keeping the most recent N
func (d *Database) DeleteOldAutoVersions(ctx context.Context, roomID string, keepCount int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM document_versions
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM document_versions
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}
