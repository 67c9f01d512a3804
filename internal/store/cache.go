package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/planora/realtime/internal/state"
)

// SaveNotification upserts a notification record.
func (db *DB) SaveNotification(n state.Notification) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO notifications (id, title, message, is_read, created_at, source_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			message = excluded.message,
			is_read = excluded.is_read,
			source_type = excluded.source_type,
			updated_at = excluded.updated_at`,
		n.ID, n.Title, n.Message, n.IsRead, n.CreatedAt, n.SourceType, now)
	return err
}

// DeleteNotification removes a notification by id. Missing ids are not an
// error.
func (db *DB) DeleteNotification(id string) error {
	_, err := db.Exec(`DELETE FROM notifications WHERE id = ?`, id)
	return err
}

// ReplaceNotifications swaps the whole cached collection in one
// transaction, used when seeding from a REST snapshot.
func (db *DB) ReplaceNotifications(ns []state.Notification) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, n := range ns {
		if _, err := tx.Exec(`
			INSERT INTO notifications (id, title, message, is_read, created_at, source_type, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Title, n.Message, n.IsRead, n.CreatedAt, n.SourceType, now); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return tx.Commit()
}

// ListNotifications returns the cached collection, newest first.
func (db *DB) ListNotifications() ([]state.Notification, error) {
	rows, err := db.Query(`
		SELECT id, title, message, is_read, created_at, source_type
		FROM notifications ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ns []state.Notification
	for rows.Next() {
		var n state.Notification
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt, &n.SourceType); err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

// SaveWorkspaceStatus upserts a workspace status record.
func (db *DB) SaveWorkspaceStatus(w state.WorkspaceStatus) error {
	_, err := db.Exec(`
		INSERT INTO workspace_status (id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		w.ID, w.Status, w.UpdatedAt)
	return err
}

// ListWorkspaceStatuses returns the cached workspace statuses.
func (db *DB) ListWorkspaceStatuses() ([]state.WorkspaceStatus, error) {
	rows, err := db.Query(`
		SELECT id, status, updated_at
		FROM workspace_status ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ws []state.WorkspaceStatus
	for rows.Next() {
		var w state.WorkspaceStatus
		if err := rows.Scan(&w.ID, &w.Status, &w.UpdatedAt); err != nil {
			return nil, err
		}
		ws = append(ws, w)
	}
	return ws, rows.Err()
}

// SaveActivity inserts an activity entry, ignoring repeats by id.
func (db *DB) SaveActivity(a state.Activity) error {
	_, err := db.Exec(`
		INSERT INTO activity (id, workspace_id, actor, summary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.WorkspaceID, a.Actor, a.Summary, a.CreatedAt)
	return err
}

// ListActivity returns the cached activity feed, newest first.
func (db *DB) ListActivity() ([]state.Activity, error) {
	rows, err := db.Query(`
		SELECT id, workspace_id, actor, summary, created_at
		FROM activity ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var as []state.Activity
	for rows.Next() {
		var a state.Activity
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Actor, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		as = append(as, a)
	}
	return as, rows.Err()
}

// SaveCheckpoint records the last applied version for a state slice.
func (db *DB) SaveCheckpoint(slice string, version int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		"checkpoint:"+slice, fmt.Sprintf("%d", version), now)
	return err
}

// GetCheckpoint retrieves the last applied version for a state slice, or 0.
func (db *DB) GetCheckpoint(slice string) (int64, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, "checkpoint:"+slice).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("parse checkpoint %q: %w", value, err)
	}
	return v, nil
}
