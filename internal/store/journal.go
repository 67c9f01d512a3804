package store

// SavePendingAction records an in-flight optimistic mutation.
func (db *DB) SavePendingAction(key string, kind, targetID string, issuedAt int64) error {
	_, err := db.Exec(`
		INSERT INTO pending_actions (idempotency_key, kind, target_id, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		key, kind, targetID, issuedAt)
	return err
}

// DeletePendingAction removes a resolved action from the journal.
func (db *DB) DeletePendingAction(key string) error {
	_, err := db.Exec(`DELETE FROM pending_actions WHERE idempotency_key = ?`, key)
	return err
}

// ListPendingActions returns the idempotency keys still in the journal,
// oldest first.
func (db *DB) ListPendingActions() ([]string, error) {
	rows, err := db.Query(`SELECT idempotency_key FROM pending_actions ORDER BY issued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
