package store

import "database/sql"

// Well-known session_state keys.
const (
	KeyMachineGUID = "machine_guid"
	KeyLastStatus  = "last_status"
)

// SetState stores a session_state key/value pair.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO session_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetState returns the value for a session_state key, or "" when unset.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM session_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
