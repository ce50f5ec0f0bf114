package store

import (
	"fmt"
	"time"
)

// UpsertContact inserts or updates one contact snapshot row.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (hash, account, client_type, display_name, personal_message, lists, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
			personal_message = excluded.personal_message,
			lists = excluded.lists,
			updated_at = excluded.updated_at`,
		c.Hash, c.Account, c.ClientType, c.DisplayName, c.PersonalMessage, c.Lists, now)
	return err
}

// BulkUpsertContacts writes a whole roster snapshot in one transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (hash, account, client_type, display_name, personal_message, lists, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
				personal_message = excluded.personal_message,
				lists = excluded.lists,
				updated_at = excluded.updated_at`,
			c.Hash, c.Account, c.ClientType, c.DisplayName, c.PersonalMessage, c.Lists, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.Hash, err)
		}
	}
	return tx.Commit()
}

// ListContacts returns the full persisted roster snapshot.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`
		SELECT hash, account, client_type, display_name, personal_message, lists
		FROM contacts ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Hash, &c.Account, &c.ClientType, &c.DisplayName, &c.PersonalMessage, &c.Lists); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContacts clears the snapshot, used on full contact-list reset.
func (db *DB) DeleteContacts() error {
	_, err := db.Exec(`DELETE FROM contacts`)
	return err
}
