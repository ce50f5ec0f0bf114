package store

import "fmt"

// SaveTickets inserts or refreshes the given ticket rows, one per type.
func (db *DB) SaveTickets(tickets []Ticket) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tickets {
		if _, err := tx.Exec(`
			INSERT INTO tickets (ticket_type, domain, value, binary_secret, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticket_type) DO UPDATE SET
				domain = excluded.domain,
				value = excluded.value,
				binary_secret = excluded.binary_secret,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`,
			t.Type, t.Domain, t.Value, t.BinarySecret, t.CreatedAt, t.ExpiresAt); err != nil {
			return fmt.Errorf("upsert ticket type %d: %w", t.Type, err)
		}
	}
	return tx.Commit()
}

// ListTickets returns every persisted ticket.
func (db *DB) ListTickets() ([]Ticket, error) {
	rows, err := db.Query(`
		SELECT ticket_type, domain, value, binary_secret, created_at, expires_at
		FROM tickets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.Type, &t.Domain, &t.Value, &t.BinarySecret, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTickets clears persisted tickets, used when the server rejects them.
func (db *DB) DeleteTickets() error {
	_, err := db.Exec(`DELETE FROM tickets`)
	return err
}
