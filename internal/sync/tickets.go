package sync

import (
	"fmt"
	"time"

	"github.com/escargot-im/msn/internal/sso"
	"github.com/escargot-im/msn/internal/store"
)

// FlushTickets persists the cached ticket set for a credential pair so a
// restart within the ticket lifetime can skip the identity-service round-trip.
func (e *Engine) FlushTickets(cache *sso.Cache, account, password string) error {
	tickets := cache.Snapshot(account, password)
	rows := make([]store.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.Expired() {
			continue
		}
		rows = append(rows, store.Ticket{
			Type:         int(t.Type),
			Domain:       t.Domain,
			Value:        t.Value,
			BinarySecret: t.BinarySecret,
			CreatedAt:    t.Created.UnixMilli(),
			ExpiresAt:    t.Expires.UnixMilli(),
		})
	}
	if err := e.db.SaveTickets(rows); err != nil {
		return fmt.Errorf("write tickets: %w", err)
	}
	return nil
}

// LoadTickets seeds the ticket cache from the persisted rows. Expired rows
// are dropped from the store instead of seeded.
func (e *Engine) LoadTickets(cache *sso.Cache, account, password, policy string) error {
	rows, err := e.db.ListTickets()
	if err != nil {
		return fmt.Errorf("read tickets: %w", err)
	}
	tickets := make([]*sso.Ticket, 0, len(rows))
	stale := false
	for _, row := range rows {
		t := &sso.Ticket{
			Type:         sso.TicketType(row.Type),
			Domain:       row.Domain,
			Value:        row.Value,
			BinarySecret: row.BinarySecret,
			Created:      time.UnixMilli(row.CreatedAt),
			Expires:      time.UnixMilli(row.ExpiresAt),
		}
		if t.Expired() {
			stale = true
			continue
		}
		tickets = append(tickets, t)
	}
	if len(tickets) > 0 {
		cache.Seed(account, password, policy, tickets)
	}
	if stale {
		if err := e.db.DeleteTickets(); err != nil {
			return fmt.Errorf("drop stale tickets: %w", err)
		}
		if len(tickets) > 0 {
			return e.FlushTickets(cache, account, password)
		}
	}
	return nil
}
