package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/store"
)

// Engine persists the in-memory contact graph into the store as it changes,
// so the next sign-in can present a roster before the server sync completes.
// It subscribes to "contact." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to contact change events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("contact.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	var c *contact.Contact
	switch evt.Kind {
	case bus.KindContactNameChanged, bus.KindPersonalMessage, bus.KindDisplayImageChanged:
		c, _ = evt.Payload.(*contact.Contact)
	case bus.KindContactListAdded, bus.KindContactListRemoved:
		if change, ok := evt.Payload.(contact.ListChange); ok {
			c = change.Contact
		}
	default:
		return
	}
	if c == nil {
		return
	}
	if err := e.db.UpsertContact(contactRow(c)); err != nil {
		e.logger.Error("failed to persist contact", zap.Error(err), zap.String("contact", c.Hash()))
	}
}

// FlushRoster writes the whole contact graph snapshot in one transaction.
// Called on sign-off so removals since the last event are not lost.
func (e *Engine) FlushRoster(list *contact.List) error {
	snapshot := list.Snapshot()
	rows := make([]store.Contact, 0, len(snapshot))
	for _, c := range snapshot {
		rows = append(rows, *contactRow(c))
	}
	if err := e.db.DeleteContacts(); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	if err := e.db.BulkUpsertContacts(rows); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	e.logger.Info("roster snapshot persisted", zap.Int("contacts", len(rows)))
	return nil
}

// LoadRoster seeds the contact graph from the persisted snapshot. Presence is
// never restored; every loaded contact starts offline.
func (e *Engine) LoadRoster(list *contact.List) error {
	rows, err := e.db.ListContacts()
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	for _, row := range rows {
		addr := contact.ParseWireAddress(row.Hash)
		c := list.Resolve(addr.Type, addr.Account, addr.Via)
		c.SetDisplayName(row.DisplayName)
		c.SetPersonalMessage(row.PersonalMessage)
		for _, l := range []contact.ListFlag{
			contact.ListForward, contact.ListAllowed, contact.ListBlocked,
			contact.ListReverse, contact.ListPending,
		} {
			if contact.ListFlag(row.Lists)&l != 0 {
				c.AddToList(l)
			}
		}
	}
	if len(rows) > 0 {
		e.logger.Info("roster snapshot loaded", zap.Int("contacts", len(rows)))
	}
	return nil
}

func contactRow(c *contact.Contact) *store.Contact {
	return &store.Contact{
		Hash:            c.Hash(),
		Account:         c.Account(),
		ClientType:      int(c.Type()),
		DisplayName:     c.DisplayName(),
		PersonalMessage: c.PersonalMessage(),
		Lists:           int(c.Lists()),
	}
}
