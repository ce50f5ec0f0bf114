package conversation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/ns"
)

// Manager routes logical conversations across physical switchboard sessions.
// It owns the ID keyspace: one conversation per remote contact, surviving
// reconnect and re-invite cycles.
type Manager struct {
	client  *ns.Client
	bus     *bus.Bus
	logger  *zap.Logger
	catalog *ObjectCatalog

	transfers TransferStarter
	oim       OIMSender

	mu            sync.Mutex
	conversations map[ID]*Conversation
	unsub         func()
}

// NewManager creates a conversation manager. transfers and oim may be nil
// when the respective collaborator is not wired; emoticon auto-fetch is then
// skipped and offline sends fail with ErrContactOffline.
func NewManager(client *ns.Client, b *bus.Bus, logger *zap.Logger, transfers TransferStarter, oim OIMSender) *Manager {
	m := &Manager{
		client:        client,
		bus:           b,
		logger:        logger.With(zap.String("component", "conversation_manager")),
		catalog:       NewObjectCatalog(),
		transfers:     transfers,
		oim:           oim,
		conversations: make(map[ID]*Conversation),
	}
	return m
}

// Start subscribes the manager to incoming switchboard invitations.
func (m *Manager) Start() {
	ch, unsub := m.bus.Subscribe("sb.incoming", 64)
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()

	go func() {
		for evt := range ch {
			incoming, ok := evt.Payload.(*ns.IncomingSessionEvent)
			if !ok {
				continue
			}
			conv := m.GetOrCreate(incoming.Inviter)
			conv.attachSession(incoming.Session)
			m.logger.Debug("incoming conversation bound",
				zap.String("inviter", incoming.Inviter.Account()))
		}
	}()
}

// Stop unsubscribes and ends every live conversation.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	convs := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		convs = append(convs, c)
	}
	m.conversations = make(map[ID]*Conversation)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, c := range convs {
		c.End()
	}
}

// GetOrCreate returns the conversation with a remote contact, creating it
// on first use.
func (m *Manager) GetOrCreate(remote *contact.Contact) *Conversation {
	id := IDFor(remote)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[id]; ok && c.State() != StateConversationEnded {
		return c
	}
	c := newConversation(m.client, m.bus, m.logger, m.catalog, m.transfers, m.oim, remote)
	m.conversations[id] = c
	return c
}

// Get returns an existing conversation by key.
func (m *Manager) Get(id ID) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	return c, ok
}

// Catalog exposes the process-wide object catalog.
func (m *Manager) Catalog() *ObjectCatalog {
	return m.catalog
}
