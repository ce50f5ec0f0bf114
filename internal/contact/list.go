package contact

import (
	"strconv"
	"strings"
	"sync"
)

// List is the arena owning every contact known to one notification session.
// Components hold hash keys and resolve through the list instead of sharing
// object references across sessions.
type List struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
	groups   map[string]*Group
	pub      Publisher
}

// NewList creates an empty contact list publishing changes to pub.
func NewList(pub Publisher) *List {
	return &List{
		contacts: make(map[string]*Contact),
		groups:   make(map[string]*Group),
		pub:      pub,
	}
}

// Resolve returns the contact with the given identity, creating it on first
// reference. Created contacts publish their change events through the list's
// publisher.
func (l *List) Resolve(ct ClientType, account, addressBookID string) *Contact {
	h := Hash(ct, account, addressBookID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.contacts[h]; ok {
		return c
	}
	var notify func(kind string, payload any)
	if l.pub != nil {
		notify = l.pub.PublishKind
	}
	c := New(ct, account, addressBookID, notify)
	l.contacts[h] = c
	return c
}

// Get returns the contact for a hash key, if known.
func (l *List) Get(hash string) (*Contact, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.contacts[hash]
	return c, ok
}

// GetByAccount looks up a contact in the default address book.
func (l *List) GetByAccount(ct ClientType, account string) (*Contact, bool) {
	return l.Get(Hash(ct, account, DefaultAddressBookID))
}

// Has reports whether the identity is already known without creating it.
func (l *List) Has(ct ClientType, account, addressBookID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.contacts[Hash(ct, account, addressBookID)]
	return ok
}

// Snapshot returns all contacts at this moment. The slice is safe to iterate
// while other goroutines mutate the list.
func (l *List) Snapshot() []*Contact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Contact, 0, len(l.contacts))
	for _, c := range l.contacts {
		out = append(out, c)
	}
	return out
}

// Len returns the number of known contacts.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.contacts)
}

// AddGroup registers a contact group.
func (l *List) AddGroup(g *Group) {
	if g == nil {
		return
	}
	l.mu.Lock()
	l.groups[g.ID] = g
	l.mu.Unlock()
}

// Group returns a registered group by id.
func (l *List) Group(id string) (*Group, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.groups[id]
	return g, ok
}

// Reset drops every contact and group. Called only on full sign-off.
func (l *List) Reset() {
	l.mu.Lock()
	l.contacts = make(map[string]*Contact)
	l.groups = make(map[string]*Group)
	l.mu.Unlock()
}

// WireAddress is a parsed "clienttype:account[;via=9:circleId]" identity as
// used in presence and list commands.
type WireAddress struct {
	Type    ClientType
	Account string
	Via     string
}

// ParseWireAddress splits a presence-command identity field. A missing
// client type prefix defaults to PassportMember.
func ParseWireAddress(s string) WireAddress {
	addr := WireAddress{Type: ClientTypePassportMember}
	if i := strings.Index(s, ";via="); i >= 0 {
		addr.Via = s[i+len(";via="):]
		s = s[:i]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		if n, err := strconv.Atoi(s[:i]); err == nil {
			addr.Type = ClientType(n)
			s = s[i+1:]
		}
	}
	addr.Account = strings.ToLower(s)
	return addr
}
