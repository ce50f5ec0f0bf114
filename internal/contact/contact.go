package contact

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ClientType identifies the network a contact account belongs to.
type ClientType int

const (
	ClientTypeNone           ClientType = 0
	ClientTypePassportMember ClientType = 1
	ClientTypeLCS            ClientType = 2
	ClientTypePhoneMember    ClientType = 4
	ClientTypeCircleMember   ClientType = 9
	ClientTypeEmailMember    ClientType = 32
)

// ListFlag is a bitmask of server-side list memberships. A contact can be on
// several lists at once; Allowed and Blocked are mutually exclusive.
type ListFlag int

const (
	ListNone    ListFlag = 0
	ListForward ListFlag = 1
	ListAllowed ListFlag = 2
	ListBlocked ListFlag = 4
	ListReverse ListFlag = 8
	ListPending ListFlag = 16
)

// DefaultAddressBookID is the address book of plain (non-circle) contacts.
const DefaultAddressBookID = "00000000-0000-0000-0000-000000000000"

// Hash computes the canonical string identity of a contact. Equality and map
// keys are defined solely by this value. An empty address book id means the
// default book.
func Hash(ct ClientType, account, addressBookID string) string {
	if addressBookID == "" {
		addressBookID = DefaultAddressBookID
	}
	return strconv.Itoa(int(ct)) + ":" + strings.ToLower(account) + ";via=" + strings.ToLower(addressBookID)
}

// Publisher receives contact change events. Satisfied by *bus.Bus.
type Publisher interface {
	PublishKind(kind string, payload any)
}

// Contact is one entry in the contact graph. All mutation goes through the
// setter methods so every genuine change raises exactly one event; external
// packages must never write fields directly.
type Contact struct {
	mu sync.RWMutex

	account       string
	clientType    ClientType
	addressBookID string
	hash          string

	displayName     string
	nickname        string
	personalMessage string
	status          Status
	lists           ListFlag
	capabilities    string
	displayImageCtx string

	endpoints map[string]*EndPointData
	emoticons map[string]string
	groups    map[string]*Group
	siblings  map[string]*Contact

	notify func(kind string, payload any)
}

// StatusChange is the payload for status events.
type StatusChange struct {
	Contact *Contact
	Old     Status
	New     Status
	Via     time.Time
}

// ListChange is the payload for list membership events.
type ListChange struct {
	Contact *Contact
	List    ListFlag
}

// New creates a contact with the given identity. The notify function may be
// nil; the List arena installs a bus-backed one on creation.
func New(ct ClientType, account, addressBookID string, notify func(kind string, payload any)) *Contact {
	if addressBookID == "" {
		addressBookID = DefaultAddressBookID
	}
	return &Contact{
		account:       strings.ToLower(account),
		clientType:    ct,
		addressBookID: strings.ToLower(addressBookID),
		hash:          Hash(ct, account, addressBookID),
		status:        StatusUnknown,
		endpoints:     make(map[string]*EndPointData),
		emoticons:     make(map[string]string),
		groups:        make(map[string]*Group),
		siblings:      make(map[string]*Contact),
		notify:        notify,
	}
}

func (c *Contact) publish(kind string, payload any) {
	if c.notify != nil {
		c.notify(kind, payload)
	}
}

// Account returns the contact's account name, lowercased.
func (c *Contact) Account() string { return c.account }

// Type returns the contact's network client type.
func (c *Contact) Type() ClientType { return c.clientType }

// AddressBookID returns the address book this contact was resolved through.
func (c *Contact) AddressBookID() string { return c.addressBookID }

// Hash returns the canonical identity string.
func (c *Contact) Hash() string { return c.hash }

// Equal reports identity equality, defined solely by the hash string.
func (c *Contact) Equal(other *Contact) bool {
	return other != nil && c.hash == other.hash
}

// SamePerson reports whether other represents the same human, either by
// identity or through the sibling mapping.
func (c *Contact) SamePerson(other *Contact) bool {
	if other == nil {
		return false
	}
	if c.hash == other.hash {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.siblings[other.hash]
	return ok
}

// DisplayName returns the current display name, falling back to the account.
func (c *Contact) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.displayName == "" {
		return c.account
	}
	return c.displayName
}

// SetDisplayName updates the display name, firing a name-changed event on a
// genuine change.
func (c *Contact) SetDisplayName(name string) {
	c.mu.Lock()
	changed := c.displayName != name
	c.displayName = name
	c.mu.Unlock()
	if changed {
		c.publish("contact.name_changed", c)
	}
}

// Nickname returns the user-assigned nickname.
func (c *Contact) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// SetNickname updates the nickname without firing events; nicknames are a
// local address-book property.
func (c *Contact) SetNickname(nick string) {
	c.mu.Lock()
	c.nickname = nick
	c.mu.Unlock()
}

// PersonalMessage returns the contact's personal status message.
func (c *Contact) PersonalMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.personalMessage
}

// SetPersonalMessage updates the personal message, firing an event on change.
func (c *Contact) SetPersonalMessage(psm string) {
	c.mu.Lock()
	changed := c.personalMessage != psm
	c.personalMessage = psm
	c.mu.Unlock()
	if changed {
		c.publish("contact.personal_message", c)
	}
}

// Status returns the current presence status.
func (c *Contact) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions presence, firing status-changed and then the
// online/offline event as appropriate. Redundant sets are silent.
func (c *Contact) SetStatus(s Status) {
	c.mu.Lock()
	old := c.status
	if old == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	change := StatusChange{Contact: c, Old: old, New: s, Via: time.Now()}
	c.publish("contact.status_changed", change)
	wasOnline := old != StatusOffline && old != StatusUnknown
	isOnline := s != StatusOffline && s != StatusUnknown
	if !wasOnline && isOnline {
		c.publish("contact.online", change)
	} else if wasOnline && !isOnline {
		c.publish("contact.offline", change)
	}
}

// Online reports whether the contact has any non-offline presence.
func (c *Contact) Online() bool {
	s := c.Status()
	return s != StatusOffline && s != StatusUnknown
}

// Lists returns the current list membership bitmask.
func (c *Contact) Lists() ListFlag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lists
}

// OnList reports membership on the given list.
func (c *Contact) OnList(l ListFlag) bool {
	return c.Lists()&l != 0
}

// AddToList adds the contact to a list. Adding to Allowed removes Blocked
// and vice versa; the eviction fires its own list-removed event so
// subscribers see both sides of the swap. Fires list-added on a genuine
// change.
func (c *Contact) AddToList(l ListFlag) {
	c.mu.Lock()
	if c.lists&l != 0 {
		c.mu.Unlock()
		return
	}
	c.lists |= l
	var evicted ListFlag
	switch l {
	case ListAllowed:
		evicted = c.lists & ListBlocked
		c.lists &^= ListBlocked
	case ListBlocked:
		evicted = c.lists & ListAllowed
		c.lists &^= ListAllowed
	}
	c.mu.Unlock()
	if evicted != 0 {
		c.publish("contact.list_removed", ListChange{Contact: c, List: evicted})
	}
	c.publish("contact.list_added", ListChange{Contact: c, List: l})
}

// RemoveFromList drops a list membership. Dropping a contact from both
// Forward and Allowed forces it offline and clears its group memberships,
// matching what the server drops on its side.
func (c *Contact) RemoveFromList(l ListFlag) {
	c.mu.Lock()
	if c.lists&l == 0 {
		c.mu.Unlock()
		return
	}
	c.lists &^= l
	orphaned := c.lists&(ListForward|ListAllowed) == 0
	if orphaned {
		c.groups = make(map[string]*Group)
	}
	c.mu.Unlock()
	c.publish("contact.list_removed", ListChange{Contact: c, List: l})
	if orphaned {
		c.SetStatus(StatusOffline)
	}
}

// Blocked reports whether the contact is on the blocked list.
func (c *Contact) Blocked() bool {
	return c.OnList(ListBlocked)
}

// Capabilities returns the raw capability string from the last presence
// notification.
func (c *Contact) Capabilities() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// SetCapabilities stores the capability string.
func (c *Contact) SetCapabilities(caps string) {
	c.mu.Lock()
	c.capabilities = caps
	c.mu.Unlock()
}

// DisplayImageContext returns the MSNObject context of the contact's
// display image, if one was advertised.
func (c *Contact) DisplayImageContext() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayImageCtx
}

// SetDisplayImageContext records a new display-image context. The image
// itself is never fetched here; a change only signals that a fetch would
// yield something new.
func (c *Contact) SetDisplayImageContext(ctx string) {
	c.mu.Lock()
	changed := c.displayImageCtx != ctx
	c.displayImageCtx = ctx
	c.mu.Unlock()
	if changed && ctx != "" {
		c.publish("contact.display_image_changed", c)
	}
}

// AddSibling links another contact representing the same person on a
// different network.
func (c *Contact) AddSibling(other *Contact) {
	if other == nil || other.hash == c.hash {
		return
	}
	c.mu.Lock()
	c.siblings[other.hash] = other
	c.mu.Unlock()
}

// Siblings returns a snapshot of the sibling contacts.
func (c *Contact) Siblings() []*Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Contact, 0, len(c.siblings))
	for _, s := range c.siblings {
		out = append(out, s)
	}
	return out
}

// SetEmoticon records an emoticon definition received from this contact,
// keyed by object checksum.
func (c *Contact) SetEmoticon(sha, objectContext string) {
	c.mu.Lock()
	c.emoticons[sha] = objectContext
	c.mu.Unlock()
}

// Emoticon returns the object context for an emoticon checksum.
func (c *Contact) Emoticon(sha string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.emoticons[sha]
	return ctx, ok
}

// AddGroup records membership in a contact group.
func (c *Contact) AddGroup(g *Group) {
	if g == nil {
		return
	}
	c.mu.Lock()
	c.groups[g.ID] = g
	c.mu.Unlock()
}

// RemoveGroup drops membership in a contact group.
func (c *Contact) RemoveGroup(g *Group) {
	if g == nil {
		return
	}
	c.mu.Lock()
	delete(c.groups, g.ID)
	c.mu.Unlock()
}

// Groups returns a snapshot of group memberships.
func (c *Contact) Groups() []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s (%s)", c.account, c.Status())
}

// Group is a named contact group from the address book.
type Group struct {
	ID   string
	Name string
}
