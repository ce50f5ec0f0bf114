// Package conversation presents one logical chat to application code no
// matter how many switchboard sessions back it over time, or whether the
// remote party lives on a bridged network reached through the notification
// server.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/ns"
	"github.com/escargot-im/msn/internal/switchboard"
)

// State is the conversation lifecycle state.
type State int

const (
	StateNone State = iota
	StateCreated
	StateSwitchboardRequestSent
	StateOneRemoteUserJoined
	StateSwitchboardEnded
	StateConversationEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSwitchboardRequestSent:
		return "switchboard_request_sent"
	case StateOneRemoteUserJoined:
		return "one_remote_user_joined"
	case StateSwitchboardEnded:
		return "switchboard_ended"
	case StateConversationEnded:
		return "conversation_ended"
	default:
		return "none"
	}
}

// Type tells which transport kinds may back the conversation.
type Type int

const (
	TypeSwitchboard Type = 1 << iota
	TypeCrossNetwork
)

// ID is the opaque multiplexing key identifying a logical conversation with
// a remote contact, stable across switchboard reconnect cycles.
type ID string

// IDFor derives the conversation key for a remote contact.
func IDFor(c *contact.Contact) ID {
	return ID(c.Hash())
}

// Usage errors raised synchronously at the call site.
var (
	ErrContactOffline    = errors.New("contact is offline")
	ErrNotPassportMember = errors.New("contact network cannot join a switchboard conversation")
	ErrConversationEnded = errors.New("conversation has ended")
	ErrNothingToSend     = errors.New("empty message")
)

type queuedKind int

const (
	queuedText queuedKind = iota
	queuedNudge
	queuedEmoticon
)

type queuedMessage struct {
	kind     queuedKind
	text     string
	shortcut string
	context  string
	animated bool
}

// Conversation is one logical chat. All exported methods are safe for
// concurrent use.
type Conversation struct {
	id     ID
	logger *zap.Logger
	bus    *bus.Bus
	client *ns.Client

	catalog   *ObjectCatalog
	transfers TransferStarter
	oim       OIMSender

	mu             sync.Mutex
	state          State
	ctype          Type
	sb             *switchboard.Session
	remote         *contact.Contact // original remote owner: who this chat is with
	remoteOwner    *contact.Contact // current remote owner, promoted on leave
	pending        []queuedMessage
	pendingInvites []*contact.Contact // invites issued while no session is bound
	unsub          func()
}

// newConversation wires a conversation for a remote contact. The manager is
// the only constructor caller so routing stays consistent.
func newConversation(client *ns.Client, b *bus.Bus, logger *zap.Logger, catalog *ObjectCatalog, transfers TransferStarter, oim OIMSender, remote *contact.Contact) *Conversation {
	ctype := TypeSwitchboard
	if remote.Type() != contact.ClientTypePassportMember {
		ctype = TypeCrossNetwork
	}
	c := &Conversation{
		id:          IDFor(remote),
		logger:      logger.With(zap.String("component", "conversation"), zap.String("remote", remote.Account())),
		bus:         b,
		client:      client,
		catalog:     catalog,
		transfers:   transfers,
		oim:         oim,
		state:       StateCreated,
		ctype:       ctype,
		remote:      remote,
		remoteOwner: remote,
	}
	c.subscribe()
	b.PublishKind(bus.KindConvCreated, c)
	return c
}

// attachSession binds an incoming switchboard session (we were rung).
func (c *Conversation) attachSession(s *switchboard.Session) {
	c.mu.Lock()
	c.sb = s
	if c.state == StateCreated || c.state == StateNone {
		c.state = StateSwitchboardRequestSent
	}
	invites := c.pendingInvites
	c.pendingInvites = nil
	c.mu.Unlock()
	for _, t := range invites {
		s.Invite(t, "")
	}
}

// ID returns the stable conversation key.
func (c *Conversation) ID() ID { return c.id }

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteOwner returns the contact this conversation currently belongs to.
func (c *Conversation) RemoteOwner() *contact.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteOwner
}

// Invite adds a contact to the conversation, requesting a switchboard first
// if none is live. Inviting an offline contact fails synchronously before
// any network traffic.
func (c *Conversation) Invite(target *contact.Contact) error {
	if !target.Online() {
		return fmt.Errorf("invite %s: %w", target.Account(), ErrContactOffline)
	}

	c.mu.Lock()
	if c.state == StateConversationEnded {
		c.mu.Unlock()
		return fmt.Errorf("invite %s: %w", target.Account(), ErrConversationEnded)
	}
	if c.ctype&TypeSwitchboard != 0 && target.Type() != contact.ClientTypePassportMember {
		c.mu.Unlock()
		return fmt.Errorf("invite %s: %w", target.Account(), ErrNotPassportMember)
	}
	if c.sb == nil && c.state == StateSwitchboardRequestSent {
		// A switchboard request is already in flight; the invite goes out
		// once the session binds.
		c.pendingInvites = append(c.pendingInvites, target)
		c.mu.Unlock()
		return nil
	}
	ended := c.state == StateSwitchboardEnded
	sb := c.sb
	c.mu.Unlock()

	if ended || sb == nil {
		return c.recreate(target)
	}
	sb.Invite(target, "")
	return nil
}

// SendText sends (or queues) a plain text message.
func (c *Conversation) SendText(text string) error {
	if text == "" {
		return ErrNothingToSend
	}
	return c.deliver(queuedMessage{kind: queuedText, text: text})
}

// SendNudge sends (or queues) a nudge.
func (c *Conversation) SendNudge() error {
	return c.deliver(queuedMessage{kind: queuedNudge})
}

// SendEmoticonDefinition advertises (or queues) a custom emoticon.
func (c *Conversation) SendEmoticonDefinition(shortcut, objectContext string, animated bool) error {
	return c.deliver(queuedMessage{kind: queuedEmoticon, shortcut: shortcut, context: objectContext, animated: animated})
}

// SendTyping sends a typing indicator, but only while a remote user is
// joined: a stale typing notification has no value, so it is dropped
// instead of queued.
func (c *Conversation) SendTyping() error {
	c.mu.Lock()
	joined := c.state == StateOneRemoteUserJoined
	sb := c.sb
	c.mu.Unlock()
	if !joined || sb == nil {
		return nil
	}
	return sb.SendTyping()
}

// deliver sends the message now when a remote user is joined, queues it for
// the flush on first join otherwise, and transparently re-creates an
// expired switchboard.
func (c *Conversation) deliver(m queuedMessage) error {
	c.mu.Lock()
	switch c.state {
	case StateConversationEnded:
		c.mu.Unlock()
		return ErrConversationEnded
	case StateOneRemoteUserJoined:
		if c.ctype&TypeCrossNetwork != 0 {
			break
		}
		sb := c.sb
		c.mu.Unlock()
		return c.sendNow(sb, m)
	case StateCreated, StateSwitchboardEnded:
		if c.ctype&TypeCrossNetwork != 0 {
			break
		}
		if !c.remote.Online() {
			c.mu.Unlock()
			return c.sendOffline(m)
		}
		c.pending = append(c.pending, m)
		c.mu.Unlock()
		return c.recreate(nil)
	default:
		if c.ctype&TypeCrossNetwork != 0 {
			break
		}
		c.pending = append(c.pending, m)
		c.mu.Unlock()
		return nil
	}

	// Cross-network conversations relay through the notification server
	// and need no session to become sendable.
	remote := c.remote
	c.mu.Unlock()
	if m.kind != queuedText {
		return nil
	}
	return c.client.SendCrossNetText(remote, m.text)
}

// sendOffline hands text for a contact with no live endpoint to the OIM
// collaborator. Only text has an offline representation; everything else
// fails as an offline send.
func (c *Conversation) sendOffline(m queuedMessage) error {
	if m.kind != queuedText || c.oim == nil {
		return fmt.Errorf("send to %s: %w", c.remote.Account(), ErrContactOffline)
	}
	return c.oim.SendOfflineText(context.Background(), c.remote, m.text)
}

func (c *Conversation) sendNow(sb *switchboard.Session, m queuedMessage) error {
	if sb == nil {
		return fmt.Errorf("no live switchboard session")
	}
	switch m.kind {
	case queuedText:
		return sb.SendText(m.text)
	case queuedNudge:
		return sb.SendNudge()
	case queuedEmoticon:
		return sb.SendEmoticonDefinition(m.shortcut, m.context, m.animated)
	}
	return nil
}

// recreate requests a fresh switchboard, either for the first send of a new
// conversation or after the previous session expired. The original remote
// owner is re-invited before any newly named target so the conversation
// keeps its primary participant across reconnects.
func (c *Conversation) recreate(extraTarget *contact.Contact) error {
	c.mu.Lock()
	if c.ctype&TypeSwitchboard == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateSwitchboardRequestSent {
		c.mu.Unlock()
		return nil
	}
	c.state = StateSwitchboardRequestSent
	c.sb = nil
	first := c.remote
	c.mu.Unlock()

	return c.client.RequestSwitchboard(func(s *switchboard.Session) {
		c.mu.Lock()
		c.sb = s
		invites := c.pendingInvites
		c.pendingInvites = nil
		c.mu.Unlock()
		s.Invite(first, "")
		if extraTarget != nil && !extraTarget.Equal(first) {
			s.Invite(extraTarget, "")
		}
		// Invites that arrived while the request was outstanding. The
		// session roster rejects duplicates.
		for _, t := range invites {
			s.Invite(t, "")
		}
	})
}

// End closes the conversation for good; further sends fail.
func (c *Conversation) End() {
	c.mu.Lock()
	if c.state == StateConversationEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateConversationEnded
	sb := c.sb
	c.sb = nil
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if sb != nil {
		sb.Close(false)
	}
	if unsub != nil {
		unsub()
	}
	c.bus.PublishKind(bus.KindConvEnded, c)
}

// subscribe wires the conversation to switchboard events for its session.
func (c *Conversation) subscribe() {
	ch, unsub := c.bus.Subscribe("sb.", 128)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	go func() {
		for evt := range ch {
			c.handleSBEvent(evt)
		}
	}()
}

func (c *Conversation) ownsSession(s *switchboard.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb != nil && c.sb == s
}

func (c *Conversation) handleSBEvent(evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case *switchboard.ContactJoinedEvent:
		if c.ownsSession(payload.Session) {
			c.onContactJoined(payload.Contact)
		}
	case *switchboard.ContactLeftEvent:
		if c.ownsSession(payload.Session) {
			c.onContactLeft(payload.Contact)
		}
	case *switchboard.ClosedEvent:
		if c.ownsSession(payload.Session) {
			c.onSwitchboardClosed()
		}
	case *switchboard.EmoticonEvent:
		if c.ownsSession(payload.Session) {
			c.onEmoticonDefined(payload)
		}
	}
}

// onContactJoined flushes the pending queue in submission order the moment
// the first non-owner participant arrives.
func (c *Conversation) onContactJoined(joined *contact.Contact) {
	owner := c.client.Owner()
	if owner != nil && owner.SamePerson(joined) {
		return
	}

	c.mu.Lock()
	first := c.state != StateOneRemoteUserJoined
	c.state = StateOneRemoteUserJoined
	queue := c.pending
	c.pending = nil
	sb := c.sb
	c.mu.Unlock()

	if !first {
		return
	}
	for _, m := range queue {
		if err := c.sendNow(sb, m); err != nil {
			c.logger.Warn("queued message flush failed", zap.Error(err))
		}
	}
}

// onContactLeft promotes the next remote owner when the current one leaves.
// With no candidate the stale reference is kept until the conversation ends.
func (c *Conversation) onContactLeft(left *contact.Contact) {
	c.mu.Lock()
	currentOwner := c.remoteOwner
	sb := c.sb
	c.mu.Unlock()

	if currentOwner == nil || !currentOwner.SamePerson(left) || sb == nil {
		return
	}

	owner := c.client.Owner()
	for _, entry := range sb.Roster().Joined() {
		candidate, ok := c.client.Contacts().GetByAccount(contact.ClientTypePassportMember, entry.Account)
		if !ok {
			continue
		}
		if owner != nil && owner.SamePerson(candidate) {
			continue
		}
		if candidate.SamePerson(left) {
			continue
		}
		c.mu.Lock()
		c.remoteOwner = candidate
		c.mu.Unlock()
		c.bus.PublishKind(bus.KindConvOwnerChanged, c)
		return
	}
}

func (c *Conversation) onSwitchboardClosed() {
	c.mu.Lock()
	if c.state == StateConversationEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateSwitchboardEnded
	c.sb = nil
	c.mu.Unlock()
}

// onEmoticonDefined fetches the emoticon object unless its checksum is
// already in the process-wide catalog; either way a unified completion
// event fires.
func (c *Conversation) onEmoticonDefined(evt *switchboard.EmoticonEvent) {
	checksum := evt.Context
	if c.catalog.Has(checksum) {
		c.bus.PublishKind(bus.KindConvObjectDone, &ObjectTransferEvent{From: evt.From, Checksum: checksum})
		return
	}
	if c.transfers == nil {
		return
	}
	from := evt.From
	c.transfers.RequestObject(context.Background(), from, evt.Context, func(err error) {
		if err == nil {
			c.catalog.Add(checksum)
		}
		c.bus.PublishKind(bus.KindConvObjectDone, &ObjectTransferEvent{From: from, Checksum: checksum, Err: err})
	})
}
