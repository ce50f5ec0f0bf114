package ns

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
	"github.com/escargot-im/msn/internal/switchboard"
)

// sbRequest is one pending switchboard request awaiting its XFR SB reply.
type sbRequest struct {
	onReady func(*switchboard.Session)
}

// IncomingSessionEvent is published when the server rings us into a
// switchboard someone else created.
type IncomingSessionEvent struct {
	Session *switchboard.Session
	Inviter *contact.Contact
}

// RequestSwitchboard queues a request for a fresh switchboard and asks the
// rate-limiting scheduler to emit one XFR. Replies bind to callers in
// strict FIFO order relative to enqueue order; the scheduler only paces
// emission and plays no part in matching.
func (c *Client) RequestSwitchboard(onReady func(*switchboard.Session)) error {
	if !c.SignedIn() {
		return fmt.Errorf("switchboard request: not signed in")
	}
	c.mu.Lock()
	c.sbQueue = append(c.sbQueue, &sbRequest{onReady: onReady})
	c.mu.Unlock()

	c.sbScheduler.Enqueue(func() {
		c.send(msnp.NewCommand("XFR", c.nextTrID(), "SB"))
	})
	return nil
}

// handleXFR routes a transfer reply: XFR <trid> SB <addr> CKI <hash> for a
// switchboard, XFR <trid> NS <addr> for a server redirect.
func (c *Client) handleXFR(cmd *msnp.Command) {
	switch cmd.Arg(1) {
	case "SB":
		c.bindSwitchboard(cmd.Arg(2), cmd.Arg(4))
	case "NS":
		// Server redirect; this connection is done. The host decides
		// whether to sign in again against the new address.
		c.logger.Warn("notification server redirect", zap.String("addr", cmd.Arg(2)))
		c.cfg.Bus.PublishKind(bus.KindServerNotice, fmt.Sprintf("redirect to %s", cmd.Arg(2)))
		_ = c.conn.Close()
	}
}

// bindSwitchboard matches an XFR SB reply to the oldest queued request. A
// reply with nothing queued is only a warning: server-initiated transfers
// have no local bookkeeping.
func (c *Client) bindSwitchboard(addr, hash string) {
	c.mu.Lock()
	var req *sbRequest
	if len(c.sbQueue) > 0 {
		req = c.sbQueue[0]
		c.sbQueue = c.sbQueue[1:]
	}
	c.mu.Unlock()

	if req == nil {
		c.logger.Warn("XFR SB reply with empty request queue", zap.String("addr", addr))
		return
	}

	session := c.newSwitchboard(addr, hash, "", false)
	if err := session.Start(); err != nil {
		c.logger.Error("switchboard connect failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	req.onReady(session)
}

// handleRNG answers an incoming invitation by constructing an invited
// session: RNG <sessionid> <addr> CKI <hash> <inviter> <inviterName> ...
func (c *Client) handleRNG(cmd *msnp.Command) {
	sessionID := cmd.Arg(0)
	addr := cmd.Arg(1)
	hash := cmd.Arg(3)
	inviterAccount := cmd.Arg(4)

	inviter := c.cfg.Contacts.Resolve(contact.ClientTypePassportMember, inviterAccount, contact.DefaultAddressBookID)
	if name, err := url.QueryUnescape(cmd.Arg(5)); err == nil && name != "" {
		inviter.SetDisplayName(name)
	}

	session := c.newSwitchboard(addr, hash, sessionID, true)
	if err := session.Start(); err != nil {
		c.logger.Error("answer switchboard failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	c.cfg.Bus.PublishKind(bus.KindSBIncoming, &IncomingSessionEvent{Session: session, Inviter: inviter})
}

func (c *Client) newSwitchboard(addr, hash, sessionID string, invited bool) *switchboard.Session {
	session := switchboard.New(switchboard.Config{
		Conn:         c.cfg.DialSwitchboard(addr),
		Logger:       c.cfg.Logger,
		Bus:          c.cfg.Bus,
		Contacts:     c.cfg.Contacts,
		OwnerAccount: c.cfg.Credentials.Account,
		MachineGUID:  c.cfg.MachineGUID,
		SessionHash:  hash,
		SessionID:    sessionID,
		Invited:      invited,
		Pace:         c.inviteScheduler.Enqueue,
		OnClosing:    c.switchboardClosing,
	})
	c.mu.Lock()
	c.sessions[session] = struct{}{}
	c.mu.Unlock()
	return session
}

// switchboardClosing runs before a locally initiated switchboard close so
// the "you closed a conversation" signal from the server can be told apart
// from a remote drop when this account is signed in at other places.
func (c *Client) switchboardClosing(s *switchboard.Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()

	if owner := c.Owner(); owner != nil && owner.HasMultiplePlaces() {
		c.logger.Debug("switchboard closed locally with other endpoints signed in",
			zap.String("session_hash", s.SessionHash()))
	}
}
