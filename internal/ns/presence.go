package ns

import (
	"net/url"
	"strings"

	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
)

// resolvePresenceTarget maps a typed wire identity to a contact, routing
// `;via=9:circleId` members through the circle's address book.
func (c *Client) resolvePresenceTarget(addr contact.WireAddress) *contact.Contact {
	abID := contact.DefaultAddressBookID
	if addr.Via != "" {
		abID = strings.TrimPrefix(addr.Via, "9:")
	}
	return c.cfg.Contacts.Resolve(addr.Type, addr.Account, abID)
}

// handleNLN fans an online-presence notification out to the contact model:
// NLN <status> <type:account[;via]> <name> <caps> [<msnobj>].
func (c *Client) handleNLN(cmd *msnp.Command) {
	addr := contact.ParseWireAddress(cmd.Arg(1))
	status := contact.ParseStatus(cmd.Arg(0))

	// Our own status echoing back (another endpoint changed it) goes
	// straight to the owner's local setter so no duplicate self contact or
	// self status event is ever created.
	if owner := c.Owner(); owner != nil && addr.Via == "" && addr.Account == owner.Account() {
		owner.SetStatus(status)
		return
	}

	target := c.resolvePresenceTarget(addr)
	if name, err := url.QueryUnescape(cmd.Arg(2)); err == nil && name != "" {
		target.SetDisplayName(name)
	}
	if caps := cmd.Arg(3); caps != "" {
		target.SetCapabilities(caps)
	}
	if obj := cmd.Arg(4); obj != "" {
		if decoded, err := url.QueryUnescape(obj); err == nil {
			// Signals that a fetch would yield a new image; never fetch here.
			target.SetDisplayImageContext(decoded)
		}
	}
	target.SetStatus(status)
}

// handleFLN marks a contact offline: FLN <type:account[;via]> [<caps>].
func (c *Client) handleFLN(cmd *msnp.Command) {
	addr := contact.ParseWireAddress(cmd.Arg(0))

	if owner := c.Owner(); owner != nil && addr.Via == "" && addr.Account == owner.Account() {
		owner.SetStatus(contact.StatusOffline)
		return
	}

	target := c.resolvePresenceTarget(addr)
	target.ClearEndpoints()
	target.SetStatus(contact.StatusOffline)
}
