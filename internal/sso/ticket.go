package sso

import (
	"time"
)

// TicketType is a bitmask of backend service domains a ticket authorizes.
type TicketType int

const (
	TicketNone    TicketType = 0
	TicketClear   TicketType = 1 << iota // notification server (messengerclear)
	TicketContact                        // address book / membership service
	TicketOIM                            // offline instant messaging
	TicketStorage                        // storage (roaming profile) service
	TicketWeb                            // websignin
	TicketWhatsUp                        // what's new service
)

// AllTicketTypes covers every domain a full sign-in acquires.
const AllTicketTypes = TicketClear | TicketContact | TicketOIM | TicketStorage | TicketWeb | TicketWhatsUp

// ticketDomains maps each type to the RST address the token is requested for.
var ticketDomains = map[TicketType]string{
	TicketClear:   "messengerclear.live.com",
	TicketContact: "contacts.msn.com",
	TicketOIM:     "messengersecure.live.com",
	TicketStorage: "storage.msn.com",
	TicketWeb:     "messenger.msn.com",
	TicketWhatsUp: "sup.live.com",
}

// Domain returns the service domain for a single ticket type.
func (t TicketType) Domain() string {
	return ticketDomains[t]
}

// Split enumerates the individual flags set in a mask.
func (t TicketType) Split() []TicketType {
	var out []TicketType
	for _, single := range []TicketType{TicketClear, TicketContact, TicketOIM, TicketStorage, TicketWeb, TicketWhatsUp} {
		if t&single != 0 {
			out = append(out, single)
		}
	}
	return out
}

// expireSoonWindow is how close to expiry a ticket counts as about to
// expire and gets refreshed proactively.
const expireSoonWindow = 10 * time.Second

// Ticket is one signed, time-limited credential for a service domain.
type Ticket struct {
	Type         TicketType
	Domain       string
	Value        string
	BinarySecret string
	Created      time.Time
	Expires      time.Time
}

// Expired reports whether the ticket is past its expiry.
func (t *Ticket) Expired() bool {
	return !time.Now().Before(t.Expires)
}

// WillExpireSoon reports whether the ticket expires within the refresh
// window (but has not expired yet).
func (t *Ticket) WillExpireSoon() bool {
	if t.Expired() {
		return false
	}
	return time.Now().Add(expireSoonWindow).After(t.Expires)
}

// Usable reports whether the ticket is neither expired nor about to expire.
func (t *Ticket) Usable() bool {
	return !t.Expired() && !t.WillExpireSoon()
}

// Bundle is the keyed set of typed tickets belonging to one credential set,
// plus the absolute tick at which the cache sweep may delete it.
type Bundle struct {
	Policy     string
	Tickets    map[TicketType]*Ticket
	DeleteTick time.Time
}

// NewBundle creates an empty bundle for a policy.
func NewBundle(policy string) *Bundle {
	return &Bundle{
		Policy:  policy,
		Tickets: make(map[TicketType]*Ticket),
	}
}

// Ticket returns the stored ticket for a single type, if any.
func (b *Bundle) Ticket(t TicketType) (*Ticket, bool) {
	tk, ok := b.Tickets[t]
	return tk, ok
}

// StaleTypes returns the mask of requested types whose tickets are missing,
// expired, or about to expire.
func (b *Bundle) StaleTypes(want TicketType) TicketType {
	var stale TicketType
	for _, single := range want.Split() {
		tk, ok := b.Tickets[single]
		if !ok || !tk.Usable() {
			stale |= single
		}
	}
	return stale
}
