package switchboard

import (
	"strings"
	"sync"
)

// RosterState is the conversation state of one participant key within a
// session. Left is terminal for a key: a participant that left cannot be
// re-invited on the same session, only on a replacement session.
type RosterState int

const (
	RosterNone RosterState = iota
	RosterInvited
	RosterJoined
	RosterLeft
)

func (s RosterState) String() string {
	switch s {
	case RosterInvited:
		return "invited"
	case RosterJoined:
		return "joined"
	case RosterLeft:
		return "left"
	default:
		return "none"
	}
}

// Entry is one participant of a switchboard session, keyed by
// account[;endpointID].
type Entry struct {
	Account      string
	EndpointID   string
	DisplayName  string
	Capabilities string
	State        RosterState
}

// Key returns the roster map key for the entry.
func (e *Entry) Key() string {
	return rosterKey(e.Account, e.EndpointID)
}

func rosterKey(account, endpointID string) string {
	account = strings.ToLower(account)
	if endpointID == "" {
		return account
	}
	return account + ";" + strings.ToLower(endpointID)
}

// splitParticipant splits an "account[;{guid}]" field from IRO/JOI/BYE.
func splitParticipant(s string) (account, endpointID string) {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return strings.ToLower(s[:i]), strings.ToLower(s[i+1:])
	}
	return strings.ToLower(s), ""
}

// Roster tracks the participants of one switchboard session. It has its own
// lock because join/leave updates race with application reads.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]*Entry)}
}

// State returns the current state for a participant key.
func (r *Roster) State(account, endpointID string) RosterState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[rosterKey(account, endpointID)]; ok {
		return e.State
	}
	return RosterNone
}

// SetInvited marks a participant invited. The transition is only legal from
// None: a key that already left stays left for the rest of the session.
func (r *Roster) SetInvited(account, endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rosterKey(account, endpointID)
	e, ok := r.entries[key]
	if !ok {
		r.entries[key] = &Entry{Account: strings.ToLower(account), EndpointID: strings.ToLower(endpointID), State: RosterInvited}
		return true
	}
	if e.State != RosterNone {
		return false
	}
	e.State = RosterInvited
	return true
}

// SetJoined marks a participant joined, recording display name and
// capabilities. Returns true only on a genuine transition into Joined, so a
// redundant JOI for an already-joined key raises no event upstream.
func (r *Roster) SetJoined(account, endpointID, displayName, capabilities string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rosterKey(account, endpointID)
	e, ok := r.entries[key]
	if !ok {
		e = &Entry{Account: strings.ToLower(account), EndpointID: strings.ToLower(endpointID)}
		r.entries[key] = e
	}
	e.DisplayName = displayName
	e.Capabilities = capabilities
	if e.State == RosterJoined || e.State == RosterLeft {
		return false
	}
	e.State = RosterJoined
	return true
}

// SetLeft marks a participant left. Returns false when the key was already
// Left or never present. Sibling keys of the same account that are still
// Invited are retired along with it: an invite sent without an endpoint
// leaves a bare account key behind when the contact joins and leaves
// endpoint-qualified, and that key must not hold the session open.
func (r *Roster) SetLeft(account, endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rosterKey(account, endpointID)
	e, ok := r.entries[key]
	if !ok || e.State == RosterLeft || e.State == RosterNone {
		return false
	}
	e.State = RosterLeft
	acct := strings.ToLower(account)
	for k, sib := range r.entries {
		if k != key && sib.Account == acct && sib.State == RosterInvited {
			sib.State = RosterLeft
		}
	}
	return true
}

// AllLeft reports whether every participant other than the owner has left.
// The owner's own endpoint entries are ignored; a roster with no non-owner
// entries at all does not count as all-left.
func (r *Roster) AllLeft(ownerAccount string) bool {
	ownerAccount = strings.ToLower(ownerAccount)
	r.mu.RLock()
	defer r.mu.RUnlock()
	others := 0
	for _, e := range r.entries {
		if e.Account == ownerAccount {
			continue
		}
		others++
		if e.State != RosterLeft {
			return false
		}
	}
	return others > 0
}

// Joined returns a snapshot of the participants currently in Joined state.
func (r *Roster) Joined() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.State == RosterJoined {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

// Len returns the number of tracked participant keys.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
