package contact

import (
	"testing"
)

// recorder collects published events for assertions.
type recorder struct {
	kinds    []string
	payloads []any
}

func (r *recorder) PublishKind(kind string, payload any) {
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestHashCaseInsensitive(t *testing.T) {
	a := Hash(ClientTypePassportMember, "Bob@Hotmail.com", "")
	b := Hash(ClientTypePassportMember, "bob@hotmail.com", "")
	if a != b {
		t.Errorf("hashes differ: %q vs %q", a, b)
	}
	c := Hash(ClientTypeEmailMember, "bob@hotmail.com", "")
	if a == c {
		t.Error("different client types must hash differently")
	}
}

func TestListResolveIdempotent(t *testing.T) {
	l := NewList(nil)
	a := l.Resolve(ClientTypePassportMember, "bob@hotmail.com", "")
	b := l.Resolve(ClientTypePassportMember, "BOB@hotmail.com", "")
	if a != b {
		t.Error("Resolve must return the same contact for the same identity")
	}
	if l.Len() != 1 {
		t.Errorf("list length = %d, want 1", l.Len())
	}
}

func TestAllowedBlockedExclusive(t *testing.T) {
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", nil)

	c.AddToList(ListAllowed)
	if !c.OnList(ListAllowed) {
		t.Fatal("not on allowed list after add")
	}

	c.AddToList(ListBlocked)
	if c.OnList(ListAllowed) {
		t.Error("allowed must be dropped when blocked is set")
	}
	if !c.OnList(ListBlocked) {
		t.Error("not on blocked list after add")
	}

	c.AddToList(ListAllowed)
	if c.OnList(ListBlocked) {
		t.Error("blocked must be dropped when allowed is set")
	}
}

func TestAllowedBlockedSwapFiresBothEvents(t *testing.T) {
	rec := &recorder{}
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", rec.PublishKind)

	c.AddToList(ListAllowed)
	c.AddToList(ListBlocked)
	// Subscribers must see the allowed eviction, not just the blocked add.
	if got := rec.count("contact.list_removed"); got != 1 {
		t.Errorf("list_removed fired %d times, want 1", got)
	}
	if got := rec.count("contact.list_added"); got != 2 {
		t.Errorf("list_added fired %d times, want 2", got)
	}

	// Adding an unrelated list evicts nothing.
	c.AddToList(ListForward)
	if got := rec.count("contact.list_removed"); got != 1 {
		t.Errorf("list_removed fired %d times after forward add, want 1", got)
	}
}

func TestListEventsOnlyOnGenuineChange(t *testing.T) {
	rec := &recorder{}
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", rec.PublishKind)

	c.AddToList(ListForward)
	c.AddToList(ListForward) // redundant
	if got := rec.count("contact.list_added"); got != 1 {
		t.Errorf("list_added fired %d times, want 1", got)
	}

	c.RemoveFromList(ListAllowed) // not on the list
	if got := rec.count("contact.list_removed"); got != 0 {
		t.Errorf("list_removed fired %d times, want 0", got)
	}
}

func TestOrphanedContactForcedOffline(t *testing.T) {
	rec := &recorder{}
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", rec.PublishKind)
	c.AddToList(ListForward)
	c.AddToList(ListAllowed)
	c.AddGroup(&Group{ID: "g1", Name: "Friends"})
	c.SetStatus(StatusOnline)

	c.RemoveFromList(ListForward)
	if !c.Online() {
		t.Fatal("still on allowed list, must stay online")
	}

	c.RemoveFromList(ListAllowed)
	if c.Online() {
		t.Error("orphaned contact must be forced offline")
	}
	if len(c.Groups()) != 0 {
		t.Error("orphaned contact must lose group memberships")
	}
	if rec.count("contact.offline") != 1 {
		t.Errorf("offline fired %d times, want 1", rec.count("contact.offline"))
	}
}

func TestStatusEvents(t *testing.T) {
	rec := &recorder{}
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", rec.PublishKind)

	c.SetStatus(StatusOnline)
	c.SetStatus(StatusOnline) // redundant
	c.SetStatus(StatusAway)   // still online, no online event
	c.SetStatus(StatusOffline)

	if got := rec.count("contact.status_changed"); got != 3 {
		t.Errorf("status_changed fired %d times, want 3", got)
	}
	if got := rec.count("contact.online"); got != 1 {
		t.Errorf("online fired %d times, want 1", got)
	}
	if got := rec.count("contact.offline"); got != 1 {
		t.Errorf("offline fired %d times, want 1", got)
	}
}

func TestSamePersonThroughSiblings(t *testing.T) {
	a := New(ClientTypePassportMember, "bob@hotmail.com", "", nil)
	b := New(ClientTypeEmailMember, "bob@hotmail.com", "", nil)
	if a.SamePerson(b) {
		t.Fatal("unlinked contacts must not be the same person")
	}
	a.AddSibling(b)
	if !a.SamePerson(b) {
		t.Error("sibling-linked contacts must be the same person")
	}
	if !a.SamePerson(a) {
		t.Error("a contact is always the same person as itself")
	}
}

func TestEndpointTracking(t *testing.T) {
	rec := &recorder{}
	c := New(ClientTypePassportMember, "bob@hotmail.com", "", rec.PublishKind)

	c.SetEndpoint(&EndPointData{ID: "{11111111-1111-1111-1111-111111111111}", Name: "Desktop"})
	if c.HasMultiplePlaces() {
		t.Error("one endpoint is not multiple places")
	}
	c.SetEndpoint(&EndPointData{ID: "{22222222-2222-2222-2222-222222222222}", Name: "Phone"})
	if !c.HasMultiplePlaces() {
		t.Error("two endpoints are multiple places")
	}
	if got := rec.count("contact.place_changed"); got != 2 {
		t.Errorf("place_changed fired %d times, want 2", got)
	}
	// The empty sentinel endpoint never counts and never fires events.
	c.SetEndpoint(&EndPointData{ID: EmptyEndpointID})
	if got := rec.count("contact.place_changed"); got != 2 {
		t.Error("empty endpoint id must not fire place_changed")
	}
}

func TestParseWireAddress(t *testing.T) {
	tests := []struct {
		in      string
		ct      ClientType
		account string
		via     string
	}{
		{"1:bob@hotmail.com", ClientTypePassportMember, "bob@hotmail.com", ""},
		{"32:bob@yahoo.com", ClientTypeEmailMember, "bob@yahoo.com", ""},
		{"Bob@Hotmail.com", ClientTypePassportMember, "bob@hotmail.com", ""},
		{"1:bob@hotmail.com;via=9:guid@live.com", ClientTypePassportMember, "bob@hotmail.com", "9:guid@live.com"},
	}
	for _, tt := range tests {
		got := ParseWireAddress(tt.in)
		if got.Type != tt.ct || got.Account != tt.account || got.Via != tt.via {
			t.Errorf("ParseWireAddress(%q) = %+v", tt.in, got)
		}
	}
}
