package switchboard

import "testing"

func TestRosterLeftIsTerminal(t *testing.T) {
	r := NewRoster()
	if !r.SetInvited("bob@hotmail.com", "") {
		t.Fatal("initial invite rejected")
	}
	if !r.SetJoined("bob@hotmail.com", "", "Bob", "0:0") {
		t.Fatal("join after invite rejected")
	}
	if !r.SetLeft("bob@hotmail.com", "") {
		t.Fatal("leave after join rejected")
	}

	if r.SetInvited("bob@hotmail.com", "") {
		t.Error("invite after leave must be rejected")
	}
	if r.SetJoined("bob@hotmail.com", "", "Bob", "0:0") {
		t.Error("join after leave must be rejected")
	}
	if r.State("bob@hotmail.com", "") != RosterLeft {
		t.Errorf("state = %v, want left", r.State("bob@hotmail.com", ""))
	}
}

func TestRosterJoinWithoutInvite(t *testing.T) {
	// Participants arriving via IRO/JOI were never locally invited.
	r := NewRoster()
	if !r.SetJoined("bob@hotmail.com", "", "Bob", "0:0") {
		t.Fatal("unsolicited join rejected")
	}
	if r.SetJoined("BOB@hotmail.com", "", "Bob", "0:0") {
		t.Error("redundant join must not report a genuine transition")
	}
}

func TestRosterEndpointKeysIndependent(t *testing.T) {
	r := NewRoster()
	r.SetJoined("bob@hotmail.com", "{e1}", "Bob", "0:0")
	r.SetJoined("bob@hotmail.com", "{e2}", "Bob", "0:0")
	if !r.SetLeft("bob@hotmail.com", "{e1}") {
		t.Fatal("per-endpoint leave rejected")
	}
	if r.State("bob@hotmail.com", "{e2}") != RosterJoined {
		t.Error("sibling endpoint must stay joined")
	}
}

func TestRosterAllLeft(t *testing.T) {
	const owner = "alice@hotmail.com"
	r := NewRoster()

	// No non-owner entries: not all-left.
	r.SetJoined(owner, "", "Alice", "0:0")
	if r.AllLeft(owner) {
		t.Error("roster with only the owner is not all-left")
	}

	r.SetJoined("bob@hotmail.com", "", "Bob", "0:0")
	r.SetJoined("carol@hotmail.com", "", "Carol", "0:0")
	if r.AllLeft(owner) {
		t.Error("joined participants present, not all-left")
	}

	r.SetLeft("bob@hotmail.com", "")
	if r.AllLeft(owner) {
		t.Error("carol still joined, not all-left")
	}

	r.SetLeft("carol@hotmail.com", "")
	if !r.AllLeft(owner) {
		t.Error("everyone but the owner left, must be all-left")
	}
}

func TestRosterBareInviteRetiredByQualifiedLeave(t *testing.T) {
	// An invite carries no endpoint, but MPOP clients join and leave with
	// their endpoint attached. The leave must retire the bare invite key too,
	// or the roster never reaches all-left.
	const owner = "alice@hotmail.com"
	r := NewRoster()
	r.SetInvited("bob@hotmail.com", "")
	r.SetJoined("bob@hotmail.com", "{e1}", "Bob", "0:0")
	if r.AllLeft(owner) {
		t.Fatal("bob still joined, not all-left")
	}
	if !r.SetLeft("bob@hotmail.com", "{e1}") {
		t.Fatal("qualified leave rejected")
	}
	if r.State("bob@hotmail.com", "") != RosterLeft {
		t.Errorf("bare invite key = %v, want left", r.State("bob@hotmail.com", ""))
	}
	if !r.AllLeft(owner) {
		t.Error("all endpoints gone, must be all-left")
	}
}

func TestSplitParticipant(t *testing.T) {
	account, ep := splitParticipant("Bob@Hotmail.com;{ABC}")
	if account != "bob@hotmail.com" || ep != "{abc}" {
		t.Errorf("split = %q, %q", account, ep)
	}
	account, ep = splitParticipant("bob@hotmail.com")
	if account != "bob@hotmail.com" || ep != "" {
		t.Errorf("split = %q, %q", account, ep)
	}
}
