package ns

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
	"github.com/escargot-im/msn/internal/sso"
	"github.com/escargot-im/msn/internal/switchboard"
	"github.com/escargot-im/msn/internal/transport"
)

const (
	testAccount  = "alice@hotmail.com"
	testPassword = "hunter2"
	testGUID     = "{F26D1F07-95E2-403C-8F25-5C0F4C644C37}"

	// Padded with 8 bytes before 3DES, so the length must stay a
	// multiple of the cipher block size.
	testNonce = "abcdefghijklmnopqrstuvwx"
)

// fakeConn is an in-memory transport.Conn recording outbound commands and
// injecting inbound ones.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []*msnp.Command
	receiver  func(*msnp.Command)
	onState   func(transport.State)
	sendErr   error
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	f.connected = true
	onState := f.onState
	f.mu.Unlock()
	if onState != nil {
		onState(transport.StateConnected)
	}
	return nil
}

func (f *fakeConn) Send(cmd *msnp.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.connected = false
	onState := f.onState
	f.mu.Unlock()
	if onState != nil {
		onState(transport.StateDisconnected)
	}
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) SetReceiver(fn func(*msnp.Command)) { f.receiver = fn }

func (f *fakeConn) SetStateHandler(fn func(transport.State)) { f.onState = fn }

func (f *fakeConn) inject(t *testing.T, line string, payload []byte) {
	t.Helper()
	cmd, err := msnp.ParseLine(line)
	if err != nil {
		t.Fatalf("inject %q: %v", line, err)
	}
	cmd.Payload = payload
	f.receiver(cmd)
}

func (f *fakeConn) sentCommands(verb string) []*msnp.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*msnp.Command
	for _, c := range f.sent {
		if c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeConn) countSent(verb string) int {
	return len(f.sentCommands(verb))
}

func (f *fakeConn) lastSent(verb string) *msnp.Command {
	cmds := f.sentCommands(verb)
	if len(cmds) == 0 {
		return nil
	}
	return cmds[len(cmds)-1]
}

// mintRequester mints usable tickets for every requested type.
type mintRequester struct {
	mu    sync.Mutex
	calls []sso.TokenRequest
	fail  error
}

func (r *mintRequester) RequestTickets(_ context.Context, req sso.TokenRequest) ([]*sso.Ticket, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	secret := base64.StdEncoding.EncodeToString([]byte("01234567890123456789"))
	var out []*sso.Ticket
	for _, single := range req.Types.Split() {
		out = append(out, &sso.Ticket{
			Type:         single,
			Domain:       single.Domain(),
			Value:        fmt.Sprintf("t=%d&p=", int(single)),
			BinarySecret: secret,
			Created:      time.Now(),
			Expires:      time.Now().Add(time.Hour),
		})
	}
	return out, nil
}

func (r *mintRequester) RequestFederationAssertion(context.Context, string, string, string) (string, error) {
	return "", fmt.Errorf("unexpected federation request")
}

type nsHarness struct {
	t         *testing.T
	client    *Client
	conn      *fakeConn
	bus       *bus.Bus
	events    <-chan bus.Event
	list      *contact.List
	requester *mintRequester

	mu      sync.Mutex
	sbConns []*fakeConn
}

func newNSHarness(t *testing.T) *nsHarness {
	t.Helper()
	b := bus.New()
	h := &nsHarness{
		t:         t,
		conn:      newFakeConn(),
		bus:       b,
		requester: &mintRequester{},
	}
	h.list = contact.NewList(b)
	events, unsub := b.Subscribe("", 256)
	t.Cleanup(unsub)
	h.events = events

	h.client = NewClient(Config{
		Conn:          h.conn,
		Logger:        zap.NewNop(),
		Bus:           b,
		Contacts:      h.list,
		Tickets:       sso.NewCache(h.requester, zap.NewNop()),
		Credentials:   Credentials{Account: testAccount, Password: testPassword},
		MachineGUID:   testGUID,
		Locale:        "0x0409",
		OSType:        "winnt",
		OSVersion:     "6.1.1",
		ClientVersion: "14.0.8117",
		DialSwitchboard: func(addr string) transport.Conn {
			sc := newFakeConn()
			h.mu.Lock()
			h.sbConns = append(h.sbConns, sc)
			h.mu.Unlock()
			return sc
		},
		InitialStatus: contact.StatusOnline,
	})
	return h
}

func (h *nsHarness) switchboardConns() []*fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeConn(nil), h.sbConns...)
}

// expect drains events until one of the given kind arrives.
func (h *nsHarness) expect(kind string) bus.Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-h.events:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

// waitSent polls until the connection has recorded n commands of a verb.
func (h *nsHarness) waitSent(verb string, n int) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.conn.countSent(verb) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %d %s sends, got %d", n, verb, h.conn.countSent(verb))
}

// signIn drives the full handshake through injected server replies.
func (h *nsHarness) signIn() {
	h.t.Helper()
	if err := h.client.SignIn(); err != nil {
		h.t.Fatalf("sign in: %v", err)
	}
	h.conn.inject(h.t, "VER 1 MSNP18", nil)
	h.conn.inject(h.t, "CVR 2 14.0.8117 14.0.8117 14.0.8117 http://msgruser.dlservice.microsoft.com http://download.live.com", nil)
	h.conn.inject(h.t, "USR 3 SSO S MBI_KEY_OLD "+testNonce, nil)
	h.waitSent("USR", 2) // ticket fetch answers the challenge asynchronously
	h.conn.inject(h.t, "USR 4 OK "+testAccount+" 1 0", nil)
	h.expect(bus.KindSignedIn)
}

func TestSignInHandshake(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	if !h.client.SignedIn() {
		t.Fatal("client not signed in after USR OK")
	}
	owner := h.client.Owner()
	if owner == nil || owner.Account() != testAccount {
		t.Fatalf("owner = %v, want %s", owner, testAccount)
	}

	ver := h.conn.sentCommands("VER")[0]
	if ver.Arg(1) != "MSNP18" {
		t.Fatalf("VER offered %q, want MSNP18", ver.Arg(1))
	}
	usr := h.conn.sentCommands("USR")
	if len(usr) != 2 {
		t.Fatalf("sent %d USR commands, want 2", len(usr))
	}
	if usr[0].Arg(1) != "SSO" || usr[0].Arg(2) != "I" || usr[0].Arg(3) != testAccount {
		t.Fatalf("initial USR = %v", usr[0].Args)
	}
	if usr[1].Arg(1) != "SSO" || usr[1].Arg(2) != "S" {
		t.Fatalf("challenge USR = %v", usr[1].Args)
	}
	if !strings.HasPrefix(usr[1].Arg(3), "t=") {
		t.Fatalf("challenge USR ticket = %q", usr[1].Arg(3))
	}
	if usr[1].Arg(5) != testGUID {
		t.Fatalf("challenge USR endpoint = %q, want %q", usr[1].Arg(5), testGUID)
	}

	// The roster push, the first status broadcast, and one ping all follow
	// the handshake.
	if got := h.conn.countSent("ADL"); got != 1 {
		t.Fatalf("sent %d ADL commands, want 1", got)
	}
	chg := h.conn.lastSent("CHG")
	if chg == nil || chg.Arg(1) != "NLN" {
		t.Fatalf("first CHG = %v, want NLN", chg)
	}
	if got := h.conn.countSent("PNG"); got != 1 {
		t.Fatalf("sent %d PNG commands, want 1", got)
	}
}

func TestSignInEmptyRosterSendsEmptyADL(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	adl := h.conn.sentCommands("ADL")[0]
	if string(adl.Payload) != `<ml l="1"></ml>` {
		t.Fatalf("empty roster ADL payload = %q", adl.Payload)
	}
}

func TestInitialADLSplitsIntoBatches(t *testing.T) {
	h := newNSHarness(t)
	const n = 400
	for i := 0; i < n; i++ {
		ct := h.list.Resolve(contact.ClientTypePassportMember, fmt.Sprintf("contact%03d@example.com", i), contact.DefaultAddressBookID)
		ct.AddToList(contact.ListForward)
		ct.AddToList(contact.ListAllowed)
	}
	h.signIn()

	frames := h.conn.sentCommands("ADL")
	if len(frames) < 2 {
		t.Fatalf("sent %d ADL frames for %d contacts, want a batched push", len(frames), n)
	}
	total := 0
	for i, frame := range frames {
		if len(frame.Payload) > adlBatchLimit {
			t.Fatalf("ADL frame %d payload is %d bytes, limit %d", i, len(frame.Payload), adlBatchLimit)
		}
		var ml mlPayload
		if err := xml.Unmarshal(frame.Payload, &ml); err != nil {
			t.Fatalf("unmarshal ADL frame %d: %v", i, err)
		}
		if ml.Initial != "1" {
			t.Fatalf(`ADL frame %d missing l="1"`, i)
		}
		for _, d := range ml.Domains {
			total += len(d.Members)
		}
	}
	if total != n {
		t.Fatalf("batched ADL frames carry %d members, want %d", total, n)
	}
}

func TestPendingStatusBroadcastAtSignIn(t *testing.T) {
	h := newNSHarness(t)
	h.client.ChangeStatus(contact.StatusBusy)
	h.signIn()

	chg := h.conn.lastSent("CHG")
	if chg.Arg(1) != "BSY" {
		t.Fatalf("first CHG = %q, want BSY", chg.Arg(1))
	}
}

func TestAuthFailureSignalsAndDisconnects(t *testing.T) {
	h := newNSHarness(t)
	h.requester.fail = fmt.Errorf("wrong password")

	if err := h.client.SignIn(); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	h.conn.inject(t, "VER 1 MSNP18", nil)
	h.conn.inject(t, "CVR 2 14.0.8117", nil)
	h.conn.inject(t, "USR 3 SSO S MBI_KEY_OLD "+testNonce, nil)

	evt := h.expect(bus.KindAuthError)
	authErr := evt.Payload.(*AuthErrorEvent)
	if authErr.Account != testAccount || authErr.Err == nil {
		t.Fatalf("auth error event = %+v", authErr)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.conn.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.conn.Connected() {
		t.Fatal("connection still up after authentication failure")
	}
	if h.client.SignedIn() {
		t.Fatal("client claims signed in after authentication failure")
	}
}

func TestPingSingleInFlight(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	// Sign-in already issued one ping; further pings are swallowed until
	// the server answers.
	h.client.SendPing()
	h.client.SendPing()
	if got := h.conn.countSent("PNG"); got != 1 {
		t.Fatalf("sent %d PNG with one outstanding, want 1", got)
	}

	h.conn.inject(t, "QNG 50", nil)
	h.client.SendPing()
	if got := h.conn.countSent("PNG"); got != 2 {
		t.Fatalf("sent %d PNG after QNG, want 2", got)
	}
}

func TestChallengeAnswered(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	h.conn.inject(t, "CHL 0 13038318816579321232", nil)
	qry := h.conn.lastSent("QRY")
	if qry == nil {
		t.Fatal("no QRY sent for CHL")
	}
	if qry.Arg(1) != msnp.ProductID {
		t.Fatalf("QRY product id = %q", qry.Arg(1))
	}
	if len(qry.Payload) != 32 {
		t.Fatalf("QRY response is %d bytes, want 32", len(qry.Payload))
	}
}

func TestServerListPushApplied(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	payload := []byte(`<ml><d n="example.com"><c n="bob" l="8" t="1"/></d></ml>`)
	h.conn.inject(t, fmt.Sprintf("ADL 0 %d", len(payload)), payload)

	bob, ok := h.list.GetByAccount(contact.ClientTypePassportMember, "bob@example.com")
	if !ok {
		t.Fatal("server ADL push did not create the contact")
	}
	if !bob.OnList(contact.ListReverse) {
		t.Fatal("pushed contact missing reverse-list membership")
	}

	h.conn.inject(t, fmt.Sprintf("RML 0 %d", len(payload)), payload)
	if bob.OnList(contact.ListReverse) {
		t.Fatal("RML push did not remove the reverse-list membership")
	}
}

func TestListAcknowledgementIgnored(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	before := h.list.Len()
	h.conn.inject(t, "ADL 7 OK", nil)
	if h.list.Len() != before {
		t.Fatal("ADL OK acknowledgement mutated the contact list")
	}
}

func TestOwnPresenceEchoUpdatesOwner(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	before := h.list.Len()
	h.conn.inject(t, "NLN BSY 1:"+testAccount+" Alice 2789003324:48", nil)
	if got := h.client.Owner().Status(); got != contact.StatusBusy {
		t.Fatalf("owner status = %v, want busy", got)
	}
	if h.list.Len() != before {
		t.Fatal("own presence echo created a duplicate contact")
	}
}

func TestContactPresenceLifecycle(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	h.conn.inject(t, "NLN NLN 1:bob@example.com Bob%20Builder 2789003324:48", nil)
	bob, ok := h.list.GetByAccount(contact.ClientTypePassportMember, "bob@example.com")
	if !ok {
		t.Fatal("presence did not create the contact")
	}
	if bob.Status() != contact.StatusOnline {
		t.Fatalf("status = %v, want online", bob.Status())
	}
	if bob.DisplayName() != "Bob Builder" {
		t.Fatalf("display name = %q", bob.DisplayName())
	}
	if bob.Capabilities() != "2789003324:48" {
		t.Fatalf("capabilities = %q", bob.Capabilities())
	}
	h.expect(bus.KindContactOnline)

	h.conn.inject(t, "FLN 1:bob@example.com", nil)
	if bob.Status() != contact.StatusOffline {
		t.Fatalf("status after FLN = %v, want offline", bob.Status())
	}
	h.expect(bus.KindContactOffline)
}

func TestUBXPersonalMessage(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	payload := []byte(`<Data><PSM>brb lunch</PSM><CurrentMedia></CurrentMedia></Data>`)
	h.conn.inject(t, fmt.Sprintf("UBX 1:bob@example.com %d", len(payload)), payload)
	bob, _ := h.list.GetByAccount(contact.ClientTypePassportMember, "bob@example.com")
	if bob.PersonalMessage() != "brb lunch" {
		t.Fatalf("personal message = %q", bob.PersonalMessage())
	}

	h.conn.inject(t, "UBX 1:bob@example.com 0", nil)
	if bob.PersonalMessage() != "" {
		t.Fatalf("personal message after empty UBX = %q", bob.PersonalMessage())
	}
}

func TestSwitchboardRepliesBindInOrder(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		err := h.client.RequestSwitchboard(func(s *switchboard.Session) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("request switchboard %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		h.conn.inject(t, fmt.Sprintf("XFR %d SB sb%d.example.com:1863 CKI hash%d", 10+i, i, i), nil)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("callbacks fired in order %v, want [0 1 2]", order)
	}
}

func TestSwitchboardReplyWithEmptyQueue(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	// A transfer nobody asked for must not bind or crash.
	h.conn.inject(t, "XFR 9 SB sb.example.com:1863 CKI deadbeef", nil)
	if got := len(h.switchboardConns()); got != 0 {
		t.Fatalf("unsolicited XFR opened %d switchboard connections", got)
	}
}

func TestSwitchboardRequestRequiresSignIn(t *testing.T) {
	h := newNSHarness(t)
	err := h.client.RequestSwitchboard(func(*switchboard.Session) {})
	if err == nil {
		t.Fatal("switchboard request before sign-in did not fail")
	}
}

func TestIncomingRing(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	h.conn.inject(t, "RNG 98723 sb.example.com:1863 CKI cki-hash bob@example.com Bob%20Builder U messenger.msn.com 1", nil)
	evt := h.expect(bus.KindSBIncoming)
	ring := evt.Payload.(*IncomingSessionEvent)
	if ring.Inviter.Account() != "bob@example.com" {
		t.Fatalf("inviter = %q", ring.Inviter.Account())
	}
	if ring.Inviter.DisplayName() != "Bob Builder" {
		t.Fatalf("inviter name = %q", ring.Inviter.DisplayName())
	}
	if ring.Session == nil {
		t.Fatal("ring event carries no session")
	}

	conns := h.switchboardConns()
	if len(conns) != 1 || !conns[0].Connected() {
		t.Fatalf("answered session did not dial the switchboard: %d conns", len(conns))
	}
}

func TestServerErrorPublished(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	h.conn.inject(t, "911 5", nil)
	evt := h.expect(bus.KindServerError)
	serr := evt.Payload.(*msnp.ServerError)
	if serr.Code != msnp.ErrAuthenticationFailed {
		t.Fatalf("error code = %v", serr.Code)
	}
}

func TestOwnerPropertyWithAndWithoutTrID(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	h.conn.inject(t, "PRP 9 MFN Alice%20A", nil)
	if got := h.client.Owner().DisplayName(); got != "Alice A" {
		t.Fatalf("display name = %q after solicited PRP", got)
	}
	h.conn.inject(t, "PRP MFN Alice%20B", nil)
	if got := h.client.Owner().DisplayName(); got != "Alice B" {
		t.Fatalf("display name = %q after unsolicited PRP", got)
	}
}

func TestCensorWordsStored(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	payload := []byte(`<Policies><Policy type="SHIELDS"><config><msgr_config><imtext value="YmFk"/></msgr_config></config></Policy></Policies>`)
	h.conn.inject(t, fmt.Sprintf("GCF 0 %d", len(payload)), payload)
	words := h.client.CensorWords()
	if len(words) != 1 {
		t.Fatalf("censor words = %v", words)
	}
}

func TestDisconnectClearsSession(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()
	h.list.Resolve(contact.ClientTypePassportMember, "bob@example.com", contact.DefaultAddressBookID)

	_ = h.conn.Close()
	evt := h.expect(bus.KindSignedOff)
	off := evt.Payload.(*SignedOffEvent)
	if off.Account != testAccount {
		t.Fatalf("signed-off account = %q", off.Account)
	}
	if h.client.SignedIn() {
		t.Fatal("client still signed in after disconnect")
	}
	if h.client.Owner() != nil {
		t.Fatal("owner survived disconnect")
	}
	if h.list.Len() != 0 {
		t.Fatalf("contact list has %d entries after disconnect, want 0", h.list.Len())
	}
}

func TestFailedConnectRaisesNoSignOff(t *testing.T) {
	h := newNSHarness(t)
	if err := h.client.SignIn(); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	// Drop before the handshake completes.
	_ = h.conn.Close()

	select {
	case evt := <-h.events:
		if evt.Kind == bus.KindSignedOff {
			t.Fatal("spurious signed-off event for a connection that never signed in")
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCrossNetMessageDelivered(t *testing.T) {
	h := newNSHarness(t)
	h.signIn()

	payload := []byte("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\nhello from msn space")
	h.conn.inject(t, fmt.Sprintf("UBM bob@example.com 1 1 %d", len(payload)), payload)
	evt := h.expect(bus.KindCrossNetMessage)
	msg := evt.Payload.(*CrossNetMessageEvent)
	if msg.From.Account() != "bob@example.com" {
		t.Fatalf("cross-network sender = %q", msg.From.Account())
	}
	if msg.ContentType != "text/plain" {
		t.Fatalf("content type = %q", msg.ContentType)
	}
	if string(msg.Body) != "hello from msn space" {
		t.Fatalf("body = %q", msg.Body)
	}
}
