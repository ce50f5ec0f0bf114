package sso

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTicketExpiry(t *testing.T) {
	tests := []struct {
		name       string
		expires    time.Time
		expired    bool
		expireSoon bool
		usable     bool
	}{
		{"expired", time.Now().Add(-time.Second), true, false, false},
		{"expiring", time.Now().Add(5 * time.Second), false, true, false},
		{"usable", time.Now().Add(time.Minute), false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &Ticket{Expires: tt.expires}
			if tk.Expired() != tt.expired {
				t.Errorf("Expired() = %v, want %v", tk.Expired(), tt.expired)
			}
			if tk.WillExpireSoon() != tt.expireSoon {
				t.Errorf("WillExpireSoon() = %v, want %v", tk.WillExpireSoon(), tt.expireSoon)
			}
			if tk.Usable() != tt.usable {
				t.Errorf("Usable() = %v, want %v", tk.Usable(), tt.usable)
			}
		})
	}
}

func TestStaleTypes(t *testing.T) {
	b := NewBundle("MBI_KEY_OLD")
	b.Tickets[TicketClear] = &Ticket{Type: TicketClear, Expires: time.Now().Add(time.Hour)}
	b.Tickets[TicketContact] = &Ticket{Type: TicketContact, Expires: time.Now().Add(-time.Hour)}

	stale := b.StaleTypes(TicketClear | TicketContact | TicketOIM)
	if stale&TicketClear != 0 {
		t.Error("usable ticket reported stale")
	}
	if stale&TicketContact == 0 {
		t.Error("expired ticket not reported stale")
	}
	if stale&TicketOIM == 0 {
		t.Error("missing ticket not reported stale")
	}
}

// fakeRequester records requests and returns canned tickets.
type fakeRequester struct {
	mu       sync.Mutex
	requests []TokenRequest
	fail     error
	failOnce bool
}

func (f *fakeRequester) RequestTickets(_ context.Context, req TokenRequest) ([]*Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail != nil {
		err := f.fail
		if f.failOnce {
			f.fail = nil
		}
		return nil, err
	}
	var out []*Ticket
	for _, tt := range req.Types.Split() {
		out = append(out, &Ticket{
			Type:    tt,
			Domain:  tt.Domain(),
			Value:   "t=" + tt.Domain(),
			Created: time.Now(),
			Expires: time.Now().Add(time.Hour),
		})
	}
	return out, nil
}

func (f *fakeRequester) RequestFederationAssertion(_ context.Context, redirectURL, account, password string) (string, error) {
	return "assertion-for-" + account, nil
}

func (f *fakeRequester) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestCacheRequestsOnlyStaleTypes(t *testing.T) {
	req := &fakeRequester{}
	c := NewCache(req, zap.NewNop())
	ctx := context.Background()

	bundle, err := c.Authenticate(ctx, "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear|TicketContact)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Tickets) != 2 {
		t.Fatalf("got %d tickets, want 2", len(bundle.Tickets))
	}

	// Second call with everything cached: no network round-trip.
	if _, err := c.Authenticate(ctx, "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear); err != nil {
		t.Fatal(err)
	}
	if req.requestCount() != 1 {
		t.Fatalf("got %d requests, want 1 (cache hit)", req.requestCount())
	}

	// Widening the request only fetches the missing type.
	if _, err := c.Authenticate(ctx, "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear|TicketOIM); err != nil {
		t.Fatal(err)
	}
	if req.requestCount() != 2 {
		t.Fatalf("got %d requests, want 2", req.requestCount())
	}
	req.mu.Lock()
	last := req.requests[1].Types
	req.mu.Unlock()
	if last != TicketOIM {
		t.Errorf("second request types = %v, want only TicketOIM", last)
	}
}

func TestCacheNotMutatedOnFailure(t *testing.T) {
	req := &fakeRequester{fail: errors.New("service down"), failOnce: true}
	c := NewCache(req, zap.NewNop())
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear); err == nil {
		t.Fatal("Authenticate should fail when the requester fails")
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d bundles after a failed request, want 0", c.Len())
	}

	// The failed attempt must not have poisoned the cache.
	bundle, err := c.Authenticate(ctx, "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bundle.Ticket(TicketClear); !ok {
		t.Error("retry did not produce a clear ticket")
	}
}

func TestCacheSeparatesCredentials(t *testing.T) {
	req := &fakeRequester{}
	c := NewCache(req, zap.NewNop())
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, "alice@hotmail.com", "pw1", "MBI_KEY_OLD", TicketClear); err != nil {
		t.Fatal(err)
	}
	// Same account, different password: fresh bundle, fresh request.
	if _, err := c.Authenticate(ctx, "alice@hotmail.com", "pw2", "MBI_KEY_OLD", TicketClear); err != nil {
		t.Fatal(err)
	}
	if req.requestCount() != 2 {
		t.Errorf("got %d requests, want 2", req.requestCount())
	}
	if c.Len() != 2 {
		t.Errorf("cache holds %d bundles, want 2", c.Len())
	}
}

// federatedRequester fails direct requests with a realm redirect and demands
// an assertion on the retry.
type federatedRequester struct {
	fakeRequester
	assertions int
}

func (f *federatedRequester) RequestTickets(ctx context.Context, req TokenRequest) ([]*Ticket, error) {
	if req.FederationAssertion == "" {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		return nil, &FederatedRealmError{RedirectURL: "https://sts.example.org/token"}
	}
	return f.fakeRequester.RequestTickets(ctx, req)
}

func (f *federatedRequester) RequestFederationAssertion(ctx context.Context, redirectURL, account, password string) (string, error) {
	f.assertions++
	return f.fakeRequester.RequestFederationAssertion(ctx, redirectURL, account, password)
}

func TestCacheFollowsOneFederationRedirect(t *testing.T) {
	req := &federatedRequester{}
	c := NewCache(req, zap.NewNop())

	bundle, err := c.Authenticate(context.Background(), "alice@corp.example", "pw", "MBI_KEY_OLD", TicketClear)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bundle.Ticket(TicketClear); !ok {
		t.Error("federated sign-in did not produce a clear ticket")
	}
	if req.assertions != 1 {
		t.Errorf("got %d assertion requests, want 1", req.assertions)
	}
}

// loopingRequester always redirects, even with an assertion.
type loopingRequester struct {
	fakeRequester
}

func (f *loopingRequester) RequestTickets(context.Context, TokenRequest) ([]*Ticket, error) {
	return nil, &FederatedRealmError{RedirectURL: "https://sts.example.org/token"}
}

func TestCacheBoundsFederationRedirects(t *testing.T) {
	c := NewCache(&loopingRequester{}, zap.NewNop())
	_, err := c.Authenticate(context.Background(), "alice@corp.example", "pw", "MBI_KEY_OLD", TicketClear)
	if err == nil {
		t.Fatal("a redirect loop must fail, not recurse")
	}
}

func TestCacheSweep(t *testing.T) {
	req := &fakeRequester{}
	c := NewCache(req, zap.NewNop())
	c.retention = -time.Second   // bundles are deletable immediately
	c.sweepInterval = 0          // sweep on every call

	if _, err := c.Authenticate(context.Background(), "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("cache holds %d bundles, want 1", c.Len())
	}

	// The next authenticate sweeps the overdue bundle first.
	if _, err := c.Authenticate(context.Background(), "bob@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Errorf("cache holds %d bundles after sweep, want 1", c.Len())
	}
}

func TestAuthenticateAsyncCallbacks(t *testing.T) {
	req := &fakeRequester{}
	c := NewCache(req, zap.NewNop())

	done := make(chan *Bundle, 1)
	c.AuthenticateAsync(context.Background(), "alice@hotmail.com", "pw", "MBI_KEY_OLD", TicketClear,
		func(b *Bundle) { done <- b },
		func(err error) { t.Errorf("unexpected error: %v", err) })

	select {
	case b := <-done:
		if _, ok := b.Ticket(TicketClear); !ok {
			t.Error("async bundle missing clear ticket")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async result")
	}
}

func TestResponseBlobStructure(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123"))
	nonce := "abcdefghijklmnopqrstuvwx" // 24 bytes, block aligned with padding

	encoded, err := Response(nonce, secret)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("response not base64: %v", err)
	}

	cipherLen := len(nonce) + 8
	if want := mbiHeaderSize + mbiIVLen + mbiHashLen + cipherLen; len(blob) != want {
		t.Fatalf("blob length = %d, want %d", len(blob), want)
	}
	words := []struct {
		name string
		want uint32
	}{
		{"header size", mbiHeaderSize},
		{"crypt mode", mbiCryptMode},
		{"cipher type", mbiCipherType},
		{"hash type", mbiHashType},
		{"iv length", mbiIVLen},
		{"hash length", mbiHashLen},
		{"cipher length", uint32(cipherLen)},
	}
	for i, w := range words {
		if got := binary.LittleEndian.Uint32(blob[i*4:]); got != w.want {
			t.Errorf("%s = %d, want %d", w.name, got, w.want)
		}
	}
}

func TestResponseRejectsBadSecret(t *testing.T) {
	if _, err := Response("abcdefghijklmnopqrstuvwx", "not-base64!!!"); err == nil {
		t.Error("Response should reject a non-base64 secret")
	}
}

func TestDeriveKeyLength(t *testing.T) {
	key := deriveKey([]byte("secret"), []byte("WS-SecureConversationSESSION KEY HASH"))
	if len(key) != 24 {
		t.Errorf("derived key length = %d, want 24", len(key))
	}
}

func TestRedirectURLExtraction(t *testing.T) {
	fault := &soapFault{Detail: innerXML{Inner: fmt.Sprintf(
		"<psf:pp>%s</psf:pp>", "<psf:redirectUrl>https://sts.example.org/rst</psf:redirectUrl>")}}
	if got := fault.RedirectURL(); got != "https://sts.example.org/rst" {
		t.Errorf("RedirectURL() = %q", got)
	}
	none := &soapFault{Detail: innerXML{Inner: "<psf:pp></psf:pp>"}}
	if got := none.RedirectURL(); got != "" {
		t.Errorf("RedirectURL() = %q, want empty", got)
	}
}
