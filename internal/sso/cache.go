package sso

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenRequest describes one round-trip to the security token service.
type TokenRequest struct {
	Account  string
	Password string
	Policy   string
	Types    TicketType

	// FederationAssertion carries the assertion obtained from a federated
	// realm's security token service; empty for direct requests.
	FederationAssertion string
}

// TokenRequester performs the actual network round-trips to the identity
// service. It is an external collaborator; the cache never builds SOAP
// itself.
type TokenRequester interface {
	// RequestTickets obtains tickets for exactly the requested types.
	RequestTickets(ctx context.Context, req TokenRequest) ([]*Ticket, error)

	// RequestFederationAssertion signs in against a federated realm's
	// redirect URL and returns the assertion to splice into a primary
	// request.
	RequestFederationAssertion(ctx context.Context, redirectURL, account, password string) (string, error)
}

// FederatedRealmError is returned by a TokenRequester when the account lives
// in a federated namespace that forbids direct login. RedirectURL is the
// realm's own token service, when advertised.
type FederatedRealmError struct {
	RedirectURL string
}

func (e *FederatedRealmError) Error() string {
	return "federated namespace, direct login not allowed"
}

// authMode is the bounded federation retry state. The recursion in the
// original protocol flow is flattened to exactly one redirect.
type authMode int

const (
	modeDirect authMode = iota
	modeFederatedRedirect
)

const (
	defaultSweepInterval = time.Minute
	defaultRetention     = 24 * time.Hour
)

// Cache is the process-wide single-sign-on ticket cache, keyed by a hash of
// the credential pair so multiple signed-in accounts share one cache.
type Cache struct {
	mu        sync.Mutex
	bundles   map[string]*Bundle
	requester TokenRequester
	logger    *zap.Logger

	sweepMu       sync.Mutex
	nextSweep     time.Time
	sweepInterval time.Duration
	retention     time.Duration
}

// NewCache creates a ticket cache backed by the given requester.
func NewCache(requester TokenRequester, logger *zap.Logger) *Cache {
	return &Cache{
		bundles:       make(map[string]*Bundle),
		requester:     requester,
		logger:        logger,
		sweepInterval: defaultSweepInterval,
		retention:     defaultRetention,
	}
}

// CredentialHash computes the cache key for an account/password pair.
func CredentialHash(account, password string) string {
	sum := md5.Sum([]byte(account + password))
	return hex.EncodeToString(sum[:])
}

// Authenticate returns a bundle whose tickets for the requested types are
// all usable, hitting the identity service only for the stale ones. The
// cache is not mutated when the request fails.
func (c *Cache) Authenticate(ctx context.Context, account, password, policy string, want TicketType) (*Bundle, error) {
	c.sweep()

	key := CredentialHash(account, password)
	c.mu.Lock()
	bundle, ok := c.bundles[key]
	if !ok {
		bundle = NewBundle(policy)
	}
	stale := bundle.StaleTypes(want)
	if stale == TicketNone {
		bundle.DeleteTick = time.Now().Add(c.retention)
		c.mu.Unlock()
		return bundle, nil
	}
	c.mu.Unlock()

	tickets, err := c.request(ctx, TokenRequest{
		Account:  account,
		Password: password,
		Policy:   policy,
		Types:    stale,
	}, modeDirect)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A fresh bundle enters the map only here: a failed request must leave
	// the cache untouched.
	if current, ok := c.bundles[key]; ok {
		bundle = current
	} else {
		c.bundles[key] = bundle
	}
	for _, t := range tickets {
		bundle.Tickets[t.Type] = t
	}
	bundle.Policy = policy
	bundle.DeleteTick = time.Now().Add(c.retention)
	return bundle, nil
}

// AuthenticateAsync runs Authenticate on its own goroutine and delivers the
// result through exactly one of the two callbacks.
func (c *Cache) AuthenticateAsync(ctx context.Context, account, password, policy string, want TicketType, onSuccess func(*Bundle), onError func(error)) {
	go func() {
		bundle, err := c.Authenticate(ctx, account, password, policy, want)
		if err != nil {
			onError(err)
			return
		}
		onSuccess(bundle)
	}()
}

// request performs one token request, following at most one federated realm
// redirect. mode structurally bounds the retry: a redirect encountered while
// already redirected is a hard failure.
func (c *Cache) request(ctx context.Context, req TokenRequest, mode authMode) ([]*Ticket, error) {
	tickets, err := c.requester.RequestTickets(ctx, req)
	if err == nil {
		return tickets, nil
	}

	var fed *FederatedRealmError
	if !errors.As(err, &fed) || mode != modeDirect {
		return nil, err
	}
	if fed.RedirectURL == "" {
		return nil, fmt.Errorf("federated realm without redirect: %w", err)
	}

	c.logger.Info("federated realm redirect",
		zap.String("account", req.Account),
		zap.String("redirect_url", fed.RedirectURL))

	assertion, err := c.requester.RequestFederationAssertion(ctx, fed.RedirectURL, req.Account, req.Password)
	if err != nil {
		return nil, fmt.Errorf("federated sign-in: %w", err)
	}
	req.FederationAssertion = assertion
	return c.request(ctx, req, modeFederatedRedirect)
}

// Seed inserts tickets for a credential pair without any network round-trip.
// Expired tickets are skipped; Authenticate refreshes them on demand.
func (c *Cache) Seed(account, password, policy string, tickets []*Ticket) {
	key := CredentialHash(account, password)
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.bundles[key]
	if !ok {
		bundle = NewBundle(policy)
		c.bundles[key] = bundle
	}
	for _, t := range tickets {
		if t.Expired() {
			continue
		}
		bundle.Tickets[t.Type] = t
	}
	bundle.DeleteTick = time.Now().Add(c.retention)
}

// Snapshot returns copies of the cached tickets for a credential pair, for
// persistence across restarts.
func (c *Cache) Snapshot(account, password string) []*Ticket {
	key := CredentialHash(account, password)
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.bundles[key]
	if !ok {
		return nil
	}
	out := make([]*Ticket, 0, len(bundle.Tickets))
	for _, t := range bundle.Tickets {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

// Invalidate drops the cached bundle for a credential pair, used when the
// server rejects a ticket that looked valid locally.
func (c *Cache) Invalidate(account, password string) {
	key := CredentialHash(account, password)
	c.mu.Lock()
	delete(c.bundles, key)
	c.mu.Unlock()
}

// sweep deletes bundles past their deletion tick, at most once per sweep
// interval so the cost stays amortized across calls.
func (c *Cache) sweep() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	now := time.Now()
	if now.Before(c.nextSweep) {
		return
	}

	c.mu.Lock()
	removed := 0
	for key, bundle := range c.bundles {
		if !bundle.DeleteTick.IsZero() && now.After(bundle.DeleteTick) {
			delete(c.bundles, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("swept expired ticket bundles", zap.Int("removed", removed))
	}
	c.nextSweep = now.Add(c.sweepInterval)
}

// Len returns the number of cached bundles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bundles)
}
