package ns

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
	"github.com/escargot-im/msn/internal/sso"
	"github.com/escargot-im/msn/internal/switchboard"
	"github.com/escargot-im/msn/internal/transport"
)

// LoginState is the top-level notification session state. Presence and
// roster traffic within SignedIn does not change it.
type LoginState int

const (
	StateDisconnected LoginState = iota
	StateVersionSent
	StateClientInfoSent
	StateAuthSent
	StateSignedIn
)

func (s LoginState) String() string {
	switch s {
	case StateVersionSent:
		return "version_sent"
	case StateClientInfoSent:
		return "client_info_sent"
	case StateAuthSent:
		return "auth_sent"
	case StateSignedIn:
		return "signed_in"
	default:
		return "disconnected"
	}
}

// protocolVersion is the version tag offered in VER. Session semantics
// follow MSNP18.
const protocolVersion = "MSNP18"

const (
	sbRequestInterval = 2 * time.Second
	inviteInterval    = time.Second
	clientCaps        = "2789003324:48"
)

// Credentials is one account/password pair.
type Credentials struct {
	Account  string
	Password string
}

// Config carries the collaborators of a notification client.
type Config struct {
	Conn     transport.Conn
	Logger   *zap.Logger
	Bus      *bus.Bus
	Contacts *contact.List
	Tickets  *sso.Cache

	Credentials   Credentials
	MachineGUID   string // braced GUID identifying this endpoint
	Locale        string // e.g. "0x0409"
	OSType        string // e.g. "winnt"
	OSVersion     string // e.g. "6.1.1"
	ClientVersion string // e.g. "14.0.8117"

	// DialSwitchboard creates an unconnected transport for a switchboard
	// address handed out in XFR/RNG.
	DialSwitchboard func(addr string) transport.Conn

	// InitialStatus is broadcast with the first CHG after sign-in.
	InitialStatus contact.Status
}

// Client owns the control-channel connection and global session state.
type Client struct {
	cfg    Config
	logger *zap.Logger

	conn transport.Conn
	trid uint32

	mu            sync.Mutex
	state         LoginState
	signedIn      bool
	owner         *contact.Contact
	pendingStatus contact.Status
	censorWords   []string
	sbQueue       []*sbRequest
	sessions      map[*switchboard.Session]struct{}
	bundle        *sso.Bundle

	pingOutstanding int32

	sbScheduler     *Scheduler
	inviteScheduler *Scheduler

	handlers map[string]func(*msnp.Command)
}

// SignedOffEvent is the payload of the signed-off event.
type SignedOffEvent struct {
	Account string
}

// AuthErrorEvent is the payload of the authentication-failure event.
type AuthErrorEvent struct {
	Account string
	Err     error
}

// NewClient builds a notification client around an unconnected transport.
func NewClient(cfg Config) *Client {
	c := &Client{
		cfg:             cfg,
		logger:          cfg.Logger.With(zap.String("component", "ns"), zap.String("account", cfg.Credentials.Account)),
		conn:            cfg.Conn,
		state:           StateDisconnected,
		pendingStatus:   cfg.InitialStatus,
		sessions:        make(map[*switchboard.Session]struct{}),
		sbScheduler:     NewScheduler(sbRequestInterval),
		inviteScheduler: NewScheduler(inviteInterval),
	}
	if c.pendingStatus == contact.StatusUnknown {
		c.pendingStatus = contact.StatusOnline
	}
	c.handlers = c.buildDispatchTable()
	cfg.Conn.SetReceiver(c.dispatch)
	cfg.Conn.SetStateHandler(c.onTransportState)
	return c
}

// Owner returns the signed-in account's own contact, or nil before sign-in.
func (c *Client) Owner() *contact.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// SignedIn reports whether the login handshake has completed.
func (c *Client) SignedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signedIn
}

// Contacts returns the contact list owned by this session.
func (c *Client) Contacts() *contact.List {
	return c.cfg.Contacts
}

// CensorWords returns the server-supplied censor word list, if received.
func (c *Client) CensorWords() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.censorWords...)
}

// SignIn connects the control channel and starts the login handshake.
func (c *Client) SignIn() error {
	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("notification connect: %w", err)
	}
	return nil
}

func (c *Client) nextTrID() string {
	return strconv.FormatUint(uint64(atomic.AddUint32(&c.trid, 1)), 10)
}

func (c *Client) send(cmd *msnp.Command) {
	if err := c.conn.Send(cmd); err != nil {
		c.logger.Warn("send failed", zap.String("verb", cmd.Verb), zap.Error(err))
	}
}

func (c *Client) onTransportState(st transport.State) {
	switch st {
	case transport.StateConnected:
		c.mu.Lock()
		c.state = StateVersionSent
		c.mu.Unlock()
		c.send(msnp.NewCommand("VER", c.nextTrID(), protocolVersion, "CVR0"))
	case transport.StateDisconnected:
		c.clear()
	}
}

// dispatch routes one inbound frame by verb. Handler panics are caught at
// this boundary and surfaced as an event so the receive loop survives; the
// error is also logged for the host.
func (c *Client) dispatch(cmd *msnp.Command) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("ns %s handler: %v", cmd.Verb, r)
			c.logger.Error("handler panic", zap.String("verb", cmd.Verb), zap.Any("panic", r))
			c.cfg.Bus.PublishKind(bus.KindHandlerError, err)
		}
	}()

	if handler, ok := c.handlers[cmd.Verb]; ok {
		handler(cmd)
		return
	}
	if code, ok := msnp.ParseErrorCode(cmd.Verb); ok {
		c.logger.Warn("server error", zap.Int("code", int(code)), zap.String("error", code.String()))
		c.cfg.Bus.PublishKind(bus.KindServerError, &msnp.ServerError{Code: code, TrID: cmd.TrID()})
		return
	}
	c.logger.Debug("unhandled command", zap.String("verb", cmd.Verb))
}

func (c *Client) buildDispatchTable() map[string]func(*msnp.Command) {
	return map[string]func(*msnp.Command){
		"VER": c.handleVER,
		"CVR": c.handleCVR,
		"USR": c.handleUSR,
		"CHL": c.handleCHL,
		"QNG": c.handleQNG,
		"CHG": c.handleCHG,
		"NLN": c.handleNLN,
		"FLN": c.handleFLN,
		"UBX": c.handleUBX,
		"UBN": c.handleUBN,
		"UBM": c.handleUBM,
		"UUN": c.handleUUN,
		"ADL": c.handleADL,
		"RML": c.handleRML,
		"FQY": c.handleFQY,
		"GCF": c.handleGCF,
		"BLP": c.handleBLP,
		"PRP": c.handlePRP,
		"XFR": c.handleXFR,
		"RNG": c.handleRNG,
		"MSG": c.handleServerMSG,
		"NFY": c.handleNFY,
		"SDG": c.handleSDG,
		"NOT": c.handleNOT,
		"OUT": c.handleOUT,
		"QRY": c.handleQRY,
		"SBS": func(*msnp.Command) {},
	}
}

// --- login handshake -------------------------------------------------------

func (c *Client) handleVER(cmd *msnp.Command) {
	c.mu.Lock()
	c.state = StateClientInfoSent
	c.mu.Unlock()
	c.send(msnp.NewCommand("CVR", c.nextTrID(),
		c.cfg.Locale, c.cfg.OSType, c.cfg.OSVersion, "i386",
		"MSNMSGR", c.cfg.ClientVersion, "msmsgs", c.cfg.Credentials.Account))
}

func (c *Client) handleCVR(cmd *msnp.Command) {
	c.mu.Lock()
	c.state = StateAuthSent
	c.mu.Unlock()
	c.send(msnp.NewCommand("USR", c.nextTrID(), "SSO", "I", c.cfg.Credentials.Account))
}

func (c *Client) handleUSR(cmd *msnp.Command) {
	switch {
	case cmd.Arg(1) == "SSO" && cmd.Arg(2) == "S":
		c.handleSSOChallenge(cmd.Arg(3), cmd.Arg(4))
	case cmd.Arg(1) == "OK":
		c.handleSignedIn(cmd.Arg(2))
	}
}

// handleSSOChallenge acquires tickets (possibly asynchronously) and answers
// the nonce. A failed fetch surfaces through the auth-error event and
// disconnects the transport; authentication is never retried inline.
func (c *Client) handleSSOChallenge(policy, nonce string) {
	creds := c.cfg.Credentials
	c.cfg.Tickets.AuthenticateAsync(context.Background(), creds.Account, creds.Password, policy, sso.AllTicketTypes,
		func(bundle *sso.Bundle) {
			clear, ok := bundle.Ticket(sso.TicketClear)
			if !ok {
				c.authFailed(fmt.Errorf("sso bundle missing clear ticket"))
				return
			}
			response, err := sso.Response(nonce, clear.BinarySecret)
			if err != nil {
				c.authFailed(fmt.Errorf("compute sso response: %w", err))
				return
			}
			c.mu.Lock()
			c.bundle = bundle
			c.mu.Unlock()
			c.send(msnp.NewCommand("USR", c.nextTrID(), "SSO", "S", clear.Value, response, c.cfg.MachineGUID))
		},
		c.authFailed,
	)
}

func (c *Client) authFailed(err error) {
	c.logger.Error("authentication failed", zap.Error(err))
	c.cfg.Bus.PublishKind(bus.KindAuthError, &AuthErrorEvent{Account: c.cfg.Credentials.Account, Err: err})
	_ = c.conn.Close()
}

// handleSignedIn finishes the login handshake: construct the owner contact,
// push the contact list, broadcast the pending status, and issue one ping.
func (c *Client) handleSignedIn(account string) {
	owner := c.cfg.Contacts.Resolve(contact.ClientTypePassportMember, account, contact.DefaultAddressBookID)
	owner.SetEndpoint(&contact.EndPointData{ID: c.cfg.MachineGUID, Capabilities: clientCaps})

	c.mu.Lock()
	c.owner = owner
	c.signedIn = true
	c.state = StateSignedIn
	status := c.pendingStatus
	c.mu.Unlock()

	c.logger.Info("signed in", zap.String("account", account))

	c.sendInitialADL()
	c.sendCHG(status)
	c.SendPing()

	c.cfg.Bus.PublishKind(bus.KindSignedIn, owner)
}

// --- presence broadcast ----------------------------------------------------

// ChangeStatus broadcasts a new presence status, or stores it as the
// pending status when not signed in yet.
func (c *Client) ChangeStatus(s contact.Status) {
	c.mu.Lock()
	if !c.signedIn {
		c.pendingStatus = s
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCHG(s)
}

func (c *Client) sendCHG(s contact.Status) {
	c.send(msnp.NewCommand("CHG", c.nextTrID(), s.Code(), clientCaps, "0"))
}

// handleCHG confirms our own status broadcast.
func (c *Client) handleCHG(cmd *msnp.Command) {
	if owner := c.Owner(); owner != nil {
		owner.SetStatus(contact.ParseStatus(cmd.Arg(1)))
	}
}

// --- challenge/ping --------------------------------------------------------

func (c *Client) handleCHL(cmd *msnp.Command) {
	response := msnp.ChallengeResponse(cmd.Arg(1))
	c.send(msnp.NewPayloadCommand("QRY", []byte(response), c.nextTrID(), msnp.ProductID))
}

func (c *Client) handleQRY(cmd *msnp.Command) {
	// Challenge accepted; nothing to update.
}

// SendPing issues a PNG unless one is already in flight. The server
// penalizes overlapping pings, so emission is guarded by a single flag.
func (c *Client) SendPing() {
	if !atomic.CompareAndSwapInt32(&c.pingOutstanding, 0, 1) {
		return
	}
	c.send(msnp.NewCommand("PNG"))
}

func (c *Client) handleQNG(cmd *msnp.Command) {
	atomic.StoreInt32(&c.pingOutstanding, 0)
	if secs, err := strconv.Atoi(cmd.Arg(0)); err == nil {
		c.logger.Debug("ping answered", zap.Int("next_allowed_sec", secs))
	}
}

func (c *Client) handleOUT(cmd *msnp.Command) {
	c.logger.Info("server closed session", zap.String("reason", cmd.Arg(0)))
	_ = c.conn.Close()
}

// --- teardown --------------------------------------------------------------

// SignOff disconnects the control channel; the full state teardown runs on
// the transport's disconnect notification.
func (c *Client) SignOff() {
	c.send(msnp.NewCommand("OUT"))
	_ = c.conn.Close()
}

// clear performs the full sign-off teardown. The signed-off event fires only
// after everything is reset, and only when the client had actually signed
// in, so failed initial connects never raise a spurious sign-off.
func (c *Client) clear() {
	c.mu.Lock()
	owner := c.owner
	wasSignedIn := c.signedIn
	sessions := make([]*switchboard.Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[*switchboard.Session]struct{})
	c.owner = nil
	c.signedIn = false
	c.state = StateDisconnected
	c.bundle = nil
	c.censorWords = nil
	c.sbQueue = nil
	c.mu.Unlock()

	if owner != nil {
		owner.SetStatus(contact.StatusOffline)
		owner.ClearEndpoints()
	}
	for _, s := range sessions {
		s.Close(true)
	}

	c.cfg.Tickets.Invalidate(c.cfg.Credentials.Account, c.cfg.Credentials.Password)
	atomic.StoreInt32(&c.pingOutstanding, 0)
	c.cfg.Contacts.Reset()
	c.sbScheduler.Stop()
	c.inviteScheduler.Stop()

	if wasSignedIn {
		c.cfg.Bus.PublishKind(bus.KindSignedOff, &SignedOffEvent{Account: c.cfg.Credentials.Account})
	}
}
