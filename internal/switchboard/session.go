package switchboard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
	"github.com/escargot-im/msn/internal/transport"
)

// Config carries everything a switchboard session needs at construction.
// Invited is fixed for the session's lifetime: it decides whether the
// opening command is ANS (answering an invitation) or USR (we initiated).
type Config struct {
	Conn     transport.Conn
	Logger   *zap.Logger
	Bus      *bus.Bus
	Contacts *contact.List

	OwnerAccount string
	MachineGUID  string

	SessionHash string
	SessionID   string
	Invited     bool

	// Pace, when set, schedules each outbound CAL through the notification
	// layer's invite rate limiter instead of sending it inline.
	Pace func(func())

	// OnClosing is called before a locally initiated close tears the
	// socket down, so the notification layer can route the server-side
	// "you closed a switchboard" signal for other endpoints.
	OnClosing func(*Session)
}

// Session is one switchboard conversation connection.
type Session struct {
	cfg    Config
	logger *zap.Logger
	roster *Roster

	trid uint32

	mu             sync.Mutex
	established    bool
	ended          bool
	inviteQueue    []inviteTarget
	waitingForRing bool
	chunks         map[string]*chunkBuffer

	keepaliveStop chan struct{}
}

type inviteTarget struct {
	account string
}

// Event payloads published on the bus.
type (
	// ContactJoinedEvent fires on a genuine transition into Joined.
	ContactJoinedEvent struct {
		Session    *Session
		Contact    *contact.Contact
		EndpointID string
	}
	// ContactLeftEvent fires when a non-owner participant leaves.
	ContactLeftEvent struct {
		Session *Session
		Contact *contact.Contact
	}
	// AllLeftEvent fires when the last non-owner participant has left.
	AllLeftEvent struct {
		Session *Session
	}
	// ClosedEvent fires after teardown of a session that had been
	// established.
	ClosedEvent struct {
		Session        *Session
		CausedByRemote bool
	}
	// EstablishedEvent fires once the ANS/USR handshake completes.
	EstablishedEvent struct {
		Session *Session
	}
)

// New creates a session around an unconnected transport.
func New(cfg Config) *Session {
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "switchboard"), zap.String("session_id", cfg.SessionID)),
		roster: NewRoster(),
		chunks: make(map[string]*chunkBuffer),
	}
	cfg.Conn.SetReceiver(s.handle)
	cfg.Conn.SetStateHandler(s.onTransportState)
	return s
}

// Roster exposes the participant roster.
func (s *Session) Roster() *Roster { return s.roster }

// Established reports whether the ANS/USR handshake has completed.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established && !s.ended
}

// SessionHash returns the auth cookie this session was created with.
func (s *Session) SessionHash() string { return s.cfg.SessionHash }

// Start connects the transport and begins the session handshake.
func (s *Session) Start() error {
	if err := s.cfg.Conn.Connect(); err != nil {
		return fmt.Errorf("switchboard connect: %w", err)
	}
	return nil
}

func (s *Session) nextTrID() string {
	return strconv.FormatUint(uint64(atomic.AddUint32(&s.trid, 1)), 10)
}

func (s *Session) ownerParticipant() string {
	if s.cfg.MachineGUID != "" {
		return s.cfg.OwnerAccount + ";" + s.cfg.MachineGUID
	}
	return s.cfg.OwnerAccount
}

func (s *Session) onTransportState(st transport.State) {
	switch st {
	case transport.StateConnected:
		s.sendOpening()
	case transport.StateDisconnected:
		s.Close(true)
	}
}

// sendOpening sends ANS when we were invited, USR when we initiated. The
// choice was fixed at construction.
func (s *Session) sendOpening() {
	var cmd *msnp.Command
	if s.cfg.Invited {
		cmd = msnp.NewCommand("ANS", s.nextTrID(), s.ownerParticipant(), s.cfg.SessionHash, s.cfg.SessionID)
	} else {
		cmd = msnp.NewCommand("USR", s.nextTrID(), s.ownerParticipant(), s.cfg.SessionHash)
	}
	if err := s.cfg.Conn.Send(cmd); err != nil {
		s.logger.Warn("opening command failed", zap.Error(err))
	}
}

// handle dispatches one inbound framed command. It runs on the transport's
// receive path; a panic in a handler is caught here and surfaced as an
// event instead of killing the read loop.
func (s *Session) handle(cmd *msnp.Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("switchboard handler panic", zap.String("verb", cmd.Verb), zap.Any("panic", r))
			s.cfg.Bus.PublishKind(bus.KindHandlerError, fmt.Errorf("switchboard %s handler: %v", cmd.Verb, r))
		}
	}()

	switch cmd.Verb {
	case "USR", "ANS":
		s.handleEstablished(cmd)
	case "IRO":
		s.handleIRO(cmd)
	case "JOI":
		s.handleJOI(cmd)
	case "BYE":
		s.handleBYE(cmd)
	case "MSG":
		s.handleMSG(cmd)
	case "CAL":
		s.handleCAL(cmd)
	case "ACK":
		// Delivery confirmed; nothing to update.
	case "NAK":
		s.cfg.Bus.PublishKind(bus.KindSBMessageFailed, &MessageFailedEvent{Session: s, TrID: cmd.TrID()})
	case "OUT":
		s.Close(true)
	default:
		if code, ok := msnp.ParseErrorCode(cmd.Verb); ok {
			s.logger.Warn("switchboard server error", zap.Int("code", int(code)), zap.String("error", code.String()))
			s.cfg.Bus.PublishKind(bus.KindServerError, &msnp.ServerError{Code: code, TrID: cmd.TrID()})
			return
		}
		s.logger.Debug("unhandled switchboard command", zap.String("verb", cmd.Verb))
	}
}

// MessageFailedEvent fires when the server NAKs an outbound message.
type MessageFailedEvent struct {
	Session *Session
	TrID    uint32
}

func (s *Session) handleEstablished(cmd *msnp.Command) {
	if cmd.Arg(1) != "OK" {
		return
	}
	s.mu.Lock()
	already := s.established
	s.established = true
	s.mu.Unlock()
	if already {
		return
	}
	s.logger.Debug("switchboard established", zap.Bool("invited", s.cfg.Invited))
	s.cfg.Bus.PublishKind(bus.KindSBEstablished, &EstablishedEvent{Session: s})
	s.drainInvites()
}

// Invite queues an invitation for the contact. It returns false with no
// side effect when the roster already tracks the contact (or the specific
// endpoint) in any state: a participant that left stays un-invitable on
// this session.
func (s *Session) Invite(c *contact.Contact, endpointID string) bool {
	if c == nil {
		return false
	}
	if s.roster.State(c.Account(), endpointID) != RosterNone {
		return false
	}
	if !s.roster.SetInvited(c.Account(), endpointID) {
		return false
	}
	// Inviting without a specific endpoint pre-marks every known endpoint
	// so later per-endpoint invites don't duplicate the CAL.
	if endpointID == "" {
		for _, id := range c.EndpointIDs() {
			if id != contact.EmptyEndpointID {
				s.roster.SetInvited(c.Account(), id)
			}
		}
	}

	s.mu.Lock()
	s.inviteQueue = append(s.inviteQueue, inviteTarget{account: c.Account()})
	s.mu.Unlock()
	s.drainInvites()
	return true
}

// drainInvites sends at most one CAL and then waits for its RINGING reply
// before sending the next. Invitations are strictly serialized; the session
// hash cannot correlate concurrent invites.
func (s *Session) drainInvites() {
	s.mu.Lock()
	if !s.established || s.ended || s.waitingForRing || len(s.inviteQueue) == 0 {
		s.mu.Unlock()
		return
	}
	target := s.inviteQueue[0]
	s.inviteQueue = s.inviteQueue[1:]
	s.waitingForRing = true
	s.mu.Unlock()

	send := func() {
		if err := s.cfg.Conn.Send(msnp.NewCommand("CAL", s.nextTrID(), target.account)); err != nil {
			s.logger.Warn("CAL send failed", zap.String("account", target.account), zap.Error(err))
			s.mu.Lock()
			s.waitingForRing = false
			s.mu.Unlock()
		}
	}
	if s.cfg.Pace != nil {
		s.cfg.Pace(send)
		return
	}
	send()
}

func (s *Session) handleCAL(cmd *msnp.Command) {
	if cmd.Arg(1) != "RINGING" {
		return
	}
	s.mu.Lock()
	s.waitingForRing = false
	s.mu.Unlock()
	s.drainInvites()
}

// handleIRO processes one line of the initial roster snapshot:
// IRO <trid> <index> <count> <account[;guid]> <name> <caps>.
func (s *Session) handleIRO(cmd *msnp.Command) {
	s.participantJoined(cmd.Arg(3), cmd.Arg(4), cmd.Arg(5))
}

// handleJOI processes an incremental join: JOI <account[;guid]> <name> <caps>.
func (s *Session) handleJOI(cmd *msnp.Command) {
	s.participantJoined(cmd.Arg(0), cmd.Arg(1), cmd.Arg(2))
}

func (s *Session) participantJoined(field, displayName, capabilities string) {
	account, endpointID := splitParticipant(field)
	if account == "" {
		return
	}
	genuine := s.roster.SetJoined(account, endpointID, displayName, capabilities)

	known := s.cfg.Contacts.Has(contact.ClientTypePassportMember, account, contact.DefaultAddressBookID)
	c := s.cfg.Contacts.Resolve(contact.ClientTypePassportMember, account, contact.DefaultAddressBookID)
	if !known {
		// Anonymous/bot joins are not on the contact list; presence never
		// arrived for them, so force them visible and record which endpoint
		// they joined from.
		c.SetDisplayName(displayName)
		c.SetStatus(contact.StatusOnline)
		if endpointID != "" && c.PersonalMessage() == "" {
			c.SetPersonalMessage(endpointID)
		}
	}
	if endpointID != "" {
		c.SetEndpoint(&contact.EndPointData{ID: endpointID, Capabilities: capabilities})
	}

	if genuine && !strings.EqualFold(account, s.cfg.OwnerAccount) {
		s.cfg.Bus.PublishKind(bus.KindSBContactJoined, &ContactJoinedEvent{Session: s, Contact: c, EndpointID: endpointID})
	}
}

// handleBYE processes a leave: BYE <account[;guid]> [idleFlag].
func (s *Session) handleBYE(cmd *msnp.Command) {
	account, endpointID := splitParticipant(cmd.Arg(0))
	if !s.roster.SetLeft(account, endpointID) {
		return
	}

	if strings.EqualFold(account, s.cfg.OwnerAccount) {
		s.checkAllLeft()
		return
	}

	if c, ok := s.cfg.Contacts.GetByAccount(contact.ClientTypePassportMember, account); ok {
		s.cfg.Bus.PublishKind(bus.KindSBContactLeft, &ContactLeftEvent{Session: s, Contact: c})
	}
	s.checkAllLeft()
}

func (s *Session) checkAllLeft() {
	if !s.roster.AllLeft(s.cfg.OwnerAccount) {
		return
	}
	s.cfg.Bus.PublishKind(bus.KindSBAllLeft, &AllLeftEvent{Session: s})
	s.Close(false)
}

// Close tears the session down. When locally initiated, the notification
// layer is told first, then OUT is sent before the socket drops. The closed
// event fires only for sessions that actually reached Established.
func (s *Session) Close(causedByRemote bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	wasEstablished := s.established
	s.mu.Unlock()

	s.StopKeepalive()

	if !causedByRemote {
		if s.cfg.OnClosing != nil {
			s.cfg.OnClosing(s)
		}
		_ = s.cfg.Conn.Send(msnp.NewCommand("OUT"))
	}
	_ = s.cfg.Conn.Close()

	if wasEstablished {
		s.cfg.Bus.PublishKind(bus.KindSBClosed, &ClosedEvent{Session: s, CausedByRemote: causedByRemote})
	}
}
