package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/msnp"
)

const dialTimeout = 30 * time.Second

// TCPConn is the line-oriented TCP transport used for both the notification
// and switchboard channels.
type TCPConn struct {
	addr   string
	logger *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	state    State
	receiver func(*msnp.Command)
	onState  func(State)
}

// NewTCP creates a transport for the given host:port. It does not connect.
func NewTCP(addr string, logger *zap.Logger) *TCPConn {
	return &TCPConn{
		addr:   addr,
		logger: logger,
		state:  StateDisconnected,
	}
}

// SetReceiver installs the inbound command callback.
func (t *TCPConn) SetReceiver(fn func(*msnp.Command)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// SetStateHandler installs the connect/disconnect callback.
func (t *TCPConn) SetStateHandler(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Connect dials the server and starts the receive loop.
func (t *TCPConn) Connect() error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return fmt.Errorf("already connected to %s", t.addr)
	}
	t.state = StateConnecting
	onState := t.onState
	t.mu.Unlock()

	if onState != nil {
		onState(StateConnecting)
	}

	conn, err := net.DialTimeout("tcp", t.addr, dialTimeout)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()

	t.logger.Debug("transport connected", zap.String("addr", t.addr))
	if onState != nil {
		onState(StateConnected)
	}

	go t.readLoop(conn)
	return nil
}

// Connected reports whether the socket is established.
func (t *TCPConn) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}

// Send writes one framed command to the socket.
func (t *TCPConn) Send(cmd *msnp.Command) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("send %s: not connected", cmd.Verb)
	}
	if _, err := conn.Write(cmd.Bytes()); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Verb, err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (t *TCPConn) Close() error {
	t.mu.Lock()
	conn := t.conn
	wasConnected := t.state == StateConnected
	t.conn = nil
	t.state = StateDisconnected
	onState := t.onState
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected && onState != nil {
		onState(StateDisconnected)
	}
	return nil
}

// readLoop reads framed commands until the socket dies. Each command is
// delivered synchronously so the receiver runs to completion before the next
// frame is parsed.
func (t *TCPConn) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("transport read error", zap.String("addr", t.addr), zap.Error(err))
			}
			_ = t.Close()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, err := msnp.ParseLine(line)
		if err != nil {
			t.logger.Warn("malformed command line", zap.String("line", line), zap.Error(err))
			continue
		}
		if n := cmd.PayloadLength(); n > 0 {
			payload := make([]byte, n)
			if _, err := io.ReadFull(reader, payload); err != nil {
				t.logger.Debug("transport payload read error", zap.Error(err))
				_ = t.Close()
				return
			}
			cmd.Payload = payload
		}

		t.mu.Lock()
		receiver := t.receiver
		t.mu.Unlock()
		if receiver != nil {
			receiver(cmd)
		}
	}
}
