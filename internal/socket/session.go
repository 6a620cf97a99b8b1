package socket

import (
	"bytes"
	"net"
	"time"

	"github.com/tether-labs/tether/pkg/wire"
)

// writeTimeout bounds how long a session write may block the control loop.
const writeTimeout = 5 * time.Second

type sessionState int

const (
	statePending sessionState = iota // accepted, not yet registered
	stateNamed                       // registered under a name
	stateClosed                      // terminal
)

// Session is one connected CLI client. Created pending on accept, promoted
// to named on a successful register, closed on disconnect. All fields are
// owned by the server control loop; a Session is never mutated concurrently.
type Session struct {
	name    string
	channel string
	conn    net.Conn
	state   sessionState

	lastActive time.Time
	buf        []byte // partial-line accumulator between reads
}

func newSession(conn net.Conn) *Session {
	return &Session{
		conn:       conn,
		state:      statePending,
		lastActive: time.Now(),
	}
}

// Name returns the registered session name, empty while pending.
func (s *Session) Name() string { return s.name }

// Channel returns the channel id the session registered through.
func (s *Session) Channel() string { return s.channel }

// LastActive returns the time of the last inbound line or outbound send.
func (s *Session) LastActive() time.Time { return s.lastActive }

func (s *Session) touch() {
	s.lastActive = time.Now()
}

// appendToBuffer adds raw bytes from a socket read to the line accumulator.
// Bytes are kept as-is; text that is not valid UTF-8 passes through to line
// extraction unmodified.
func (s *Session) appendToBuffer(data []byte) {
	s.buf = append(s.buf, data...)
}

// extractLines removes and returns every complete newline-terminated line
// from the accumulator, in order. A trailing partial line stays buffered for
// the next read.
func (s *Session) extractLines() []string {
	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
}

// send encodes msg and writes it synchronously to the connection. Reports
// whether the full encoded payload was written; a short or failed write is
// failure, not retried, and does not force a disconnect.
func (s *Session) send(msg wire.ServerMessage) bool {
	if s.state == stateClosed {
		return false
	}
	data, err := wire.EncodeServer(msg)
	if err != nil {
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := s.conn.Write(data)
	return err == nil && n == len(data)
}

// close closes the connection exactly once and marks the session terminal.
func (s *Session) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.conn.Close()
}
