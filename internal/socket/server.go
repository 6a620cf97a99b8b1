// Package socket implements the tether session socket: a unix listener
// accepting CLI session connections, the name→session registry, and the
// send-by-name / send-to-most-recent routing operations.
//
// Concurrency model: an acceptor goroutine and one reader goroutine per
// connection feed a single event channel. Poll drains that channel with a
// bounded wait, so sessions and both registry maps are only ever touched on
// the caller's control loop. The send operations must be called from that
// same loop.
package socket

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"time"

	"github.com/tether-labs/tether/pkg/wire"
)

const readBufSize = 4096

type eventKind int

const (
	evAccept eventKind = iota
	evData
	evClosed
)

type event struct {
	kind eventKind
	conn net.Conn
	data []byte
}

// Server owns the listening socket and the session registry.
type Server struct {
	path string
	ln   net.Listener

	events chan event
	done   chan struct{}

	conns      map[net.Conn]*Session // every live connection, pending or named
	named      map[string]*Session   // registered sessions by name
	mostRecent string                // name of the most recently active session

	// Control-loop callbacks, invoked from Poll.
	OnResponse     func(s *Session, text string)
	OnRegistered   func(s *Session)
	OnDisconnected func(s *Session)
}

// NewServer creates a server that will listen on the unix socket at path.
func NewServer(path string) *Server {
	return &Server{
		path:   path,
		events: make(chan event, 256),
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]*Session),
		named:  make(map[string]*Session),
	}
}

// Start binds the unix socket, restricts it to the owning user, and begins
// accepting connections in the background. A bind or listen failure is fatal
// to the caller: the daemon must not run with a non-functional socket.
func (s *Server) Start() error {
	if _, err := os.Stat(s.path); err == nil {
		os.Remove(s.path)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.ln = ln
	go s.acceptLoop()
	slog.Info("session socket listening", "path", s.path)
	return nil
}

// Stop closes the listener and every session connection, and removes the
// socket file. In-flight events are discarded; this is a best-effort
// shutdown.
func (s *Server) Stop() {
	close(s.done)
	if s.ln != nil {
		s.ln.Close()
	}
	for _, sess := range s.conns {
		sess.close()
	}
	s.conns = make(map[net.Conn]*Session)
	s.named = make(map[string]*Session)
	s.mostRecent = ""
	os.Remove(s.path)
}

// Poll waits up to timeout for socket activity and handles everything that
// is ready: new connections, received protocol lines, and disconnects. It
// returns after the timeout elapses with no activity, or once the pending
// burst is drained, keeping the caller's loop responsive to other work.
func (s *Server) Poll(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		s.handle(ev)
	case <-timer.C:
		return
	}

	// Drain whatever else is already queued without waiting again.
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		default:
			return
		}
	}
}

// SendToSession writes text as a protocol message to the named session.
// Returns false without side effects if no session is registered under
// name; otherwise the session becomes the most recently active one and the
// result reports whether the write succeeded.
func (s *Server) SendToSession(name, text string) bool {
	sess, ok := s.named[name]
	if !ok {
		return false
	}
	sess.touch()
	s.mostRecent = name
	return sess.send(wire.Message(text, sess.channel))
}

// SendToMostRecent writes text to the most recently active session. Returns
// false if no session is currently registered.
func (s *Server) SendToMostRecent(text string) bool {
	if s.mostRecent == "" {
		return false
	}
	return s.SendToSession(s.mostRecent, text)
}

// SessionNames returns a sorted snapshot of the currently registered
// session names.
func (s *Server) SessionNames() []string {
	names := make([]string, 0, len(s.named))
	for name := range s.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- background goroutines ---

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.emit(event{kind: evAccept, conn: conn})
		go s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.emit(event{kind: evData, conn: conn, data: data})
		}
		if err != nil {
			s.emit(event{kind: evClosed, conn: conn})
			return
		}
	}
}

func (s *Server) emit(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// --- control-loop event handling ---

func (s *Server) handle(ev event) {
	switch ev.kind {
	case evAccept:
		s.conns[ev.conn] = newSession(ev.conn)
		slog.Debug("session connection accepted")
	case evData:
		sess, ok := s.conns[ev.conn]
		if !ok {
			return // already disconnected, late read
		}
		sess.appendToBuffer(ev.data)
		for _, line := range sess.extractLines() {
			s.handleLine(sess, line)
		}
	case evClosed:
		if sess, ok := s.conns[ev.conn]; ok {
			s.disconnect(sess)
		}
	}
}

func (s *Server) handleLine(sess *Session, line string) {
	msg, err := wire.DecodeClient([]byte(line))
	if err != nil {
		// Malformed input is not a disconnect: reply and keep reading.
		sess.send(wire.Error("invalid message: " + err.Error()))
		return
	}
	switch msg.Type {
	case wire.TypeRegister:
		s.register(sess, msg.Name, msg.Channel)
	case wire.TypeResponse:
		if sess.state != stateNamed {
			return // responses from pending sessions are ignored
		}
		sess.touch()
		if s.OnResponse != nil {
			s.OnResponse(sess, msg.Text)
		}
	case wire.TypeDisconnect:
		s.disconnect(sess)
	}
}

func (s *Server) register(sess *Session, name, channel string) {
	if sess.state == stateNamed {
		sess.send(wire.Error(fmt.Sprintf("already registered as '%s'", sess.name)))
		return
	}
	if name == "" {
		sess.send(wire.Error("session name required"))
		return
	}
	if _, taken := s.named[name]; taken {
		// The connection stays pending; the client may retry with
		// another name.
		sess.send(wire.Error(fmt.Sprintf("session name '%s' already taken", name)))
		return
	}

	sess.name = name
	sess.channel = channel
	sess.state = stateNamed
	sess.touch()
	s.named[name] = sess
	s.mostRecent = name
	sess.send(wire.Ack(channel))
	slog.Info("session registered", "name", name, "channel", channel)
	if s.OnRegistered != nil {
		s.OnRegistered(sess)
	}
}

func (s *Server) disconnect(sess *Session) {
	wasNamed := sess.state == stateNamed
	sess.close()
	delete(s.conns, sess.conn)
	if !wasNamed {
		return
	}
	delete(s.named, sess.name)
	if s.mostRecent == sess.name {
		s.mostRecent = ""
		for name := range s.named {
			s.mostRecent = name
			break
		}
	}
	slog.Info("session disconnected", "name", sess.name)
	if s.OnDisconnected != nil {
		s.OnDisconnected(sess)
	}
}
