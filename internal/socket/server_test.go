package socket

import (
	"bufio"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tether-labs/tether/pkg/wire"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(filepath.Join(t.TempDir(), "t.sock"))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// testClient is a raw protocol client for driving the server in tests.
type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", srv.path)
	if err != nil {
		t.Fatalf("dial %s: %v", srv.path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendLine(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (c *testClient) send(t *testing.T, msg wire.ClientMessage) {
	t.Helper()
	data, err := wire.EncodeClient(msg)
	if err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}
	c.sendLine(t, data)
}

// recv reads the next server message, pumping the server's Poll loop while
// waiting.
func (c *testClient) recv(t *testing.T, srv *Server) wire.ServerMessage {
	t.Helper()
	type result struct {
		msg wire.ServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := wire.DecodeServer(line)
		ch <- result{msg: msg, err: err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("client read: %v", res.err)
			}
			return res.msg
		case <-deadline:
			t.Fatal("timed out waiting for server message")
		default:
			srv.Poll(10 * time.Millisecond)
		}
	}
}

// register connects and registers a session, consuming the ack.
func register(t *testing.T, srv *Server, name, channel string) *testClient {
	t.Helper()
	c := dial(t, srv)
	c.send(t, wire.Register(name, channel))
	if msg := c.recv(t, srv); msg.Type != wire.TypeAck || msg.Channel != channel {
		t.Fatalf("register %s: got %+v, want ack{%s}", name, msg, channel)
	}
	return c
}

// pollUntil pumps the server until cond holds.
func pollUntil(t *testing.T, srv *Server, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.Poll(10 * time.Millisecond)
		if cond() {
			return
		}
	}
	t.Fatal("condition never became true")
}

func TestRegisterAndSend(t *testing.T) {
	srv := startServer(t)
	c := register(t, srv, "work1", "telegram")

	if !srv.SendToSession("work1", "build it") {
		t.Fatal("SendToSession = false, want true")
	}
	msg := c.recv(t, srv)
	if msg.Type != wire.TypeMessage || msg.Text != "build it" || msg.Channel != "telegram" {
		t.Errorf("session received %+v", msg)
	}
}

func TestRegistrationConflict(t *testing.T) {
	srv := startServer(t)
	register(t, srv, "work1", "telegram")

	// Second connection claiming the same name gets an error and stays
	// pending: it may retry under another name.
	c2 := dial(t, srv)
	c2.send(t, wire.Register("work1", "imessage"))
	if msg := c2.recv(t, srv); msg.Type != wire.TypeError {
		t.Fatalf("conflicting register: got %+v, want error", msg)
	}

	c2.send(t, wire.Register("work2", "imessage"))
	if msg := c2.recv(t, srv); msg.Type != wire.TypeAck {
		t.Fatalf("retry register: got %+v, want ack", msg)
	}

	want := []string{"work1", "work2"}
	if got := srv.SessionNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("SessionNames = %v, want %v", got, want)
	}
}

func TestRegisterEmptyName(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)
	c.send(t, wire.Register("", "telegram"))
	if msg := c.recv(t, srv); msg.Type != wire.TypeError {
		t.Errorf("empty-name register: got %+v, want error", msg)
	}
}

func TestInvalidLineKeepsConnectionOpen(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	c.sendLine(t, []byte("this is not json\n"))
	if msg := c.recv(t, srv); msg.Type != wire.TypeError {
		t.Fatalf("garbage line: got %+v, want error", msg)
	}

	// The connection survives the protocol error.
	c.send(t, wire.Register("work1", "telegram"))
	if msg := c.recv(t, srv); msg.Type != wire.TypeAck {
		t.Errorf("register after garbage: got %+v, want ack", msg)
	}
}

func TestResponseForwarded(t *testing.T) {
	srv := startServer(t)
	var got []string
	srv.OnResponse = func(s *Session, text string) {
		got = append(got, s.Name()+":"+text)
	}

	c := register(t, srv, "work1", "telegram")
	c.send(t, wire.Response("done"))
	pollUntil(t, srv, func() bool { return len(got) > 0 })
	if got[0] != "work1:done" {
		t.Errorf("response = %q, want work1:done", got[0])
	}
}

func TestResponseIgnoredWhilePending(t *testing.T) {
	srv := startServer(t)
	var calls int
	srv.OnResponse = func(s *Session, text string) { calls++ }

	c := dial(t, srv)
	c.send(t, wire.Response("early"))
	// No reply is expected; pump a few rounds and check nothing fired.
	for range 10 {
		srv.Poll(10 * time.Millisecond)
	}
	if calls != 0 {
		t.Errorf("OnResponse fired %d times for a pending session", calls)
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	srv := startServer(t)
	c := register(t, srv, "work1", "telegram")

	c.send(t, wire.Disconnect())
	pollUntil(t, srv, func() bool { return len(srv.SessionNames()) == 0 })

	if srv.SendToSession("work1", "anyone there") {
		t.Error("SendToSession after disconnect = true, want false")
	}
}

func TestEOFCleansRegistry(t *testing.T) {
	srv := startServer(t)
	c := register(t, srv, "work1", "telegram")

	c.conn.Close()
	pollUntil(t, srv, func() bool { return len(srv.SessionNames()) == 0 })

	if srv.SendToMostRecent("hello") {
		t.Error("SendToMostRecent after last disconnect = true, want false")
	}
}

func TestMostRecentRouting(t *testing.T) {
	srv := startServer(t)
	register(t, srv, "a", "telegram")
	b := register(t, srv, "b", "telegram")

	// b registered last, so it is the most recent target.
	if !srv.SendToMostRecent("to-b") {
		t.Fatal("SendToMostRecent = false")
	}
	if msg := b.recv(t, srv); msg.Text != "to-b" {
		t.Fatalf("b received %+v", msg)
	}

	b.send(t, wire.Disconnect())
	pollUntil(t, srv, func() bool { return len(srv.SessionNames()) == 1 })

	// With b gone, a is the only remaining candidate.
	if !srv.SendToMostRecent("to-a") {
		t.Fatal("SendToMostRecent after disconnect = false")
	}
}

func TestSendToMostRecentWithNoSessions(t *testing.T) {
	srv := startServer(t)
	if srv.SendToMostRecent("anyone") {
		t.Error("SendToMostRecent on empty registry = true, want false")
	}
}

func TestPartialLinesAcrossReads(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	full, err := wire.EncodeClient(wire.Register("work1", "telegram"))
	if err != nil {
		t.Fatal(err)
	}
	half := len(full) / 2
	c.sendLine(t, full[:half])
	// Let the first fragment land before completing the line.
	for range 5 {
		srv.Poll(10 * time.Millisecond)
	}
	c.sendLine(t, full[half:])

	if msg := c.recv(t, srv); msg.Type != wire.TypeAck {
		t.Errorf("split register: got %+v, want ack", msg)
	}
}

func TestOnDisconnectedCallback(t *testing.T) {
	srv := startServer(t)
	var gone []string
	srv.OnDisconnected = func(s *Session) { gone = append(gone, s.Name()) }

	c := register(t, srv, "work1", "telegram")
	c.send(t, wire.Disconnect())
	pollUntil(t, srv, func() bool { return len(gone) > 0 })
	if gone[0] != "work1" {
		t.Errorf("disconnected session = %q, want work1", gone[0])
	}
}
