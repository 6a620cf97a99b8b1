// Package client attaches an interactive CLI session to a running daemon
// over its unix socket.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/tether-labs/tether/pkg/wire"
)

// Config describes one session attachment.
type Config struct {
	SocketPath string
	Channel    string
	Name       string

	// Input supplies response lines (stdin in the CLI).
	Input io.Reader
	// Output receives pushed messages and prompts (stdout in the CLI).
	Output io.Writer
}

// Run dials the daemon, registers the session, then bridges pushed
// messages to Output and Input lines back as responses until the daemon
// closes the connection, Input reaches EOF, or ctx is cancelled. On
// cancellation a disconnect message is sent so the daemon cleans up the
// registration immediately.
func Run(ctx context.Context, cfg Config) error {
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon not running at %s (start it with: tether): %w", cfg.SocketPath, err)
	}
	defer conn.Close()

	if err := send(conn, wire.Register(cfg.Name, cfg.Channel)); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	fmt.Fprintf(cfg.Output, "Connecting to tether...\n  Channel: %s\n  Session: %s\n\n", cfg.Channel, cfg.Name)

	var registered atomic.Bool
	errCh := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	go func() { errCh <- readLoop(conn, cfg, &registered) }()
	go func() { errCh <- inputLoop(conn, cfg, &registered, done) }()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cfg.Output, "\nDisconnecting...")
		send(conn, wire.Disconnect())
		return nil
	case err := <-errCh:
		return err
	}
}

// readLoop prints pushed server lines until the connection closes.
func readLoop(conn net.Conn, cfg Config, registered *atomic.Bool) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		msg, err := wire.DecodeServer(scanner.Bytes())
		if err != nil {
			fmt.Fprintf(cfg.Output, "malformed line from daemon: %v\n", err)
			continue
		}
		switch msg.Type {
		case wire.TypeAck:
			registered.Store(true)
			fmt.Fprintf(cfg.Output, "Connected! Messages to @%s will appear here.\n", cfg.Name)
			fmt.Fprintf(cfg.Output, "Type responses and press Enter to send back.\n\n> ")
		case wire.TypeMessage:
			fmt.Fprintf(cfg.Output, "\n[%s] %s\n> ", msg.Channel, msg.Text)
		case wire.TypeError:
			return fmt.Errorf("daemon: %s", msg.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read from daemon: %w", err)
	}
	return fmt.Errorf("connection closed by daemon")
}

// inputLoop forwards non-empty Input lines as responses. Lines typed
// before registration completes are dropped.
func inputLoop(conn net.Conn, cfg Config, registered *atomic.Bool, done <-chan struct{}) error {
	scanner := bufio.NewScanner(cfg.Input)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text != "" && registered.Load() {
			if err := send(conn, wire.Response(text)); err != nil {
				return fmt.Errorf("send response: %w", err)
			}
		}
		fmt.Fprint(cfg.Output, "> ")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	// Input EOF: leave the session registered and keep printing pushed
	// messages until Run ends by interrupt or daemon shutdown.
	<-done
	return nil
}

func send(conn net.Conn, msg wire.ClientMessage) error {
	data, err := wire.EncodeClient(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
