package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tether-labs/tether/internal/channel/imessage"
	"github.com/tether-labs/tether/internal/channel/matrix"
	"github.com/tether-labs/tether/internal/channel/telegram"
	"github.com/tether-labs/tether/internal/route"
	"github.com/tether-labs/tether/internal/socket"
	"github.com/tether-labs/tether/pkg/channel"
)

// pollInterval bounds each wait on the socket server so the run loop can
// drain adapter messages and notice cancellation between polls.
const pollInterval = 100 * time.Millisecond

// Daemon ties the socket server, the channel manager, and the message
// router together. All registry mutation and message dispatch happens on
// the Run goroutine.
type Daemon struct {
	cfg     *Config
	manager *channel.Manager
	server  *socket.Server
}

// New builds a daemon for cfg. Adapters for the enabled channels are
// constructed at Run; RegisterAdapter installs extra ones before that.
func New(cfg *Config) *Daemon {
	return &Daemon{
		cfg:     cfg,
		manager: channel.NewManager(),
		server:  socket.NewServer(cfg.SocketPath),
	}
}

// RegisterAdapter installs an adapter with the channel manager directly,
// bypassing config-driven construction.
func (d *Daemon) RegisterAdapter(a channel.Adapter) {
	d.manager.Register(a)
}

// Run starts the channels and the socket server, then loops draining the
// adapter inbox and polling the server until ctx is cancelled. A socket
// bind failure is fatal; the daemon never runs without its socket.
func (d *Daemon) Run(ctx context.Context) error {
	d.buildAdapters()

	d.server.OnResponse = func(sess *socket.Session, text string) {
		d.handleResponse(ctx, sess, text)
	}
	d.server.OnRegistered = func(sess *socket.Session) {
		slog.Info("session connected", "name", sess.Name(), "channel", sess.Channel())
	}
	d.server.OnDisconnected = func(sess *socket.Session) {
		slog.Info("session disconnected", "name", sess.Name())
	}

	if err := d.manager.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	if err := d.server.Start(); err != nil {
		d.manager.Stop()
		return fmt.Errorf("start socket server: %w", err)
	}

	slog.Info("daemon ready", "socket", d.cfg.SocketPath, "channels", d.manager.ChannelIDs())

	for ctx.Err() == nil {
		d.drainInbox(ctx)
		d.server.Poll(pollInterval)
	}

	slog.Info("daemon shutting down")
	d.server.Stop()
	d.manager.Stop()
	return nil
}

func (d *Daemon) buildAdapters() {
	if tg := d.cfg.Channels.Telegram; tg != nil && tg.Enabled {
		d.manager.Register(telegram.New(telegram.Config{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
		}))
	}
	if im := d.cfg.Channels.IMessage; im != nil && im.Enabled {
		d.manager.Register(imessage.New(imessage.Config{
			Contact: im.AppleID,
			DBPath:  im.DBPath,
		}))
	}
	if mx := d.cfg.Channels.Matrix; mx != nil && mx.Enabled {
		d.manager.Register(matrix.New(matrix.Config{
			Homeserver:   mx.Homeserver,
			UserID:       mx.UserID,
			Password:     mx.Password,
			ServerName:   mx.ServerName,
			RoomID:       mx.RoomID,
			AllowedUsers: mx.AllowedUsers,
			DataDir:      mx.DataDir,
		}))
	}
}

func (d *Daemon) drainInbox(ctx context.Context) {
	for {
		select {
		case msg := <-d.manager.Inbox():
			d.handleIncoming(ctx, msg)
		default:
			return
		}
	}
}

// handleIncoming routes one inbound channel message to a session. Routing
// failures are reported back through the originating channel and sender.
func (d *Daemon) handleIncoming(ctx context.Context, msg channel.Message) {
	routed := route.Parse(msg.Text)
	slog.Debug("message received", "channel", msg.Channel, "sender", msg.Sender)

	if routed.Text == "" {
		return
	}

	if routed.SessionName != "" {
		if !d.server.SendToSession(routed.SessionName, routed.Text) {
			available := strings.Join(d.server.SessionNames(), ", ")
			if available == "" {
				available = "none"
			}
			reply := fmt.Sprintf("[error] Session '%s' not found. Available: %s", routed.SessionName, available)
			d.manager.Send(ctx, reply, msg.Channel, msg.Sender)
		}
		return
	}

	if !d.server.SendToMostRecent(routed.Text) {
		d.manager.Send(ctx, "[error] No active sessions. Connect with: tether connect <name>", msg.Channel, msg.Sender)
	}
}

// handleResponse forwards a session's output to the configured contact for
// the session's originating channel, tagged with the session name.
func (d *Daemon) handleResponse(ctx context.Context, sess *socket.Session, text string) {
	slog.Debug("session response", "name", sess.Name())

	recipient, ok := d.recipientFor(sess.Channel())
	if !ok {
		slog.Warn("no recipient configured for channel", "channel", sess.Channel())
		return
	}
	formatted := fmt.Sprintf("[%s] %s", sess.Name(), text)
	if !d.manager.Send(ctx, formatted, sess.Channel(), recipient) {
		slog.Warn("response delivery failed", "channel", sess.Channel(), "name", sess.Name())
	}
}

func (d *Daemon) recipientFor(channelID string) (string, bool) {
	switch channelID {
	case "telegram":
		if tg := d.cfg.Channels.Telegram; tg != nil {
			return tg.ChatID, true
		}
	case "imessage":
		if im := d.cfg.Channels.IMessage; im != nil {
			return im.AppleID, true
		}
	case "matrix":
		if mx := d.cfg.Channels.Matrix; mx != nil {
			return mx.RoomID, true
		}
	}
	return "", false
}
