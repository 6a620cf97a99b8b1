package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// inboxSize bounds how many inbound messages may queue between adapter
// goroutines and the daemon control loop before adapter delivery blocks.
const inboxSize = 64

// Manager owns the set of registered channel adapters. It fans every
// adapter's inbound callback into one inbox channel and dispatches outbound
// sends to the adapter named by channel id.
type Manager struct {
	adapters map[string]Adapter
	started  []Adapter
	inbox    chan Message
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		inbox:    make(chan Message, inboxSize),
		done:     make(chan struct{}),
	}
}

// Register installs an adapter and subscribes to its inbound messages.
// Registering a second adapter under the same id replaces the first.
// Once the manager stops, inbound messages are discarded instead of
// blocking the adapter's delivery goroutine on the no-longer-drained inbox.
func (m *Manager) Register(a Adapter) {
	m.adapters[a.ID()] = a
	a.OnMessage(func(msg Message) {
		select {
		case m.inbox <- msg:
		case <-m.done:
		}
	})
	slog.Info("channel registered", "channel", a.ID())
}

// Inbox returns the unified stream of inbound messages from every
// registered adapter. The daemon drains it on its control loop.
func (m *Manager) Inbox() <-chan Message {
	return m.inbox
}

// Start starts every registered adapter. The first failure stops the
// adapters already started and aborts the remaining ones.
func (m *Manager) Start(ctx context.Context) error {
	for _, id := range m.ChannelIDs() {
		a := m.adapters[id]
		if err := a.Start(ctx); err != nil {
			m.Stop()
			return fmt.Errorf("start channel %s: %w", id, err)
		}
		m.started = append(m.started, a)
	}
	return nil
}

// Stop releases any adapter goroutine blocked publishing into the inbox,
// then stops every adapter that was started. Individual stop failures are
// logged, not propagated.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	for _, a := range m.started {
		if err := a.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", a.ID(), "error", err)
		}
	}
	m.started = nil
}

// Send dispatches text through the adapter registered under channelID.
// Returns false if no such adapter exists or the adapter send failed.
func (m *Manager) Send(ctx context.Context, text, channelID, recipient string) bool {
	a, ok := m.adapters[channelID]
	if !ok {
		slog.Warn("channel not found", "channel", channelID)
		return false
	}
	return a.Send(ctx, text, recipient)
}

// ChannelIDs returns the registered channel ids in sorted order.
func (m *Manager) ChannelIDs() []string {
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
