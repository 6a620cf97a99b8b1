// Package channel defines the interface for chat channels — the external
// messaging surfaces (Telegram, iMessage, Matrix, ...) that tether bridges
// to local CLI sessions.
package channel

import (
	"context"
	"time"
)

// Message represents an incoming message from any channel. Immutable once
// produced by an adapter.
type Message struct {
	// Channel identifies the adapter (e.g., "telegram", "imessage")
	Channel string

	// Sender is the channel-specific sender identifier, used to route
	// replies back
	Sender string

	// Text is the raw message text
	Text string

	// Timestamp is the receipt time
	Timestamp time.Time
}

// Handler is called when a message is received from a channel. Adapters may
// invoke it from their own goroutines; the daemon marshals delivery onto its
// control loop.
type Handler func(msg Message)

// Adapter is the interface every chat channel implements.
type Adapter interface {
	// ID returns the channel identifier (e.g., "telegram").
	ID() string

	// Start initializes the channel and begins listening in the
	// background. It returns once the channel is ready; received messages
	// go to the registered handler until ctx is cancelled or Stop is
	// called.
	Start(ctx context.Context) error

	// Stop shuts down the channel and releases its resources.
	Stop() error

	// Send delivers text to a channel-specific recipient. Reports whether
	// the send succeeded. Implementations bound the time a send may
	// block.
	Send(ctx context.Context, text, recipient string) bool

	// OnMessage registers the inbound message handler. Must be called
	// before Start.
	OnMessage(fn Handler)
}
