// Package matrix implements the Matrix channel adapter using mautrix-go.
// It logs in (reusing saved credentials when present), syncs in the
// background, and bridges room messages from allowed users.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/tether-labs/tether/pkg/channel"
)

const (
	maxSendLen     = 4000
	loginAttempts  = 5
	loginBackoff   = 2 * time.Second
	resyncInterval = 15 * time.Second
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "tether"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	RoomID       string // room session output is delivered to
	AllowedUsers []string
	DataDir      string
}

// Adapter implements channel.Adapter for Matrix.
type Adapter struct {
	cfg      Config
	client   *mautrix.Client
	handler  channel.Handler
	credFile string

	startTime int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:      cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// ID returns the channel identifier.
func (a *Adapter) ID() string { return "matrix" }

// OnMessage registers the inbound handler. Must be called before Start.
func (a *Adapter) OnMessage(fn channel.Handler) { a.handler = fn }

// Start logs into the homeserver and begins syncing in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Homeserver == "" || a.cfg.UserID == "" {
		return fmt.Errorf("matrix: homeserver and user id required")
	}
	a.startTime = time.Now().UnixMilli()
	os.MkdirAll(a.cfg.DataDir, 0o755)

	fullUserID := fmt.Sprintf("@%s:%s", a.cfg.UserID, a.cfg.ServerName)
	client, err := mautrix.NewClient(a.cfg.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("matrix: create client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()
	a.client = client

	if err := a.login(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, a.onMessage)

	syncCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.syncLoop(syncCtx)

	slog.Info("matrix channel started", "user", fullUserID)
	return nil
}

// Stop ends the sync loop.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.StopSync()
	}
	a.wg.Wait()
	slog.Info("matrix channel stopped")
	return nil
}

// Send delivers text to a Matrix room, splitting long payloads. An empty
// recipient targets the configured room.
func (a *Adapter) Send(ctx context.Context, text, recipient string) bool {
	if recipient == "" {
		recipient = a.cfg.RoomID
	}
	roomID := id.RoomID(recipient)

	for i, chunk := range splitMessage(text, maxSendLen) {
		if i > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		if _, err := a.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "error", err)
			return false
		}
	}
	return true
}

// login reuses saved credentials when possible, otherwise performs a
// password login with bounded retries.
func (a *Adapter) login(ctx context.Context, fullUserID string) error {
	if err := a.loadCredentials(); err == nil {
		slog.Info("matrix credentials loaded", "user", fullUserID)
		return nil
	}

	backoff := loginBackoff
	for attempt := 1; ; attempt++ {
		resp, err := a.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: a.cfg.UserID,
			},
			Password:         a.cfg.Password,
			StoreCredentials: true,
		})
		if err == nil {
			a.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			slog.Info("matrix login ok", "user", resp.UserID, "device", resp.DeviceID)
			return nil
		}
		if isPermanentLoginError(err) || attempt == loginAttempts {
			return fmt.Errorf("matrix: login: %w", err)
		}

		slog.Warn("matrix login failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (a *Adapter) syncLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		err := a.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting", "in", resyncInterval, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resyncInterval):
			}
		}
	}
}

func (a *Adapter) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == a.client.UserID {
		return // our own sends echo back through sync
	}
	if evt.Timestamp < a.startTime {
		return // history from before this run
	}
	if !a.isAllowed(evt.Sender) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}

	slog.Info("matrix message received", "sender", evt.Sender, "room", evt.RoomID)
	if a.handler != nil {
		a.handler(channel.Message{
			Channel:   a.ID(),
			Sender:    string(evt.RoomID),
			Text:      content.Body,
			Timestamp: time.UnixMilli(evt.Timestamp),
		})
	}
}

func (a *Adapter) isAllowed(sender id.UserID) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

func (a *Adapter) loadCredentials() error {
	data, err := os.ReadFile(a.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	a.client.AccessToken = creds.AccessToken
	a.client.UserID = id.UserID(creds.UserID)
	a.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (a *Adapter) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(a.credFile, data, 0o600)
}

func isPermanentLoginError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "M_FORBIDDEN") ||
		strings.Contains(msg, "M_UNKNOWN_TOKEN") ||
		strings.Contains(msg, "M_INVALID_PARAM")
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	return append(chunks, s)
}
