// Package telegram implements the Telegram bot-API channel adapter. It long
// polls getUpdates for new messages from one configured chat and sends
// replies through sendMessage.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tether-labs/tether/pkg/channel"
)

const (
	defaultAPIBase = "https://api.telegram.org"

	pollInterval = 2 * time.Second
	pollTimeout  = 5 * time.Second
	sendTimeout  = 10 * time.Second
)

// Config holds Telegram channel configuration.
type Config struct {
	BotToken string
	ChatID   string
	APIBase  string // defaults to the public bot API; overridable for tests
}

// Adapter implements channel.Adapter for Telegram.
type Adapter struct {
	cfg     Config
	apiBase string
	client  *http.Client
	handler channel.Handler

	lastUpdateID int64
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Telegram adapter. Start validates the configuration.
func New(cfg Config) *Adapter {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Adapter{
		cfg:     cfg,
		apiBase: base,
		client:  &http.Client{},
	}
}

// ID returns the channel identifier.
func (a *Adapter) ID() string { return "telegram" }

// OnMessage registers the inbound handler. Must be called before Start.
func (a *Adapter) OnMessage(fn channel.Handler) { a.handler = fn }

// Start validates the credentials and begins polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BotToken == "" || !strings.Contains(a.cfg.BotToken, ":") {
		return fmt.Errorf("telegram: invalid bot token")
	}
	if a.cfg.ChatID == "" {
		return fmt.Errorf("telegram: chat id required")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.pollLoop(pollCtx)

	slog.Info("telegram channel started", "chat_id", a.cfg.ChatID)
	return nil
}

// Stop cancels polling and waits for the poll loop to exit.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	slog.Info("telegram channel stopped")
	return nil
}

// Send posts text to a Telegram chat. An empty recipient targets the
// configured chat. The call blocks for at most sendTimeout.
func (a *Adapter) Send(ctx context.Context, text, recipient string) bool {
	if recipient == "" {
		recipient = a.cfg.ChatID
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": recipient,
		"text":    text,
	})
	if err != nil {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost,
		a.apiBase+"/bot"+a.cfg.BotToken+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		slog.Error("telegram send failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("telegram send rejected", "status", resp.StatusCode, "body", string(detail))
		return false
	}
	return true
}

// --- polling ---

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	// Poll immediately, then on the interval.
	a.pollOnce(ctx)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

func (a *Adapter) pollOnce(ctx context.Context) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(a.lastUpdateID+1, 10))
	q.Set("timeout", "1")
	q.Set("allowed_updates", `["message"]`)

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet,
		a.apiBase+"/bot"+a.cfg.BotToken+"/getUpdates?"+q.Encode(), nil)
	if err != nil {
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("telegram poll failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	var updates updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil || !updates.OK {
		slog.Warn("telegram poll returned bad payload", "error", err)
		return
	}
	a.processUpdates(updates.Result)
}

func (a *Adapter) processUpdates(updates []update) {
	for _, u := range updates {
		if u.UpdateID > a.lastUpdateID {
			a.lastUpdateID = u.UpdateID
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		sender := strconv.FormatInt(u.Message.Chat.ID, 10)
		if sender != a.cfg.ChatID {
			continue // not our configured chat
		}
		text := u.Message.Text
		if isOwnEcho(text) {
			continue
		}

		slog.Info("telegram message received", "len", len(text))
		if a.handler != nil {
			a.handler(channel.Message{
				Channel:   a.ID(),
				Sender:    sender,
				Text:      text,
				Timestamp: time.Now(),
			})
		}
	}
}

// isOwnEcho reports whether text looks like session output the daemon sent
// to this chat ("[name] ..."), which must not be routed back to a session.
func isOwnEcho(text string) bool {
	return strings.HasPrefix(text, "[") && strings.Contains(text, "]")
}
