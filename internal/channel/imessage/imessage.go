// Package imessage implements the iMessage channel adapter. It watches the
// Messages chat.db for new outgoing rows in the configured conversation and
// sends replies through Messages.app automation.
//
// The Messages database is only ever opened read-only; new rows are noticed
// via file-system change notifications on the containing directory, with a
// debounce window to collapse write bursts into one query.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/tether-labs/tether/pkg/channel"
)

const (
	debounceWindow = 500 * time.Millisecond
	sendTimeout    = 10 * time.Second
)

// newMessagesQuery selects outgoing rows for the configured conversation
// above the last seen ROWID.
const newMessagesQuery = `
SELECT m.ROWID, m.text
FROM message m
JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
JOIN chat c ON cmj.chat_id = c.ROWID
WHERE m.is_from_me = 1
  AND m.ROWID > ?
  AND (c.chat_identifier = ? OR c.chat_identifier LIKE ?)
  AND m.text IS NOT NULL
  AND m.text != ''
ORDER BY m.ROWID ASC`

// Config holds iMessage channel configuration.
type Config struct {
	Contact string // Apple ID of the conversation (email or +phone)
	DBPath  string // defaults to ~/Library/Messages/chat.db
}

// Adapter implements channel.Adapter for iMessage.
type Adapter struct {
	cfg     Config
	dbPath  string
	handler channel.Handler

	mu        sync.Mutex // guards db and lastRowID across watcher callbacks
	db        *sql.DB
	lastRowID int64

	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

// New creates an iMessage adapter. Start validates the configuration and
// opens the message store.
func New(cfg Config) *Adapter {
	path := cfg.DBPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, "Library", "Messages", "chat.db")
		}
	}
	return &Adapter{cfg: cfg, dbPath: path}
}

// ID returns the channel identifier.
func (a *Adapter) ID() string { return "imessage" }

// OnMessage registers the inbound handler. Must be called before Start.
func (a *Adapter) OnMessage(fn channel.Handler) { a.handler = fn }

// Start opens the message store read-only, records the current high-water
// ROWID so history is not replayed, and begins watching for changes.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Contact == "" {
		return fmt.Errorf("imessage: contact required")
	}
	if err := a.openStore(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.closeStore()
		return fmt.Errorf("imessage: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(a.dbPath)); err != nil {
		watcher.Close()
		a.closeStore()
		return fmt.Errorf("imessage: watch %s: %w", filepath.Dir(a.dbPath), err)
	}
	a.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.watchLoop(watchCtx)

	slog.Info("imessage channel started", "contact", a.cfg.Contact, "from_rowid", a.lastRowID)
	return nil
}

// Stop tears down the watcher and closes the message store.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.wg.Wait()
	a.closeStore()
	slog.Info("imessage channel stopped")
	return nil
}

// Send delivers text to the conversation via Messages.app automation. The
// osascript call is bounded by sendTimeout.
func (a *Adapter) Send(ctx context.Context, text, recipient string) bool {
	if recipient == "" {
		recipient = a.cfg.Contact
	}

	script := fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = iMessage
	set targetBuddy to participant "%s" of targetService
	send "%s" to targetBuddy
end tell`, escapeAppleScript(recipient), escapeAppleScript(text))

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if out, err := exec.CommandContext(sendCtx, "osascript", "-e", script).CombinedOutput(); err != nil {
		slog.Error("imessage send failed", "error", err, "output", strings.TrimSpace(string(out)))
		return false
	}
	return true
}

// --- message store ---

func (a *Adapter) openStore() error {
	db, err := sql.Open("sqlite", "file:"+a.dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("imessage: open %s: %w", a.dbPath, err)
	}

	var maxRowID sql.NullInt64
	if err := db.QueryRow("SELECT MAX(ROWID) FROM message").Scan(&maxRowID); err != nil {
		db.Close()
		return fmt.Errorf("imessage: read %s (is Full Disk Access granted?): %w", a.dbPath, err)
	}

	a.mu.Lock()
	a.db = db
	a.lastRowID = maxRowID.Int64
	a.mu.Unlock()
	return nil
}

func (a *Adapter) closeStore() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// checkNewMessages queries rows that appeared since the last check and
// delivers them in ROWID order. Delivery happens after the adapter lock is
// released: the handler may block (on a full daemon inbox, say) and must
// not hold up Stop's closeStore.
func (a *Adapter) checkNewMessages() {
	msgs := a.collectNewMessages()
	for _, msg := range msgs {
		if a.handler != nil {
			a.handler(msg)
		}
	}
}

func (a *Adapter) collectNewMessages() []channel.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}

	rows, err := a.db.Query(newMessagesQuery, a.lastRowID, a.cfg.Contact, "%"+a.cfg.Contact+"%")
	if err != nil {
		slog.Warn("imessage query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var msgs []channel.Message
	for rows.Next() {
		var rowID int64
		var text string
		if err := rows.Scan(&rowID, &text); err != nil {
			continue
		}
		if rowID > a.lastRowID {
			a.lastRowID = rowID
		}
		// Rows we authored as replies ("[name] ...") come back through
		// the store too; they are not commands.
		if strings.HasPrefix(text, "[") && strings.Contains(text, "]") {
			continue
		}

		slog.Info("imessage message received", "rowid", rowID, "len", len(text))
		msgs = append(msgs, channel.Message{
			Channel:   a.ID(),
			Sender:    a.cfg.Contact,
			Text:      text,
			Timestamp: time.Now(),
		})
	}
	return msgs
}

// --- change notification ---

func (a *Adapter) watchLoop(ctx context.Context) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		if a.debounce != nil {
			a.debounce.Stop()
		}
		a.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			a.scheduleCheck()
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("imessage watcher error", "error", err)
		}
	}
}

// scheduleCheck coalesces a burst of file events into one query after the
// debounce window.
func (a *Adapter) scheduleCheck() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.debounce = time.AfterFunc(debounceWindow, a.checkNewMessages)
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
