package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Errorf("socket path = %q, want %q", cfg.SocketPath, DefaultSocketPath)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if ids := cfg.EnabledChannelIDs(); len(ids) != 0 {
		t.Errorf("enabled channels = %v, want none", ids)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{
		"socket_path": "/tmp/custom.sock",
		"channels": {
			"telegram": {"enabled": true, "bot_token": "12:ab", "chat_id": "99"}
		}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("socket path = %q", cfg.SocketPath)
	}
	tg := cfg.Channels.Telegram
	if tg == nil || !tg.Enabled || tg.BotToken != "12:ab" || tg.ChatID != "99" {
		t.Errorf("telegram config = %+v", tg)
	}
	if ids := cfg.EnabledChannelIDs(); len(ids) != 1 || ids[0] != "telegram" {
		t.Errorf("enabled channels = %v, want [telegram]", ids)
	}
}

func TestLoadConfigPrivateOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{
		"channels": {
			"telegram": {"enabled": true, "bot_token": "placeholder", "chat_id": "99"}
		}
	}`)
	private := writeConfig(t, dir, "private.json", `{
		"channels": {
			"telegram": {"bot_token": "12:real"}
		}
	}`)
	t.Setenv("TETHER_PRIVATE_CONFIG", private)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	tg := cfg.Channels.Telegram
	if tg.BotToken != "12:real" {
		t.Errorf("bot token = %q, want overlay value", tg.BotToken)
	}
	if !tg.Enabled || tg.ChatID != "99" {
		t.Errorf("overlay clobbered sibling fields: %+v", tg)
	}
}

func TestLoadConfigEnvResolution(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_BOT_TOKEN", "55:secret")
	path := writeConfig(t, dir, "config.json", `{
		"channels": {
			"telegram": {"enabled": true, "bot_token": "$TEST_BOT_TOKEN", "chat_id": "1"}
		}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Channels.Telegram.BotToken; got != "55:secret" {
		t.Errorf("bot token = %q, want env value", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")
	cfg := &Config{
		SocketPath: "/tmp/x.sock",
		Channels: ChannelsConfig{
			IMessage: &IMessageConfig{Enabled: true, AppleID: "me@example.com"},
		},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perms = %o, want 600", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.SocketPath != "/tmp/x.sock" {
		t.Errorf("socket path = %q", loaded.SocketPath)
	}
	im := loaded.Channels.IMessage
	if im == nil || !im.Enabled || im.AppleID != "me@example.com" {
		t.Errorf("imessage config = %+v", im)
	}
}

func TestEnabledChannelIDsOrder(t *testing.T) {
	cfg := &Config{
		Channels: ChannelsConfig{
			Telegram: &TelegramConfig{Enabled: true},
			IMessage: &IMessageConfig{Enabled: true},
			Matrix:   &MatrixConfig{Enabled: false},
		},
	}
	ids := cfg.EnabledChannelIDs()
	want := []string{"imessage", "telegram"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
