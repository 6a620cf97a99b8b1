package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath is where sessions attach when no socket path is
// configured.
const DefaultSocketPath = "/tmp/tether.sock"

// Config is the daemon configuration, loaded from JSON.
type Config struct {
	SocketPath string         `json:"socket_path,omitempty"`
	Log        LogConfig      `json:"log,omitempty"`
	Channels   ChannelsConfig `json:"channels,omitempty"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level      string `json:"level,omitempty"` // debug, info, warn, error
	File       string `json:"file,omitempty"`  // rotating log file; empty logs to stdout
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// ChannelsConfig holds the per-channel blocks. A nil block or a false
// enabled flag leaves that channel out of the daemon.
type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	IMessage *IMessageConfig `json:"imessage,omitempty"`
	Matrix   *MatrixConfig   `json:"matrix,omitempty"`
}

// TelegramConfig configures the bot-API channel.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// IMessageConfig configures the message-store channel.
type IMessageConfig struct {
	Enabled bool   `json:"enabled"`
	AppleID string `json:"apple_id"`
	DBPath  string `json:"db_path,omitempty"`
}

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Enabled      bool     `json:"enabled"`
	Homeserver   string   `json:"homeserver"`
	UserID       string   `json:"user_id"`
	Password     string   `json:"password"`
	ServerName   string   `json:"server_name"`
	RoomID       string   `json:"room_id"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	DataDir      string   `json:"data_dir,omitempty"`
}

// DefaultConfigPath returns ~/.config/tether/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "tether", "config.json")
}

// LoadConfig reads the config at path on top of the defaults, then applies
// the private overlay named by TETHER_PRIVATE_CONFIG (for secrets kept out
// of the main file). String fields of the form "$NAME" resolve from the
// environment.
func LoadConfig(path string) (*Config, error) {
	base, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := base
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("TETHER_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SocketPath = resolveEnv(cfg.SocketPath)
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if tg := cfg.Channels.Telegram; tg != nil {
		tg.BotToken = resolveEnv(tg.BotToken)
		tg.ChatID = resolveEnv(tg.ChatID)
	}
	if im := cfg.Channels.IMessage; im != nil {
		im.AppleID = resolveEnv(im.AppleID)
	}
	if mx := cfg.Channels.Matrix; mx != nil {
		mx.Password = resolveEnv(mx.Password)
		if mx.DataDir == "" {
			mx.DataDir = filepath.Dir(DefaultConfigPath())
		}
	}

	return &cfg, nil
}

// Save writes the config as indented JSON, creating the parent directory.
// Credentials live in this file, so it is not group or world readable.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// EnabledChannelIDs lists the channel ids the config turns on.
func (c *Config) EnabledChannelIDs() []string {
	var ids []string
	if im := c.Channels.IMessage; im != nil && im.Enabled {
		ids = append(ids, "imessage")
	}
	if mx := c.Channels.Matrix; mx != nil && mx.Enabled {
		ids = append(ids, "matrix")
	}
	if tg := c.Channels.Telegram; tg != nil && tg.Enabled {
		ids = append(ids, "telegram")
	}
	return ids
}

func defaultConfig() *Config {
	return &Config{
		SocketPath: envOr("TETHER_SOCKET", DefaultSocketPath),
		Log: LogConfig{
			Level: envOr("TETHER_LOG_LEVEL", "info"),
		},
	}
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
