package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/tether-labs/tether/internal/daemon"
)

// runSetup prompts for one channel's credentials and writes the config.
func runSetup(in *bufio.Scanner, out io.Writer, path string) error {
	fmt.Fprintln(out, "tether setup")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Which channel do you want to configure?")
	fmt.Fprintln(out, "  1. iMessage (local macOS use)")
	fmt.Fprintln(out, "  2. Telegram (remote access)")
	fmt.Fprintln(out, "  3. Matrix")
	fmt.Fprintln(out)

	choice, err := prompt(in, out, "Enter choice (1-3): ")
	if err != nil {
		return err
	}

	cfg := &daemon.Config{SocketPath: daemon.DefaultSocketPath}

	switch choice {
	case "1":
		appleID, err := prompt(in, out, "Apple ID (email or +phone): ")
		if err != nil {
			return err
		}
		if appleID == "" {
			return fmt.Errorf("apple id required")
		}
		cfg.Channels.IMessage = &daemon.IMessageConfig{Enabled: true, AppleID: appleID}

	case "2":
		botToken, err := prompt(in, out, "Telegram bot token (from @BotFather): ")
		if err != nil {
			return err
		}
		if botToken == "" {
			return fmt.Errorf("bot token required")
		}
		chatID, err := prompt(in, out, "Telegram chat ID: ")
		if err != nil {
			return err
		}
		if chatID == "" {
			return fmt.Errorf("chat id required")
		}
		cfg.Channels.Telegram = &daemon.TelegramConfig{Enabled: true, BotToken: botToken, ChatID: chatID}

	case "3":
		homeserver, err := prompt(in, out, "Homeserver URL (e.g. https://matrix.org): ")
		if err != nil {
			return err
		}
		serverName, err := prompt(in, out, "Server name (e.g. matrix.org): ")
		if err != nil {
			return err
		}
		userID, err := prompt(in, out, "Username (localpart, e.g. tether): ")
		if err != nil {
			return err
		}
		password, err := prompt(in, out, "Password: ")
		if err != nil {
			return err
		}
		roomID, err := prompt(in, out, "Room ID to bridge (e.g. !abc:matrix.org): ")
		if err != nil {
			return err
		}
		if homeserver == "" || serverName == "" || userID == "" || password == "" || roomID == "" {
			return fmt.Errorf("all matrix fields are required")
		}
		cfg.Channels.Matrix = &daemon.MatrixConfig{
			Enabled:    true,
			Homeserver: homeserver,
			ServerName: serverName,
			UserID:     userID,
			Password:   password,
			RoomID:     roomID,
		}

	default:
		return fmt.Errorf("invalid choice %q", choice)
	}

	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Config saved to %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Start the daemon:   tether")
	fmt.Fprintln(out, "Attach a session:   tether connect <channel> <name>")
	return nil
}

func prompt(in *bufio.Scanner, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	if !in.Scan() {
		if err := in.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	return strings.TrimSpace(in.Text()), nil
}
