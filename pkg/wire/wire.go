// Package wire defines the newline-delimited JSON protocol spoken over the
// tether session socket. Each message is one JSON object on one line, tagged
// with a "type" field. Both unions are closed: a line whose type is unknown
// or missing is a protocol error, not a disconnect.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client → server message types.
const (
	TypeRegister   = "register"
	TypeResponse   = "response"
	TypeDisconnect = "disconnect"
)

// Server → client message types.
const (
	TypeMessage = "message"
	TypeAck     = "ack"
	TypeError   = "error"
)

// ClientMessage is a message sent by a session client to the daemon.
type ClientMessage struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`    // register
	Channel string `json:"channel,omitempty"` // register
	Text    string `json:"text,omitempty"`    // response
}

// ServerMessage is a message pushed by the daemon to a session client.
type ServerMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`    // message
	Channel string `json:"channel,omitempty"` // message, ack
	Message string `json:"message,omitempty"` // error
}

// ProtocolError reports a malformed or unrecognized protocol line. The
// receiving side replies with an error message and keeps the connection open.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid protocol line: %v", e.Err)
	}
	return "invalid protocol line"
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Register builds a register message.
func Register(name, channel string) ClientMessage {
	return ClientMessage{Type: TypeRegister, Name: name, Channel: channel}
}

// Response builds a response message.
func Response(text string) ClientMessage {
	return ClientMessage{Type: TypeResponse, Text: text}
}

// Disconnect builds a disconnect message.
func Disconnect() ClientMessage {
	return ClientMessage{Type: TypeDisconnect}
}

// Message builds a routed-text push for a session.
func Message(text, channel string) ServerMessage {
	return ServerMessage{Type: TypeMessage, Text: text, Channel: channel}
}

// Ack builds a registration acknowledgment.
func Ack(channel string) ServerMessage {
	return ServerMessage{Type: TypeAck, Channel: channel}
}

// Error builds an error reply.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// EncodeClient serializes a client message as one protocol line, including
// the trailing newline.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encodeLine(msg)
}

// EncodeServer serializes a server message as one protocol line, including
// the trailing newline.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return encodeLine(msg)
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode protocol line: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeClient parses one client protocol line. The line may carry a
// trailing newline. Unknown types return a *ProtocolError.
func DecodeClient(line []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return ClientMessage{}, &ProtocolError{Line: string(line), Err: err}
	}
	switch msg.Type {
	case TypeRegister, TypeResponse, TypeDisconnect:
		return msg, nil
	default:
		return ClientMessage{}, &ProtocolError{
			Line: string(line),
			Err:  fmt.Errorf("unknown client message type %q", msg.Type),
		}
	}
}

// DecodeServer parses one server protocol line. The line may carry a
// trailing newline. Unknown types return a *ProtocolError.
func DecodeServer(line []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return ServerMessage{}, &ProtocolError{Line: string(line), Err: err}
	}
	switch msg.Type {
	case TypeMessage, TypeAck, TypeError:
		return msg, nil
	default:
		return ServerMessage{}, &ProtocolError{
			Line: string(line),
			Err:  fmt.Errorf("unknown server message type %q", msg.Type),
		}
	}
}
