// Package route extracts the optional @session-name prefix from inbound
// channel text.
package route

import "strings"

// RoutedMessage is the result of parsing one inbound text.
// An empty SessionName means "route to the most recent session".
type RoutedMessage struct {
	SessionName string
	Text        string
}

// Parse splits an optional "@name" prefix from text.
//
//	"@work1 build it" → {SessionName: "work1", Text: "build it"}
//	"@work1"          → {SessionName: "work1", Text: ""}
//	"  hi there  "    → {SessionName: "", Text: "hi there"}
func Parse(input string) RoutedMessage {
	trimmed := strings.TrimSpace(input)

	if !strings.HasPrefix(trimmed, "@") {
		return RoutedMessage{Text: trimmed}
	}

	rest := trimmed[1:]
	name, text, found := strings.Cut(rest, " ")
	if !found {
		// Bare "@name" with no message body.
		return RoutedMessage{SessionName: name}
	}
	return RoutedMessage{SessionName: name, Text: strings.TrimSpace(text)}
}
