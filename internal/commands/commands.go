// Package commands parses the chat command surface shared by every Bot
// Adapter: /help, /whoami, /session, /stop, /status, /retry, /new, and
// /lastresult.
//
// Grounded on hellcatjack/codex-session-gateway's commands.py (CommandType
// enum, ParsedCommand dataclass, parse_command split-on-first-whitespace
// logic).
package commands

import (
	"strings"
	"unicode"
)

// Type identifies one recognized command. Zero value Unknown covers both a
// bare text message (handled by callers as an implicit New) and an
// unrecognized slash command.
type Type int

const (
	Unknown Type = iota
	Help
	Whoami
	Session
	Stop
	Status
	Retry
	New
	LastResult
)

// Parsed is a recognized command plus any text following the first
// whitespace run, or empty if the command took no arguments.
type Parsed struct {
	Type    Type
	Payload string
}

// Parse returns the recognized command for a slash-prefixed message, or
// (Unknown, false) for plain text or an unrecognized command name.
func Parse(text string) (Parsed, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Parsed{}, false
	}
	name, payload := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		name, payload = text[:i], strings.TrimSpace(text[i:])
	}
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at] // strip "/new@botname" group-chat suffix
	}

	switch name {
	case "help":
		return Parsed{Type: Help}, true
	case "whoami":
		return Parsed{Type: Whoami}, true
	case "session":
		return Parsed{Type: Session, Payload: payload}, true
	case "stop":
		return Parsed{Type: Stop}, true
	case "status":
		return Parsed{Type: Status}, true
	case "retry":
		return Parsed{Type: Retry}, true
	case "new":
		return Parsed{Type: New, Payload: payload}, true
	case "lastresult":
		return Parsed{Type: LastResult}, true
	default:
		return Parsed{}, false
	}
}
