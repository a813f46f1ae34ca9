package protocol

import (
	"strings"
)

const Version = "1.0"

// Action kinds understood by the decision applier.
type ActionKind string

const (
	ActionNone     ActionKind = "NONE"
	ActionChat     ActionKind = "CHAT"
	ActionMove     ActionKind = "MOVE"
	ActionInteract ActionKind = "INTERACT"
)

// ParseActionKind maps the wire action_type (case-insensitive) onto a kind.
// IDLE, empty and unknown values all collapse to ActionNone.
func ParseActionKind(s string) ActionKind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHAT":
		return ActionChat
	case "MOVE":
		return ActionMove
	case "INTERACT":
		return ActionInteract
	default:
		return ActionNone
	}
}
