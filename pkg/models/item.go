package models

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of item variants. Filtering and conversion match
// on Kind exhaustively; there is no attribute probing.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindSystem           Kind = "system"
)

// Status applies to tool-call items only. The pending -> completed
// transition is the single in-place mutation the store permits.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Item is one append-only event in a thread's ordered log. Once written an
// item is immutable except for the tool-call status transition, which
// preserves its id and position.
type Item struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status,omitempty"`
	// Payload is opaque structured content owned by the caller.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}

// ValidKind reports whether k is a member of the enumeration.
func ValidKind(k Kind) bool {
	switch k {
	case KindUserMessage, KindAssistantMessage, KindToolCall, KindSystem:
		return true
	}
	return false
}

// CheckStatus enforces the kind/status pairing: tool calls start pending or
// completed, everything else carries no status.
func CheckStatus(k Kind, s Status) error {
	switch k {
	case KindToolCall:
		if s != StatusPending && s != StatusCompleted {
			return fmt.Errorf("tool_call items require status pending or completed, got %q", s)
		}
	default:
		if s != StatusNone {
			return fmt.Errorf("%s items carry no status, got %q", k, s)
		}
	}
	return nil
}
