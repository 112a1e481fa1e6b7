package ids

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Kind selects the prefix tag for a generated identifier.
type Kind int

const (
	Thread Kind = iota
	UserMessage
	AssistantMessage
	ToolCall
	System
)

var prefixes = map[Kind]string{
	Thread:           "th",
	UserMessage:      "msg",
	AssistantMessage: "asst",
	ToolCall:         "tool",
	System:           "sys",
}

// seq breaks ties when multiple identifiers share the same nanosecond
// timestamp. It is kept below 1e8 so the padded width stays fixed and
// lexicographic order matches generation order.
var seq uint64

// New generates a unique identifier of the form
// <prefix>_<unix_nano_padded>-<seq_padded>. Identifiers for the same kind
// sort lexicographically in generation order within a process. New never
// performs I/O and is safe for concurrent use.
func New(kind Kind) string {
	p, ok := prefixes[kind]
	if !ok {
		p = "id"
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1) % 100000000
	return fmt.Sprintf("%s_%020d-%08d", p, ts, s)
}

// NewSuffix returns just the sortable portion (timestamp-seq) used for
// storage key components that need insertion ordering independent of any
// caller-supplied identifier.
func NewSuffix() string {
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1) % 100000000
	return fmt.Sprintf("%020d-%08d", ts, s)
}

// Prefix returns the tag for a kind, e.g. "th" for Thread.
func Prefix(kind Kind) string { return prefixes[kind] }

// KindOf reports the kind encoded in an identifier's prefix. The second
// return is false when the prefix is not one of ours.
func KindOf(id string) (Kind, bool) {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return 0, false
	}
	for k, p := range prefixes {
		if id[:i] == p {
			return k, true
		}
	}
	return 0, false
}
