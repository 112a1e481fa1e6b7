// Package store persists conversation state with per-user isolation: thread
// metadata records, an append-only item log per thread, and a per-user
// activity index for paginated thread listing. Every key embeds the owning
// user id, so cross-user access is not representable in the key space.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"merakstore/pkg/models"
)

// Error taxonomy surfaced to callers. Handlers match with errors.Is; the
// store never distinguishes "missing" from "owned by someone else".
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("store unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Order selects item listing direction.
type Order int

const (
	// OrderAsc returns items oldest first (history replay).
	OrderAsc Order = iota
	// OrderDesc returns items newest first (latest lookup).
	OrderDesc
)

// ParseOrder maps the wire values "asc"/"desc" (empty means asc).
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc":
		return OrderAsc, nil
	case "desc":
		return OrderDesc, nil
	}
	return OrderAsc, fmt.Errorf("%w: order must be asc or desc", ErrInvalidArgument)
}

// Store is the single contract the rest of the system calls. The user id is
// always explicit; it is never inferred or defaulted. Limit <= 0 means
// unbounded. An empty next cursor means the listing is exhausted.
type Store interface {
	SaveThread(ctx context.Context, user string, th *models.Thread) error
	LoadThread(ctx context.Context, user, threadID string) (models.Thread, error)
	ListThreads(ctx context.Context, user, cursor string, limit int) ([]models.Thread, string, error)
	AppendItem(ctx context.Context, user, threadID string, it *models.Item) (models.Item, error)
	ListItems(ctx context.Context, user, threadID, cursor string, limit int, order Order) ([]models.Item, string, error)
	UpdateItemStatus(ctx context.Context, user, threadID, itemID string, to models.Status) (models.Item, error)
	Close() error
}

// Key layout. Identifier segments may not contain ':' so that the composed
// keys cannot collide across (user, thread) pairs.
//
//	user:<user>:thread:<tid>:meta                          thread metadata JSON
//	user:<user>:thread:<tid>:item:<ts_padded>-<seq>        item log entry JSON
//	user:<user>:thread:<tid>:itemidx:<item_id>             item id -> log suffix
//	user:<user>:tindex:<inv_activity>-<inv_seq>            activity index -> tid
//	user:<user>:tindexcur:<tid>                            current index suffix
func threadMetaKey(user, tid string) []byte {
	return []byte("user:" + user + ":thread:" + tid + ":meta")
}

func itemLogPrefix(user, tid string) []byte {
	return []byte("user:" + user + ":thread:" + tid + ":item:")
}

func itemIdxKey(user, tid, itemID string) []byte {
	return []byte("user:" + user + ":thread:" + tid + ":itemidx:" + itemID)
}

func threadScanPrefix(user string) []byte {
	return []byte("user:" + user + ":thread:")
}

func tindexPrefix(user string) []byte {
	return []byte("user:" + user + ":tindex:")
}

func tindexCurKey(user, tid string) []byte {
	return []byte("user:" + user + ":tindexcur:" + tid)
}

// checkID rejects empty segments and segments that would break the key
// grammar.
func checkID(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidArgument, name)
	}
	if strings.ContainsAny(v, ":\x00") {
		return fmt.Errorf("%w: %s contains reserved characters", ErrInvalidArgument, name)
	}
	return nil
}

// Cursors wrap the last-seen sortable key suffix (the <ts>-<seq> part) in
// base64url. They are opaque to callers and validated on the way back in.

func encodeCursor(suffix string) string {
	if suffix == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(suffix))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	s := string(b)
	if !validSuffix(s) {
		return "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return s, nil
}

// validSuffix checks the fixed <20 digits>-<8 digits> shape of a sort
// suffix.
func validSuffix(s string) bool {
	if len(s) != 29 || s[20] != '-' {
		return false
	}
	for i, c := range s {
		if i == 20 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded scans.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
