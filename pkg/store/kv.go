package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"merakstore/pkg/ids"
	"merakstore/pkg/logger"
	"merakstore/pkg/models"
)

// orderedKV is the seam between the facade semantics and an ordered
// key/value engine. Pebble and the in-process map both satisfy it, so the
// durable and ephemeral backends share one implementation and cannot drift
// in observable behavior.
type orderedKV interface {
	// get returns the value for key; ok is false when the key is absent.
	get(key []byte) (val []byte, ok bool, err error)
	set(key, val []byte) error
	delete(key []byte) error
	// scan visits keys in [lower, upper) in order (reversed when reverse is
	// set). fn returns false to stop early.
	scan(lower, upper []byte, reverse bool, fn func(k, v []byte) (bool, error)) error
	close() error
}

// kvStore implements Store over an orderedKV.
type kvStore struct {
	name string
	kv   orderedKV

	// mu serializes all writers: thread upserts, appends (the duplicate id
	// check is check-then-write), the status CAS and the activity index
	// bump. Reads take no lock.
	mu  sync.Mutex
	seq uint64
}

// NewKV wraps an ordered KV engine in the store facade. Used by the pebble
// and memory constructors; exported for tests that supply their own engine.
func newKV(name string, kv orderedKV) *kvStore {
	return &kvStore{name: name, kv: kv}
}

func (s *kvStore) Close() error { return s.kv.close() }

func (s *kvStore) fail(op string, err error) error {
	logger.Error("store_op_failed", zap.String("backend", s.name), zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// indexSuffix encodes an activity timestamp so that forward key order is
// most-recent-first, ties broken newest-insertion-first.
func (s *kvStore) indexSuffix(activityTS int64) string {
	n := atomic.AddUint64(&s.seq, 1) % 100000000
	return fmt.Sprintf("%020d-%08d", uint64(math.MaxInt64)-uint64(activityTS), 99999999-n)
}

func idKindFor(k models.Kind) ids.Kind {
	switch k {
	case models.KindAssistantMessage:
		return ids.AssistantMessage
	case models.KindToolCall:
		return ids.ToolCall
	case models.KindSystem:
		return ids.System
	default:
		return ids.UserMessage
	}
}

func (s *kvStore) SaveThread(ctx context.Context, user string, th *models.Thread) error {
	if err := checkID("user", user); err != nil {
		return err
	}
	if th == nil {
		return fmt.Errorf("%w: thread required", ErrInvalidArgument)
	}
	if th.ID == "" {
		th.ID = ids.New(ids.Thread)
	}
	if err := checkID("thread id", th.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC().UnixNano()
	th.User = user

	// the meta upsert runs under the writer lock so a concurrent append's
	// activity touch cannot re-marshal a stale record over this write
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok, err := s.kv.get(threadMetaKey(user, th.ID)); err != nil {
		return s.fail("load_thread", err)
	} else if ok {
		var old models.Thread
		if err := json.Unmarshal(prev, &old); err == nil && th.CreatedTS == 0 {
			th.CreatedTS = old.CreatedTS
		}
	}
	if th.CreatedTS == 0 {
		th.CreatedTS = now
	}
	th.UpdatedTS = now

	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("%w: encode thread: %v", ErrInvalidArgument, err)
	}
	if err := s.kv.set(threadMetaKey(user, th.ID), b); err != nil {
		return s.fail("save_thread", err)
	}
	if err := s.bumpActivityLocked(user, th.ID, th.UpdatedTS); err != nil {
		return err
	}
	logger.Debug("thread_saved", zap.String("backend", s.name), zap.String("user", user), zap.String("thread", th.ID))
	return nil
}

func (s *kvStore) LoadThread(ctx context.Context, user, threadID string) (models.Thread, error) {
	var th models.Thread
	if err := checkID("user", user); err != nil {
		return th, err
	}
	if err := checkID("thread id", threadID); err != nil {
		return th, err
	}
	if err := ctx.Err(); err != nil {
		return th, err
	}
	v, ok, err := s.kv.get(threadMetaKey(user, threadID))
	if err != nil {
		return th, s.fail("load_thread", err)
	}
	if !ok {
		return th, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if err := json.Unmarshal(v, &th); err != nil {
		return th, s.fail("decode_thread", err)
	}
	return th, nil
}

func (s *kvStore) ListThreads(ctx context.Context, user, cursor string, limit int) ([]models.Thread, string, error) {
	if err := checkID("user", user); err != nil {
		return nil, "", err
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	prefix := tindexPrefix(user)
	lower := prefix
	if after != "" {
		// resume strictly after the cursor position
		lower = append(append([]byte(nil), prefix...), after+"\x00"...)
	}
	upper := prefixUpperBound(prefix)

	var out []models.Thread
	var lastSuffix string
	more := false
	scanErr := s.kv.scan(lower, upper, false, func(k, v []byte) (bool, error) {
		suffix := string(k[len(prefix):])
		tid := string(v)
		// skip stale index entries superseded by a later activity bump;
		// the log (thread meta) is the source of truth
		cur, ok, err := s.kv.get(tindexCurKey(user, tid))
		if err != nil {
			return false, err
		}
		if !ok || string(cur) != suffix {
			return true, nil
		}
		mv, ok, err := s.kv.get(threadMetaKey(user, tid))
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if limit > 0 && len(out) == limit {
			more = true
			return false, nil
		}
		var th models.Thread
		if err := json.Unmarshal(mv, &th); err != nil {
			return false, err
		}
		out = append(out, th)
		lastSuffix = suffix
		return true, nil
	})
	if scanErr != nil {
		return nil, "", s.fail("list_threads", scanErr)
	}
	if !more {
		return out, "", nil
	}
	return out, encodeCursor(lastSuffix), nil
}

func (s *kvStore) AppendItem(ctx context.Context, user, threadID string, it *models.Item) (models.Item, error) {
	var zero models.Item
	if err := checkID("user", user); err != nil {
		return zero, err
	}
	if err := checkID("thread id", threadID); err != nil {
		return zero, err
	}
	if it == nil {
		return zero, fmt.Errorf("%w: item required", ErrInvalidArgument)
	}
	if !models.ValidKind(it.Kind) {
		return zero, fmt.Errorf("%w: unknown item kind %q", ErrInvalidArgument, it.Kind)
	}
	if err := models.CheckStatus(it.Kind, it.Status); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	// ownership check is structural: the meta key embeds the user
	if _, ok, err := s.kv.get(threadMetaKey(user, threadID)); err != nil {
		return zero, s.fail("load_thread", err)
	} else if !ok {
		return zero, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	if it.ID == "" {
		it.ID = ids.New(idKindFor(it.Kind))
	}
	if err := checkID("item id", it.ID); err != nil {
		return zero, err
	}
	it.Thread = threadID
	now := time.Now().UTC().UnixNano()
	if it.CreatedTS == 0 {
		it.CreatedTS = now
	}

	b, err := json.Marshal(it)
	if err != nil {
		return zero, fmt.Errorf("%w: encode item: %v", ErrInvalidArgument, err)
	}

	// the duplicate id check and the writes share the writer lock; two
	// racing appends with the same caller-supplied id must not both pass
	// the check
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.kv.get(itemIdxKey(user, threadID, it.ID)); err != nil {
		return zero, s.fail("load_item_index", err)
	} else if ok {
		return zero, fmt.Errorf("%w: item %s already exists", ErrConflict, it.ID)
	}

	// log write first; the activity index is a derived accelerator and can
	// be rebuilt from the log if a crash lands between the two writes
	suffix := ids.NewSuffix()
	logKey := append(itemLogPrefix(user, threadID), suffix...)
	if err := s.kv.set(logKey, b); err != nil {
		return zero, s.fail("append_item", err)
	}
	if err := s.kv.set(itemIdxKey(user, threadID, it.ID), []byte(suffix)); err != nil {
		return zero, s.fail("index_item", err)
	}
	if err := s.touchThreadLocked(user, threadID, now); err != nil {
		return zero, err
	}
	logger.Debug("item_appended", zap.String("backend", s.name), zap.String("user", user),
		zap.String("thread", threadID), zap.String("item", it.ID))
	return *it, nil
}

// touchThreadLocked refreshes UpdatedTS on the thread record and bumps the
// per-user activity index. Callers hold s.mu.
func (s *kvStore) touchThreadLocked(user, tid string, now int64) error {
	v, ok, err := s.kv.get(threadMetaKey(user, tid))
	if err != nil {
		return s.fail("load_thread", err)
	}
	if ok {
		var th models.Thread
		if err := json.Unmarshal(v, &th); err == nil {
			th.UpdatedTS = now
			if nb, err := json.Marshal(&th); err == nil {
				if err := s.kv.set(threadMetaKey(user, tid), nb); err != nil {
					return s.fail("save_thread", err)
				}
			}
		}
	}
	return s.bumpActivityLocked(user, tid, now)
}

// bumpActivityLocked writes the new index entry before retiring the old one
// so the thread never disappears from the index; stale entries are filtered
// on read via the tindexcur pointer.
func (s *kvStore) bumpActivityLocked(user, tid string, activityTS int64) error {
	old, hadOld, err := s.kv.get(tindexCurKey(user, tid))
	if err != nil {
		return s.fail("load_index_pointer", err)
	}
	suffix := s.indexSuffix(activityTS)
	if err := s.kv.set(append(tindexPrefix(user), suffix...), []byte(tid)); err != nil {
		return s.fail("write_index", err)
	}
	if err := s.kv.set(tindexCurKey(user, tid), []byte(suffix)); err != nil {
		return s.fail("write_index_pointer", err)
	}
	if hadOld && string(old) != suffix {
		if err := s.kv.delete(append(tindexPrefix(user), old...)); err != nil {
			return s.fail("retire_index", err)
		}
	}
	return nil
}

func (s *kvStore) ListItems(ctx context.Context, user, threadID, cursor string, limit int, order Order) ([]models.Item, string, error) {
	if err := checkID("user", user); err != nil {
		return nil, "", err
	}
	if err := checkID("thread id", threadID); err != nil {
		return nil, "", err
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if _, ok, err := s.kv.get(threadMetaKey(user, threadID)); err != nil {
		return nil, "", s.fail("load_thread", err)
	} else if !ok {
		return nil, "", fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	prefix := itemLogPrefix(user, threadID)
	lower := prefix
	upper := prefixUpperBound(prefix)
	if after != "" {
		if order == OrderAsc {
			lower = append(append([]byte(nil), prefix...), after+"\x00"...)
		} else {
			upper = append(append([]byte(nil), prefix...), after...)
		}
	}

	var out []models.Item
	var lastSuffix string
	more := false
	scanErr := s.kv.scan(lower, upper, order == OrderDesc, func(k, v []byte) (bool, error) {
		if limit > 0 && len(out) == limit {
			more = true
			return false, nil
		}
		var it models.Item
		if err := json.Unmarshal(v, &it); err != nil {
			return false, err
		}
		out = append(out, it)
		lastSuffix = string(k[len(prefix):])
		return true, nil
	})
	if scanErr != nil {
		return nil, "", s.fail("list_items", scanErr)
	}
	if !more {
		return out, "", nil
	}
	return out, encodeCursor(lastSuffix), nil
}

func (s *kvStore) UpdateItemStatus(ctx context.Context, user, threadID, itemID string, to models.Status) (models.Item, error) {
	var zero models.Item
	if err := checkID("user", user); err != nil {
		return zero, err
	}
	if err := checkID("thread id", threadID); err != nil {
		return zero, err
	}
	if err := checkID("item id", itemID); err != nil {
		return zero, err
	}
	if to != models.StatusCompleted {
		return zero, fmt.Errorf("%w: only the completed transition is supported", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if _, ok, err := s.kv.get(threadMetaKey(user, threadID)); err != nil {
		return zero, s.fail("load_thread", err)
	} else if !ok {
		return zero, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	// compare-and-swap under the store lock: losing racers get Conflict
	// instead of silently overwriting
	s.mu.Lock()
	defer s.mu.Unlock()

	sfx, ok, err := s.kv.get(itemIdxKey(user, threadID, itemID))
	if err != nil {
		return zero, s.fail("load_item_index", err)
	}
	if !ok {
		return zero, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	logKey := append(itemLogPrefix(user, threadID), sfx...)
	v, ok, err := s.kv.get(logKey)
	if err != nil {
		return zero, s.fail("load_item", err)
	}
	if !ok {
		return zero, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	var it models.Item
	if err := json.Unmarshal(v, &it); err != nil {
		return zero, s.fail("decode_item", err)
	}
	if it.Kind != models.KindToolCall || it.Status != models.StatusPending {
		return zero, fmt.Errorf("%w: item %s is not a pending tool call", ErrConflict, itemID)
	}
	it.Status = models.StatusCompleted
	nb, err := json.Marshal(&it)
	if err != nil {
		return zero, s.fail("encode_item", err)
	}
	if err := s.kv.set(logKey, nb); err != nil {
		return zero, s.fail("update_item", err)
	}
	logger.Debug("item_completed", zap.String("backend", s.name), zap.String("user", user),
		zap.String("thread", threadID), zap.String("item", itemID))
	return it, nil
}

// Reindex rebuilds a user's activity index from the per-thread logs. The
// item log is authoritative; this is the recovery path when the derived
// index disagrees with it.
func (s *kvStore) Reindex(user string) error {
	if err := checkID("user", user); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// collect thread ids and their last activity from the logs
	type entry struct {
		tid      string
		activity int64
	}
	var entries []entry
	prefix := threadScanPrefix(user)
	err := s.kv.scan(prefix, prefixUpperBound(prefix), false, func(k, v []byte) (bool, error) {
		ks := string(k)
		if len(ks) < len(":meta") || ks[len(ks)-5:] != ":meta" {
			return true, nil
		}
		var th models.Thread
		if err := json.Unmarshal(v, &th); err != nil {
			return true, nil
		}
		activity := th.CreatedTS
		lp := itemLogPrefix(user, th.ID)
		lerr := s.kv.scan(lp, prefixUpperBound(lp), true, func(ik, _ []byte) (bool, error) {
			sfx := string(ik[len(lp):])
			if len(sfx) >= 20 {
				var ts int64
				if _, err := fmt.Sscanf(sfx[:20], "%d", &ts); err == nil && ts > activity {
					activity = ts
				}
			}
			return false, nil
		})
		if lerr != nil {
			return false, lerr
		}
		entries = append(entries, entry{tid: th.ID, activity: activity})
		return true, nil
	})
	if err != nil {
		return s.fail("reindex_scan", err)
	}

	// drop the old index wholesale, then rewrite
	ip := tindexPrefix(user)
	var stale [][]byte
	if err := s.kv.scan(ip, prefixUpperBound(ip), false, func(k, _ []byte) (bool, error) {
		stale = append(stale, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return s.fail("reindex_scan_index", err)
	}
	for _, k := range stale {
		if err := s.kv.delete(k); err != nil {
			return s.fail("reindex_delete", err)
		}
	}
	for _, e := range entries {
		suffix := s.indexSuffix(e.activity)
		if err := s.kv.set(append(tindexPrefix(user), suffix...), []byte(e.tid)); err != nil {
			return s.fail("reindex_write", err)
		}
		if err := s.kv.set(tindexCurKey(user, e.tid), []byte(suffix)); err != nil {
			return s.fail("reindex_write_pointer", err)
		}
	}
	logger.Info("user_reindexed", zap.String("backend", s.name), zap.String("user", user), zap.Int("threads", len(entries)))
	return nil
}
