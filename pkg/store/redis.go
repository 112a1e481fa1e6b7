package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"merakstore/pkg/ids"
	"merakstore/pkg/logger"
	"merakstore/pkg/models"
)

// redisStore implements the facade against Redis: thread metadata as string
// keys, the item log as an RPUSH list of self-contained JSON records, and
// the per-user index as a ZSET scored by last-activity time. The list is
// authoritative; the position hash and the ZSET are derived accelerators.
type redisStore struct {
	rdb *redis.Client
}

// RedisOptions carries the subset of connection settings we expose in
// config.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects and pings the server. Like the pebble handle, the
// client is process-wide: open once, Close once.
func OpenRedis(ctx context.Context, opts RedisOptions) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}
	logger.Info("redis_connected", zap.String("addr", opts.Addr))
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func rMetaKey(user, tid string) string    { return "merak:u:" + user + ":t:" + tid + ":meta" }
func rItemsKey(user, tid string) string   { return "merak:u:" + user + ":t:" + tid + ":items" }
func rItemPosKey(user, tid string) string { return "merak:u:" + user + ":t:" + tid + ":itempos" }
func rIndexKey(user string) string        { return "merak:u:" + user + ":tindex" }

// retry runs fn up to three times with doubling backoff for transient
// backend failures; anything in the facade taxonomy passes through
// untouched.
func (s *redisStore) retry(ctx context.Context, op string, fn func() error) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !transient(err) {
			return err
		}
		logger.Warn("redis_op_retry", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func transient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrUnavailable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redis cursors carry a raw position token (thread id or list offset)
// rather than a key suffix; they are equally opaque to callers.

func encodeRedisCursor(pos string) string {
	if pos == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(pos))
}

func decodeRedisCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) == 0 {
		return "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return string(b), nil
}

func (s *redisStore) SaveThread(ctx context.Context, user string, th *models.Thread) error {
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

	now := time.Now().UTC().UnixNano()
	th.User = user
	return s.retry(ctx, "save_thread", func() error {
		if th.CreatedTS == 0 {
			prev, err := s.rdb.Get(ctx, rMetaKey(user, th.ID)).Bytes()
			if err == nil {
				var old models.Thread
				if json.Unmarshal(prev, &old) == nil {
					th.CreatedTS = old.CreatedTS
				}
			} else if !errors.Is(err, redis.Nil) {
				return err
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
		if err := s.rdb.Set(ctx, rMetaKey(user, th.ID), b, 0).Err(); err != nil {
			return err
		}
		return s.rdb.ZAdd(ctx, rIndexKey(user), &redis.Z{Score: float64(th.UpdatedTS), Member: th.ID}).Err()
	})
}

func (s *redisStore) LoadThread(ctx context.Context, user, threadID string) (models.Thread, error) {
	var th models.Thread
	if err := checkID("user", user); err != nil {
		return th, err
	}
	if err := checkID("thread id", threadID); err != nil {
		return th, err
	}
	err := s.retry(ctx, "load_thread", func() error {
		raw, err := s.rdb.Get(ctx, rMetaKey(user, threadID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &th)
	})
	return th, err
}

func (s *redisStore) ListThreads(ctx context.Context, user, cursor string, limit int) ([]models.Thread, string, error) {
	if err := checkID("user", user); err != nil {
		return nil, "", err
	}
	after, err := decodeRedisCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	var out []models.Thread
	next := ""
	err = s.retry(ctx, "list_threads", func() error {
		out = out[:0]
		next = ""
		start := int64(0)
		if after != "" {
			rank, err := s.rdb.ZRevRank(ctx, rIndexKey(user), after).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				start = rank + 1
			}
		}
		stop := int64(-1)
		if limit > 0 {
			stop = start + int64(limit) // one past the page to detect more
		}
		tids, err := s.rdb.ZRevRange(ctx, rIndexKey(user), start, stop).Result()
		if err != nil {
			return err
		}
		more := limit > 0 && len(tids) > limit
		if more {
			tids = tids[:limit]
		}
		for _, tid := range tids {
			raw, err := s.rdb.Get(ctx, rMetaKey(user, tid)).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // index entry without a record; the record is truth
			}
			if err != nil {
				return err
			}
			var th models.Thread
			if err := json.Unmarshal(raw, &th); err != nil {
				return err
			}
			out = append(out, th)
		}
		if more && len(tids) > 0 {
			next = encodeRedisCursor(tids[len(tids)-1])
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

func (s *redisStore) AppendItem(ctx context.Context, user, threadID string, it *models.Item) (models.Item, error) {
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

	// The attempt body must be resumable: a transient failure after the id
	// claim retries into a half-applied append, and a naive re-run would
	// mistake its own claim for a duplicate. The claim is taken at most
	// once per call, and an interrupted push is recovered by position
	// before pushing again.
	itemsKey := rItemsKey(user, threadID)
	claimed := false
	resume := false
	pos := int64(-1)
	err = s.retry(ctx, "append_item", func() error {
		exists, err := s.rdb.Exists(ctx, rMetaKey(user, threadID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		// claim the id before the push so duplicate ids fail cleanly
		if !claimed {
			ok, err := s.rdb.HSetNX(ctx, rItemPosKey(user, threadID), it.ID, -1).Result()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: item %s already exists", ErrConflict, it.ID)
			}
			claimed = true
		}
		if pos < 0 {
			if resume {
				// the failed push may have landed before the connection
				// broke; the record bytes embed the item id, so an exact
				// match is this call's write
				p, err := s.rdb.LPos(ctx, itemsKey, string(b), redis.LPosArgs{}).Result()
				if err == nil {
					pos = p
				} else if !errors.Is(err, redis.Nil) {
					return err
				}
			}
			if pos < 0 {
				// the list write is the authoritative append
				n, err := s.rdb.RPush(ctx, itemsKey, b).Result()
				if err != nil {
					resume = true
					return err
				}
				pos = n - 1
			}
		}
		if err := s.rdb.HSet(ctx, rItemPosKey(user, threadID), it.ID, pos).Err(); err != nil {
			return err
		}
		if err := s.touch(ctx, user, threadID, now); err != nil {
			return err
		}
		return s.rdb.ZAdd(ctx, rIndexKey(user), &redis.Z{Score: float64(now), Member: threadID}).Err()
	})
	if err != nil {
		return zero, err
	}
	return *it, nil
}

// touch refreshes UpdatedTS on the thread record. The read-modify-write is
// a WATCH transaction so a concurrent SaveThread's title or metadata is
// never overwritten by a stale re-marshal.
func (s *redisStore) touch(ctx context.Context, user, tid string, now int64) error {
	metaKey := rMetaKey(user, tid)
	for attempt := 0; attempt < 5; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, metaKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			var th models.Thread
			if err := json.Unmarshal(raw, &th); err != nil {
				return nil
			}
			th.UpdatedTS = now
			b, err := json.Marshal(&th)
			if err != nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, metaKey, b, 0).Err()
			})
			return err
		}, metaKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	// a competing writer kept refreshing the record; it is at least as
	// fresh as this touch would have made it
	return nil
}

func (s *redisStore) ListItems(ctx context.Context, user, threadID, cursor string, limit int, order Order) ([]models.Item, string, error) {
	if err := checkID("user", user); err != nil {
		return nil, "", err
	}
	if err := checkID("thread id", threadID); err != nil {
		return nil, "", err
	}
	after, err := decodeRedisCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	var afterPos int64 = -1
	if after != "" {
		p, err := strconv.ParseInt(after, 10, 64)
		if err != nil || p < 0 {
			return nil, "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
		}
		afterPos = p
	}

	var out []models.Item
	next := ""
	err = s.retry(ctx, "list_items", func() error {
		out = out[:0]
		next = ""
		exists, err := s.rdb.Exists(ctx, rMetaKey(user, threadID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		length, err := s.rdb.LLen(ctx, rItemsKey(user, threadID)).Result()
		if err != nil {
			return err
		}

		var start, stop int64
		if order == OrderAsc {
			start = 0
			if afterPos >= 0 {
				start = afterPos + 1
			}
			stop = length - 1
			if limit > 0 && start+int64(limit) < length {
				stop = start + int64(limit) - 1
			}
			if start >= length {
				return nil
			}
		} else {
			stop = length - 1
			if afterPos >= 0 {
				stop = afterPos - 1
			}
			start = 0
			if limit > 0 && stop-int64(limit)+1 > 0 {
				start = stop - int64(limit) + 1
			}
			if stop < 0 {
				return nil
			}
		}

		raws, err := s.rdb.LRange(ctx, rItemsKey(user, threadID), start, stop).Result()
		if err != nil {
			return err
		}
		positions := make([]int64, len(raws))
		for i := range raws {
			positions[i] = start + int64(i)
		}
		if order == OrderDesc {
			for i, j := 0, len(raws)-1; i < j; i, j = i+1, j-1 {
				raws[i], raws[j] = raws[j], raws[i]
				positions[i], positions[j] = positions[j], positions[i]
			}
		}
		lastPos := int64(-1)
		for i, raw := range raws {
			var it models.Item
			if err := json.Unmarshal([]byte(raw), &it); err != nil {
				return err
			}
			out = append(out, it)
			lastPos = positions[i]
		}
		hasMore := false
		if order == OrderAsc {
			hasMore = lastPos >= 0 && lastPos < length-1
		} else {
			hasMore = lastPos > 0
		}
		if hasMore {
			next = encodeRedisCursor(strconv.FormatInt(lastPos, 10))
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

func (s *redisStore) UpdateItemStatus(ctx context.Context, user, threadID, itemID string, to models.Status) (models.Item, error) {
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

	var updated models.Item
	err := s.retry(ctx, "update_item_status", func() error {
		exists, err := s.rdb.Exists(ctx, rMetaKey(user, threadID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}

		itemsKey := rItemsKey(user, threadID)
		// optimistic CAS: watch the list so a racing completion aborts the
		// transaction and the re-read sees the new status
		for attempt := 0; attempt < 5; attempt++ {
			err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
				posStr, err := tx.HGet(ctx, rItemPosKey(user, threadID), itemID).Result()
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
				}
				if err != nil {
					return err
				}
				pos, err := strconv.ParseInt(posStr, 10, 64)
				if err != nil || pos < 0 {
					return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
				}
				raw, err := tx.LIndex(ctx, itemsKey, pos).Result()
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
				}
				if err != nil {
					return err
				}
				var it models.Item
				if err := json.Unmarshal([]byte(raw), &it); err != nil {
					return err
				}
				if it.Kind != models.KindToolCall || it.Status != models.StatusPending {
					return fmt.Errorf("%w: item %s is not a pending tool call", ErrConflict, itemID)
				}
				it.Status = models.StatusCompleted
				nb, err := json.Marshal(&it)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					return pipe.LSet(ctx, itemsKey, pos, nb).Err()
				})
				if err != nil {
					return err
				}
				updated = it
				return nil
			}, itemsKey)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return err
		}
		return fmt.Errorf("%w: item %s contended", ErrConflict, itemID)
	})
	if err != nil {
		return zero, err
	}
	return updated, nil
}
