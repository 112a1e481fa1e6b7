package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"

	"merakstore/pkg/models"
)

func newMockedRedis(t *testing.T) (*redisStore, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { _ = db.Close() })
	return &redisStore{rdb: db}, mock
}

// appendFixture builds an item with every server-assigned field pinned so
// the wire bytes the mock matches on are deterministic.
func appendFixture(tid string) (*models.Item, []byte) {
	it := &models.Item{ID: "tool_7", Kind: models.KindToolCall, Status: models.StatusPending, CreatedTS: 42}
	wire := *it
	wire.Thread = tid
	b, _ := json.Marshal(&wire)
	return it, b
}

// A connection failure after the id claim must not turn the caller's own
// half-applied append into a Conflict: the next attempt holds on to the
// claim and finds the push that landed before the connection broke.
func TestRedisAppendResumesAfterPushFailure(t *testing.T) {
	s, mock := newMockedRedis(t)
	user, tid := "alice", "th_1"
	it, b := appendFixture(tid)
	metaKey, itemsKey, posKey := rMetaKey(user, tid), rItemsKey(user, tid), rItemPosKey(user, tid)

	// first attempt claims the id, then the push dies mid-flight
	mock.ExpectExists(metaKey).SetVal(1)
	mock.ExpectHSetNX(posKey, it.ID, -1).SetVal(true)
	mock.ExpectRPush(itemsKey, b).SetErr(errors.New("connection reset by peer"))

	// second attempt: the claim is already held, the earlier push turns
	// out to have landed at position 2, and the append completes
	mock.ExpectExists(metaKey).SetVal(1)
	mock.ExpectLPos(itemsKey, string(b), redis.LPosArgs{}).SetVal(2)
	mock.ExpectHSet(posKey, it.ID, int64(2)).SetVal(1)
	mock.ExpectWatch(metaKey)
	mock.ExpectGet(metaKey).RedisNil()
	mock.CustomMatch(func(expected, actual []interface{}) error { return nil }).
		ExpectZAdd(rIndexKey(user), &redis.Z{Member: tid}).SetVal(1)

	out, err := s.AppendItem(context.Background(), user, tid, it)
	require.NoError(t, err)
	require.Equal(t, "tool_7", out.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// When the fault never clears, the caller must see Unavailable, not a
// Conflict manufactured by re-running the claim.
func TestRedisAppendPersistentFaultIsUnavailableNotConflict(t *testing.T) {
	s, mock := newMockedRedis(t)
	user, tid := "alice", "th_1"
	it, b := appendFixture(tid)
	metaKey, itemsKey, posKey := rMetaKey(user, tid), rItemsKey(user, tid), rItemPosKey(user, tid)

	mock.ExpectExists(metaKey).SetVal(1)
	mock.ExpectHSetNX(posKey, it.ID, -1).SetVal(true)
	mock.ExpectRPush(itemsKey, b).SetErr(errors.New("broken pipe"))
	for i := 0; i < 2; i++ {
		mock.ExpectExists(metaKey).SetVal(1)
		mock.ExpectLPos(itemsKey, string(b), redis.LPosArgs{}).SetErr(errors.New("broken pipe"))
	}

	_, err := s.AppendItem(context.Background(), user, tid, it)
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A genuine duplicate (claim already held by someone else, no fault in
// this call) still conflicts without any retry.
func TestRedisAppendDuplicateIDConflicts(t *testing.T) {
	s, mock := newMockedRedis(t)
	user, tid := "alice", "th_1"
	it, _ := appendFixture(tid)

	mock.ExpectExists(rMetaKey(user, tid)).SetVal(1)
	mock.ExpectHSetNX(rItemPosKey(user, tid), it.ID, -1).SetVal(false)

	_, err := s.AppendItem(context.Background(), user, tid, it)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
