package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merakstore/pkg/models"
)

var userCtr uint64

// uid returns a fresh user id so tests stay isolated even on shared
// backends (the redis contract run reuses a live server).
func uid() string {
	n := atomic.AddUint64(&userCtr, 1)
	return fmt.Sprintf("u%d-%d", time.Now().UTC().UnixNano(), n)
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	m := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"pebble": func(t *testing.T) Store {
			s, err := OpenPebble(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("MERAKSTORE_TEST_REDIS_ADDR"); addr != "" {
		m["redis"] = func(t *testing.T) Store {
			s, err := OpenRedis(context.Background(), RedisOptions{Addr: addr})
			require.NoError(t, err)
			return s
		}
	}
	return m
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func mustSaveThread(t *testing.T, s Store, user, title string) models.Thread {
	t.Helper()
	th := models.Thread{Title: title}
	require.NoError(t, s.SaveThread(context.Background(), user, &th))
	return th
}

func appendUserMessage(t *testing.T, s Store, user, tid, text string) models.Item {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"text": text})
	it := models.Item{Kind: models.KindUserMessage, Payload: payload}
	out, err := s.AppendItem(context.Background(), user, tid, &it)
	require.NoError(t, err)
	return out
}

func TestThreadRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "greetings")
		require.True(t, strings.HasPrefix(th.ID, "th_"))
		require.NotZero(t, th.CreatedTS)
		require.NotZero(t, th.UpdatedTS)

		got, err := s.LoadThread(ctx, user, th.ID)
		require.NoError(t, err)
		require.Equal(t, th.ID, got.ID)
		require.Equal(t, "greetings", got.Title)
		require.Equal(t, user, got.User)

		// updates keep the original creation time
		got.Title = "renamed"
		got.CreatedTS = 0
		require.NoError(t, s.SaveThread(ctx, user, &got))
		again, err := s.LoadThread(ctx, user, th.ID)
		require.NoError(t, err)
		require.Equal(t, "renamed", again.Title)
		require.Equal(t, th.CreatedTS, again.CreatedTS)
	})
}

func TestOwnershipIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, bob := uid(), uid()

		// same thread id value in two partitions never crosses over
		shared := "th_shared"
		require.NoError(t, s.SaveThread(ctx, alice, &models.Thread{ID: shared, Title: "alice thread"}))
		require.NoError(t, s.SaveThread(ctx, bob, &models.Thread{ID: shared, Title: "bob thread"}))

		a, err := s.LoadThread(ctx, alice, shared)
		require.NoError(t, err)
		require.Equal(t, "alice thread", a.Title)
		b, err := s.LoadThread(ctx, bob, shared)
		require.NoError(t, err)
		require.Equal(t, "bob thread", b.Title)

		// a foreign thread is indistinguishable from a missing one
		mine := mustSaveThread(t, s, alice, "private")
		_, err = s.LoadThread(ctx, bob, mine.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AppendItem(ctx, bob, mine.ID, &models.Item{Kind: models.KindUserMessage})
		require.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.ListItems(ctx, bob, mine.ID, "", 10, OrderAsc)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendAndListSingleItem(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "t1")

		it := appendUserMessage(t, s, user, th.ID, "hello")
		require.True(t, strings.HasPrefix(it.ID, "msg_"))
		require.Equal(t, th.ID, it.Thread)

		items, next, err := s.ListItems(ctx, user, th.ID, "", 10, OrderAsc)
		require.NoError(t, err)
		require.Empty(t, next)
		require.Len(t, items, 1)
		require.Equal(t, it.ID, items[0].ID)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
		require.Equal(t, "hello", payload["text"])
	})
}

func TestListItemsBothOrdersAndPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "paging")

		var want []string
		for i := 0; i < 5; i++ {
			it := appendUserMessage(t, s, user, th.ID, fmt.Sprintf("m%d", i))
			want = append(want, it.ID)
		}

		all, next, err := s.ListItems(ctx, user, th.ID, "", 0, OrderAsc)
		require.NoError(t, err)
		require.Empty(t, next)
		require.Len(t, all, 5)
		for i, it := range all {
			require.Equal(t, want[i], it.ID)
		}

		desc, _, err := s.ListItems(ctx, user, th.ID, "", 0, OrderDesc)
		require.NoError(t, err)
		require.Len(t, desc, 5)
		for i, it := range desc {
			require.Equal(t, want[len(want)-1-i], it.ID)
		}

		// cursor walk with limit=1 reproduces the full listing in both
		// directions
		for _, order := range []Order{OrderAsc, OrderDesc} {
			var walked []string
			cursor := ""
			for {
				page, nc, err := s.ListItems(ctx, user, th.ID, cursor, 1, order)
				require.NoError(t, err)
				for _, it := range page {
					walked = append(walked, it.ID)
				}
				if nc == "" {
					break
				}
				cursor = nc
			}
			full, _, err := s.ListItems(ctx, user, th.ID, "", 0, order)
			require.NoError(t, err)
			require.Len(t, walked, len(full))
			for i := range full {
				require.Equal(t, full[i].ID, walked[i])
			}
		}
	})
}

func TestListThreadsActivityOrderAndPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()

		t1 := mustSaveThread(t, s, user, "first")
		t2 := mustSaveThread(t, s, user, "second")
		t3 := mustSaveThread(t, s, user, "third")

		// touch t1 last so it becomes the most recent
		appendUserMessage(t, s, user, t2.ID, "bump")
		appendUserMessage(t, s, user, t1.ID, "bump")

		all, next, err := s.ListThreads(ctx, user, "", 0)
		require.NoError(t, err)
		require.Empty(t, next)
		require.Len(t, all, 3)
		require.Equal(t, t1.ID, all[0].ID)
		require.Equal(t, t2.ID, all[1].ID)
		require.Equal(t, t3.ID, all[2].ID)

		// limit=1 cursor walk yields the same order and membership
		var walked []string
		cursor := ""
		for {
			page, nc, err := s.ListThreads(ctx, user, cursor, 1)
			require.NoError(t, err)
			for _, th := range page {
				walked = append(walked, th.ID)
			}
			if nc == "" {
				break
			}
			cursor = nc
		}
		require.Equal(t, []string{t1.ID, t2.ID, t3.ID}, walked)
	})
}

func TestConcurrentAppendsOneThread(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "contended")

		const callers = 20
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload, _ := json.Marshal(map[string]int{"n": i})
				_, err := s.AppendItem(ctx, user, th.ID, &models.Item{Kind: models.KindUserMessage, Payload: payload})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		items, _, err := s.ListItems(ctx, user, th.ID, "", 0, OrderAsc)
		require.NoError(t, err)
		require.Len(t, items, callers)
		seen := map[string]struct{}{}
		for _, it := range items {
			_, dup := seen[it.ID]
			require.False(t, dup, "duplicate id %s", it.ID)
			seen[it.ID] = struct{}{}
		}

		// a second listing observes the same total order
		again, _, err := s.ListItems(ctx, user, th.ID, "", 0, OrderAsc)
		require.NoError(t, err)
		for i := range items {
			require.Equal(t, items[i].ID, again[i].ID)
		}
	})
}

func TestUpdateItemStatusCAS(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "tools")

		call, err := s.AppendItem(ctx, user, th.ID, &models.Item{Kind: models.KindToolCall, Status: models.StatusPending})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(call.ID, "tool_"))

		const racers = 4
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateItemStatus(ctx, user, th.ID, call.ID, models.StatusCompleted)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var wins, conflicts int
		for err := range results {
			switch {
			case err == nil:
				wins++
			default:
				require.ErrorIs(t, err, ErrConflict)
				conflicts++
			}
		}
		require.Equal(t, 1, wins)
		require.Equal(t, racers-1, conflicts)

		// the item kept its id and position
		items, _, err := s.ListItems(ctx, user, th.ID, "", 0, OrderAsc)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, call.ID, items[0].ID)
		require.Equal(t, models.StatusCompleted, items[0].Status)

		// completing again is a Conflict, a missing item a NotFound
		_, err = s.UpdateItemStatus(ctx, user, th.ID, call.ID, models.StatusCompleted)
		require.ErrorIs(t, err, ErrConflict)
		_, err = s.UpdateItemStatus(ctx, user, th.ID, "tool_missing", models.StatusCompleted)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInvalidArguments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "strict")

		_, err := s.LoadThread(ctx, "", th.ID)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = s.LoadThread(ctx, "a:b", th.ID)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, _, err = s.ListThreads(ctx, user, "!!!not-base64!!!", 10)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, _, err = s.ListItems(ctx, user, th.ID, "!!!not-base64!!!", 10, OrderAsc)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = s.AppendItem(ctx, user, th.ID, &models.Item{Kind: "reaction"})
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = s.AppendItem(ctx, user, th.ID, &models.Item{Kind: models.KindUserMessage, Status: models.StatusPending})
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = s.UpdateItemStatus(ctx, user, th.ID, "tool_x", models.StatusPending)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestDuplicateItemIDConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "dups")

		it := models.Item{ID: "msg_fixed", Kind: models.KindUserMessage}
		_, err := s.AppendItem(ctx, user, th.ID, &it)
		require.NoError(t, err)
		dup := models.Item{ID: "msg_fixed", Kind: models.KindUserMessage}
		_, err = s.AppendItem(ctx, user, th.ID, &dup)
		require.ErrorIs(t, err, ErrConflict)
	})
}

// Racing appends that carry the same caller-supplied id must resolve to
// exactly one log entry; the duplicate check and the write are atomic.
func TestConcurrentSameIDAppendsSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "dup race")

		const rounds = 40
		const racers = 8
		for r := 0; r < rounds; r++ {
			id := fmt.Sprintf("msg_round%d", r)
			var wg sync.WaitGroup
			errs := make(chan error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					it := models.Item{ID: id, Kind: models.KindUserMessage}
					_, err := s.AppendItem(ctx, user, th.ID, &it)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			wins := 0
			for err := range errs {
				if err == nil {
					wins++
				} else {
					require.ErrorIs(t, err, ErrConflict)
				}
			}
			require.Equal(t, 1, wins, "round %d", r)
		}

		items, _, err := s.ListItems(ctx, user, th.ID, "", 0, OrderAsc)
		require.NoError(t, err)
		require.Len(t, items, rounds)
	})
}

// A thread update racing an append must not have its title or metadata
// clobbered by the append's stale activity re-marshal.
func TestThreadUpdateSurvivesConcurrentAppend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := uid()
		th := mustSaveThread(t, s, user, "v0")

		for i := 0; i < 30; i++ {
			title := fmt.Sprintf("v%d", i+1)
			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				up := models.Thread{ID: th.ID, Title: title}
				errs <- s.SaveThread(ctx, user, &up)
			}()
			go func() {
				defer wg.Done()
				it := models.Item{Kind: models.KindUserMessage}
				_, err := s.AppendItem(ctx, user, th.ID, &it)
				errs <- err
			}()
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := s.LoadThread(ctx, user, th.ID)
			require.NoError(t, err)
			require.Equal(t, title, got.Title)
		}
	})
}

// TestBackendSubstitutability runs one operation script against every
// backend and requires identical ordering and error kinds throughout.
func TestBackendSubstitutability(t *testing.T) {
	type result struct {
		threadOrder []string
		itemOrder   []string
		errKinds    []string
	}
	kindOf := func(err error) string { return resultLabel(err) }

	run := func(t *testing.T, s Store) result {
		ctx := context.Background()
		alice, bob := "script-alice", "script-bob"
		var res result

		ta := models.Thread{ID: "th_a", Title: "a"}
		require.NoError(t, s.SaveThread(ctx, alice, &ta))
		tb := models.Thread{ID: "th_b", Title: "b"}
		require.NoError(t, s.SaveThread(ctx, alice, &tb))

		for _, text := range []string{"one", "two", "three"} {
			appendUserMessage(t, s, alice, "th_a", text)
		}
		appendUserMessage(t, s, alice, "th_b", "later")

		threads, _, err := s.ListThreads(ctx, alice, "", 0)
		require.NoError(t, err)
		for _, th := range threads {
			res.threadOrder = append(res.threadOrder, th.ID)
		}
		items, _, err := s.ListItems(ctx, alice, "th_a", "", 0, OrderDesc)
		require.NoError(t, err)
		for _, it := range items {
			var p map[string]string
			_ = json.Unmarshal(it.Payload, &p)
			res.itemOrder = append(res.itemOrder, p["text"])
		}

		_, err = s.LoadThread(ctx, bob, "th_a")
		res.errKinds = append(res.errKinds, kindOf(err))
		_, err = s.UpdateItemStatus(ctx, alice, "th_a", items[0].ID, models.StatusCompleted)
		res.errKinds = append(res.errKinds, kindOf(err))
		_, _, err = s.ListThreads(ctx, alice, "???", 1)
		res.errKinds = append(res.errKinds, kindOf(err))
		return res
	}

	// memory is the reference; every other backend must match it
	ref := run(t, NewMemory())
	require.Equal(t, []string{"th_b", "th_a"}, ref.threadOrder)
	require.Equal(t, []string{"three", "two", "one"}, ref.itemOrder)

	pb, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Close() })
	require.Equal(t, ref, run(t, pb))
}

func TestReindexRebuildsActivityIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ri, ok := s.(Reindexer)
		if !ok {
			t.Skip("backend does not rebuild indexes")
		}
		ctx := context.Background()
		user := uid()
		t1 := mustSaveThread(t, s, user, "one")
		t2 := mustSaveThread(t, s, user, "two")
		appendUserMessage(t, s, user, t1.ID, "bump")

		before, _, err := s.ListThreads(ctx, user, "", 0)
		require.NoError(t, err)
		require.NoError(t, ri.Reindex(user))
		after, _, err := s.ListThreads(ctx, user, "", 0)
		require.NoError(t, err)

		require.Len(t, after, len(before))
		require.Equal(t, t1.ID, after[0].ID)
		require.Equal(t, t2.ID, after[1].ID)
	})
}

func TestContextCancellationRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		user := uid()
		th := mustSaveThread(t, s, user, "cancelled")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.AppendItem(ctx, user, th.ID, &models.Item{Kind: models.KindUserMessage})
		require.Error(t, err)
		items, _, lerr := s.ListItems(context.Background(), user, th.ID, "", 0, OrderAsc)
		require.NoError(t, lerr)
		require.Empty(t, items, "cancelled append must not leave a partial record")
	})
}
