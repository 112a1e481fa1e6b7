package ids

import (
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestNewPrefixes(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{Thread, "th_"},
		{UserMessage, "msg_"},
		{AssistantMessage, "asst_"},
		{ToolCall, "tool_"},
		{System, "sys_"},
	}
	for _, c := range cases {
		id := New(c.kind)
		if !strings.HasPrefix(id, c.want) {
			t.Fatalf("New(%v) = %q, want prefix %q", c.kind, id, c.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	id := New(ToolCall)
	k, ok := KindOf(id)
	if !ok || k != ToolCall {
		t.Fatalf("KindOf(%q) = %v, %v", id, k, ok)
	}
	if _, ok := KindOf("nope"); ok {
		t.Fatalf("KindOf accepted an unprefixed id")
	}
}

func TestNewUniqueUnderConcurrency(t *testing.T) {
	const workers = 16
	const per = 200
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, per)
			for j := 0; j < per; j++ {
				local = append(local, New(UserMessage))
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d unique ids, got %d", workers*per, len(seen))
	}
}

func TestNewSortsInGenerationOrder(t *testing.T) {
	gen := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		gen = append(gen, New(UserMessage))
	}
	sorted := append([]string(nil), gen...)
	sort.Strings(sorted)
	for i := range gen {
		if gen[i] != sorted[i] {
			t.Fatalf("ids not monotone at %d: %q vs %q", i, gen[i], sorted[i])
		}
	}
}
