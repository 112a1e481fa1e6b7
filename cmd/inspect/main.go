// Command inspect is an offline maintenance tool for a pebble data
// directory: dump raw keys, list a user's threads and items, or rebuild a
// user's activity index after a crash or a suspected index bug. Run it
// only while the server is stopped; pebble allows a single writer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"merakstore/pkg/logger"
	"merakstore/pkg/store"
)

func main() {
	var (
		dbPath  = flag.String("db", "./.database", "pebble data directory")
		user    = flag.String("user", "", "user id to inspect")
		thread  = flag.String("thread", "", "thread id to dump items for")
		keys    = flag.Bool("keys", false, "dump raw keys instead of decoded records")
		reindex = flag.Bool("reindex", false, "rebuild the user's activity index from the item logs")
	)
	flag.Parse()
	logger.Init("warn", "console")

	if *keys {
		if err := dumpKeys(*dbPath, *user); err != nil {
			fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *user == "" {
		fmt.Fprintln(os.Stderr, "--user required")
		os.Exit(2)
	}

	s, err := store.OpenPebble(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if *reindex {
		ri, ok := s.(store.Reindexer)
		if !ok {
			fmt.Fprintln(os.Stderr, "backend does not support reindexing")
			os.Exit(1)
		}
		if err := ri.Reindex(*user); err != nil {
			fmt.Fprintf(os.Stderr, "reindex failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reindexed user %s\n", *user)
	}

	ctx := context.Background()
	if *thread != "" {
		items, _, err := s.ListItems(ctx, *user, *thread, "", 0, store.OrderAsc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list items failed: %v\n", err)
			os.Exit(1)
		}
		for _, it := range items {
			b, _ := json.Marshal(it)
			fmt.Println(string(b))
		}
		return
	}

	threads, _, err := s.ListThreads(ctx, *user, "", 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list threads failed: %v\n", err)
		os.Exit(1)
	}
	for _, th := range threads {
		b, _ := json.Marshal(th)
		fmt.Println(string(b))
	}
}

// dumpKeys walks the raw key space, optionally narrowed to one user.
func dumpKeys(dbPath, user string) error {
	db, err := pebble.Open(dbPath, &pebble.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	opts := &pebble.IterOptions{}
	if user != "" {
		prefix := []byte("user:" + user + ":")
		upper := append([]byte(nil), prefix...)
		upper[len(upper)-1]++
		opts.LowerBound = prefix
		opts.UpperBound = upper
	}
	iter, err := db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		fmt.Printf("%s  (%d bytes)\n", iter.Key(), len(iter.Value()))
	}
	return iter.Error()
}
