package store

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"merakstore/pkg/logger"
)

// Reindexer is implemented by backends that can rebuild the derived
// per-user activity index from the authoritative item logs.
type Reindexer interface {
	Reindex(user string) error
}

// OpenPebble opens (or creates) a Pebble database at the given path and
// returns the durable store backend. The handle is process-wide: open once
// at startup, Close once at shutdown.
func OpenPebble(path string) (Store, error) {
	logger.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Info("pebble_opened", zap.String("path", path))
	return newKV("pebble", &pebbleKV{db: db}), nil
}

type pebbleKV struct {
	db *pebble.DB
}

func (p *pebbleKV) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		if err := closer.Close(); err != nil {
			return nil, false, err
		}
	}
	return out, true, nil
}

func (p *pebbleKV) set(key, val []byte) error {
	return p.db.Set(key, val, pebble.Sync)
}

func (p *pebbleKV) delete(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *pebbleKV) scan(lower, upper []byte, reverse bool, fn func(k, v []byte) (bool, error)) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	advance := iter.Next
	valid := iter.First()
	if reverse {
		advance = iter.Prev
		valid = iter.Last()
	}
	for ; valid; valid = advance() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

func (p *pebbleKV) close() error {
	if err := p.db.Close(); err != nil {
		return err
	}
	logger.Info("pebble_closed")
	return nil
}
