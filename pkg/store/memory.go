package store

import (
	"sort"
	"sync"
)

// NewMemory returns the ephemeral backend: the same facade semantics over a
// process-local ordered map. State is lost on process exit; that is the
// documented lifetime, not a defect.
func NewMemory() Store {
	return newKV("memory", &memoryKV{data: map[string][]byte{}})
}

// memoryKV is a tiny ordered KV: a map for point lookups plus a sorted key
// slice for range scans. Writes are infrequent enough at this scale that
// keeping the slice sorted on insert is fine.
type memoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string
}

func (m *memoryKV) get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryKV) set(key, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if _, exists := m.data[k]; !exists {
		i := sort.SearchStrings(m.keys, k)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = k
	}
	m.data[k] = append([]byte(nil), val...)
	return nil
}

func (m *memoryKV) delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if _, exists := m.data[k]; !exists {
		return nil
	}
	delete(m.data, k)
	i := sort.SearchStrings(m.keys, k)
	if i < len(m.keys) && m.keys[i] == k {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
	return nil
}

func (m *memoryKV) scan(lower, upper []byte, reverse bool, fn func(k, v []byte) (bool, error)) error {
	m.mu.RLock()
	lo := sort.SearchStrings(m.keys, string(lower))
	hi := len(m.keys)
	if upper != nil {
		hi = sort.SearchStrings(m.keys, string(upper))
	}
	// snapshot the visible window so fn may call back into the store
	window := make([]string, hi-lo)
	copy(window, m.keys[lo:hi])
	vals := make([][]byte, len(window))
	for i, k := range window {
		vals[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.RUnlock()

	if reverse {
		for i := len(window) - 1; i >= 0; i-- {
			cont, err := fn([]byte(window[i]), vals[i])
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	}
	for i := range window {
		cont, err := fn([]byte(window[i]), vals[i])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *memoryKV) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	m.keys = nil
	return nil
}
