package store

import (
	"fmt"
	"sync"
)

// KeyValue is the local persistence substrate: string values under string
// keys, one key overwritten per Set. Implementations must be safe for use
// from multiple goroutines.
type KeyValue interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryKV is an in-process KeyValue. Nothing survives a restart.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Open returns the KeyValue backend named by kind ("sqlite", "bolt", "memory")
// together with a close func.
func Open(kind, path string) (KeyValue, func() error, error) {
	switch kind {
	case "sqlite", "":
		s, err := NewSQLiteKV(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "bolt":
		b, err := NewBoltKV(path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "memory":
		return NewMemoryKV(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
