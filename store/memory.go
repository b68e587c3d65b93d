package store

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process store. SetDown simulates an outage.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	down   bool
	writes int
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// SetDown makes every call fail with ErrUnreachable while down is true.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Writes returns how many SetMany calls succeeded.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, false, unreachable("memory get", errors.New("down"))
	}
	value, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *Memory) SetMany(ctx context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return unreachable("memory set", errors.New("down"))
	}
	for k, v := range values {
		m.data[k] = append([]byte(nil), v...)
	}
	m.writes++
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return unreachable("memory ping", errors.New("down"))
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
