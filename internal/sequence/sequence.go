// Package sequence hands out monotonically increasing numbers used for
// human-facing order references.
package sequence

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-orders/internal/common"
)

// Sequencer returns the next value of a named sequence.
type Sequencer interface {
	Next(ctx context.Context, name string) (int64, error)
}

// Redis keeps sequences as INCR counters.
type Redis struct {
	R      *redis.Client
	Prefix string
}

// Next increments and returns the named counter.
func (s Redis) Next(ctx context.Context, name string) (int64, error) {
	n, err := s.R.Incr(ctx, s.Prefix+"seq:"+name).Result()
	if err != nil {
		return 0, common.Operational(err, "sequence %s", name)
	}
	return n, nil
}

// Memory is an in-process Sequencer.
type Memory struct {
	mu     sync.Mutex
	values map[string]int64
}

// Next increments and returns the named counter.
func (m *Memory) Next(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]int64{}
	}
	m.values[name]++
	return m.values[name], nil
}
