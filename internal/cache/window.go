// Package cache holds the recent-request ring the detector's failure-rate
// signal reads from. Querying statistics inside the detection hot path
// would mean a per-request database read under load; this package keeps the last N outcomes per endpoint in memory (or,
// optionally, in a shared Redis list for multi-instance deployments) so
// the hot path never blocks on the StatsStore's database.
package cache

import (
	"context"
	"sync"

	"github.com/arcrelay/rpcgate/internal/domain"
)

// Window is the narrow surface the detector and the stats store need.
type Window interface {
	Push(ctx context.Context, entry domain.RequestLogEntry)
	Recent(ctx context.Context, endpointID int64, limit int) ([]domain.RequestLogEntry, error)
}

// MemoryWindow is a sync.Mutex-guarded per-endpoint ring buffer. It is the
// default Window implementation and requires no external service.
type MemoryWindow struct {
	mu      sync.Mutex
	rings   map[int64][]domain.RequestLogEntry
	maxSize int
}

func NewMemoryWindow(maxSize int) *MemoryWindow {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &MemoryWindow{
		rings:   make(map[int64][]domain.RequestLogEntry),
		maxSize: maxSize,
	}
}

func (m *MemoryWindow) Push(_ context.Context, entry domain.RequestLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.rings[entry.EndpointID], entry)
	if len(ring) > m.maxSize {
		ring = ring[len(ring)-m.maxSize:]
	}
	m.rings[entry.EndpointID] = ring
}

func (m *MemoryWindow) Recent(_ context.Context, endpointID int64, limit int) ([]domain.RequestLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.rings[endpointID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]domain.RequestLogEntry, limit)
	copy(out, ring[len(ring)-limit:])
	return out, nil
}
