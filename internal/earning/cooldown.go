package earning

import (
	"context"
	"sync"
	"time"
)

// CooldownStore is the short-lived key-value capability the rule engine uses
// for cooldown markers. Markers are not part of the durable ledger: an
// implementation losing them on restart only lets a member act slightly
// early, which is accepted. Implementations must honor ctx deadlines.
type CooldownStore interface {
	// SetIfAbsent stores key with the given time-to-live unless a live
	// marker already exists. It returns false when the marker was present.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryCooldowns is an in-process CooldownStore. Expired markers are
// dropped lazily on access.
type MemoryCooldowns struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCooldowns) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if until, ok := m.entries[key]; ok && now.Before(until) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	// Opportunistic cleanup so the map does not grow without bound.
	if len(m.entries) > 4096 {
		for k, until := range m.entries {
			if !now.Before(until) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}
