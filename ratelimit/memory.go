package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"
)

type bucket struct {
	count   int64
	resetAt time.Time
}

// Memory keeps windows in process. Each Allow is a single Compute on the
// key's bucket, so concurrent requests for one key never undercount.
type Memory struct {
	window  time.Duration
	quota   int64
	entries *xsync.Map[string, bucket]
	now     func() time.Time
}

func NewMemory(w time.Duration, quota int) *Memory {
	if w <= 0 {
		w = DefaultWindow
	}
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Memory{
		window:  w,
		quota:   int64(quota),
		entries: xsync.NewMap[string, bucket](),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) bool {
	now := m.now()
	allowed := false

	m.entries.Compute(key, func(old bucket, loaded bool) (bucket, xsync.ComputeOp) {
		if !loaded || now.After(old.resetAt) {
			allowed = true
			return bucket{count: 1, resetAt: now.Add(m.window)}, xsync.UpdateOp
		}
		old.count++
		allowed = old.count <= m.quota
		return old, xsync.UpdateOp
	})

	return allowed
}

// Sweep drops every key whose window has closed and returns how many went.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0

	m.entries.Range(func(key string, _ bucket) bool {
		m.entries.Compute(key, func(old bucket, loaded bool) (bucket, xsync.ComputeOp) {
			if loaded && now.After(old.resetAt) {
				removed++
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return true
	})

	return removed
}

func (m *Memory) Size() int {
	return m.entries.Size()
}

// Run sweeps on every tick until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.WithField("component", "ratelimit").Debugf("swept %d expired keys, %d left", n, m.Size())
			}
		}
	}
}
