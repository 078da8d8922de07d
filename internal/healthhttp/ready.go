package healthhttp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
)

// readyCache hands out the last readiness report per tag selection until it
// is ttl old. Callers that arrive during a refresh wait for it instead of
// starting their own fan-out.
type readyCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]readyEntry
}

type readyEntry struct {
	rep health.Report
	at  time.Time
}

func newReadyCache(ttl time.Duration) *readyCache {
	return &readyCache{ttl: ttl, now: time.Now, entries: map[string]readyEntry{}}
}

func (c *readyCache) report(ctx context.Context, tags []string, run func(context.Context) health.Report) health.Report {
	if c.ttl <= 0 {
		return run(ctx)
	}
	key := strings.Join(tags, "\x00")

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.at) < c.ttl {
		return e.rep
	}
	rep := run(ctx)
	// a caller that went away saw cancellations, not the dependencies
	if ctx.Err() != nil {
		return rep
	}
	for k, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = readyEntry{rep: rep, at: c.now()}
	return rep
}
