package content

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailkite/mailkite/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Loader builds the normalized content snapshot for one campaign. It runs
// at most once per cache entry.
type Loader func(ctx context.Context) (*domain.MessageContent, error)

// Cache holds precached campaign content for the lifetime of one dispatch
// run. It is constructed explicitly and passed into the dispatcher; there
// is no process-global instance.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*domain.MessageContent
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*domain.MessageContent)}
}

func cacheKey(campaignID int64, forwarded bool) string {
	return fmt.Sprintf("%d|%t", campaignID, forwarded)
}

// GetOrBuild returns the cached snapshot for (campaign, forwarded), running
// the loader on a miss. Concurrent callers for the same key share a single
// build.
func (c *Cache) GetOrBuild(ctx context.Context, campaignID int64, forwarded bool, load Loader) (*domain.MessageContent, error) {
	key := cacheKey(campaignID, forwarded)

	c.mu.RLock()
	if mc, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return mc, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the group: a finished flight may have populated
		// the entry between the read above and this call.
		c.mu.RLock()
		mc, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return mc, nil
		}

		mc, err := load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = mc
		c.mu.Unlock()
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.MessageContent), nil
}

// Invalidate drops both format entries for a campaign, forcing a rebuild on
// next access. Called when campaign content is edited.
func (c *Cache) Invalidate(campaignID int64) {
	c.mu.Lock()
	delete(c.entries, cacheKey(campaignID, false))
	delete(c.entries, cacheKey(campaignID, true))
	c.mu.Unlock()
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
