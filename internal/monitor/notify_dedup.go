package monitor

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	notifyDedupSize = 128
	notifyDedupTTL  = 10 * time.Minute
)

// notifyDedup suppresses repeats of the same disconnect notification while
// the bot is stuck in a retry loop.
type notifyDedup struct {
	cache *expirable.LRU[string, struct{}]
}

func newNotifyDedup(size int, ttl time.Duration) *notifyDedup {
	if size <= 0 {
		size = notifyDedupSize
	}
	return &notifyDedup{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// seen reports whether key was recorded within the TTL, recording it if not.
func (d *notifyDedup) seen(key string) bool {
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// reset forgets every key, so the next failure after a join is reported.
func (d *notifyDedup) reset() {
	d.cache.Purge()
}
