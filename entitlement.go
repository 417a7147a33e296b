package keyshare

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Remembers refusals for a short while so a peer retrying across several rooms of the same
// space doesn't turn into a burst of delegate calls. Grants are never cached, every request
// that could be answered with keys asks the delegate. A zero ttl disables caching.
type entitlementCache struct {
	delegate Delegate
	ttl      time.Duration
	cache    *cache.Cache
}

func newEntitlementCache(d Delegate, ttl time.Duration) *entitlementCache {
	ec := &entitlementCache{delegate: d, ttl: ttl}
	if ttl > 0 {
		ec.cache = cache.New(ttl, 2*ttl)
	}
	return ec
}

func (ec *entitlementCache) isEntitled(ctx context.Context, spaceID, channelID, userID string, p Permission) (bool, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", spaceID, channelID, userID, p)
	if ec.cache != nil {
		if v, ok := ec.cache.Get(key); ok {
			return v.(bool), nil
		}
	}
	entitled, err := ec.delegate.IsEntitled(ctx, spaceID, channelID, userID, p)
	if err != nil {
		return false, err
	}
	if ec.cache != nil && !entitled {
		ec.cache.Set(key, false, cache.DefaultExpiration)
	}
	return entitled, nil
}
