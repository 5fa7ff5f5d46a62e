package authz

import (
	"sync/atomic"
	"time"

	"meshtrust/pkg/keys"
)

type snapshot struct {
	roles    map[keys.Role]map[keys.PublicKey]struct{}
	loadedAt time.Time
}

// KeyCache is a read-mostly view of registered keys. Readers never block:
// every change builds a new snapshot and swaps it in.
type KeyCache struct {
	cur      atomic.Pointer[snapshot]
	maxStale time.Duration
	now      func() time.Time
}

func NewKeyCache(maxStale time.Duration) *KeyCache {
	return &KeyCache{maxStale: maxStale, now: time.Now}
}

// Contains reports a positive hit only. A missing, empty or stale snapshot
// answers false and the caller must consult the store.
func (c *KeyCache) Contains(key keys.PublicKey, role keys.Role) bool {
	snap := c.cur.Load()
	if snap == nil {
		return false
	}
	if c.maxStale > 0 && c.now().Sub(snap.loadedAt) > c.maxStale {
		return false
	}
	_, ok := snap.roles[role][key]
	return ok
}

// Evict removes key from role. It always installs a new snapshot so that any
// refresh started before the eviction loses its compare-and-swap.
func (c *KeyCache) Evict(key keys.PublicKey, role keys.Role) {
	for {
		old := c.cur.Load()
		next := &snapshot{roles: map[keys.Role]map[keys.PublicKey]struct{}{}}
		if old != nil {
			next.loadedAt = old.loadedAt
			for r, set := range old.roles {
				if r != role {
					next.roles[r] = set
					continue
				}
				copied := make(map[keys.PublicKey]struct{}, len(set))
				for k := range set {
					if k != key {
						copied[k] = struct{}{}
					}
				}
				next.roles[r] = copied
			}
		}
		if c.cur.CompareAndSwap(old, next) {
			return
		}
	}
}

// begin returns the snapshot a refresh must replace.
func (c *KeyCache) begin() *snapshot {
	return c.cur.Load()
}

// commit installs a freshly loaded view unless the cache changed since
// begin returned prev.
func (c *KeyCache) commit(prev *snapshot, roles map[keys.Role]map[keys.PublicKey]struct{}) bool {
	return c.cur.CompareAndSwap(prev, &snapshot{roles: roles, loadedAt: c.now()})
}

// Len counts cached (key, role) pairs.
func (c *KeyCache) Len() int {
	snap := c.cur.Load()
	if snap == nil {
		return 0
	}
	n := 0
	for _, set := range snap.roles {
		n += len(set)
	}
	return n
}
