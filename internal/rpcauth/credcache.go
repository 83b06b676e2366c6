package rpcauth

import (
	"fmt"
	"sync"
)

// CredOps is the policy a flavor plugs into the credential cache.
type CredOps interface {
	// MatchCred reports whether cred satisfies acred. The cache calls it
	// under the cache lock; it must not block.
	MatchCred(acred AuthCred, cred Cred, flags int) bool

	// CreateCred allocates a fresh, not-yet-established credential for
	// acred. The cache inserts it before returning it to the caller, so
	// concurrent lookups for the same principal converge on one entry.
	CreateCred(acred AuthCred, flags int) (Cred, error)
}

// CredCache is the generic credential cache the runtime supplies to auth
// flavors. Entries are bucketed by uid; within a bucket the flavor's
// MatchCred decides hits.
//
// Thread safety: all methods are safe for concurrent use.
type CredCache struct {
	mu      sync.Mutex
	buckets map[uint32][]Cred
	ops     CredOps
}

// NewCredCache creates an empty cache using ops for match/create policy.
func NewCredCache(ops CredOps) *CredCache {
	return &CredCache{
		buckets: make(map[uint32][]Cred),
		ops:     ops,
	}
}

// Lookup returns a credential satisfying acred, creating one if no cached
// entry matches. Two racing lookups for the same principal return the same
// credential: insertion happens under the cache lock with a re-check.
func (c *CredCache) Lookup(acred AuthCred, flags int) (Cred, error) {
	c.mu.Lock()
	if cred := c.findLocked(acred, flags); cred != nil {
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	// Allocate outside the lock; creation may be arbitrarily expensive.
	fresh, err := c.ops.CreateCred(acred, flags)
	if err != nil {
		return nil, fmt.Errorf("create credential for uid %d: %w", acred.UID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cred := c.findLocked(acred, flags); cred != nil {
		// Lost the race; discard ours.
		fresh.Destroy()
		return cred, nil
	}
	c.buckets[acred.UID] = append(c.buckets[acred.UID], fresh)
	return fresh, nil
}

func (c *CredCache) findLocked(acred AuthCred, flags int) Cred {
	for _, cred := range c.buckets[acred.UID] {
		if c.ops.MatchCred(acred, cred, flags) {
			return cred
		}
	}
	return nil
}

// Evict removes cred from the cache without destroying it.
func (c *CredCache) Evict(cred Cred, uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[uid]
	for i, entry := range bucket {
		if entry == cred {
			c.buckets[uid] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Destroy tears the cache down, destroying every cached credential. The
// cache must be destroyed before the owning authenticator is released.
func (c *CredCache) Destroy() {
	c.mu.Lock()
	buckets := c.buckets
	c.buckets = make(map[uint32][]Cred)
	c.mu.Unlock()

	for _, bucket := range buckets {
		for _, cred := range bucket {
			cred.Destroy()
		}
	}
}

// Len returns the number of cached credentials.
func (c *CredCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bucket := range c.buckets {
		n += len(bucket)
	}
	return n
}
