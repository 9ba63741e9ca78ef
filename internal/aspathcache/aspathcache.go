// Package aspathcache caches distinct AS paths and memoizes their
// ASPA validation verdict, grounded on aspath_cache.c's uthash-keyed
// PathListCacheTable.
package aspathcache

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/updateid"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// AType distinguishes AS_SEQUENCE from AS_SET path encodings.
type AType uint8

const (
	ASSequence AType = 1
	ASSet      AType = 2
)

// RelDir records which side of the path the recipient peer is on.
type RelDir uint8

const (
	RelUnknown RelDir = iota
	RelCustomer
	RelPeer
	RelProvider
)

// Entry is one cached AS path plus its most recently computed ASPA
// verdict.
type Entry struct {
	PathID       updateid.ID
	ASNs         []uint32
	AType        AType
	RelDir       RelDir
	AFI          uint16
	ASPAResult   verdict.Verdict
	LastModified int64 // unix seconds; stamped by the caller, not by this package
}

// Cache is the AS-path cache: a map keyed by PathID guarded by an
// RWMutex, mirroring the uthash+pthread_rwlock pair in the original.
type Cache struct {
	mu      sync.RWMutex
	entries map[updateid.ID]*Entry
	log     zerolog.Logger
}

// New creates an empty cache, logging under the "as-path-cache" component.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		entries: make(map[updateid.ID]*Entry),
		log:     log.With().Str("component", "as-path-cache").Logger(),
	}
}

// Store inserts a new entry. It reports false without modifying the
// cache if an entry with the same PathID already exists, mirroring
// storeAspathList's "attempt to store an update that already exists"
// warning path.
func (c *Cache) Store(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[e.PathID]; exists {
		c.log.Warn().Uint32("path_id", uint32(e.PathID)).Msg("attempt to store an update that already exists")
		return false
	}
	cp := *e
	c.entries[e.PathID] = &cp
	return true
}

// Lookup returns a copy of the cached entry for pathID, and whether it
// was found. A miss leaves the caller to treat the ASPA result as
// verdict.Undefined, mirroring getAspathListFromAspathCache setting
// SRx_RESULT_UNDEFINED on a miss.
func (c *Cache) Lookup(pathID updateid.ID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pathID]
	if !ok {
		return Entry{PathID: pathID, ASPAResult: verdict.Undefined}, false
	}
	return *e, true
}

// ModifyASPAResult updates the cached ASPA verdict and last-modified
// timestamp for pathID. The timestamp is always advanced; the verdict
// itself is only overwritten when it actually changes. A newResult of
// verdict.DoNotUse() is never applied and never advances the
// timestamp, mirroring modifyAspaValidationResultToAspathCache's
// SRx_RESULT_DONOTUSE guard -- this is the one path through which the
// internal sentinel must never reach the cache.
func (c *Cache) ModifyASPAResult(pathID updateid.ID, newResult verdict.Verdict, modifiedAt int64) bool {
	if newResult.IsDoNotUse() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return false
	}
	e.LastModified = modifiedAt
	if e.ASPAResult != newResult {
		e.ASPAResult = newResult
	}
	return true
}

// Delete removes pathID from the cache, reporting whether it was present.
func (c *Cache) Delete(pathID updateid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[pathID]; !ok {
		return false
	}
	delete(c.entries, pathID)
	return true
}

// Count returns the number of cached AS paths.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SortedByPathID returns a snapshot of all entries ordered by PathID,
// mirroring sortByPathId+HASH_ITER used together for deterministic dumps.
func (c *Cache) SortedByPathID() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out
}

// MakePathID derives the path fingerprint, delegating to updateid.PathID.
func MakePathID(asns []uint32, atype AType) updateid.ID {
	return updateid.PathID(asns, uint8(atype))
}
