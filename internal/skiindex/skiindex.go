// Package skiindex implements the three-level Subject Key Identifier
// index that backs BGPsec_PATH key-availability tracking: an ordered
// list of nodes keyed by the upper 16 bits of the ASN, each holding a
// direct 65536-slot array keyed by the lower 16 bits, each slot
// holding an ordered chain of algorithm buckets, each holding an
// ordered chain of SKI entries with a registered-update set.
package skiindex

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/updateid"
)

// RegResult mirrors the original e_Upd_RegRes outcome of registering
// an update's BGPsec_PATH attribute against the key cache.
type RegResult int

const (
	// RegError means the attribute itself could not be parsed.
	RegError RegResult = iota
	// RegInvalid means at least one required key is not yet cached.
	RegInvalid
	// RegUnknown means every required key is already cached, so the
	// update can be handed to the cryptographic verifier.
	RegUnknown
)

func (r RegResult) String() string {
	switch r {
	case RegError:
		return "error"
	case RegInvalid:
		return "invalid"
	case RegUnknown:
		return "unknown"
	default:
		return "?"
	}
}

const as2ArraySize = 1 << 16

// skiEntry is one (ASN, algoID, SKI) leaf, tracking which updates
// currently depend on this exact key triple.
type skiEntry struct {
	ski     [bgpsecpath.SKILength]byte
	keyRefs uint8 // number of times RegisterKey was called for this SKI
	updates []updateRef
}

type updateRef struct {
	id      updateid.ID
	counter uint16 // BZ1166: allow the same update to register more than once
}

type algoBucket struct {
	algoID  uint8
	entries []*skiEntry // ordered by SKI bytes
}

type node struct {
	upper uint16
	as2   [as2ArraySize][]*algoBucket // ordered by algoID within each slot
}

// Index is the SKI cache. A single mutex guards the whole structure,
// mirroring the original's single semaphore but without the
// tmpHelper-must-be-nil-before-unlock discipline the C version needs:
// Go's scoping makes that unnecessary.
type Index struct {
	mu    sync.Mutex
	nodes []*node // ordered by upper
	log   zerolog.Logger
}

// New creates an empty index, logging under the "ski-index" component.
func New(log zerolog.Logger) *Index {
	return &Index{log: log.With().Str("component", "ski-index").Logger()}
}

func (idx *Index) getOrCreateNode(upper uint16) *node {
	i := sort.Search(len(idx.nodes), func(i int) bool { return idx.nodes[i].upper >= upper })
	if i < len(idx.nodes) && idx.nodes[i].upper == upper {
		return idx.nodes[i]
	}
	n := &node{upper: upper}
	idx.nodes = append(idx.nodes, nil)
	copy(idx.nodes[i+1:], idx.nodes[i:])
	idx.nodes[i] = n
	return n
}

func (idx *Index) findNode(upper uint16) *node {
	i := sort.Search(len(idx.nodes), func(i int) bool { return idx.nodes[i].upper >= upper })
	if i < len(idx.nodes) && idx.nodes[i].upper == upper {
		return idx.nodes[i]
	}
	return nil
}

func getOrCreateAlgoBucket(n *node, lower uint16, algoID uint8, create bool) *algoBucket {
	buckets := n.as2[lower]
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].algoID >= algoID })
	if i < len(buckets) && buckets[i].algoID == algoID {
		return buckets[i]
	}
	if !create {
		return nil
	}
	b := &algoBucket{algoID: algoID}
	buckets = append(buckets, nil)
	copy(buckets[i+1:], buckets[i:])
	buckets[i] = b
	n.as2[lower] = buckets
	return b
}

func skiLess(a, b [bgpsecpath.SKILength]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func getOrCreateSKIEntry(b *algoBucket, ski [bgpsecpath.SKILength]byte, create bool) *skiEntry {
	i := sort.Search(len(b.entries), func(i int) bool { return !skiLess(b.entries[i].ski, ski) })
	if i < len(b.entries) && b.entries[i].ski == ski {
		return b.entries[i]
	}
	if !create {
		return nil
	}
	e := &skiEntry{ski: ski}
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	return e
}

// split divides a 32-bit ASN into the upper and lower 16-bit halves
// that select the node and as2-array slot respectively.
func split(asn uint32) (upper, lower uint16) {
	return uint16(asn >> 16), uint16(asn & 0xFFFF)
}

// RegisterUpdate parses attr (the BGPsec_PATH attribute body) and
// registers id against every (ASN, algoID, SKI) triple the path
// requires, creating cache entries for keys not yet known. It returns
// RegInvalid if any required key was not already cached, RegUnknown if
// every key was already present (so the caller may proceed straight to
// cryptographic verification), and RegError if attr does not parse.
func (idx *Index) RegisterUpdate(id updateid.ID, flags byte, attr []byte) (RegResult, error) {
	parsed, err := bgpsecpath.Parse(flags, attr)
	if err != nil {
		return RegError, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	allKnown := true
	for _, block := range parsed.Blocks {
		for segIdx, seg := range block.Segments {
			if segIdx >= len(parsed.Segments) {
				return RegError, fmt.Errorf("skiindex: signature segment count mismatch")
			}
			asn := parsed.Segments[segIdx].ASN
			upper, lower := split(asn)
			n := idx.getOrCreateNode(upper)
			b := getOrCreateAlgoBucket(n, lower, block.AlgoID, true)
			e := getOrCreateSKIEntry(b, seg.SKI, false)
			if e == nil || e.keyRefs == 0 {
				allKnown = false
				e = getOrCreateSKIEntry(b, seg.SKI, true)
			}
			addUpdateRef(e, id)
		}
	}

	if allKnown {
		return RegUnknown, nil
	}
	return RegInvalid, nil
}

func addUpdateRef(e *skiEntry, id updateid.ID) {
	for i := range e.updates {
		if e.updates[i].id == id {
			e.updates[i].counter++
			return
		}
	}
	e.updates = append(e.updates, updateRef{id: id, counter: 1})
}

func removeUpdateRef(e *skiEntry, id updateid.ID) {
	for i := range e.updates {
		if e.updates[i].id == id {
			e.updates[i].counter--
			if e.updates[i].counter == 0 {
				e.updates = append(e.updates[:i], e.updates[i+1:]...)
			}
			return
		}
	}
}

// UnregisterUpdate removes id's registration against every key the
// attribute's path requires. Missing entries are ignored (idempotent).
func (idx *Index) UnregisterUpdate(id updateid.ID, flags byte, attr []byte) error {
	parsed, err := bgpsecpath.Parse(flags, attr)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, block := range parsed.Blocks {
		for segIdx, seg := range block.Segments {
			if segIdx >= len(parsed.Segments) {
				continue
			}
			asn := parsed.Segments[segIdx].ASN
			upper, lower := split(asn)
			n := idx.findNode(upper)
			if n == nil {
				continue
			}
			b := getOrCreateAlgoBucket(n, lower, block.AlgoID, false)
			if b == nil {
				continue
			}
			e := getOrCreateSKIEntry(b, seg.SKI, false)
			if e == nil {
				continue
			}
			removeUpdateRef(e, id)
		}
	}
	return nil
}

// RegisterKey marks the (asn, algoID, ski) key as available, making
// future RegisterUpdate calls for that triple report RegUnknown. It
// returns the update ids already attached to this triple: per §4.3,
// the caller (coordinator/RTR ingestion) must enqueue a KEY change
// notification for each of them, since the key's availability (or,
// on a 1->2 transition, its collision status) just changed. The lock
// is released before returning so the caller enqueues into the change
// queue without holding two container locks at once (§5).
func (idx *Index) RegisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) []updateid.ID {
	idx.mu.Lock()
	upper, lower := split(asn)
	n := idx.getOrCreateNode(upper)
	b := getOrCreateAlgoBucket(n, lower, algoID, true)
	e := getOrCreateSKIEntry(b, ski, true)
	e.keyRefs++
	affected := affectedUpdateIDs(e)
	idx.mu.Unlock()
	return affected
}

// UnregisterKey reverses a RegisterKey call. Once keyRefs reaches zero
// the key is considered unavailable again, but update registrations
// already recorded against it are preserved (they will simply need the
// key again before the update can reach RegUnknown on re-evaluation).
// Like RegisterKey, it returns the attached update ids for the caller
// to enqueue a KEY notification for, and deletes the entry outright if
// invariant 1 (no keys, no updates) now applies.
func (idx *Index) UnregisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) []updateid.ID {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	upper, lower := split(asn)
	n := idx.findNode(upper)
	if n == nil {
		return nil
	}
	b := getOrCreateAlgoBucket(n, lower, algoID, false)
	if b == nil {
		return nil
	}
	e := getOrCreateSKIEntry(b, ski, false)
	if e == nil || e.keyRefs == 0 {
		idx.log.Warn().Uint32("asn", asn).Uint8("algo_id", algoID).Msg("unregister key: key_count already zero")
		return nil
	}
	e.keyRefs--
	affected := affectedUpdateIDs(e)
	if e.keyRefs == 0 && len(e.updates) == 0 {
		removeSKIEntry(b, ski)
	}
	return affected
}

// affectedUpdateIDs snapshots the update ids currently registered
// against e, for a caller to notify after releasing the index lock.
func affectedUpdateIDs(e *skiEntry) []updateid.ID {
	if len(e.updates) == 0 {
		return nil
	}
	out := make([]updateid.ID, len(e.updates))
	for i, u := range e.updates {
		out[i] = u.id
	}
	return out
}

// removeSKIEntry deletes the entry keyed by ski from b's chain.
func removeSKIEntry(b *algoBucket, ski [bgpsecpath.SKILength]byte) {
	for i, e := range b.entries {
		if e.ski == ski {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// HasKey reports whether a key is currently registered for the triple.
func (idx *Index) HasKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	upper, lower := split(asn)
	n := idx.findNode(upper)
	if n == nil {
		return false
	}
	b := getOrCreateAlgoBucket(n, lower, algoID, false)
	if b == nil {
		return false
	}
	e := getOrCreateSKIEntry(b, ski, false)
	return e != nil && e.keyRefs > 0
}

// Info is a snapshot summary, mirroring ski_examineCache's counters.
type Info struct {
	Nodes       int
	AlgoBuckets int
	SKIEntries  int
	Keys        int // sum of keyRefs across all entries
	Updates     int // sum of distinct update registrations
}

// Examine walks the whole index and returns aggregate counters. It
// never returns a live pointer into the index, unlike the original
// ski_examineCache which hands back a cursor that must be cleared
// before the lock is released.
func (idx *Index) Examine() Info {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var info Info
	info.Nodes = len(idx.nodes)
	for _, n := range idx.nodes {
		for _, buckets := range n.as2 {
			info.AlgoBuckets += len(buckets)
			for _, b := range buckets {
				info.SKIEntries += len(b.entries)
				for _, e := range b.entries {
					info.Keys += int(e.keyRefs)
					info.Updates += len(e.updates)
				}
			}
		}
	}
	return info
}

// Clean removes all entries with neither a registered key nor any
// update references, mirroring ski_clean(SKI_CLEAN_ALL).
func (idx *Index) Clean() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept := idx.nodes[:0]
	for _, n := range idx.nodes {
		nonEmpty := false
		for lower := range n.as2 {
			buckets := n.as2[lower][:0]
			for _, b := range n.as2[lower] {
				entries := b.entries[:0]
				for _, e := range b.entries {
					if e.keyRefs > 0 || len(e.updates) > 0 {
						entries = append(entries, e)
					}
				}
				b.entries = entries
				if len(b.entries) > 0 {
					buckets = append(buckets, b)
				}
			}
			n.as2[lower] = buckets
			if len(buckets) > 0 {
				nonEmpty = true
			}
		}
		if nonEmpty {
			kept = append(kept, n)
		}
	}
	idx.nodes = kept
}
