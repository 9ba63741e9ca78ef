// Package roastore is the default concrete implementation of the
// origin-validation oracle: a longest-prefix-match table of ROA VRPs
// fed by RTR deltas, grounded on stages/rpki/rtr.go's ROA-map shape
// but backed by a real LPM trie (gaissmai/bart) instead of a linear
// most-specific-first scan over a plain map.
package roastore

import (
	"sync"

	"github.com/gaissmai/bart"

	"github.com/nist-bgp/srx-valcache/internal/prefix"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// VRP is one Validated ROA Payload.
type VRP struct {
	ASN    uint32
	MaxLen int
}

// Store is a concurrency-safe ROA table. bart.Table itself is not
// safe for concurrent readers and writers, so a RWMutex guards it the
// way the teacher guards its atomic-pointer ROA maps during RTR
// cache-reset swaps.
type Store struct {
	mu sync.RWMutex
	t  bart.Table[[]VRP]
}

// New creates an empty ROA store.
func New() *Store {
	return &Store{}
}

// Add registers a VRP for pfx, appending to any existing VRPs already
// registered for the exact same prefix (a MOAS announcement).
func (s *Store) Add(pfx prefix.Prefix, vrp VRP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := pfx.Netip()
	existing, _ := s.t.Get(np)
	s.t.Insert(np, append(existing, vrp))
}

// Remove deletes one VRP (matched by ASN+MaxLen) from pfx's entry,
// removing the prefix's own table entry if that empties it.
func (s *Store) Remove(pfx prefix.Prefix, vrp VRP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := pfx.Netip()
	existing, ok := s.t.Get(np)
	if !ok {
		return
	}
	out := existing[:0]
	for _, v := range existing {
		if v != vrp {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		s.t.Delete(np)
		return
	}
	s.t.Insert(np, out)
}

// Reset replaces the entire table contents, used on RTR cache reset /
// end-of-data full-table swaps.
func (s *Store) Reset(entries map[prefix.Prefix][]VRP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t bart.Table[[]VRP]
	for pfx, vrps := range entries {
		t.Insert(pfx.Netip(), vrps)
	}
	s.t = t
}

// Validate returns the origin validation verdict for an announced
// (prefix, originASN) pair: Valid as soon as any covering VRP (at any
// length) authorizes the origin, Invalid if at least one covering VRP
// exists but none authorize it, NotFound if no covering VRP exists at
// all. Every covering level is walked -- exact match, then every
// supernet from most- to least-specific -- exactly like
// stages/rpki/validate.go's validatePrefix: a non-authorizing ROA at
// one level must never shadow an authorizing ROA at another.
func (s *Store) Validate(pfx prefix.Prefix, originASN uint32) verdict.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	np := pfx.Netip()
	length := pfx.Len()
	found := false

	if vrps, ok := s.t.Get(np); ok {
		if v, ok := match(vrps, length, originASN); ok {
			if v == verdict.Valid {
				return verdict.Valid
			}
			found = true
		}
	}
	for _, vrps := range s.t.Supernets(np) {
		if v, ok := match(vrps, length, originASN); ok {
			if v == verdict.Valid {
				return verdict.Valid
			}
			found = true
		}
	}

	if found {
		return verdict.Invalid
	}
	return verdict.NotFound
}

func match(vrps []VRP, length int, originASN uint32) (verdict.Verdict, bool) {
	if len(vrps) == 0 {
		return verdict.NotFound, false
	}
	for _, v := range vrps {
		if v.ASN == originASN && length <= v.MaxLen {
			return verdict.Valid, true
		}
	}
	return verdict.Invalid, true
}
