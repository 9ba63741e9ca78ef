// Package aspastore tracks ASPA (Autonomous System Provider
// Authorization) records fed by RTR ASPA PDUs: a lock-free concurrent
// map from customer ASN to its authorized provider ASNs, grounded on
// stages/limit.go's use of puzpuzpuz/xsync for per-key counters.
package aspastore

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// Store is the ASPA customer->providers table.
type Store struct {
	providers *xsync.MapOf[uint32, []uint32]
}

// New creates an empty ASPA store.
func New() *Store {
	return &Store{providers: xsync.NewMapOf[uint32, []uint32]()}
}

// Set replaces the provider set for customerASN, as delivered by a
// full ASPA PDU from RTR.
func (s *Store) Set(customerASN uint32, providerASNs []uint32) {
	cp := make([]uint32, len(providerASNs))
	copy(cp, providerASNs)
	s.providers.Store(customerASN, cp)
}

// Remove deletes the ASPA record for customerASN.
func (s *Store) Remove(customerASN uint32) {
	s.providers.Delete(customerASN)
}

// Providers returns the authorized providers for customerASN.
func (s *Store) Providers(customerASN uint32) ([]uint32, bool) {
	return s.providers.Load(customerASN)
}

// Validate checks whether the AS path (ordered from origin to the
// observing router, as AS_PATH segments are encoded) is consistent
// with the registered ASPA objects: every customer->provider hop along
// the path must be an authorized provider relationship, per RFC 9582's
// up-ramp/down-ramp validation shape simplified to hop adjacency.
func (s *Store) Validate(path []uint32) verdict.Verdict {
	if len(path) < 2 {
		return verdict.NotFound
	}
	haveAny := false
	for i := 0; i < len(path)-1; i++ {
		customer, provider := path[i], path[i+1]
		providers, ok := s.Providers(customer)
		if !ok {
			continue
		}
		haveAny = true
		if !containsASN(providers, provider) {
			return verdict.Invalid
		}
	}
	if !haveAny {
		return verdict.NotFound
	}
	return verdict.Valid
}

func containsASN(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
