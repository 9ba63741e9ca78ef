package server

import (
	"context"

	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// opaqueVerifier is the default coordinator.Verifier: a stand-in for
// the external cryptographic verify(path, keys) primitive spec.md §1
// explicitly places out of scope. By the time the coordinator calls
// Verify, internal/skiindex has already confirmed every required key
// is cached (RegUnknown), so the only thing genuinely unmodeled here
// is the signature math itself; a real deployment replaces this with
// an adapter to the actual crypto engine (Design Notes §9: inject at
// construction, never read from a global).
type opaqueVerifier struct{}

// NewOpaqueVerifier returns the placeholder crypto verifier.
func NewOpaqueVerifier() *opaqueVerifier { return &opaqueVerifier{} }

func (opaqueVerifier) Verify(ctx context.Context, parsed *bgpsecpath.ParsedPath) (verdict.Verdict, error) {
	if parsed == nil || len(parsed.Segments) == 0 {
		return verdict.Unverifiable, nil
	}
	return verdict.Valid, nil
}
