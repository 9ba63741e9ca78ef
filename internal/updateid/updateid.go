// Package updateid derives the CRC32-based fingerprints used to
// identify BGP updates (UpdateID) and AS paths (PathID) throughout the
// cache, mirroring the canonical hex-ASCII encoding of the original
// srx_identifier.c generator.
package updateid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"

	"github.com/nist-bgp/srx-valcache/internal/prefix"
)

// ID is a 32-bit update fingerprint, unique for a given
// (originASN, prefix, path-blob) triple with overwhelming probability.
type ID uint32

// Mode selects which fields two IDs are compared by. Because ID itself
// is a single checksum over all three fields, equality under OV/PV is
// determined by re-deriving the relevant partial fingerprint rather
// than inverting the full one; Source retains the inputs needed for
// that (see Compare).
type Mode int

const (
	// OV compares by origin-AS + prefix only (ignoring the path blob).
	OV Mode = iota
	// PV compares by prefix + path blob only (ignoring the origin AS).
	PV
	// Both compares the full (origin, prefix, path) triple.
	Both
)

// Source retains the inputs that produced an ID, since Both-mode IDs
// cannot be decomposed back into OV/PV components from the checksum
// alone (Open Question #4 in DESIGN.md).
type Source struct {
	OriginASN uint32
	Prefix    prefix.Prefix
	PathBlob  []byte
}

// Fingerprint computes the UpdateID for a given origin AS, prefix, and
// path blob (either the raw AS_PATH ASN list or the BGPsec_PATH
// attribute bytes, per the caller's choice -- see coordinator).
func Fingerprint(originASN uint32, p prefix.Prefix, pathBlob []byte) ID {
	return ID(crc32.ChecksumIEEE(canonicalHex(originASN, p, pathBlob)))
}

// canonicalHex builds the ASCII-hex text the original CRC32 is computed
// over: 8 hex chars for the ASN, then the prefix address bytes and
// length in hex, then the path blob bytes in hex. srx_identifier.c
// builds this string with sprintf("%08X", ...), so the hex digits must
// be uppercase -- hex.Encode alone emits lowercase.
func canonicalHex(originASN uint32, p prefix.Prefix, pathBlob []byte) []byte {
	var asnBytes [4]byte
	binary.BigEndian.PutUint32(asnBytes[:], originASN)

	raw := make([]byte, 0, 4+len(p.Bytes())+1+len(pathBlob))
	raw = append(raw, asnBytes[:]...)
	raw = append(raw, p.Bytes()...)
	raw = append(raw, byte(p.Len()))
	raw = append(raw, pathBlob...)

	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return bytes.ToUpper(out)
}

// Compare reports whether a and b refer to the same update under the
// given comparison mode, using the original Source data each ID was
// derived from (equality under a checksum requires the inputs, not
// just the checksums, for any mode narrower than Both).
func Compare(a, b Source, mode Mode) bool {
	switch mode {
	case OV:
		return a.OriginASN == b.OriginASN && samePrefix(a.Prefix, b.Prefix)
	case PV:
		return samePrefix(a.Prefix, b.Prefix) && bytesEqual(a.PathBlob, b.PathBlob)
	default:
		return a.OriginASN == b.OriginASN && samePrefix(a.Prefix, b.Prefix) && bytesEqual(a.PathBlob, b.PathBlob)
	}
}

// KeyFor derives a map key for the given comparison mode from a
// Source, letting callers (internal/changequeue) index pending work by
// OV/PV identity in O(1) instead of an O(n) Compare scan.
func (s Source) KeyFor(mode Mode) ID {
	switch mode {
	case OV:
		return Fingerprint(s.OriginASN, s.Prefix, nil)
	case PV:
		return Fingerprint(0, s.Prefix, s.PathBlob)
	default:
		return Fingerprint(s.OriginASN, s.Prefix, s.PathBlob)
	}
}

func samePrefix(a, b prefix.Prefix) bool {
	return a.Version() == b.Version() && a.Len() == b.Len() && a.String() == b.String()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PathID is the AS-path cache's own fingerprint, over (asns, asType)
// only, mirroring aspath_cache.c's makePathId.
func PathID(asns []uint32, asType uint8) ID {
	raw := make([]byte, 0, len(asns)*4+1)
	for _, asn := range asns {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], asn)
		raw = append(raw, b[:]...)
	}
	raw = append(raw, asType)

	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return ID(crc32.ChecksumIEEE(bytes.ToUpper(out)))
}
