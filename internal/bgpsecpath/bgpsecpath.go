// Package bgpsecpath parses the RFC 8205 BGPsec_PATH attribute
// (Secure_Path plus one or two Signature_Blocks) into a structured
// form the SKI index can register and examine.
package bgpsecpath

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SKILength is the length in bytes of a Subject Key Identifier (SHA-1).
const SKILength = 20

// MaxSignatureBlocks is the number of algorithm suites a single
// BGPsec_PATH attribute may carry during an algorithm transition.
const MaxSignatureBlocks = 2

const secureSegmentLen = 6 // pCount(1) + flags(1) + asn(4)

// ErrMalformed is returned for any structurally invalid attribute; the
// caller must discard all partial parse state on this error.
var ErrMalformed = errors.New("bgpsecpath: malformed BGPsec_PATH attribute")

// SecurePathSegment is one hop of the AS path carried by Secure_Path.
type SecurePathSegment struct {
	PCount uint8
	Flags  uint8
	ASN    uint32
}

// SignatureSegment is one (SKI, signature) pair within a Signature_Block.
type SignatureSegment struct {
	SKI       [SKILength]byte
	Signature []byte
}

// SignatureBlock is one algorithm suite's worth of signature segments,
// ordered to align positionally with the Secure_Path segments.
type SignatureBlock struct {
	AlgoID   uint8
	Segments []SignatureSegment
}

// ParsedPath is the fully decoded BGPsec_PATH attribute.
type ParsedPath struct {
	Segments []SecurePathSegment
	Blocks   []SignatureBlock // 1 or 2 blocks
}

// NumSegments returns the number of AS-path hops.
func (p *ParsedPath) NumSegments() int { return len(p.Segments) }

// Equal compares two signature segments byte-wise. Unlike the original
// C implementation's pointer-equality shortcut, this never reports two
// structurally identical signatures as unequal.
func (s SignatureSegment) Equal(o SignatureSegment) bool {
	return s.SKI == o.SKI && bytes.Equal(s.Signature, o.Signature)
}

// extLengthFlag mirrors the BGP attribute extended-length flag bit.
const extLengthFlag = 0x10

// Parse decodes the attribute starting at its length field (the bytes
// following the BGP attribute flags and type octets); flags is the
// attribute flags byte, which indicates whether that length field is
// one or two bytes.
func Parse(flags byte, value []byte) (*ParsedPath, error) {
	stream := value
	var remainder int

	if flags&extLengthFlag == 0 {
		if len(stream) < 1 {
			return nil, fmt.Errorf("%w: missing length byte", ErrMalformed)
		}
		remainder = int(stream[0])
		stream = stream[1:]
	} else {
		if len(stream) < 2 {
			return nil, fmt.Errorf("%w: missing extended length", ErrMalformed)
		}
		remainder = int(binary.BigEndian.Uint16(stream))
		stream = stream[2:]
	}
	if remainder <= 0 {
		return nil, fmt.Errorf("%w: zero-length body", ErrMalformed)
	}
	if remainder > len(stream) {
		return nil, fmt.Errorf("%w: declared length exceeds buffer", ErrMalformed)
	}
	stream = stream[:remainder]

	// Secure_Path header: 2-byte total length (including itself).
	if len(stream) < 2 {
		return nil, fmt.Errorf("%w: truncated Secure_Path header", ErrMalformed)
	}
	spLen := int(binary.BigEndian.Uint16(stream))
	if spLen < 2 || (spLen-2)%secureSegmentLen != 0 {
		return nil, fmt.Errorf("%w: invalid Secure_Path length %d", ErrMalformed, spLen)
	}
	nrSegments := (spLen - 2) / secureSegmentLen
	remainder -= 2
	stream = stream[2:]
	if remainder <= 0 {
		return nil, fmt.Errorf("%w: empty Secure_Path body", ErrMalformed)
	}

	segBytes := nrSegments * secureSegmentLen
	if segBytes > len(stream) {
		return nil, fmt.Errorf("%w: Secure_Path segments truncated", ErrMalformed)
	}
	segments := make([]SecurePathSegment, nrSegments)
	for i := 0; i < nrSegments; i++ {
		b := stream[i*secureSegmentLen : (i+1)*secureSegmentLen]
		segments[i] = SecurePathSegment{
			PCount: b[0],
			Flags:  b[1],
			ASN:    binary.BigEndian.Uint32(b[2:6]),
		}
	}
	remainder -= segBytes
	stream = stream[segBytes:]
	if remainder < 0 {
		return nil, fmt.Errorf("%w: Secure_Path overruns attribute", ErrMalformed)
	}

	var blocks []SignatureBlock
	for blockIdx := 0; blockIdx < MaxSignatureBlocks && remainder > 0; blockIdx++ {
		block, consumed, err := parseSignatureBlock(stream, nrSegments)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
		stream = stream[consumed:]
		remainder -= consumed
	}
	if remainder != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after signature blocks", ErrMalformed, remainder)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no signature blocks present", ErrMalformed)
	}

	return &ParsedPath{Segments: segments, Blocks: blocks}, nil
}

// parseSignatureBlock decodes one Signature_Block: a 2-byte total
// length (including itself), a 1-byte algorithm id, then exactly
// nrSegments SignatureSegments (SKI[20] + 2-byte siglen + signature).
func parseSignatureBlock(stream []byte, nrSegments int) (SignatureBlock, int, error) {
	if len(stream) < 3 {
		return SignatureBlock{}, 0, fmt.Errorf("%w: truncated Signature_Block header", ErrMalformed)
	}
	blockLen := int(binary.BigEndian.Uint16(stream))
	if blockLen < 3 || blockLen > len(stream) {
		return SignatureBlock{}, 0, fmt.Errorf("%w: invalid Signature_Block length %d", ErrMalformed, blockLen)
	}
	algoID := stream[2]
	cursor := stream[3:blockLen]

	segments := make([]SignatureSegment, 0, nrSegments)
	for i := 0; i < nrSegments; i++ {
		if len(cursor) < SKILength+2 {
			return SignatureBlock{}, 0, fmt.Errorf("%w: truncated Signature_Segment", ErrMalformed)
		}
		var ski [SKILength]byte
		copy(ski[:], cursor[:SKILength])
		sigLen := int(binary.BigEndian.Uint16(cursor[SKILength : SKILength+2]))
		cursor = cursor[SKILength+2:]
		if sigLen > len(cursor) {
			return SignatureBlock{}, 0, fmt.Errorf("%w: signature length exceeds block", ErrMalformed)
		}
		sig := make([]byte, sigLen)
		copy(sig, cursor[:sigLen])
		cursor = cursor[sigLen:]
		segments = append(segments, SignatureSegment{SKI: ski, Signature: sig})
	}
	if len(cursor) != 0 {
		return SignatureBlock{}, 0, fmt.Errorf("%w: %d trailing bytes in Signature_Block", ErrMalformed, len(cursor))
	}
	return SignatureBlock{AlgoID: algoID, Segments: segments}, blockLen, nil
}
