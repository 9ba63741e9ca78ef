package skiindex

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/updateid"
)

func buildAttr(t *testing.T, asn uint32, ski byte) []byte {
	t.Helper()
	var body bytes.Buffer
	body.Write([]byte{0x00, 0x08})
	var seg [6]byte
	seg[0] = 1
	seg[1] = 0
	seg[2] = byte(asn >> 24)
	seg[3] = byte(asn >> 16)
	seg[4] = byte(asn >> 8)
	seg[5] = byte(asn)
	body.Write(seg[:])

	var block bytes.Buffer
	block.Write([]byte{0x00, 0x1D})
	block.WriteByte(1) // algoID
	block.Write(bytes.Repeat([]byte{ski}, bgpsecpath.SKILength))
	block.Write([]byte{0x00, 0x04})
	block.Write([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	full := append(body.Bytes(), block.Bytes()...)
	var out bytes.Buffer
	out.WriteByte(byte(len(full)))
	out.Write(full)
	return out.Bytes()
}

func TestRegisterUpdateInvalidThenUnknownAfterKey(t *testing.T) {
	idx := New(zerolog.Nop())
	attr := buildAttr(t, 65001, 0x11)
	id := updateid.ID(1)

	res, err := idx.RegisterUpdate(id, 0x00, attr)
	if err != nil {
		t.Fatalf("RegisterUpdate: %v", err)
	}
	if res != RegInvalid {
		t.Fatalf("got %v, want RegInvalid (no key registered yet)", res)
	}

	var ski [bgpsecpath.SKILength]byte
	for i := range ski {
		ski[i] = 0x11
	}
	affected := idx.RegisterKey(65001, 1, ski)
	if len(affected) != 1 || affected[0] != id {
		t.Fatalf("expected RegisterKey to report update %v as affected, got %v", id, affected)
	}

	if !idx.HasKey(65001, 1, ski) {
		t.Fatal("expected key to be registered")
	}

	res2, err := idx.RegisterUpdate(updateid.ID(2), 0x00, attr)
	if err != nil {
		t.Fatalf("RegisterUpdate: %v", err)
	}
	if res2 != RegUnknown {
		t.Fatalf("got %v, want RegUnknown (key now present)", res2)
	}
}

func TestRegisterUpdateErrorOnMalformed(t *testing.T) {
	idx := New(zerolog.Nop())
	_, err := idx.RegisterUpdate(updateid.ID(1), 0x00, []byte{0x00})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUnregisterUpdateRemovesRef(t *testing.T) {
	idx := New(zerolog.Nop())
	attr := buildAttr(t, 65001, 0x22)
	id := updateid.ID(7)

	if _, err := idx.RegisterUpdate(id, 0x00, attr); err != nil {
		t.Fatal(err)
	}
	info := idx.Examine()
	if info.Updates == 0 {
		t.Fatal("expected at least one update reference after register")
	}

	if err := idx.UnregisterUpdate(id, 0x00, attr); err != nil {
		t.Fatal(err)
	}
	idx.Clean()
	info2 := idx.Examine()
	if info2.Updates != 0 {
		t.Fatalf("expected 0 update refs after unregister+clean, got %d", info2.Updates)
	}
}

func TestRegisterKeyUnregisterKey(t *testing.T) {
	idx := New(zerolog.Nop())
	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0xFF
	idx.RegisterKey(65002, 1, ski)
	if !idx.HasKey(65002, 1, ski) {
		t.Fatal("expected key present")
	}
	idx.UnregisterKey(65002, 1, ski)
	if idx.HasKey(65002, 1, ski) {
		t.Fatal("expected key absent after unregister")
	}
}

func TestRegisterKeyCollisionNotifiesAttachedUpdates(t *testing.T) {
	idx := New(zerolog.Nop())
	attr := buildAttr(t, 64496, 0xAB)
	id := updateid.ID(1)

	res, err := idx.RegisterUpdate(id, 0x00, attr)
	if err != nil {
		t.Fatal(err)
	}
	if res != RegInvalid {
		t.Fatalf("got %v, want RegInvalid", res)
	}

	var ski [bgpsecpath.SKILength]byte
	for i := range ski {
		ski[i] = 0xAB
	}

	// first key: U1 becomes attached and is reported.
	affected := idx.RegisterKey(64496, 1, ski)
	if len(affected) != 1 || affected[0] != id {
		t.Fatalf("expected U1 reported on first key, got %v", affected)
	}

	// second (colliding) key for the same triple: U1 is reported again
	// (key_count 1->2 collision rule), not silently dropped.
	affected2 := idx.RegisterKey(64496, 1, ski)
	if len(affected2) != 1 || affected2[0] != id {
		t.Fatalf("expected U1 reported again on key collision, got %v", affected2)
	}
}

func TestUnregisterKeyReportsAttachedUpdatesAndDeletesEmptyEntry(t *testing.T) {
	idx := New(zerolog.Nop())
	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0x7E
	idx.RegisterKey(65003, 2, ski)
	if !idx.HasKey(65003, 2, ski) {
		t.Fatal("expected key present")
	}
	affected := idx.UnregisterKey(65003, 2, ski)
	if len(affected) != 0 {
		t.Fatalf("expected no attached updates, got %v", affected)
	}
	if idx.HasKey(65003, 2, ski) {
		t.Fatal("expected key gone after unregister")
	}
	info := idx.Examine()
	if info.SKIEntries != 0 {
		t.Fatalf("expected entry removed once both keyRefs and updates are empty, got %d entries", info.SKIEntries)
	}
}

func TestUpperLowerSplitAcrossNodes(t *testing.T) {
	idx := New(zerolog.Nop())
	// ASN with a non-zero upper 16 bits.
	attr := buildAttr(t, 0x00020001, 0x33)
	if _, err := idx.RegisterUpdate(updateid.ID(1), 0x00, attr); err != nil {
		t.Fatal(err)
	}
	info := idx.Examine()
	if info.Nodes != 1 {
		t.Fatalf("expected exactly one node for a single upper-bucket ASN, got %d", info.Nodes)
	}
}
