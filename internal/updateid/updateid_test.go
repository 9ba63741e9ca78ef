package updateid

import (
	"testing"

	"github.com/nist-bgp/srx-valcache/internal/prefix"
)

func TestFingerprintDeterministic(t *testing.T) {
	p, err := prefix.Parse("192.0.2.0/24")
	if err != nil {
		t.Fatal(err)
	}
	a := Fingerprint(65001, p, []byte{1, 2, 3})
	b := Fingerprint(65001, p, []byte{1, 2, 3})
	if a != b {
		t.Fatal("same inputs must produce the same fingerprint")
	}
}

func TestFingerprintSensitiveToEachField(t *testing.T) {
	p1, _ := prefix.Parse("192.0.2.0/24")
	p2, _ := prefix.Parse("192.0.3.0/24")

	base := Fingerprint(65001, p1, []byte{1, 2, 3})
	diffOrigin := Fingerprint(65002, p1, []byte{1, 2, 3})
	diffPrefix := Fingerprint(65001, p2, []byte{1, 2, 3})
	diffBlob := Fingerprint(65001, p1, []byte{1, 2, 4})

	if base == diffOrigin || base == diffPrefix || base == diffBlob {
		t.Fatal("fingerprint did not change when an input field changed")
	}
}

func TestCompareModes(t *testing.T) {
	p1, _ := prefix.Parse("192.0.2.0/24")
	a := Source{OriginASN: 65001, Prefix: p1, PathBlob: []byte{1, 2}}
	b := Source{OriginASN: 65002, Prefix: p1, PathBlob: []byte{1, 2}}

	if Compare(a, b, OV) {
		t.Error("OV should distinguish different origin AS")
	}
	if !Compare(a, b, PV) {
		t.Error("PV should ignore origin AS")
	}
	if Compare(a, b, Both) {
		t.Error("Both should distinguish different origin AS")
	}
}

func TestKeyForPVIgnoresOriginASN(t *testing.T) {
	p1, _ := prefix.Parse("192.0.2.0/24")
	a := Source{OriginASN: 65001, Prefix: p1, PathBlob: []byte{1, 2}}
	b := Source{OriginASN: 65002, Prefix: p1, PathBlob: []byte{1, 2}}

	if a.KeyFor(PV) != b.KeyFor(PV) {
		t.Error("PV key must not depend on origin AS")
	}
	if a.KeyFor(OV) == a.KeyFor(PV) {
		t.Error("OV and PV keys should not coincidentally collide for this fixture")
	}
}

func TestPathIDDeterministic(t *testing.T) {
	a := PathID([]uint32{65001, 65002}, 2)
	b := PathID([]uint32{65001, 65002}, 2)
	if a != b {
		t.Fatal("same path must produce the same PathID")
	}
	c := PathID([]uint32{65001, 65003}, 2)
	if a == c {
		t.Fatal("different paths must not collide trivially")
	}
}
