package rtr

import (
	"net/netip"
	"testing"

	rtrlib "github.com/bgp/stayrtr/lib"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nist-bgp/srx-valcache/internal/aspastore"
	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/prefix"
	"github.com/nist-bgp/srx-valcache/internal/roastore"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// flagRemoved is any flag value distinct from rtrlib.FLAG_ADDED; the
// withdraw branches only ever compare against FLAG_ADDED, never name
// their own constant.
var flagRemoved = rtrlib.FLAG_ADDED + 1

type fakeKeys struct {
	registered   int
	unregistered int
}

func (f *fakeKeys) RegisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) {
	f.registered++
}
func (f *fakeKeys) UnregisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) {
	f.unregistered++
}

type fakeChange struct {
	roaCalls  int
	aspaCalls []uint32
}

func (f *fakeChange) NotifyROAChange() { f.roaCalls++ }
func (f *fakeChange) NotifyASPAChange(customerASN uint32, now int64) {
	f.aspaCalls = append(f.aspaCalls, customerASN)
}

func newTestClient() (*Client, *fakeKeys, *fakeChange, *roastore.Store, *aspastore.Store) {
	roa := roastore.New()
	keys := &fakeKeys{}
	aspas := aspastore.New()
	change := &fakeChange{}
	c := New(zerolog.Nop(), Config{}, roa, keys, aspas, change, nil)
	return c, keys, change, roa, aspas
}

func TestHandlePrefixAddThenRemove(t *testing.T) {
	c, _, _, roa, _ := newTestClient()
	p := netip.MustParsePrefix("10.0.0.0/24")
	pfx, err := prefix.FromNetip(p)
	require.NoError(t, err)

	c.handlePrefix(p, 24, 65001, rtrlib.FLAG_ADDED)
	require.Equal(t, verdict.Valid, roa.Validate(pfx, 65001))

	c.handlePrefix(p, 24, 65001, flagRemoved)
	require.Equal(t, verdict.NotFound, roa.Validate(pfx, 65001))
}

func TestHandleKeyDispatchesAddAndRemove(t *testing.T) {
	c, keys, _, _, _ := newTestClient()
	var ski [bgpsecpath.SKILength]byte

	c.handleKey(65001, ski, 1, rtrlib.FLAG_ADDED)
	require.Equal(t, 1, keys.registered)

	c.handleKey(65001, ski, 1, flagRemoved)
	require.Equal(t, 1, keys.unregistered)
}

func TestHandleASPASetsAndNotifies(t *testing.T) {
	c, _, change, _, aspas := newTestClient()

	c.handleASPA(65005, []uint32{65006, 65007}, rtrlib.FLAG_ADDED)

	require.Equal(t, verdict.Valid, aspas.Validate([]uint32{65005, 65006}))
	require.Len(t, change.aspaCalls, 1)
	require.Equal(t, uint32(65005), change.aspaCalls[0])
}

func TestHandleASPARemoveNotifies(t *testing.T) {
	c, _, change, _, _ := newTestClient()
	c.handleASPA(65008, []uint32{65009}, rtrlib.FLAG_ADDED)
	c.handleASPA(65008, nil, flagRemoved)
	require.Len(t, change.aspaCalls, 2)
}
