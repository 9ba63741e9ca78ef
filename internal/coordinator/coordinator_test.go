package coordinator

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nist-bgp/srx-valcache/internal/aspathcache"
	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/changequeue"
	"github.com/nist-bgp/srx-valcache/internal/prefix"
	"github.com/nist-bgp/srx-valcache/internal/skiindex"
	"github.com/nist-bgp/srx-valcache/internal/updateid"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// --- fake collaborators ---

type fakeOracle struct{ v verdict.Verdict }

func (f fakeOracle) Validate(p prefix.Prefix, originASN uint32) verdict.Verdict { return f.v }

type fakeASPA struct{ v verdict.Verdict }

func (f fakeASPA) Validate(path []uint32) verdict.Verdict { return f.v }

type fakeVerifier struct {
	v   verdict.Verdict
	err error
}

func (f fakeVerifier) Verify(ctx context.Context, parsed *bgpsecpath.ParsedPath) (verdict.Verdict, error) {
	return f.v, f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []VerifyNotify
}

func (r *recordingNotifier) Notify(proxyID string, n VerifyNotify) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

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
	// SKI is ski followed by zero bytes, the same shape as the keys the
	// tests register (only ski[0] set).
	skiBytes := make([]byte, bgpsecpath.SKILength)
	skiBytes[0] = ski
	block.Write(skiBytes)
	block.Write([]byte{0x00, 0x04})
	block.Write([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	full := append(body.Bytes(), block.Bytes()...)
	var out bytes.Buffer
	out.WriteByte(byte(len(full)))
	out.Write(full)
	return out.Bytes()
}

func newTestCoordinator(oracleV, aspaV, verifierV verdict.Verdict) (*Coordinator, *recordingNotifier) {
	ski := skiindex.New(zerolog.Nop())
	queue := changequeue.New(zerolog.Nop())
	pathCache := aspathcache.New(zerolog.Nop())
	notifier := &recordingNotifier{}
	c := New(zerolog.Nop(), ski, queue, pathCache, fakeOracle{oracleV}, fakeASPA{aspaV}, fakeVerifier{v: verifierV}, notifier)
	return c, notifier
}

func TestVerifyOriginOnly(t *testing.T) {
	c, _ := newTestCoordinator(verdict.Valid, verdict.Valid, verdict.Valid)
	p, err := prefix.Parse("10.0.0.0/24")
	require.NoError(t, err)

	res, err := c.Verify(context.Background(), VerifyRequest{
		ProxyID:   "r1",
		LocalID:   7,
		DoOrigin:  true,
		Prefix:    p,
		OriginASN: 65001,
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Valid, res.OriginResult)
	require.Equal(t, verdict.Undefined, res.PathResult)
}

func TestVerifyPathMissingKeyIsInvalid(t *testing.T) {
	c, _ := newTestCoordinator(verdict.Valid, verdict.Valid, verdict.Valid)
	p, _ := prefix.Parse("10.0.0.0/24")
	attr := buildAttr(t, 65001, 0x22) // key never registered

	res, err := c.Verify(context.Background(), VerifyRequest{
		ProxyID:    "r1",
		DoPath:     true,
		Prefix:     p,
		BGPsecBlob: attr,
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Invalid, res.PathResult)
}

func TestVerifyPathKnownKeyCallsVerifier(t *testing.T) {
	c, _ := newTestCoordinator(verdict.Valid, verdict.Valid, verdict.Valid)
	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0x33
	c.RegisterKey(65001, 1, ski)
	attr := buildAttr(t, 65001, 0x33)

	res, err := c.Verify(context.Background(), VerifyRequest{
		ProxyID:    "r1",
		DoPath:     true,
		BGPsecBlob: attr,
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Valid, res.PathResult)

	entries := c.pathCache.SortedByPathID()
	require.Len(t, entries, 1)
	require.Equal(t, []uint32{65001}, entries[0].ASNs)
}

func TestDeleteUpdateUnregistersAndDropsSubscription(t *testing.T) {
	c, _ := newTestCoordinator(verdict.Valid, verdict.Valid, verdict.Valid)
	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0x44
	c.RegisterKey(65002, 1, ski)
	attr := buildAttr(t, 65002, 0x44)

	res, err := c.Verify(context.Background(), VerifyRequest{ProxyID: "r1", DoPath: true, BGPsecBlob: attr})
	require.NoError(t, err)

	c.DeleteUpdate(res.UpdateID)

	c.mu.RLock()
	_, ok := c.subs[res.UpdateID]
	c.mu.RUnlock()
	require.False(t, ok)
}

func TestRegisterKeyChangeNotifiesSubscribedRouter(t *testing.T) {
	c, notifier := newTestCoordinator(verdict.Valid, verdict.Valid, verdict.Valid)
	attr := buildAttr(t, 65003, 0x55)

	// no key registered yet: path verdict is Invalid (missing key)
	res, err := c.Verify(context.Background(), VerifyRequest{ProxyID: "r1", DoPath: true, BGPsecBlob: attr})
	require.NoError(t, err)
	require.Equal(t, verdict.Invalid, res.PathResult)

	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0x55
	c.RegisterKey(65003, 1, ski)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunChangeConsumer(ctx, 0)
		close(done)
	}()

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Equal(t, verdict.Valid, notifier.notes[0].PathResult)
	require.Equal(t, updateid.ID(res.UpdateID), notifier.notes[0].UpdateID)
}

func TestNotifyASPAChangeUpdatesCacheAndEnqueues(t *testing.T) {
	c, _ := newTestCoordinator(verdict.Valid, verdict.Invalid, verdict.Valid)
	var ski [bgpsecpath.SKILength]byte
	ski[0] = 0x66
	c.RegisterKey(65004, 1, ski)
	attr := buildAttr(t, 65004, 0x66)

	_, err := c.Verify(context.Background(), VerifyRequest{ProxyID: "r1", DoPath: true, BGPsecBlob: attr})
	require.NoError(t, err)

	c.NotifyASPAChange(65004, 100)

	entries := c.pathCache.SortedByPathID()
	require.Len(t, entries, 1)
	require.Equal(t, verdict.Invalid, entries[0].ASPAResult)
	require.Equal(t, 1, c.queue.Size())
}
