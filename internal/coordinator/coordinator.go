// Package coordinator implements the Validation Coordinator (spec
// §4.6): it ingests VERIFY requests, consults the prefix-origin oracle
// and the SKI index / path verifier, emits an initial verdict, and
// hosts the single change-queue consumer goroutine that turns dequeued
// (update_id, reason) pairs into asynchronous notifications.
//
// Grounded on srx_server.c's verification dispatch shape plus
// core/stage.go's context/logger-embedding convention for the
// goroutine that owns the consumer loop.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/aspathcache"
	"github.com/nist-bgp/srx-valcache/internal/bgpsecpath"
	"github.com/nist-bgp/srx-valcache/internal/changequeue"
	"github.com/nist-bgp/srx-valcache/internal/prefix"
	"github.com/nist-bgp/srx-valcache/internal/skiindex"
	"github.com/nist-bgp/srx-valcache/internal/updateid"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// PrefixOracle is the injected origin-validation collaborator (the
// opaque prefix_lookup(asn, prefix) of spec.md §1). internal/roastore
// is the default implementation.
type PrefixOracle interface {
	Validate(p prefix.Prefix, originASN uint32) verdict.Verdict
}

// ASPAOracle is the injected ASPA collaborator backing path validation
// and AS-path cache refresh (spec.md §6.3 on_aspa, §4.6 ASPA reason).
type ASPAOracle interface {
	Validate(path []uint32) verdict.Verdict
}

// Verifier is the opaque cryptographic verify(path, keys) primitive of
// spec.md §1/§4.6, injected at construction (Design Notes §9: never
// read a crypto handle from process-global state).
type Verifier interface {
	Verify(ctx context.Context, parsed *bgpsecpath.ParsedPath) (verdict.Verdict, error)
}

// Notifier pushes an asynchronous VERIFY_NOTIFY to the owning router
// proxy session (spec.md §6.2). internal/proxy is the concrete impl.
type Notifier interface {
	Notify(proxyID string, n VerifyNotify)
}

// VerifyRequest mirrors the abstract VERIFY message of spec.md §6.2.
type VerifyRequest struct {
	ProxyID       string
	LocalID       uint32
	DoOrigin      bool
	DoPath        bool
	DefaultResult verdict.Verdict
	Prefix        prefix.Prefix
	OriginASN     uint32
	BGPsecFlags   byte
	BGPsecBlob    []byte // BGPsec_PATH attribute bytes, or raw AS_PATH if absent
}

// VerifyResult is the synchronous reply to a VERIFY request.
type VerifyResult struct {
	UpdateID      updateid.ID
	LocalID       uint32
	OriginResult  verdict.Verdict
	PathResult    verdict.Verdict
}

// VerifyNotify mirrors the pushed VERIFY_NOTIFY message of spec.md §6.2.
type VerifyNotify struct {
	UpdateID     updateid.ID
	LocalID      uint32
	OriginResult verdict.Verdict
	PathResult   verdict.Verdict
}

// subscription retains what's needed to re-derive a verdict component
// on a later change-queue event and to route the notification back to
// its router, mirroring "UpdateID-to-path binding is maintained by the
// Validation Coordinator" (spec.md §3 Lifecycles).
type subscription struct {
	proxyID     string
	localID     uint32
	doOrigin    bool
	doPath      bool
	prefix      prefix.Prefix
	originASN   uint32
	bgpsecFlags byte
	bgpsecBlob  []byte
	pathID      updateid.ID // zero if BGPsecBlob wasn't a registered AS-path-list entry

	originResult verdict.Verdict
	pathResult   verdict.Verdict
}

// Coordinator wires together the core containers (SKI index, change
// queue, AS-path cache) with the external collaborators (prefix
// oracle, ASPA oracle, crypto verifier, router notifier).
type Coordinator struct {
	log zerolog.Logger

	ski       *skiindex.Index
	queue     *changequeue.Queue
	pathCache *aspathcache.Cache

	oracle   PrefixOracle
	aspa     ASPAOracle
	verifier Verifier
	notifier Notifier

	mu   sync.RWMutex
	subs map[updateid.ID]*subscription
}

// New builds a Coordinator from its containers and collaborators.
// notifier may be nil and set later via SetNotifier, since the
// concrete Notifier (internal/proxy.Server) is itself constructed with
// a reference to the Coordinator.
func New(log zerolog.Logger, ski *skiindex.Index, queue *changequeue.Queue, pathCache *aspathcache.Cache, oracle PrefixOracle, aspa ASPAOracle, verifier Verifier, notifier Notifier) *Coordinator {
	return &Coordinator{
		log:       log.With().Str("component", "coordinator").Logger(),
		ski:       ski,
		queue:     queue,
		pathCache: pathCache,
		oracle:    oracle,
		aspa:      aspa,
		verifier:  verifier,
		notifier:  notifier,
		subs:      make(map[updateid.ID]*subscription),
	}
}

// SetNotifier assigns the Notifier after construction, for the
// proxy<->coordinator circular wiring in internal/server.
func (c *Coordinator) SetNotifier(notifier Notifier) {
	c.mu.Lock()
	c.notifier = notifier
	c.mu.Unlock()
}

// Verify implements spec.md §4.6 steps 1-4.
func (c *Coordinator) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	id := updateid.Fingerprint(req.OriginASN, req.Prefix, req.BGPsecBlob)

	sub := &subscription{
		proxyID:     req.ProxyID,
		localID:     req.LocalID,
		doOrigin:    req.DoOrigin,
		doPath:      req.DoPath,
		prefix:      req.Prefix,
		originASN:   req.OriginASN,
		bgpsecFlags: req.BGPsecFlags,
		bgpsecBlob:  req.BGPsecBlob,
		originResult: verdict.Undefined,
		pathResult:   verdict.Undefined,
	}

	if req.DoOrigin {
		sub.originResult = c.oracle.Validate(req.Prefix, req.OriginASN)
	}

	if req.DoPath {
		sub.pathResult, sub.pathID = c.resolvePath(ctx, id, req.BGPsecFlags, req.BGPsecBlob)
	}

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	c.log.Debug().
		Uint32("update_id", uint32(id)).
		Str("origin", sub.originResult.String()).
		Str("path", sub.pathResult.String()).
		Msg("verify")

	return VerifyResult{
		UpdateID:     id,
		LocalID:      req.LocalID,
		OriginResult: sub.originResult,
		PathResult:   sub.pathResult,
	}, nil
}

// resolvePath implements spec.md §4.6 step 3: parse, register against
// the SKI index, and only invoke the (expensive, opaque) cryptographic
// verifier when every required key is already cached. A successfully
// parsed path is also interned into the AS-Path Cache (spec.md §3
// Lifecycles: "an ASPathList entry is created on first observation of
// a distinct path_id"), and the returned pathID is what lets
// NotifyASPAChange later route a change notification back to this
// subscription.
func (c *Coordinator) resolvePath(ctx context.Context, id updateid.ID, flags byte, blob []byte) (verdict.Verdict, updateid.ID) {
	if len(blob) == 0 {
		return verdict.Undefined, 0
	}

	parsed, err := bgpsecpath.Parse(flags, blob)
	if err != nil {
		return verdict.Invalid, 0
	}

	pathID := c.internPath(parsed)

	regResult, err := c.ski.RegisterUpdate(id, flags, blob)
	if err != nil || regResult == skiindex.RegError {
		return verdict.Invalid, pathID
	}
	if regResult == skiindex.RegInvalid {
		return verdict.Invalid, pathID
	}

	v, err := c.verifier.Verify(ctx, parsed)
	if err != nil {
		c.log.Warn().Err(err).Uint32("update_id", uint32(id)).Msg("crypto verifier error")
		return verdict.Unverifiable, pathID
	}
	return v, pathID
}

// internPath derives the path_id for parsed (per §4.2, over the
// Secure_Path ASN sequence) and stores a new AS-Path Cache entry on
// first observation, seeded with the ASPA oracle's current verdict;
// a pre-existing entry for the same path_id is left untouched per
// §4.4 insert semantics ("duplicate path_id returns exists without
// modifying stored verdict").
func (c *Coordinator) internPath(parsed *bgpsecpath.ParsedPath) updateid.ID {
	asns := make([]uint32, len(parsed.Segments))
	for i, seg := range parsed.Segments {
		asns[i] = seg.ASN
	}
	pathID := aspathcache.MakePathID(asns, aspathcache.ASSequence)

	if _, ok := c.pathCache.Lookup(pathID); !ok {
		c.pathCache.Store(&aspathcache.Entry{
			PathID:     pathID,
			ASNs:       asns,
			AType:      aspathcache.ASSequence,
			ASPAResult: c.aspa.Validate(asns),
		})
	}
	return pathID
}

// DeleteUpdate implements spec.md §4.6 step 5: unregister from the SKI
// index and drop the subscription.
func (c *Coordinator) DeleteUpdate(id updateid.ID) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if sub.doPath && len(sub.bgpsecBlob) > 0 {
		if err := c.ski.UnregisterUpdate(id, sub.bgpsecFlags, sub.bgpsecBlob); err != nil {
			c.log.Warn().Err(err).Uint32("update_id", uint32(id)).Msg("unregister failed")
		}
	}
}

// RegisterKey applies an RTR key-add event and enqueues KEY change
// notifications for every update already depending on the triple,
// per spec.md §4.3's colliding-keys rule.
func (c *Coordinator) RegisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) {
	affected := c.ski.RegisterKey(asn, algoID, ski)
	c.enqueueAll(affected, verdict.ReasonKey)
}

// UnregisterKey applies an RTR key-remove event, same notification
// shape as RegisterKey.
func (c *Coordinator) UnregisterKey(asn uint32, algoID uint8, ski [bgpsecpath.SKILength]byte) {
	affected := c.ski.UnregisterKey(asn, algoID, ski)
	c.enqueueAll(affected, verdict.ReasonKey)
}

func (c *Coordinator) enqueueAll(ids []updateid.ID, reason verdict.Reason) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		sub, ok := c.subs[id]
		if !ok {
			continue
		}
		src := updateid.Source{OriginASN: sub.originASN, Prefix: sub.prefix, PathBlob: sub.bgpsecBlob}
		if err := c.queue.Enqueue(id, src, reason); err != nil {
			c.log.Warn().Err(err).Uint32("update_id", uint32(id)).Msg("could not enqueue change notification")
		}
	}
}

// NotifyROAChange broadcasts a ROA reason to every subscription that
// asked for origin validation. The opaque prefix_lookup oracle of
// spec.md §1 gives no reverse index from prefix to dependent updates,
// so this is a deliberate coarse invalidation rather than the narrower
// per-prefix tracking the source keeps internally to its ROA table.
func (c *Coordinator) NotifyROAChange() {
	c.mu.RLock()
	var ids []updateid.ID
	for id, sub := range c.subs {
		if sub.doOrigin {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	c.enqueueAll(ids, verdict.ReasonROA)
}

// NotifyASPAChange enqueues an ASPA reason for every subscription
// whose cached AS-path includes customerASN as a hop, refreshing the
// AS-path cache's memoized verdict in the process (spec.md §4.6 "ASPA
// -> re-query ASPA store").
func (c *Coordinator) NotifyASPAChange(customerASN uint32, now int64) {
	for _, e := range c.pathCache.SortedByPathID() {
		if !containsASN(e.ASNs, customerASN) {
			continue
		}
		result := c.aspa.Validate(e.ASNs)
		c.pathCache.ModifyASPAResult(e.PathID, result, now)
	}

	c.mu.RLock()
	var ids []updateid.ID
	for id, sub := range c.subs {
		if sub.pathID != 0 {
			if e, ok := c.pathCache.Lookup(sub.pathID); ok && containsASN(e.ASNs, customerASN) {
				ids = append(ids, id)
			}
		}
	}
	c.mu.RUnlock()
	c.enqueueAll(ids, verdict.ReasonASPA)
}

func containsASN(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// RunChangeConsumer drains the change queue until ctx is cancelled,
// re-resolving the verdict component(s) named by each dequeued reason
// and pushing a notification to the owning router. This is the single
// "notifier thread" of spec.md §5.
func (c *Coordinator) RunChangeConsumer(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		idle = 20 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		elem, ok := c.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}
		c.handleChange(ctx, elem)
	}
}

func (c *Coordinator) handleChange(ctx context.Context, elem changequeue.Elem) {
	c.mu.Lock()
	sub, ok := c.subs[elem.UpdateID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if elem.Reason.Has(verdict.ReasonROA) && sub.doOrigin {
		sub.originResult = c.oracle.Validate(sub.prefix, sub.originASN)
	}
	if (elem.Reason.Has(verdict.ReasonKey) || elem.Reason.Has(verdict.ReasonASPA)) && sub.doPath {
		sub.pathResult, sub.pathID = c.resolvePath(ctx, elem.UpdateID, sub.bgpsecFlags, sub.bgpsecBlob)
	}

	c.mu.RLock()
	notifier := c.notifier
	c.mu.RUnlock()
	if notifier == nil {
		return
	}
	notifier.Notify(sub.proxyID, VerifyNotify{
		UpdateID:     elem.UpdateID,
		LocalID:      sub.localID,
		OriginResult: sub.originResult,
		PathResult:   sub.pathResult,
	})
}
