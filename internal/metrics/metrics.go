// Package metrics exposes the validation cache's internal counters
// and gauges over a Prometheus-text endpoint. The teacher (bgpipe)
// declares VictoriaMetrics/metrics in its go.mod but never wires it up
// in the retrieved snapshot; this package is where the validation
// cache actually binds it, since the SKI index, AS-path cache, and
// change queue give it plenty to meter.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/nist-bgp/srx-valcache/internal/aspathcache"
	"github.com/nist-bgp/srx-valcache/internal/changequeue"
	"github.com/nist-bgp/srx-valcache/internal/skiindex"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// Metrics owns a private metrics.Set so repeated construction in tests
// never collides with the global default set's name registry.
type Metrics struct {
	set *metrics.Set

	verifyTotal    *metrics.Counter
	verdictTotal   map[verdict.Verdict]*metrics.Counter
	rtrReconnects  *metrics.Counter
	changeEnqueued *metrics.Counter
	changeDropped  *metrics.Counter
}

// New creates a Metrics instance with gauges that sample the given
// containers on every /metrics scrape (skiindex.Examine, AS-path cache
// count, and change-queue depth are all cheap point-in-time reads).
func New(ski *skiindex.Index, pathCache *aspathcache.Cache, queue *changequeue.Queue) *Metrics {
	set := metrics.NewSet()

	m := &Metrics{
		set:            set,
		verifyTotal:    set.NewCounter("srx_verify_requests_total"),
		rtrReconnects:  set.NewCounter("srx_rtr_reconnects_total"),
		changeEnqueued: set.NewCounter("srx_change_queue_enqueued_total"),
		changeDropped:  set.NewCounter("srx_change_queue_dropped_total"),
		verdictTotal:   make(map[verdict.Verdict]*metrics.Counter),
	}

	for _, v := range []verdict.Verdict{
		verdict.Valid, verdict.NotFound, verdict.Invalid,
		verdict.Unknown, verdict.Unverifiable, verdict.Undefined,
	} {
		m.verdictTotal[v] = set.NewCounter(`srx_verdicts_total{result="` + v.String() + `"}`)
	}

	set.NewGauge("srx_ski_index_nodes", func() float64 { return float64(ski.Examine().Nodes) })
	set.NewGauge("srx_ski_index_algo_buckets", func() float64 { return float64(ski.Examine().AlgoBuckets) })
	set.NewGauge("srx_ski_index_entries", func() float64 { return float64(ski.Examine().SKIEntries) })
	set.NewGauge("srx_ski_index_keys", func() float64 { return float64(ski.Examine().Keys) })
	set.NewGauge("srx_ski_index_update_refs", func() float64 { return float64(ski.Examine().Updates) })
	set.NewGauge("srx_aspath_cache_entries", func() float64 { return float64(pathCache.Count()) })
	set.NewGauge("srx_change_queue_depth", func() float64 { return float64(queue.Size()) })

	return m
}

// ObserveVerify records one completed VERIFY request and the verdicts
// it produced.
func (m *Metrics) ObserveVerify(origin, path verdict.Verdict) {
	m.verifyTotal.Inc()
	if c, ok := m.verdictTotal[origin]; ok {
		c.Inc()
	}
	if c, ok := m.verdictTotal[path]; ok {
		c.Inc()
	}
}

// ObserveRTRReconnect records one RTR client reconnect attempt.
func (m *Metrics) ObserveRTRReconnect() {
	m.rtrReconnects.Inc()
}

// ObserveChangeEnqueued records one successful change-queue enqueue.
func (m *Metrics) ObserveChangeEnqueued() {
	m.changeEnqueued.Inc()
}

// ObserveChangeDropped records an enqueue attempt that failed because
// the change queue's bounded lock acquisition timed out (spec.md §5).
func (m *Metrics) ObserveChangeDropped() {
	m.changeDropped.Inc()
}

// WritePrometheus renders the current metric values in Prometheus text
// exposition format, for an HTTP handler to write to the response.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
