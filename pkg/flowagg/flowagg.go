// Package flowagg folds classifier events into a concurrent 5-tuple flow
// table, broadcasts enriched events to subscribers, and expires idle flows.
package flowagg

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/podcache"
)

// DefaultFlowTimeout is the idle duration after which a flow is expired.
const DefaultFlowTimeout = 30 * time.Second

// broadcastBufSize is the bounded slot count of the broadcast channel, per
// spec §5: slow consumers are lagged rather than backpressuring producers.
const broadcastBufSize = 1000

// FlowKey identifies a flow. Namespace/pod are part of the key because
// attribution changes the flow identity.
type FlowKey struct {
	Namespace string
	PodName   string
	SrcIP     uint32
	DstIP     uint32
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	Direction uint8
}

// FlowStats is the cumulative, monotonically-mutated state for a FlowKey.
type FlowStats struct {
	Bytes       uint64
	Packets     uint64
	FirstSeen   time.Time
	LastSeen    time.Time
	FirstSeenNs uint64
	LastSeenNs  uint64
}

// EnrichedEvent is published to subscribers after attribution and
// aggregation.
type EnrichedEvent struct {
	Key   FlowKey
	Event eventrecord.FlowEvent
}

// Aggregator owns the FlowKey -> FlowStats mapping. Safe for concurrent
// process_event calls from poller goroutines and concurrent snapshot reads
// from RPC handlers.
type Aggregator struct {
	pods *podcache.Cache

	mu    sync.RWMutex
	flows map[FlowKey]*FlowStats

	eventsProcessed        atomic.Uint64
	eventsDropped          atomic.Uint64
	eventsDroppedBroadcast atomic.Uint64

	broadcastMu sync.RWMutex
	subscribers map[int]chan EnrichedEvent
	nextSubID   int

	flowTimeout time.Duration

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time
}

// New creates an Aggregator backed by pods for attribution.
func New(pods *podcache.Cache) *Aggregator {
	return &Aggregator{
		pods:        pods,
		flows:       make(map[FlowKey]*FlowStats),
		subscribers: make(map[int]chan EnrichedEvent),
		flowTimeout: DefaultFlowTimeout,
		now:         time.Now,
	}
}

// SetFlowTimeout overrides the default idle-flow expiry duration.
func (a *Aggregator) SetFlowTimeout(d time.Duration) {
	a.flowTimeout = d
}

// Subscribe registers a new broadcast listener and returns it along with
// an unsubscribe function.
func (a *Aggregator) Subscribe() (<-chan EnrichedEvent, func()) {
	a.broadcastMu.Lock()
	defer a.broadcastMu.Unlock()

	id := a.nextSubID
	a.nextSubID++
	ch := make(chan EnrichedEvent, broadcastBufSize)
	a.subscribers[id] = ch

	unsubscribe := func() {
		a.broadcastMu.Lock()
		defer a.broadcastMu.Unlock()
		if sub, ok := a.subscribers[id]; ok {
			delete(a.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

func (a *Aggregator) broadcast(ev EnrichedEvent) {
	a.broadcastMu.RLock()
	defer a.broadcastMu.RUnlock()

	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop rather than block the poller.
			a.eventsDroppedBroadcast.Add(1)
		}
	}
}

// resolveAttribution implements the §4.6 step-2 fallback chain: cgroup id,
// then pod-IP on the direction-determined side (falling back to the other
// side), then external/unknown.
func (a *Aggregator) resolveAttribution(ev eventrecord.FlowEvent) (namespace, podName string) {
	if ev.CgroupID != 0 {
		if meta, ok := a.pods.GetByCgroup(ev.CgroupID); ok {
			return meta.Namespace, meta.PodName
		}
		return "unknown", "cgroup-" + strconv.FormatUint(ev.CgroupID, 10)
	}

	primary, secondary := ev.DstIP, ev.SrcIP
	if ev.Direction == eventrecord.DirEgress {
		primary, secondary = ev.SrcIP, ev.DstIP
	}

	if meta, ok := a.pods.GetByIP(primary); ok {
		return meta.Namespace, meta.PodName
	}
	if meta, ok := a.pods.GetByIP(secondary); ok {
		return meta.Namespace, meta.PodName
	}

	return "external", "unknown"
}

// ProcessEvent folds a single classifier event into the flow table and
// broadcasts the enriched result.
func (a *Aggregator) ProcessEvent(ev eventrecord.FlowEvent) {
	a.eventsProcessed.Add(1)

	namespace, podName := a.resolveAttribution(ev)
	key := FlowKey{
		Namespace: namespace,
		PodName:   podName,
		SrcIP:     ev.SrcIP,
		DstIP:     ev.DstIP,
		SrcPort:   ev.SrcPort,
		DstPort:   ev.DstPort,
		Protocol:  ev.Protocol,
		Direction: ev.Direction,
	}

	now := a.now()

	a.mu.Lock()
	stats, ok := a.flows[key]
	if !ok {
		stats = &FlowStats{
			Packets:     1,
			Bytes:       uint64(ev.PacketLen),
			FirstSeen:   now,
			LastSeen:    now,
			FirstSeenNs: ev.TimestampNs,
			LastSeenNs:  ev.TimestampNs,
		}
		a.flows[key] = stats
	} else {
		stats.Packets++
		stats.Bytes += uint64(ev.PacketLen)
		stats.LastSeen = now
		// last_seen_ns uses max-take and first_seen_ns min-take, so an
		// event reordered across CPUs never regresses either bound.
		if ev.TimestampNs > stats.LastSeenNs {
			stats.LastSeenNs = ev.TimestampNs
		}
		if ev.TimestampNs < stats.FirstSeenNs {
			stats.FirstSeenNs = ev.TimestampNs
		}
	}
	a.mu.Unlock()

	a.broadcast(EnrichedEvent{Key: key, Event: ev})
}

// DropEvent counts an event the caller chose not to process (e.g. self
// traffic suppression) without folding it into the flow table.
func (a *Aggregator) DropEvent() {
	a.eventsDropped.Add(1)
}

// FlowSnapshot pairs a FlowKey with a point-in-time copy of its stats.
type FlowSnapshot struct {
	Key   FlowKey
	Stats FlowStats
}

// Snapshot returns a copy of every flow whose namespace is in namespaces
// (empty = no filter).
func (a *Aggregator) Snapshot(namespaces map[string]struct{}) []FlowSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]FlowSnapshot, 0, len(a.flows))
	for k, v := range a.flows {
		if len(namespaces) > 0 {
			if _, ok := namespaces[k.Namespace]; !ok {
				continue
			}
		}
		out = append(out, FlowSnapshot{Key: k, Stats: *v})
	}
	return out
}

// Expire removes flows whose last-seen wall-clock time is older than the
// configured flow timeout. Returns the number of flows removed. Idempotent:
// calling it twice in a row with no new events between calls removes
// nothing the second time.
func (a *Aggregator) Expire() int {
	cutoff := a.now().Add(-a.flowTimeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k, v := range a.flows {
		if v.LastSeen.Before(cutoff) {
			delete(a.flows, k)
			removed++
		}
	}
	return removed
}

// EventsProcessed returns the monotonic count of events folded into the
// flow table (including ones that triggered only an update, not a new
// entry).
func (a *Aggregator) EventsProcessed() uint64 { return a.eventsProcessed.Load() }

// EventsDropped returns the monotonic count of events the poller chose not
// to process.
func (a *Aggregator) EventsDropped() uint64 { return a.eventsDropped.Load() }

// EventsDroppedBroadcast returns the monotonic count of broadcast sends
// skipped because a subscriber's channel was full.
func (a *Aggregator) EventsDroppedBroadcast() uint64 { return a.eventsDroppedBroadcast.Load() }

// ActiveFlows returns the current flow map size.
func (a *Aggregator) ActiveFlows() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.flows)
}
