// Package poller drains the classifier's ring buffer on a fixed tick and
// hands decoded events to the flow aggregator, counting malformed records
// and suppressing the agent's own RPC traffic before it ever reaches the
// flow table.
package poller

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/flowagg"
	"github.com/podflow/podflow-agent/pkg/ring"
)

// TickInterval is the fixed drain cadence.
const TickInterval = 100 * time.Millisecond

// BatchCap bounds how many records a single tick drains before yielding,
// so a burst on one interface can't starve the ticker loop.
const BatchCap = 1024

// eventReader is the subset of ring.Reader the poller needs; satisfied by
// *ring.Reader in production and a fake in tests.
type eventReader interface {
	TryRead() (eventrecord.FlowEvent, error)
}

// Poller drains an eventReader and feeds a flowagg.Aggregator.
type Poller struct {
	reader   eventReader
	agg      *flowagg.Aggregator
	selfPort uint16

	malformed atomic.Uint64
	drained   atomic.Uint64
}

// New builds a Poller. selfPort is the agent's own RPC listen port; events
// with either endpoint on that port are self-traffic and are dropped
// rather than aggregated, so the agent never reports on itself.
func New(reader *ring.Reader, agg *flowagg.Aggregator, selfPort uint16) *Poller {
	return &Poller{reader: reader, agg: agg, selfPort: selfPort}
}

// newWithReader is the test seam: it accepts any eventReader, not just a
// concrete *ring.Reader backed by a real kernel ring buffer.
func newWithReader(reader eventReader, agg *flowagg.Aggregator, selfPort uint16) *Poller {
	return &Poller{reader: reader, agg: agg, selfPort: selfPort}
}

// Run drains the ring every TickInterval until ctx is cancelled or the
// ring is closed. Intended to be run as its own goroutine from main.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.drainOnce(); err != nil {
				if errors.Is(err, ring.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// drainOnce reads up to BatchCap events without blocking past the current
// tick, returning when the ring is empty, BatchCap is reached, or a
// non-recoverable read error occurs.
func (p *Poller) drainOnce() error {
	for i := 0; i < BatchCap; i++ {
		ev, err := p.reader.TryRead()
		switch {
		case err == nil:
			p.handle(ev)
		case errors.Is(err, ring.ErrEmpty):
			return nil
		case errors.Is(err, ring.ErrClosed):
			return err
		default:
			p.malformed.Add(1)
			log.Printf("poller: malformed record: %v", err)
		}
	}
	return nil
}

func (p *Poller) handle(ev eventrecord.FlowEvent) {
	p.drained.Add(1)
	if p.isSelfTraffic(ev) {
		p.agg.DropEvent()
		return
	}
	p.agg.ProcessEvent(ev)
}

func (p *Poller) isSelfTraffic(ev eventrecord.FlowEvent) bool {
	return p.selfPort != 0 && (ev.SrcPort == p.selfPort || ev.DstPort == p.selfPort)
}

// Malformed returns the count of ring records that failed to decode.
func (p *Poller) Malformed() uint64 { return p.malformed.Load() }

// Drained returns the count of records successfully read from the ring,
// including ones later dropped as self-traffic.
func (p *Poller) Drained() uint64 { return p.drained.Load() }
