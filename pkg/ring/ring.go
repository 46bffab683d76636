// Package ring wraps the classifier's EVENTS ringbuf map: a bounded,
// lock-free, drop-on-full kernel-to-user byte ring. Multiple kernel
// producers (one per CPU) write fixed 32-byte records; this package is the
// single user-space drainer.
package ring

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/podflow/podflow-agent/pkg/eventrecord"
)

// Reader drains FlowEvent records from the shared ringbuf map.
type Reader struct {
	rd *ringbuf.Reader
}

// Open attaches a Reader to eventsMap, the compiled classifier's EVENTS
// ringbuf map.
func Open(eventsMap *ebpf.Map) (*Reader, error) {
	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("ring: open reader: %w", err)
	}
	return &Reader{rd: rd}, nil
}

// Close releases the underlying ring buffer reader.
func (r *Reader) Close() error {
	return r.rd.Close()
}

// ErrClosed is returned by Read after Close has been called, mirroring
// ringbuf.ErrClosed so callers don't need to import cilium/ebpf/ringbuf
// directly.
var ErrClosed = ringbuf.ErrClosed

// ErrEmpty is returned by TryRead when no record is currently available.
var ErrEmpty = os.ErrDeadlineExceeded

// Read blocks for the next ring record and decodes it as a FlowEvent. A
// record of the wrong size is reported as a decode error, not a read
// error — the caller (the poller) counts it as malformed and continues.
func (r *Reader) Read() (eventrecord.FlowEvent, error) {
	rec, err := r.rd.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return eventrecord.FlowEvent{}, ErrClosed
		}
		return eventrecord.FlowEvent{}, fmt.Errorf("ring: read: %w", err)
	}
	return eventrecord.Decode(rec.RawSample)
}

// TryRead returns immediately with ErrEmpty if no record is pending,
// instead of blocking. The poller uses this to drain up to its batch cap
// without stalling past its 100ms tick.
func (r *Reader) TryRead() (eventrecord.FlowEvent, error) {
	if err := r.rd.SetDeadline(time.Now()); err != nil {
		return eventrecord.FlowEvent{}, fmt.Errorf("ring: set deadline: %w", err)
	}
	rec, err := r.rd.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return eventrecord.FlowEvent{}, ErrEmpty
		}
		if errors.Is(err, ringbuf.ErrClosed) {
			return eventrecord.FlowEvent{}, ErrClosed
		}
		return eventrecord.FlowEvent{}, fmt.Errorf("ring: read: %w", err)
	}
	return eventrecord.Decode(rec.RawSample)
}
