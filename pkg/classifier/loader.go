// Package classifier loads the compiled traffic-control classifier object
// and attaches its ingress/egress programs to monitored interfaces. The
// object itself (bpf/classifier.c) is cross-compiled by a separate build
// step outside this module — the CI environment variable suppresses that
// step (spec §6), so this loader only ever sees a prebuilt ELF on disk.
package classifier

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// ObjectPath is the default location of the compiled classifier object;
// overridable for test builds or alternate install layouts.
const ObjectPath = "/usr/lib/podflow-agent/classifier.o"

// progIngress and progEgress name the two entry points the compiled object exposes,
// identical apart from the Direction constant each writes.
const (
	progIngress = "classify_ingress"
	progEgress  = "classify_egress"
)

// mapNameEvents is the single ring buffer map shared by all CPUs' producers.
const mapNameEvents = "EVENTS"

// Objects wraps the loaded classifier collection, exposing only what the
// rest of the package needs: the two programs and the EVENTS map.
type Objects struct {
	collection *ebpf.Collection
	Ingress    *ebpf.Program
	Egress     *ebpf.Program
	Events     *ebpf.Map
}

// Load reads and verifies the classifier object at objPath, returning its
// programs and map. A load failure here is fatal at startup per spec §7.1.
func Load(objPath string) (*Objects, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("classifier: load spec from %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("classifier: verify/load collection: %w", err)
	}

	ingress, ok := coll.Programs[progIngress]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier: object missing program %q", progIngress)
	}
	egress, ok := coll.Programs[progEgress]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier: object missing program %q", progEgress)
	}
	events, ok := coll.Maps[mapNameEvents]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier: object missing map %q", mapNameEvents)
	}

	return &Objects{collection: coll, Ingress: ingress, Egress: egress, Events: events}, nil
}

// Close releases the loaded collection and all of its kernel resources.
func (o *Objects) Close() error {
	o.collection.Close()
	return nil
}
