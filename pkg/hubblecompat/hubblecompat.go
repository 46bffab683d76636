// Package hubblecompat renders this agent's own flow-table snapshots as
// Cilium Hubble flow.Flow values, the mirror image of the teacher's
// parseHubbleFlow (which consumes a Hubble relay rather than producing
// Hubble-shaped output). It exists so Hubble-aware tooling can read this
// agent's QueryFlows output under ?format=hubble without a separate
// client integration.
package hubblecompat

import (
	"strconv"

	flowpb "github.com/cilium/cilium/api/v1/flow"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/flowagg"
)

// FromSnapshot converts a single flow-table entry into a flow.Flow. Byte
// and packet counts have no first-class field on flow.Flow, so they are
// carried in Summary the way the teacher's own parseHubbleFlow falls back
// to Summary for anything Hubble doesn't model directly.
func FromSnapshot(f flowagg.FlowSnapshot) *flowpb.Flow {
	out := &flowpb.Flow{
		Time:    timestamppb.New(f.Stats.LastSeen),
		Verdict: flowpb.Verdict_FORWARDED,
		IP: &flowpb.IP{
			Source:      eventrecord.FormatIPv4(f.Key.SrcIP),
			Destination: eventrecord.FormatIPv4(f.Key.DstIP),
			IpVersion:   flowpb.IPVersion_IPv4,
		},
		Source: &flowpb.Endpoint{
			Namespace: f.Key.Namespace,
			PodName:   f.Key.PodName,
		},
		Destination: &flowpb.Endpoint{
			Namespace: f.Key.Namespace,
			PodName:   f.Key.PodName,
		},
	}

	if f.Key.Direction == eventrecord.DirIngress {
		out.TrafficDirection = flowpb.TrafficDirection_INGRESS
	} else {
		out.TrafficDirection = flowpb.TrafficDirection_EGRESS
	}

	switch f.Key.Protocol {
	case eventrecord.ProtoTCP:
		out.L4 = &flowpb.Layer4{
			Protocol: &flowpb.Layer4_TCP{
				TCP: &flowpb.TCP{
					SourcePort:      uint32(f.Key.SrcPort),
					DestinationPort: uint32(f.Key.DstPort),
				},
			},
		}
	case eventrecord.ProtoUDP:
		out.L4 = &flowpb.Layer4{
			Protocol: &flowpb.Layer4_UDP{
				UDP: &flowpb.UDP{
					SourcePort:      uint32(f.Key.SrcPort),
					DestinationPort: uint32(f.Key.DstPort),
				},
			},
		}
	case eventrecord.ProtoICMP:
		out.L4 = &flowpb.Layer4{
			Protocol: &flowpb.Layer4_ICMPv4{ICMPv4: &flowpb.ICMPv4{}},
		}
	}

	out.Summary = summary(f)
	return out
}

func summary(f flowagg.FlowSnapshot) string {
	return "bytes=" + strconv.FormatUint(f.Stats.Bytes, 10) +
		" packets=" + strconv.FormatUint(f.Stats.Packets, 10)
}

// FromSnapshots converts a whole snapshot slice, preserving order.
func FromSnapshots(snaps []flowagg.FlowSnapshot) []*flowpb.Flow {
	out := make([]*flowpb.Flow, 0, len(snaps))
	for _, f := range snaps {
		out = append(out, FromSnapshot(f))
	}
	return out
}
