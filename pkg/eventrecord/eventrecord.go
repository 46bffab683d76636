// Package eventrecord defines the fixed-layout record shared by the kernel
// classifier and the user-space ring reader. The layout is a contract: the
// kernel object writes these exact bytes, native byte order, into the
// EVENTS ring; nothing on the Go side may change field order or width
// without changing the kernel object in lockstep.
package eventrecord

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

// Size is the wire size of FlowEvent in bytes. 8-byte aligned, no padding
// the kernel side cannot produce.
const Size = 32

// Compile-time mirror of classifier.c's _Static_assert(sizeof(struct
// flow_event) == 32, ...): if FlowEvent's Go layout ever drifts from the
// kernel's 32-byte record, this uintptr constant expression goes negative
// and fails to compile.
const _ = -(unsafe.Sizeof(FlowEvent{}) - Size)

// Protocol IANA numbers used in the protocol field.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Direction values.
const (
	DirIngress = 0
	DirEgress  = 1
)

// FlowEvent mirrors the kernel classifier's emitted record:
//
//	u64 timestamp_ns
//	u64 cgroup_id
//	u32 src_ip       (first octet in the least-significant byte)
//	u32 dst_ip       (same convention)
//	u16 src_port     (host byte order)
//	u16 dst_port
//	u8  protocol
//	u8  direction
//	u16 packet_len
//
// 8+8+4+4+2+2+1+1+2 = 32 bytes.
type FlowEvent struct {
	TimestampNs uint64
	CgroupID    uint64
	SrcIP       uint32
	DstIP       uint32
	SrcPort     uint16
	DstPort     uint16
	Protocol    uint8
	Direction   uint8
	PacketLen   uint16
}

// Decode parses a raw 32-byte ring record into a FlowEvent. It returns an
// error if buf is not exactly Size bytes — the caller (the ring reader)
// counts this as a malformed record and skips it rather than propagating.
func Decode(buf []byte) (FlowEvent, error) {
	var ev FlowEvent
	if len(buf) != Size {
		return ev, fmt.Errorf("eventrecord: want %d bytes, got %d", Size, len(buf))
	}
	ev.TimestampNs = binary.LittleEndian.Uint64(buf[0:8])
	ev.CgroupID = binary.LittleEndian.Uint64(buf[8:16])
	ev.SrcIP = binary.LittleEndian.Uint32(buf[16:20])
	ev.DstIP = binary.LittleEndian.Uint32(buf[20:24])
	ev.SrcPort = binary.LittleEndian.Uint16(buf[24:26])
	ev.DstPort = binary.LittleEndian.Uint16(buf[26:28])
	ev.Protocol = buf[28]
	ev.Direction = buf[29]
	ev.PacketLen = binary.LittleEndian.Uint16(buf[30:32])
	return ev, nil
}

// Encode serializes a FlowEvent into a fresh Size-byte buffer. Used by
// tests; the real kernel object writes these bytes directly via BPF map
// helpers.
func Encode(ev FlowEvent) []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[0:8], ev.TimestampNs)
	binary.LittleEndian.PutUint64(buf[8:16], ev.CgroupID)
	binary.LittleEndian.PutUint32(buf[16:20], ev.SrcIP)
	binary.LittleEndian.PutUint32(buf[20:24], ev.DstIP)
	binary.LittleEndian.PutUint16(buf[24:26], ev.SrcPort)
	binary.LittleEndian.PutUint16(buf[26:28], ev.DstPort)
	buf[28] = ev.Protocol
	buf[29] = ev.Direction
	binary.LittleEndian.PutUint16(buf[30:32], ev.PacketLen)
	return buf
}

// ParseIPv4 converts a dotted-quad string into the first-octet-LSB u32
// encoding used throughout this package: parse_ipv4("10.0.0.5") == 0x0500000A.
func ParseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("eventrecord: invalid IPv4 address %q", s)
	}
	var ip uint32
	for i, p := range parts {
		octet, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("eventrecord: invalid IPv4 address %q", s)
		}
		ip |= uint32(octet) << (8 * i)
	}
	return ip, nil
}

// FormatIPv4 is the inverse of ParseIPv4.
func FormatIPv4(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		ip&0xff,
		(ip>>8)&0xff,
		(ip>>16)&0xff,
		(ip>>24)&0xff,
	)
}
