// Package core defines core data structures.
package core

import (
	"time"
)

// RawFrame is one capture record, immutable once produced by a FrameSource.
type RawFrame struct {
	Index             int       // Position in the capture, 0-based
	Timestamp         time.Time // Monotonic capture timestamp
	OriginalTimestamp time.Time // Timestamp as recorded in the file
	Reordered         bool      // Timestamp was clamped to its predecessor
	LinkType          LinkType
	Data              []byte // Captured bytes
	CaptureLen        uint32 // Actual captured length
	OrigLen           uint32 // Original frame length on the wire
	InterfaceIndex    int    // pcapng interface, 0 for classic pcap
}

// FrameSource is an ordered, finite, single-pass source of raw frames.
// Next returns io.EOF once the source is exhausted.
type FrameSource interface {
	Next() (RawFrame, error)
	Close() error
}

// ParsedPacket is the decoded form of a RawFrame. Never mutated after creation.
type ParsedPacket struct {
	Index     int
	Timestamp time.Time
	Length    int // Wire length of the frame

	Link      LinkHeader
	Network   NetworkKind
	IP        IPHeader
	Transport TransportKind
	TCP       TCPHeader
	UDP       UDPHeader
	ICMP      ICMPHeader
	DNS       *DNSMessage // Set for UDP port 53 traffic that decodes as DNS

	// Segment is the transport header plus payload, Payload the application bytes.
	// Both are zero-copy slices of the frame unless Reassembled is set.
	Segment       []byte
	Payload       []byte
	PayloadOffset int // Offset of Payload in the frame, -1 when Reassembled

	Corrupted   bool // At least one checksum failed
	Reassembled bool // Transport data comes from IPv4 fragment reassembly
	Fragment    bool // Non-final IPv4 fragment, no transport decoded
}

// IsTCP reports whether the packet carries a decoded TCP header.
func (p *ParsedPacket) IsTCP() bool { return p.Transport == TransportTCP }

// Ports returns the transport source and destination ports, zero when absent.
func (p *ParsedPacket) Ports() (uint16, uint16) {
	switch p.Transport {
	case TransportTCP:
		return p.TCP.SrcPort, p.TCP.DstPort
	case TransportUDP:
		return p.UDP.SrcPort, p.UDP.DstPort
	}
	return 0, 0
}
