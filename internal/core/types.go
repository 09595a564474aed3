// Package core defines the data model shared by every stage.
package core

import (
	"net/netip"
	"strconv"
)

// LinkType is a pcap LINKTYPE_ value.
type LinkType uint32

const (
	LinkTypeNull     LinkType = 0
	LinkTypeEthernet LinkType = 1
	LinkTypeRawAlt   LinkType = 12 // DLT_RAW on some BSDs
	LinkTypeRaw      LinkType = 101
	LinkTypeLoop     LinkType = 108
	LinkTypeLinuxSLL LinkType = 113
	LinkTypeIPv4     LinkType = 228
	LinkTypeIPv6     LinkType = 229
)

// NetworkKind tells which network header a packet carries.
type NetworkKind uint8

const (
	NetworkNone NetworkKind = iota
	NetworkIPv4
	NetworkIPv6
	NetworkOther // Non-IP payload, kept undecoded
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkIPv4:
		return "ipv4"
	case NetworkIPv6:
		return "ipv6"
	case NetworkOther:
		return "other"
	}
	return "none"
}

// TransportKind tells which transport header a packet carries.
type TransportKind uint8

const (
	TransportNone TransportKind = iota
	TransportTCP
	TransportUDP
	TransportICMPv4
	TransportICMPv6
	TransportOther
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMPv4:
		return "icmp"
	case TransportICMPv6:
		return "icmp6"
	case TransportOther:
		return "other"
	}
	return "none"
}

// ChecksumStatus is the advisory outcome of a checksum check.
type ChecksumStatus uint8

const (
	ChecksumUnverified ChecksumStatus = iota // Snapped frame or checksum not present
	ChecksumValid
	ChecksumInvalid
)

func (s ChecksumStatus) String() string {
	switch s {
	case ChecksumValid:
		return "valid"
	case ChecksumInvalid:
		return "invalid"
	}
	return "unverified"
}

// Direction of a segment relative to the TCP client.
type Direction uint8

const (
	DirUplink   Direction = iota // client to server
	DirDownlink                  // server to client
)

func (d Direction) String() string {
	if d == DirDownlink {
		return "downlink"
	}
	return "uplink"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction { return 1 - d }

// LinkHeader represents the L2 header.
type LinkHeader struct {
	Type      LinkType
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // 0x0800=IPv4, 0x86DD=IPv6, 0x8100=VLAN
	VLANs     []uint16 // 0~2 VLAN IDs (QinQ scenarios have 2)
}

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version   uint8
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Protocol  uint8 // Transport protocol after IPv6 extension headers
	TTL       uint8 // Hop limit for IPv6
	TotalLen  int   // IPv6 counts the fixed header plus Payload Length
	HeaderLen int   // Including IPv6 extension headers

	// IPv4 fragmentation
	ID             uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16 // In bytes
	Checksum       uint16
	ChecksumStatus ChecksumStatus

	// IPv6
	FlowLabel  uint32
	Extensions []uint8 // Extension header types walked, in order
}

// ProtocolName names the transport protocol for logs and errors.
func (h IPHeader) ProtocolName() string {
	switch h.Protocol {
	case 1:
		return "icmp"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 58:
		return "icmp6"
	}
	return "ip-proto-" + strconv.Itoa(int(h.Protocol))
}

// TCPFlags is the TCP flag byte.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

// Has reports whether all bits of f are set.
func (t TCPFlags) Has(f TCPFlags) bool { return t&f == f }

func (t TCPFlags) String() string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	out := ""
	for i, n := range names {
		if t&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// SACKBlock is one selective acknowledgment range.
type SACKBlock struct {
	Left  uint32
	Right uint32
}

// TCPTimestamp is the RFC 7323 timestamp option.
type TCPTimestamp struct {
	Value uint32
	Echo  uint32
}

// TCPOptions holds the parsed options, nil pointers when absent.
type TCPOptions struct {
	MSS           *uint16
	WindowScale   *uint8
	SACKPermitted bool
	SACK          []SACKBlock
	Timestamp     *TCPTimestamp
}

// TCPHeader represents the L4 TCP header.
type TCPHeader struct {
	SrcPort        uint16
	DstPort        uint16
	Seq            uint32
	Ack            uint32
	Flags          TCPFlags
	Window         uint16
	Urgent         uint16
	HeaderLen      int
	Checksum       uint16
	ChecksumStatus ChecksumStatus
	Options        TCPOptions
}

// UDPHeader represents the L4 UDP header.
type UDPHeader struct {
	SrcPort        uint16
	DstPort        uint16
	Length         uint16
	Checksum       uint16
	ChecksumStatus ChecksumStatus
}

// ICMPHeader carries the ICMP type and code for v4 and v6.
type ICMPHeader struct {
	Type uint8
	Code uint8
}

// DNSMessage is a summary of a DNS message.
type DNSMessage struct {
	ID        uint16
	Response  bool
	RCode     uint8
	Questions []string
	Answers   []netip.Addr // A and AAAA records
}
